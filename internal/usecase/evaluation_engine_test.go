package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"age-stats-service/internal/codec"
	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
	"age-stats-service/internal/fhe/fhetest"
)

// newTestEngine はテスト用の鍵ペアでエンジンとクライアントを生成する。
func newTestEngine(t *testing.T, opts ...EngineOption) (*EvaluationEngine, *fhe.Client) {
	t.Helper()
	_, evk, sk := fhetest.KeyPair(t)
	return NewEvaluationEngine(evk, opts...), fhe.NewClient(sk)
}

// encryptAge は年齢を暗号化してエンコードする。
func encryptAge(t *testing.T, client *fhe.Client, age uint) string {
	t.Helper()
	ct, err := client.Encrypt(age)
	if err != nil {
		t.Fatalf("Encrypt(%d) failed: %v", age, err)
	}
	s, err := codec.New(client.Parameters()).Encode(ct)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return s
}

// decryptCount は閾値の集計結果を復号する。
func decryptCount(t *testing.T, client *fhe.Client, tr domain.ThresholdResult) uint64 {
	t.Helper()
	if tr.Status != domain.ThresholdStatusOK {
		t.Fatalf("threshold %s: expected status ok, got %s (%s)", tr.Threshold, tr.Status, tr.Reason)
	}
	ct, err := codec.New(client.Parameters()).DecodeCount(tr.Ciphertext)
	if err != nil {
		t.Fatalf("DecodeCount failed: %v", err)
	}
	v, err := client.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	return v
}

func makeRecords(t *testing.T, client *fhe.Client, ages ...uint) []*domain.AgeRecord {
	t.Helper()
	records := make([]*domain.AgeRecord, len(ages))
	for i, age := range ages {
		records[i] = &domain.AgeRecord{
			ID:           "id-" + strconv.Itoa(i),
			UserID:       "user-" + strconv.Itoa(i),
			EncryptedAge: encryptAge(t, client, age),
		}
	}
	return records
}

func TestEvaluationEngine_Evaluate(t *testing.T) {
	engine, client := newTestEngine(t, WithWorkers(2))
	records := makeRecords(t, client, 20, 30, 40)

	result, err := engine.Evaluate(context.Background(), records, []domain.Threshold{35, 25})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.EvaluatedRecords != 3 || result.SkippedRecords != 0 {
		t.Errorf("want 3 evaluated / 0 skipped, got %d / %d", result.EvaluatedRecords, result.SkippedRecords)
	}
	if len(result.PerThreshold) != 2 {
		t.Fatalf("want 2 thresholds, got %d", len(result.PerThreshold))
	}
	if got := decryptCount(t, client, result.PerThreshold[25]); got != 1 {
		t.Errorf("threshold 25: want 1, got %d", got)
	}
	if got := decryptCount(t, client, result.PerThreshold[35]); got != 2 {
		t.Errorf("threshold 35: want 2, got %d", got)
	}
}

func TestEvaluationEngine_Evaluate_Boundaries(t *testing.T) {
	engine, client := newTestEngine(t)
	records := makeRecords(t, client, 0, 24, 25, 26, 255)

	result, err := engine.Evaluate(context.Background(), records, []domain.Threshold{0, 1, 25, 255, 256, 1000})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	want := map[domain.Threshold]uint64{0: 0, 1: 1, 25: 2, 255: 4, 256: 5, 1000: 5}
	for threshold, count := range want {
		if got := decryptCount(t, client, result.PerThreshold[threshold]); got != count {
			t.Errorf("threshold %s: want %d, got %d", threshold, count, got)
		}
	}
}

func TestEvaluationEngine_Evaluate_SkipsCorruptedRecord(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	engine, client := newTestEngine(t)
	records := makeRecords(t, client, 20, 30)
	records = append(records, &domain.AgeRecord{ID: "broken", UserID: "mallory", EncryptedAge: "not base64!"})

	result, err := engine.Evaluate(context.Background(), records, []domain.Threshold{25})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.EvaluatedRecords != 2 || result.SkippedRecords != 1 {
		t.Errorf("want 2 evaluated / 1 skipped, got %d / %d", result.EvaluatedRecords, result.SkippedRecords)
	}
	if got := decryptCount(t, client, result.PerThreshold[25]); got != 1 {
		t.Errorf("threshold 25: want 1, got %d", got)
	}
	if !strings.Contains(buf.String(), `"user_id":"mallory"`) {
		t.Errorf("expected skipped record to be logged, got %s", buf.String())
	}
}

func TestEvaluationEngine_Evaluate_SkipsTruncatedRecord(t *testing.T) {
	engine, client := newTestEngine(t)
	records := makeRecords(t, client, 20)

	raw, err := base64.StdEncoding.DecodeString(records[0].EncryptedAge)
	if err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	records = append(records, &domain.AgeRecord{
		ID:           "truncated",
		UserID:       "truncated",
		EncryptedAge: base64.StdEncoding.EncodeToString(raw[:len(raw)/2]),
	})

	result, err := engine.Evaluate(context.Background(), records, []domain.Threshold{25})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.EvaluatedRecords != 1 || result.SkippedRecords != 1 {
		t.Errorf("want 1 evaluated / 1 skipped, got %d / %d", result.EvaluatedRecords, result.SkippedRecords)
	}
	if got := decryptCount(t, client, result.PerThreshold[25]); got != 1 {
		t.Errorf("threshold 25: want 1, got %d", got)
	}
}

func TestEvaluationEngine_Evaluate_Empty(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name    string
		records []*domain.AgeRecord
	}{
		{"no records", nil},
		{"only corrupted records", []*domain.AgeRecord{{ID: "x", UserID: "x", EncryptedAge: ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Evaluate(context.Background(), tt.records, []domain.Threshold{25, 35})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			for _, threshold := range []domain.Threshold{25, 35} {
				tr := result.PerThreshold[threshold]
				if tr.Status != domain.ThresholdStatusEmpty {
					t.Errorf("threshold %s: want empty, got %s", threshold, tr.Status)
				}
				if tr.Ciphertext != "" {
					t.Errorf("threshold %s: empty result must not carry a ciphertext", threshold)
				}
			}
		})
	}
}

func TestEvaluationEngine_Evaluate_Timeout(t *testing.T) {
	engine, client := newTestEngine(t)
	records := makeRecords(t, client, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Evaluate(ctx, records, []domain.Threshold{25})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("want ErrTimeout, got %v", err)
	}
}

func TestEvaluationEngine_Evaluate_Overflow(t *testing.T) {
	engine, client := newTestEngine(t, WithMaxAggregate(2))
	records := makeRecords(t, client, 20, 30, 40)

	_, err := engine.Evaluate(context.Background(), records, []domain.Threshold{25})
	if !errors.Is(err, domain.ErrAggregateOverflow) {
		t.Errorf("want ErrAggregateOverflow, got %v", err)
	}

	// 上限ちょうどは集計できる
	result, err := engine.Evaluate(context.Background(), records[:2], []domain.Threshold{25})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := decryptCount(t, client, result.PerThreshold[25]); got != 1 {
		t.Errorf("threshold 25: want 1, got %d", got)
	}
}

func TestEvaluationEngine_Evaluate_RejectsForeignCiphertext(t *testing.T) {
	engine, client := newTestEngine(t)

	// 件数の暗号文は年齢として提出できない
	count, err := client.EncryptCount(1)
	if err != nil {
		t.Fatalf("EncryptCount failed: %v", err)
	}
	encoded, err := codec.New(client.Parameters()).Encode(count)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	result, err := engine.Evaluate(context.Background(), []*domain.AgeRecord{{ID: "c", UserID: "c", EncryptedAge: encoded}}, []domain.Threshold{25})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.SkippedRecords != 1 {
		t.Errorf("want 1 skipped, got %d", result.SkippedRecords)
	}
	if result.PerThreshold[25].Status != domain.ThresholdStatusEmpty {
		t.Errorf("want empty, got %s", result.PerThreshold[25].Status)
	}
}
