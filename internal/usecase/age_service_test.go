package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"age-stats-service/internal/domain"
)

// mockAgeRepository はテスト用のモックリポジトリ。
type mockAgeRepository struct {
	existsResult bool
	existsErr    error
	createErr    error
	findAllErr   error
	records      []*domain.AgeRecord
}

func (m *mockAgeRepository) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	if m.existsResult {
		return true, nil
	}
	for _, r := range m.records {
		if r.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAgeRepository) Create(ctx context.Context, record *domain.AgeRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	record.ID = "generated-id"
	record.CreatedAt = time.Now()
	m.records = append(m.records, record)
	return nil
}

func (m *mockAgeRepository) FindAll(ctx context.Context) ([]*domain.AgeRecord, error) {
	return m.records, m.findAllErr
}

func TestAgeService_Submit_Success(t *testing.T) {
	engine, client := newTestEngine(t)
	repo := &mockAgeRepository{}
	svc := NewAgeService(repo, engine)

	encrypted := encryptAge(t, client, 30)
	record, err := svc.Submit(context.Background(), "user-001", encrypted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if record.UserID != "user-001" {
		t.Errorf("want user_id user-001, got %s", record.UserID)
	}
	if len(repo.records) != 1 {
		t.Fatalf("want 1 stored record, got %d", len(repo.records))
	}
	if repo.records[0].EncryptedAge != encrypted {
		t.Error("expected ciphertext to be stored verbatim")
	}
}

func TestAgeService_Submit_GeneratesUserID(t *testing.T) {
	engine, client := newTestEngine(t)
	svc := NewAgeService(&mockAgeRepository{}, engine)

	record, err := svc.Submit(context.Background(), "", encryptAge(t, client, 30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(record.UserID) != 36 {
		t.Errorf("want generated UUID, got %q", record.UserID)
	}
}

func TestAgeService_Submit_Errors(t *testing.T) {
	engine, client := newTestEngine(t)
	valid := encryptAge(t, client, 30)

	tests := []struct {
		name      string
		repo      *mockAgeRepository
		userID    string
		encrypted string
		wantErr   error
	}{
		{"invalid user id", &mockAgeRepository{}, "user/../1", valid, domain.ErrInvalidUserID},
		{"too long user id", &mockAgeRepository{}, strings.Repeat("a", 65), valid, domain.ErrInvalidUserID},
		{"malformed ciphertext", &mockAgeRepository{}, "user-1", "garbage", domain.ErrMalformedCiphertext},
		{"duplicate user", &mockAgeRepository{existsResult: true}, "user-1", valid, domain.ErrUserAlreadyExists},
		{"duplicate on insert", &mockAgeRepository{createErr: domain.ErrUserAlreadyExists}, "user-1", valid, domain.ErrUserAlreadyExists},
		{"exists check fails", &mockAgeRepository{existsErr: errors.New("db down")}, "user-1", valid, domain.ErrStorage},
		{"insert fails", &mockAgeRepository{createErr: errors.New("db down")}, "user-1", valid, domain.ErrStorage},
		{"insert times out", &mockAgeRepository{createErr: context.DeadlineExceeded}, "user-1", valid, domain.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewAgeService(tt.repo, engine)
			_, err := svc.Submit(context.Background(), tt.userID, tt.encrypted)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAgeService_GetStats(t *testing.T) {
	engine, client := newTestEngine(t)
	repo := &mockAgeRepository{}
	svc := NewAgeService(repo, engine)

	ctx := context.Background()
	for i, age := range []uint{20, 30, 40} {
		if _, err := svc.Submit(ctx, "user-"+string(rune('a'+i)), encryptAge(t, client, age)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	result, err := svc.GetStats(ctx, []domain.Threshold{25, 35})
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if result.TotalUsers != 3 {
		t.Errorf("want 3 users, got %d", result.TotalUsers)
	}
	if got := decryptCount(t, client, result.PerThreshold[25]); got != 1 {
		t.Errorf("threshold 25: want 1, got %d", got)
	}
	if got := decryptCount(t, client, result.PerThreshold[35]); got != 2 {
		t.Errorf("threshold 35: want 2, got %d", got)
	}
}

// growingAgeRepository は読み取りのたびにレコードが1件増えるリポジトリ（読み取り中の投稿を模す）。
type growingAgeRepository struct {
	mockAgeRepository
	extra *domain.AgeRecord
}

func (m *growingAgeRepository) FindAll(ctx context.Context) ([]*domain.AgeRecord, error) {
	snapshot := append([]*domain.AgeRecord(nil), m.records...)
	m.records = append(m.records, m.extra)
	return snapshot, nil
}

func TestAgeService_GetStats_TotalMatchesEvaluatedRecords(t *testing.T) {
	engine, client := newTestEngine(t)
	repo := &growingAgeRepository{
		mockAgeRepository: mockAgeRepository{records: makeRecords(t, client, 20, 30)},
		extra:             &domain.AgeRecord{ID: "late", UserID: "late", EncryptedAge: encryptAge(t, client, 40)},
	}
	repo.records = append(repo.records, &domain.AgeRecord{ID: "broken", UserID: "broken", EncryptedAge: "AAAA"})
	svc := NewAgeService(repo, engine)

	for range 2 {
		result, err := svc.GetStats(context.Background(), []domain.Threshold{25})
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if result.TotalUsers != int64(result.EvaluatedRecords+result.SkippedRecords) {
			t.Errorf("total %d != evaluated %d + skipped %d",
				result.TotalUsers, result.EvaluatedRecords, result.SkippedRecords)
		}
	}
}

func TestAgeService_GetStats_Errors(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name    string
		repo    *mockAgeRepository
		wantErr error
	}{
		{"find fails", &mockAgeRepository{findAllErr: errors.New("db down")}, domain.ErrStorage},
		{"find times out", &mockAgeRepository{findAllErr: context.DeadlineExceeded}, domain.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewAgeService(tt.repo, engine)
			_, err := svc.GetStats(context.Background(), []domain.Threshold{25})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}
