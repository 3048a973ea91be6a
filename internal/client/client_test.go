package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"age-stats-service/config"
	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
	"age-stats-service/internal/fhe/fhetest"
	"age-stats-service/internal/handler"
	"age-stats-service/internal/repository"
	"age-stats-service/internal/usecase"
	"age-stats-service/migrations"
)

// setupServer はSQLiteを使った実サーバーを起動する。
func setupServer(t *testing.T) (*Client, *fhe.Client) {
	t.Helper()
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS, config.DriverSQLite)
	if _, err := migrationService.ApplyMigrations(ctx); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	_, evk, sk := fhetest.KeyPair(t)
	engine := usecase.NewEvaluationEngine(evk, usecase.WithWorkers(2))
	svc := usecase.NewAgeService(repository.NewAgeRepository(db), engine)
	h := handler.NewAgeHandler(svc, []domain.Threshold{25, 35})

	srv := httptest.NewServer(handler.NewRouter(h, &config.Config{RequestTimeout: time.Minute}))
	t.Cleanup(srv.Close)

	return New(srv.URL, WithTimeout(time.Minute)), fhe.NewClient(sk)
}

func TestClient_SubmitAndStats(t *testing.T) {
	ctx := context.Background()
	c, fc := setupServer(t)

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	for i, age := range []uint{20, 30, 40} {
		encrypted, err := EncryptAge(fc, age)
		if err != nil {
			t.Fatalf("EncryptAge failed: %v", err)
		}
		userID := []string{"alice", "bob", "carol"}[i]
		got, err := c.SubmitAge(ctx, userID, encrypted)
		if err != nil {
			t.Fatalf("SubmitAge failed: %v", err)
		}
		if got != userID {
			t.Errorf("want %s, got %s", userID, got)
		}
	}

	resp, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	stats, err := DecryptStats(fc, resp)
	if err != nil {
		t.Fatalf("DecryptStats failed: %v", err)
	}

	if stats.TotalUsers != 3 {
		t.Errorf("want 3 users, got %d", stats.TotalUsers)
	}
	if len(stats.Thresholds) != 2 {
		t.Fatalf("want 2 thresholds, got %d", len(stats.Thresholds))
	}
	want := []struct {
		threshold domain.Threshold
		count     uint64
	}{{25, 1}, {35, 2}}
	for i, w := range want {
		tc := stats.Thresholds[i]
		if tc.Threshold != w.threshold || tc.Status != "ok" || tc.Count == nil || *tc.Count != w.count {
			t.Errorf("threshold %s: unexpected result %+v", w.threshold, tc)
		}
	}
}

func TestClient_SubmitAge_GeneratedUserID(t *testing.T) {
	ctx := context.Background()
	c, fc := setupServer(t)

	encrypted, err := EncryptAge(fc, 42)
	if err != nil {
		t.Fatalf("EncryptAge failed: %v", err)
	}
	userID, err := c.SubmitAge(ctx, "", encrypted)
	if err != nil {
		t.Fatalf("SubmitAge failed: %v", err)
	}
	if userID == "" {
		t.Error("expected server-generated user ID")
	}
}

func TestClient_APIErrors(t *testing.T) {
	ctx := context.Background()
	c, fc := setupServer(t)

	encrypted, err := EncryptAge(fc, 30)
	if err != nil {
		t.Fatalf("EncryptAge failed: %v", err)
	}
	if _, err := c.SubmitAge(ctx, "dup", encrypted); err != nil {
		t.Fatalf("SubmitAge failed: %v", err)
	}

	_, err = c.SubmitAge(ctx, "dup", encrypted)
	if !IsCode(err, "USER_ALREADY_EXISTS") {
		t.Errorf("want USER_ALREADY_EXISTS, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("want 409 APIError, got %v", err)
	}

	if _, err := c.SubmitAge(ctx, "other", "garbage"); !IsCode(err, "MALFORMED_CIPHERTEXT") {
		t.Errorf("want MALFORMED_CIPHERTEXT, got %v", err)
	}
}

func TestClient_Stats_Empty(t *testing.T) {
	ctx := context.Background()
	c, fc := setupServer(t)

	resp, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	stats, err := DecryptStats(fc, resp)
	if err != nil {
		t.Fatalf("DecryptStats failed: %v", err)
	}
	for _, tc := range stats.Thresholds {
		if tc.Status != "empty" || tc.Count != nil {
			t.Errorf("threshold %s: want empty without count, got %+v", tc.Threshold, tc)
		}
	}
}

func TestEncryptAge_Range(t *testing.T) {
	_, _, sk := fhetest.KeyPair(t)
	fc := fhe.NewClient(sk)

	if _, err := EncryptAge(fc, domain.MaxSubmittableAge); err != nil {
		t.Errorf("age %d should be accepted: %v", domain.MaxSubmittableAge, err)
	}
	if _, err := EncryptAge(fc, domain.MaxSubmittableAge+1); !errors.Is(err, domain.ErrEncryptionRange) {
		t.Errorf("want ErrEncryptionRange, got %v", err)
	}
}

func TestAPIError_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"TIMEOUT","message":"evaluation did not finish in time"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Stats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if !apiErr.Retryable() || apiErr.RetryAfter != 30*time.Second || apiErr.Code != "TIMEOUT" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
