// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"age-stats-service/internal/domain"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// AgeRepository はデータアクセスのインターフェース。
type AgeRepository interface {
	ExistsByUserID(ctx context.Context, userID string) (bool, error)
	Create(ctx context.Context, record *domain.AgeRecord) error
	FindAll(ctx context.Context) ([]*domain.AgeRecord, error)
}

// AgeService は暗号化年齢の提出と統計に関するビジネスロジックを提供する。
type AgeService struct {
	repo   AgeRepository
	engine *EvaluationEngine
}

// NewAgeService は新しいAgeServiceを生成する。
func NewAgeService(repo AgeRepository, engine *EvaluationEngine) *AgeService {
	return &AgeService{
		repo:   repo,
		engine: engine,
	}
}

// ValidateUserID はユーザーIDの形式を検証する。
func ValidateUserID(userID string) error {
	if !userIDRegex.MatchString(userID) {
		return domain.ErrInvalidUserID
	}
	return nil
}

// Submit は暗号化年齢を検証して保存する。
// userID が空の場合はサーバー側でUUIDを採番する。暗号文は受け取ったまま保存する。
func (s *AgeService) Submit(ctx context.Context, userID, encryptedAge string) (*domain.AgeRecord, error) {
	if userID == "" {
		userID = uuid.NewString()
	}
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	// 現在の鍵で評価できない暗号文は受け付けない
	if _, err := s.engine.Codec().DecodeAge(encryptedAge); err != nil {
		slog.WarnContext(ctx, "rejected undecodable ciphertext",
			"operation", "submit",
			"user_id", userID,
			"encrypted_age", encryptedAge,
			"error", err,
		)
		return nil, err
	}

	exists, err := s.repo.ExistsByUserID(ctx, userID)
	if err != nil {
		return nil, storageError("checking existing record", err)
	}
	if exists {
		return nil, domain.ErrUserAlreadyExists
	}

	record := &domain.AgeRecord{
		UserID:       userID,
		EncryptedAge: encryptedAge,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrUserAlreadyExists) {
			return nil, err
		}
		return nil, storageError("creating record", err)
	}

	return record, nil
}

// GetStats はリクエスト時点の全レコードを閾値ごとに集計する。集計結果はキャッシュしない。
// 利用者数は集計対象と同じ読み取り結果から数えるため、常に評価件数と除外件数の和に一致する。
func (s *AgeService) GetStats(ctx context.Context, thresholds []domain.Threshold) (*domain.AggregateResult, error) {
	records, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, storageError("finding records", err)
	}

	result, err := s.engine.Evaluate(ctx, records, thresholds)
	if err != nil {
		return nil, err
	}
	result.TotalUsers = int64(len(records))
	return result, nil
}

// storageError はストレージ層のエラーをドメインエラーに変換する。
// 期限切れによる失敗はリトライ可能なタイムアウトとして扱う。
func storageError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", domain.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}
