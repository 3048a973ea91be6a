// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"age-stats-service/internal/domain"
)

// EncryptedAgeModel はgorm用のモデル定義。
// テーブルはマイグレーションで作成するため、型はダイアレクトごとのSQLに記述する。
type EncryptedAgeModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:uk_user_id"`
	EncryptedAge string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (EncryptedAgeModel) TableName() string {
	return "encrypted_ages"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *EncryptedAgeModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *EncryptedAgeModel) toDomain() *domain.AgeRecord {
	return &domain.AgeRecord{
		ID:           e.ID,
		UserID:       e.UserID,
		EncryptedAge: e.EncryptedAge,
		CreatedAt:    e.CreatedAt,
	}
}

// AgeRepository は暗号化年齢レコードへのデータアクセスを提供する。
type AgeRepository struct {
	db *gorm.DB
}

// NewAgeRepository は新しいAgeRepositoryを生成する。
func NewAgeRepository(db *gorm.DB) *AgeRepository {
	return &AgeRepository{db: db}
}

// ExistsByUserID は指定されたユーザーのレコードが存在するか確認する。
func (r *AgeRepository) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&EncryptedAgeModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count records by user_id",
			"operation", "exists_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Create は暗号化年齢を保存する。暗号文は受け取ったまま保存する。
// user_idの一意制約に違反した場合は domain.ErrUserAlreadyExists を返す。
func (r *AgeRepository) Create(ctx context.Context, record *domain.AgeRecord) error {
	model := &EncryptedAgeModel{
		ID:           record.ID,
		UserID:       record.UserID,
		EncryptedAge: record.EncryptedAge,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrUserAlreadyExists
		}
		slog.ErrorContext(ctx, "failed to create record",
			"operation", "create",
			"user_id", record.UserID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	record.ID = model.ID
	record.CreatedAt = model.CreatedAt
	return nil
}

// FindAll は全レコードを作成順に取得する。
func (r *AgeRepository) FindAll(ctx context.Context) ([]*domain.AgeRecord, error) {
	var models []EncryptedAgeModel
	err := r.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all records",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.AgeRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}
