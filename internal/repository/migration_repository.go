package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"age-stats-service/internal/domain"
	"age-stats-service/internal/usecase"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
// checksum は適用後にSQLファイルが書き換えられたことを検出するために保持する。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	Dialect   string    `gorm:"column:dialect;type:varchar(16);not null;default:''"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

func (m *SchemaMigrationModel) toDomain() *domain.Migration {
	appliedAt := m.AppliedAt
	return &domain.Migration{
		Version:   m.Version,
		Name:      m.Name,
		Dialect:   m.Dialect,
		Checksum:  m.Checksum,
		AppliedAt: &appliedAt,
		Status:    domain.MigrationStatusApplied,
	}
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// WithTx はトランザクション内で動作するリポジトリを返す。
func (r *MigrationRepository) WithTx(tx *gorm.DB) usecase.MigrationRepository {
	return &MigrationRepository{db: tx}
}

// EnsureTable はschema_migrationsテーブルが無ければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i := range models {
		migrations[i] = models[i].toDomain()
	}

	return migrations, nil
}

// RecordMigration はマイグレーション適用履歴をファイルのチェックサムと共に記録する。
func (r *MigrationRepository) RecordMigration(ctx context.Context, migration *domain.Migration) error {
	model := &SchemaMigrationModel{
		Version:  migration.Version,
		Name:     migration.Name,
		Dialect:  migration.Dialect,
		Checksum: migration.Checksum,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", migration.Version,
			"dialect", migration.Dialect,
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}
