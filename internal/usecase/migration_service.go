package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"age-stats-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	WithTx(tx *gorm.DB) MigrationRepository
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, migration *domain.Migration) error
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
}

// MigrationService はマイグレーション実行のビジネスロジックを提供する。
type MigrationService struct {
	repo       MigrationRepository
	db         *gorm.DB
	migrations fs.FS
	dialect    string
}

// NewMigrationService は新しいMigrationServiceを生成する。
// migrations はダイアレクト名のディレクトリを含むファイルシステム。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, migrations fs.FS, dialect string) *MigrationService {
	return &MigrationService{
		repo:       repo,
		db:         db,
		migrations: migrations,
		dialect:    dialect,
	}
}

// scanMigrationFiles はダイアレクトのディレクトリから.sqlファイルをスキャンする。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.migrations, s.dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations for dialect %s: %w", s.dialect, err)
	}

	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}

		filePath := path.Join(s.dialect, entry.Name())
		data, err := fs.ReadFile(s.migrations, filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", filePath, err)
		}

		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			Dialect:  s.dialect,
			Path:     filePath,
			Checksum: migrationChecksum(data),
			Status:   domain.MigrationStatusPending,
		})
	}

	// バージョン順にソート
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("%w: duplicate version %s", domain.ErrInvalidMigrationFile, migrations[i].Version)
		}
	}

	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_encrypted_ages.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(nameWithoutExt, "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" || len(parts[0]) > 14 {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return "", "", fmt.Errorf("%w: %s (version must be numeric)", domain.ErrInvalidMigrationFile, filename)
	}

	return parts[0], parts[1], nil
}

// migrationChecksum はSQLファイル内容のBLAKE2bハッシュを返す。
func migrationChecksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// splitStatements はSQLファイルを文単位に分割する。
// MySQLドライバは既定で複数文の一括実行を許可しないため、1文ずつ実行する。
func splitStatements(sql string) []string {
	var stmts []string
	for _, stmt := range strings.Split(sql, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行する。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMigrationFailed, err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"dialect", s.dialect,
			"error", err,
		)
		return 0, err
	}

	// 未適用マイグレーションをフィルタリング
	var pendingMigrations []*domain.Migration
	for _, migration := range allMigrations {
		applied, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			slog.ErrorContext(ctx, "failed to check migration status",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return 0, fmt.Errorf("failed to check migration status: %w", err)
		}
		if !applied {
			pendingMigrations = append(pendingMigrations, migration)
		}
	}

	appliedCount := 0
	for _, migration := range pendingMigrations {
		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}

	return appliedCount, nil
}

// applyMigration は単一のマイグレーションを実行する。
// MySQLのDDLは暗黙的にコミットされるため、トランザクションが保証するのは履歴の記録のみ。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.migrations, migration.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	stmts := splitStatements(string(sqlBytes))
	if len(stmts) == 0 {
		return fmt.Errorf("%w: %s contains no statements", domain.ErrInvalidMigrationFile, migration.Path)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}

		// 履歴を記録（同じtxを使用）
		if err := s.repo.WithTx(tx).RecordMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}

		return nil
	})
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration)
	for _, migration := range appliedMigrations {
		appliedMap[migration.Version] = migration
	}

	for _, migration := range allMigrations {
		if applied, exists := appliedMap[migration.Version]; exists {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = applied.AppliedAt
			// 記録のないチェックサムは比較しない
			if applied.Checksum != "" && applied.Checksum != migration.Checksum {
				migration.Status = domain.MigrationStatusModified
				slog.WarnContext(ctx, "applied migration has been modified",
					"operation", "get_migration_status",
					"version", migration.Version,
					"recorded_checksum", applied.Checksum,
					"file_checksum", migration.Checksum,
				)
			}
		}
	}

	return allMigrations, nil
}
