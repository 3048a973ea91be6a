package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
	// MigrationStatusModified は適用後にファイルの内容が変更されたことを表す
	MigrationStatusModified MigrationStatus = "modified"
)

// Migration はデータベースマイグレーションを表すドメインモデル
type Migration struct {
	Version   string          // マイグレーションバージョン（例: "001", "002"）
	Name      string          // マイグレーション名（ファイル名から抽出）
	Dialect   string          // 対象のDBドライバ（mysql / postgres / sqlite）
	Path      string          // 埋め込みファイルシステム上のパス
	Checksum  string          // SQLファイル内容のハッシュ（16進）
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	Status    MigrationStatus // 適用状態
}
