// Package migrations はダイアレクトごとのスキーマ定義SQLを埋め込む。
// ファイル名のフォーマット: {version}_{name}.sql
package migrations

import "embed"

// FS は mysql/ postgres/ sqlite/ の各ディレクトリを含む。
//
//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var FS embed.FS
