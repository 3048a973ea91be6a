package domain

import "errors"

var (
	// ErrKey は鍵ファイルが存在しない・壊れている・パラメータが一致しない場合のエラー。
	// サーバー起動時に発生した場合は致命的エラーとして扱う。
	ErrKey = errors.New("key error")

	// ErrKeyAlreadyExists は鍵ファイルが既に存在する場合のエラー。
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrMalformedCiphertext は暗号文のエンコード・形状が不正な場合のエラー。
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrEmptyAggregate は集計対象の有効なレコードが存在しない場合のエラー。
	// 暗号化されたゼロとは区別して扱う。
	ErrEmptyAggregate = errors.New("empty aggregate")

	// ErrAggregateOverflow は集計件数が平文空間で表現できる上限を超える場合のエラー。
	ErrAggregateOverflow = errors.New("aggregate overflow")

	// ErrStorage はストレージ層から伝搬したエラー。
	ErrStorage = errors.New("storage error")

	// ErrEncryptionRange は暗号化対象の年齢がエンコード幅を超える場合のエラー。
	ErrEncryptionRange = errors.New("plaintext out of encryption range")

	// ErrTimeout は準同型演算がリクエスト期限内に完了しなかった場合のエラー（リトライ可能）。
	ErrTimeout = errors.New("evaluation timed out")

	// ErrInvalidThreshold は閾値の設定が不正な場合のエラー。
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidUserID はユーザーIDの形式が不正な場合のエラー。
	ErrInvalidUserID = errors.New("invalid user ID")

	// ErrUserAlreadyExists は同じユーザーIDで既に提出済みの場合のエラー。
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
