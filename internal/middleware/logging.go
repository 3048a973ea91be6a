// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	UserID    string `json:"user_id,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。暗号文や集計値は出力しない。
func WriteAuditLog(ctx context.Context, operation string, userID string, result string) {
	entry := AuditLog{
		Operation: operation,
		UserID:    userID,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	slog.InfoContext(ctx, "age operation completed",
		"operation", entry.Operation,
		"user_id", entry.UserID,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
	)
}
