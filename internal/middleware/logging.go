// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果。
const (
	AuditSuccess = "SUCCESS"
	AuditFailed  = "FAILED"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	Actor     string `json:"actor"`
	Target    string `json:"target,omitempty"`
	Result    string `json:"result"`
	Code      string `json:"code,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。
// target は操作対象（取引ID・鍵の所有者など）、code は失敗時のエラーコード。
func WriteAuditLog(ctx context.Context, entry AuditLog) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	level := slog.LevelInfo
	if entry.Result != AuditSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "settlement operation completed",
		"operation", entry.Operation,
		"actor", entry.Actor,
		"target", entry.Target,
		"result", entry.Result,
		"code", entry.Code,
		"timestamp", entry.Timestamp,
	)
}
