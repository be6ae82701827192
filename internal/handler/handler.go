// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/internal/middleware"
	"trade-settlement-service/internal/usecase"
	"trade-settlement-service/pkg/httputil"
)

// Handler は決済サービスのHTTPハンドラを提供する。
type Handler struct {
	service *usecase.SettlementService
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(service *usecase.SettlementService) *Handler {
	return &Handler{service: service}
}

var errorStatus = map[string]int{
	"VALIDATION_ERROR":    http.StatusBadRequest,
	"SELF_TRADE":          http.StatusBadRequest,
	"INVALID_QUANTUM_KEY": http.StatusUnprocessableEntity,
	"SIGNATURE_INVALID":   http.StatusUnprocessableEntity,
	"INCORRECT_PAYMENT":   http.StatusUnprocessableEntity,
	"INSUFFICIENT_FUNDS":  http.StatusUnprocessableEntity,
	"ENTROPY_REUSED":      http.StatusConflict,
	"INVALID_STATE":       http.StatusConflict,
	"EVENT_CHAIN_BROKEN":  http.StatusConflict,
	"UNAUTHORIZED":        http.StatusForbidden,
	"SYSTEM_PAUSED":       http.StatusServiceUnavailable,
	"NOT_FOUND":           http.StatusNotFound,
}

// writeError はエラー種別をHTTPステータスとエラーコードに変換して返す。
// 種別に該当しないエラーは詳細を伏せて500を返す。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status, ok := errorStatus[code]
	if !ok {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	httputil.Error(w, status, code, err.Error())
}

// badRequest は入力の解釈に失敗した場合の400を返す。
func badRequest(w http.ResponseWriter, message string) {
	httputil.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// audit は操作結果を監査ログに出力する。
func audit(ctx context.Context, operation, target string, err error) {
	entry := middleware.AuditLog{
		Operation: operation,
		Actor:     middleware.ParticipantFrom(ctx),
		Target:    target,
		Result:    middleware.AuditSuccess,
	}
	if err != nil {
		entry.Result = middleware.AuditFailed
		entry.Code = domain.ErrorCode(err)
	}
	middleware.WriteAuditLog(ctx, entry)
}

func caller(r *http.Request) string {
	return middleware.ParticipantFrom(r.Context())
}

func parseTradeID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "trade_id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func decodeBase64(s string) ([]byte, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
