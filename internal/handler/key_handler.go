package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/pkg/httputil"
)

// RegisterKeyRequest は鍵登録のリクエスト形式。公開鍵はBase64で渡す。
type RegisterKeyRequest struct {
	PublicKey       string `json:"public_key"`
	ValiditySeconds int64  `json:"validity_seconds"`
}

// KeyResponse は量子鍵のレスポンス形式。
type KeyResponse struct {
	Owner      string `json:"owner"`
	PublicKey  string `json:"public_key"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
	IsActive   bool   `json:"is_active"`
	UsageCount uint64 `json:"usage_count"`
}

// ExpireKeysResponse は失効処理のレスポンス形式。
type ExpireKeysResponse struct {
	Expired int `json:"expired"`
}

// EntropyResponse は生成したエントロピーのレスポンス形式。
type EntropyResponse struct {
	Entropy string `json:"entropy"`
}

func toKeyResponse(k *domain.QuantumKey) KeyResponse {
	return KeyResponse{
		Owner:      k.Owner,
		PublicKey:  base64.StdEncoding.EncodeToString(k.PublicKey),
		CreatedAt:  formatTime(k.CreatedAt),
		ExpiresAt:  formatTime(k.ExpiresAt),
		IsActive:   k.IsActive,
		UsageCount: k.UsageCount,
	}
}

// RegisterKey は呼び出し元の量子公開鍵を登録する。
func (h *Handler) RegisterKey(w http.ResponseWriter, r *http.Request) {
	var req RegisterKeyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	pk, ok := decodeBase64(req.PublicKey)
	if !ok {
		badRequest(w, "public_key must be base64")
		return
	}

	owner := caller(r)
	key, err := h.service.RegisterQuantumKey(r.Context(), owner, pk, time.Duration(req.ValiditySeconds)*time.Second)
	audit(r.Context(), "REGISTER_KEY", owner, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toKeyResponse(key))
}

// GetKey は参加者の量子鍵を取得する。
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.service.GetQuantumKey(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// DeactivateKey は量子鍵を無効化する。
func (h *Handler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	key, err := h.service.DeactivateQuantumKey(r.Context(), caller(r), owner)
	audit(r.Context(), "DEACTIVATE_KEY", owner, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// ExpireKeys は有効期限切れの鍵を一括で無効化する。
func (h *Handler) ExpireKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ExpireKeys(r.Context(), caller(r))
	audit(r.Context(), "EXPIRE_KEYS", strconv.Itoa(n), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, ExpireKeysResponse{Expired: n})
}

// GenerateEntropy は新しいエントロピーを返す。size クエリでバイト長を指定できる。
func (h *Handler) GenerateEntropy(w http.ResponseWriter, r *http.Request) {
	size := 0
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			badRequest(w, "size must be an integer")
			return
		}
		size = n
	}

	b, err := h.service.GenerateEntropy(r.Context(), size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, EntropyResponse{Entropy: base64.StdEncoding.EncodeToString(b)})
}
