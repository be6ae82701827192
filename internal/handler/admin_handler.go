package handler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/pkg/httputil"
)

// SystemStateResponse は停止状態のレスポンス形式。
type SystemStateResponse struct {
	Paused    bool   `json:"paused"`
	UpdatedBy string `json:"updated_by,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// RoleResponse はロール付与のレスポンス形式。
type RoleResponse struct {
	Role      string `json:"role"`
	GrantedBy string `json:"granted_by"`
	GrantedAt string `json:"granted_at"`
}

// RoleListResponse はロール一覧のレスポンス形式。
type RoleListResponse struct {
	Identity string         `json:"identity"`
	Roles    []RoleResponse `json:"roles"`
}

// CreditRequest は入金のリクエスト形式。
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse は残高のレスポンス形式。
type BalanceResponse struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
}

// EventResponse はイベントのレスポンス形式。
type EventResponse struct {
	Sequence  uint64          `json:"sequence"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TradeID   uint64          `json:"trade_id,omitempty"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	CreatedAt string          `json:"created_at"`
}

// EventListResponse はイベント一覧のレスポンス形式。
type EventListResponse struct {
	Events []EventResponse `json:"events"`
}

// ChainReportResponse はハッシュチェーン検証のレスポンス形式。
type ChainReportResponse struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	HeadHash string `json:"head_hash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Pause はプラットフォームを停止する。
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	err := h.service.Pause(r.Context(), caller(r))
	audit(r.Context(), "PAUSE", "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSystemState(w, r)
}

// Unpause はプラットフォームの停止を解除する。
func (h *Handler) Unpause(w http.ResponseWriter, r *http.Request) {
	err := h.service.Unpause(r.Context(), caller(r))
	audit(r.Context(), "UNPAUSE", "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeSystemState(w, r)
}

// GetSystemState は停止状態を返す。
func (h *Handler) GetSystemState(w http.ResponseWriter, r *http.Request) {
	h.writeSystemState(w, r)
}

func (h *Handler) writeSystemState(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.SystemState(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := SystemStateResponse{Paused: state.Paused, UpdatedBy: state.UpdatedBy}
	if !state.UpdatedAt.IsZero() {
		resp.UpdatedAt = formatTime(state.UpdatedAt)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func roleParams(r *http.Request) (string, domain.Role, error) {
	role, err := domain.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		return "", "", err
	}
	return chi.URLParam(r, "identity"), role, nil
}

// GrantRole はロールを付与する。
func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	identity, role, err := roleParams(r)
	if err == nil {
		err = h.service.GrantRole(r.Context(), caller(r), identity, role)
	}
	audit(r.Context(), "GRANT_ROLE", identity+"/"+string(role), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeRole はロールを剥奪する。
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	identity, role, err := roleParams(r)
	if err == nil {
		err = h.service.RevokeRole(r.Context(), caller(r), identity, role)
	}
	audit(r.Context(), "REVOKE_ROLE", identity+"/"+string(role), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRoles は参加者のロール一覧を返す。
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	roles, err := h.service.ListRoles(r.Context(), identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := RoleListResponse{Identity: identity, Roles: make([]RoleResponse, len(roles))}
	for i, ra := range roles {
		resp.Roles[i] = RoleResponse{
			Role:      string(ra.Role),
			GrantedBy: ra.GrantedBy,
			GrantedAt: formatTime(ra.GrantedAt),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// CreditAccount は決済口座へ入金する。
func (h *Handler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req CreditRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	balance, err := h.service.CreditAccount(r.Context(), caller(r), owner, req.Amount)
	audit(r.Context(), "CREDIT_ACCOUNT", owner, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, BalanceResponse{Owner: owner, Balance: balance})
}

// GetBalance は決済口座の残高を返す。
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	balance, err := h.service.GetBalance(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, BalanceResponse{Owner: owner, Balance: balance})
}

// ListEvents はイベントログを返す。after・trade_id・limit で絞り込める。
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.EventFilter
	for name, dst := range map[string]*uint64{"after": &filter.AfterSequence, "trade_id": &filter.TradeID} {
		if s := q.Get(name); s != "" {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				badRequest(w, name+" must be a non-negative integer")
				return
			}
			*dst = v
		}
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := EventListResponse{Events: make([]EventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = EventResponse{
			Sequence:  e.Sequence,
			ID:        e.ID,
			Type:      string(e.Type),
			TradeID:   e.TradeID,
			Actor:     e.Actor,
			Payload:   e.Payload,
			PrevHash:  hexOrEmpty(e.PrevHash),
			Hash:      hex.EncodeToString(e.Hash),
			CreatedAt: formatTime(e.CreatedAt),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// VerifyEvents はイベントログのハッシュチェーンを検証する。
// 改ざんを検出した場合も200で valid=false を返す。
func (h *Handler) VerifyEvents(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyEventChain(r.Context())
	if errors.Is(err, domain.ErrEventChainBroken) {
		httputil.JSON(w, http.StatusOK, ChainReportResponse{Valid: false, Reason: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, ChainReportResponse{
		Valid:    true,
		Events:   report.Events,
		HeadHash: hexOrEmpty(report.HeadHash),
	})
}
