package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/pkg/httputil"
)

// CreateTradeRequest は取引作成のリクエスト形式。買い手は呼び出し元。
type CreateTradeRequest struct {
	Seller       string          `json:"seller"`
	Commodity    string          `json:"commodity"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	DeliveryDate time.Time       `json:"delivery_date"`
	Entropy      string          `json:"entropy"`
}

// ConfirmTradeRequest は取引確認のリクエスト形式。署名とエントロピーはBase64で渡す。
type ConfirmTradeRequest struct {
	Signature string `json:"signature"`
	Entropy   string `json:"entropy"`
}

// SettleTradeRequest は決済のリクエスト形式。
type SettleTradeRequest struct {
	Payment decimal.Decimal `json:"payment"`
}

// CancelTradeRequest はキャンセルのリクエスト形式。
type CancelTradeRequest struct {
	Reason string `json:"reason"`
}

// SignatureResponse は当事者の署名状況。
type SignatureResponse struct {
	MessageHash string `json:"message_hash"`
	SignedAt    string `json:"signed_at"`
	Verified    bool   `json:"verified"`
}

// TradeResponse は取引のレスポンス形式。
type TradeResponse struct {
	ID               uint64             `json:"id"`
	Buyer            string             `json:"buyer"`
	Seller           string             `json:"seller"`
	Commodity        string             `json:"commodity"`
	Quantity         int64              `json:"quantity"`
	Price            decimal.Decimal    `json:"price"`
	RequiredPayment  decimal.Decimal    `json:"required_payment"`
	DeliveryDate     string             `json:"delivery_date"`
	CreatedAt        string             `json:"created_at"`
	Status           string             `json:"status"`
	QuantumTradeHash string             `json:"quantum_trade_hash"`
	QuantumVerified  bool               `json:"quantum_verified"`
	BuyerSignature   *SignatureResponse `json:"buyer_signature,omitempty"`
	SellerSignature  *SignatureResponse `json:"seller_signature,omitempty"`
	SettledAt        string             `json:"settled_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
	CancelledBy      string             `json:"cancelled_by,omitempty"`
	CancelReason     string             `json:"cancel_reason,omitempty"`
}

// TradeListResponse は取引一覧のレスポンス形式。
type TradeListResponse struct {
	Trades []TradeResponse `json:"trades"`
}

// ConfirmTradeResponse は確認結果のレスポンス形式。
type ConfirmTradeResponse struct {
	Confirmed bool          `json:"confirmed"`
	Trade     TradeResponse `json:"trade"`
}

// StatsResponse はプラットフォーム統計のレスポンス形式。
type StatsResponse struct {
	Volume     int64           `json:"volume"`
	Value      decimal.Decimal `json:"value"`
	TradeCount int64           `json:"trade_count"`
}

func toSignatureResponse(sig *domain.QuantumSignature) *SignatureResponse {
	if sig == nil {
		return nil
	}
	return &SignatureResponse{
		MessageHash: hexOrEmpty(sig.MessageHash),
		SignedAt:    formatTime(sig.Timestamp),
		Verified:    sig.Verified,
	}
}

func toTradeResponse(t *domain.EnergyTrade) TradeResponse {
	return TradeResponse{
		ID:               t.ID,
		Buyer:            t.Buyer,
		Seller:           t.Seller,
		Commodity:        string(t.Commodity),
		Quantity:         t.Quantity,
		Price:            t.Price,
		RequiredPayment:  t.RequiredPayment(),
		DeliveryDate:     formatTime(t.DeliveryDate),
		CreatedAt:        formatTime(t.CreatedAt),
		Status:           string(t.Status),
		QuantumTradeHash: hexOrEmpty(t.QuantumTradeHash),
		QuantumVerified:  t.QuantumVerified,
		BuyerSignature:   toSignatureResponse(t.BuyerSignature),
		SellerSignature:  toSignatureResponse(t.SellerSignature),
		SettledAt:        formatTimePtr(t.SettledAt),
		CancelledAt:      formatTimePtr(t.CancelledAt),
		CancelledBy:      t.CancelledBy,
		CancelReason:     t.CancelReason,
	}
}

// CreateTrade は呼び出し元を買い手として取引を作成する。
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	commodity, err := domain.ParseCommodity(req.Commodity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entropy, ok := decodeBase64(req.Entropy)
	if !ok {
		badRequest(w, "entropy must be base64")
		return
	}

	trade, err := h.service.CreateTrade(r.Context(), domain.TradeRequest{
		Buyer:        caller(r),
		Seller:       req.Seller,
		Commodity:    commodity,
		Quantity:     req.Quantity,
		Price:        req.Price,
		DeliveryDate: req.DeliveryDate,
		Entropy:      entropy,
	})
	target := ""
	if trade != nil {
		target = strconv.FormatUint(trade.ID, 10)
	}
	audit(r.Context(), "CREATE_TRADE", target, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toTradeResponse(trade))
}

// GetTrade は取引を取得する。
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTradeID(r)
	if !ok {
		badRequest(w, "invalid trade ID")
		return
	}
	trade, err := h.service.GetTrade(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toTradeResponse(trade))
}

// ListTrades は取引一覧を返す。participant・status・after・limit で絞り込める。
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TradeFilter{Participant: q.Get("participant")}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseTradeStatus(s)
		if err != nil {
			badRequest(w, "unknown status")
			return
		}
		filter.Status = status
	}
	if s := q.Get("after"); s != "" {
		after, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(w, "after must be a trade ID")
			return
		}
		filter.AfterID = after
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	trades, err := h.service.ListTrades(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := TradeListResponse{Trades: make([]TradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = toTradeResponse(t)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// ConfirmTrade は当事者の署名を検証して取引を確認する。
func (h *Handler) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTradeID(r)
	if !ok {
		badRequest(w, "invalid trade ID")
		return
	}
	var req ConfirmTradeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	sig, ok := decodeBase64(req.Signature)
	if !ok {
		badRequest(w, "signature must be base64")
		return
	}
	entropy, ok := decodeBase64(req.Entropy)
	if !ok {
		badRequest(w, "entropy must be base64")
		return
	}

	res, err := h.service.ConfirmTrade(r.Context(), caller(r), id, sig, entropy)
	audit(r.Context(), "CONFIRM_TRADE", strconv.FormatUint(id, 10), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, ConfirmTradeResponse{
		Confirmed: res.Confirmed,
		Trade:     toTradeResponse(res.Trade),
	})
}

// SettleTrade は買い手の支払いで取引を決済する。
func (h *Handler) SettleTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTradeID(r)
	if !ok {
		badRequest(w, "invalid trade ID")
		return
	}
	var req SettleTradeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	trade, err := h.service.SettleTrade(r.Context(), caller(r), id, req.Payment)
	audit(r.Context(), "SETTLE_TRADE", strconv.FormatUint(id, 10), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toTradeResponse(trade))
}

// CancelTrade は取引をキャンセルする。
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTradeID(r)
	if !ok {
		badRequest(w, "invalid trade ID")
		return
	}
	var req CancelTradeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	trade, err := h.service.CancelTrade(r.Context(), caller(r), id, req.Reason)
	audit(r.Context(), "CANCEL_TRADE", strconv.FormatUint(id, 10), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toTradeResponse(trade))
}

// GetStats はプラットフォーム統計を返す。
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, StatsResponse{
		Volume:     stats.Volume,
		Value:      stats.Value,
		TradeCount: stats.TradeCount,
	})
}
