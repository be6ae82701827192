package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Commodity はエネルギー商品の種別を表す。
type Commodity string

const (
	CommodityOil           Commodity = "OIL"
	CommodityNaturalGas    Commodity = "NATURAL_GAS"
	CommodityElectricity   Commodity = "ELECTRICITY"
	CommodityRECs          Commodity = "RECS"
	CommodityCarbonCredits Commodity = "CARBON_CREDITS"
	CommodityCoal          Commodity = "COAL"
)

var commodities = map[Commodity]struct{}{
	CommodityOil:           {},
	CommodityNaturalGas:    {},
	CommodityElectricity:   {},
	CommodityRECs:          {},
	CommodityCarbonCredits: {},
	CommodityCoal:          {},
}

// ParseCommodity は大文字小文字を区別せずに商品種別を解釈する。
func ParseCommodity(s string) (Commodity, error) {
	c := Commodity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := commodities[c]; !ok {
		return "", ErrInvalidCommodity
	}
	return c, nil
}

// TradeStatus は取引のライフサイクル状態を表す。
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusConfirmed TradeStatus = "CONFIRMED"
	TradeStatusSettled   TradeStatus = "SETTLED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

// ParseTradeStatus は取引状態を解釈する。
func ParseTradeStatus(s string) (TradeStatus, error) {
	st := TradeStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case TradeStatusPending, TradeStatusConfirmed, TradeStatusSettled, TradeStatusCancelled:
		return st, nil
	}
	return "", ErrValidation
}

const (
	// MinEntropyLength はエントロピーの最小バイト長。
	MinEntropyLength = 16
	// MaxCancelReasonLength はキャンセル理由の最大文字数。
	MaxCancelReasonLength = 256
)

// QuantumSignature は取引・当事者・エントロピーを束縛する署名を表す。
type QuantumSignature struct {
	MessageHash []byte
	Signature   []byte
	Timestamp   time.Time
	Entropy     []byte
	Verified    bool
}

// EnergyTrade はエネルギー取引エンティティを表す。
type EnergyTrade struct {
	ID               uint64
	Buyer            string
	Seller           string
	Commodity        Commodity
	Quantity         int64
	Price            decimal.Decimal
	DeliveryDate     time.Time
	CreatedAt        time.Time
	Status           TradeStatus
	BuyerSignature   *QuantumSignature
	SellerSignature  *QuantumSignature
	QuantumTradeHash []byte
	QuantumVerified  bool
	SettledAt        *time.Time
	CancelledAt      *time.Time
	CancelledBy      string
	CancelReason     string
}

// TradeRequest は取引作成時の入力を表す。
type TradeRequest struct {
	Buyer        string
	Seller       string
	Commodity    Commodity
	Quantity     int64
	Price        decimal.Decimal
	DeliveryDate time.Time
	Entropy      []byte
}

// Validate は取引作成の入力値を検証する。自己取引は別途判定する。
func (r *TradeRequest) Validate(now time.Time) error {
	if err := ValidateIdentity(r.Buyer); err != nil {
		return err
	}
	if err := ValidateIdentity(r.Seller); err != nil {
		return err
	}
	if _, ok := commodities[r.Commodity]; !ok {
		return ErrInvalidCommodity
	}
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !r.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if !r.DeliveryDate.After(now) {
		return ErrInvalidDeliveryDate
	}
	return ValidateEntropy(r.Entropy)
}

// ValidateEntropy はエントロピーの長さを検証する。
func ValidateEntropy(entropy []byte) error {
	if len(entropy) < MinEntropyLength {
		return ErrInvalidEntropy
	}
	return nil
}

// RequiredPayment は決済に必要な金額（quantity × price）を返す。
func (t *EnergyTrade) RequiredPayment() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// IsParticipant は指定されたIDが買い手または売り手かを返す。
func (t *EnergyTrade) IsParticipant(id string) bool {
	return id == t.Buyer || id == t.Seller
}

// SignatureOf は当事者の署名を返す。
func (t *EnergyTrade) SignatureOf(id string) *QuantumSignature {
	switch id {
	case t.Buyer:
		return t.BuyerSignature
	case t.Seller:
		return t.SellerSignature
	}
	return nil
}

// AttachSignature は当事者の署名を記録し、双方が署名済みならCONFIRMEDへ遷移させる。
// 遷移した場合はtrueを返す。
func (t *EnergyTrade) AttachSignature(id string, sig *QuantumSignature) (bool, error) {
	if t.Status != TradeStatusPending {
		return false, ErrTradeNotPending
	}
	if !t.IsParticipant(id) {
		return false, ErrNotParticipant
	}
	if t.SignatureOf(id) != nil {
		return false, ErrAlreadyConfirmed
	}
	if id == t.Buyer {
		t.BuyerSignature = sig
	} else {
		t.SellerSignature = sig
	}
	if t.BuyerSignature != nil && t.SellerSignature != nil &&
		t.BuyerSignature.Verified && t.SellerSignature.Verified {
		t.Status = TradeStatusConfirmed
		t.QuantumVerified = true
		return true, nil
	}
	return false, nil
}

// Cancel は取引をCANCELLEDへ遷移させる。
func (t *EnergyTrade) Cancel(by, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > MaxCancelReasonLength {
		return ErrInvalidReason
	}
	if t.Status != TradeStatusPending && t.Status != TradeStatusConfirmed {
		return ErrTradeNotCancellable
	}
	t.Status = TradeStatusCancelled
	t.CancelledAt = &now
	t.CancelledBy = by
	t.CancelReason = reason
	return nil
}

// Settle は支払額と受渡日を検証してSETTLEDへ遷移させる。
func (t *EnergyTrade) Settle(payment decimal.Decimal, now time.Time) error {
	if t.Status != TradeStatusConfirmed {
		return ErrTradeNotConfirmed
	}
	if now.Before(t.DeliveryDate) {
		return ErrDeliveryDateNotReached
	}
	if !payment.Equal(t.RequiredPayment()) {
		return ErrIncorrectPayment
	}
	t.Status = TradeStatusSettled
	t.SettledAt = &now
	return nil
}

// TradeFilter は取引一覧の絞り込み条件。
type TradeFilter struct {
	Participant string
	Status      TradeStatus
	AfterID     uint64
	Limit       int
}
