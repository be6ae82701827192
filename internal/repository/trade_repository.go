package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"trade-settlement-service/internal/domain"
)

// SignatureColumns は取引テーブルに埋め込まれる署名カラム。
// SignedAt がNULLの場合は未署名を表す。
type SignatureColumns struct {
	MessageHash []byte     `gorm:"type:blob"`
	Signature   []byte     `gorm:"type:blob"`
	Entropy     []byte     `gorm:"type:blob"`
	SignedAt    *time.Time
	Verified    bool `gorm:"not null;default:false"`
}

// TradeModel はgorm用のモデル定義。
type TradeModel struct {
	ID               uint64           `gorm:"primaryKey;autoIncrement"`
	Buyer            string           `gorm:"type:varchar(64);not null;index:idx_trades_buyer"`
	Seller           string           `gorm:"type:varchar(64);not null;index:idx_trades_seller"`
	Commodity        string           `gorm:"type:varchar(32);not null"`
	Quantity         int64            `gorm:"not null"`
	Price            string           `gorm:"type:varchar(64);not null"`
	DeliveryDate     time.Time        `gorm:"not null"`
	Status           string           `gorm:"type:varchar(16);not null;index:idx_trades_status"`
	BuyerSignature   SignatureColumns `gorm:"embedded;embeddedPrefix:buyer_sig_"`
	SellerSignature  SignatureColumns `gorm:"embedded;embeddedPrefix:seller_sig_"`
	QuantumTradeHash []byte           `gorm:"type:blob"`
	QuantumVerified  bool             `gorm:"not null;default:false"`
	SettledAt        *time.Time
	CancelledAt      *time.Time
	CancelledBy      string    `gorm:"type:varchar(64)"`
	CancelReason     string    `gorm:"type:varchar(256)"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (TradeModel) TableName() string {
	return "trades"
}

func signatureToModel(sig *domain.QuantumSignature) SignatureColumns {
	if sig == nil {
		return SignatureColumns{}
	}
	signedAt := sig.Timestamp
	return SignatureColumns{
		MessageHash: sig.MessageHash,
		Signature:   sig.Signature,
		Entropy:     sig.Entropy,
		SignedAt:    &signedAt,
		Verified:    sig.Verified,
	}
}

func (c SignatureColumns) toDomain() *domain.QuantumSignature {
	if c.SignedAt == nil {
		return nil
	}
	return &domain.QuantumSignature{
		MessageHash: c.MessageHash,
		Signature:   c.Signature,
		Timestamp:   *c.SignedAt,
		Entropy:     c.Entropy,
		Verified:    c.Verified,
	}
}

func tradeToModel(t *domain.EnergyTrade) *TradeModel {
	return &TradeModel{
		ID:               t.ID,
		Buyer:            t.Buyer,
		Seller:           t.Seller,
		Commodity:        string(t.Commodity),
		Quantity:         t.Quantity,
		Price:            t.Price.String(),
		DeliveryDate:     t.DeliveryDate,
		Status:           string(t.Status),
		BuyerSignature:   signatureToModel(t.BuyerSignature),
		SellerSignature:  signatureToModel(t.SellerSignature),
		QuantumTradeHash: t.QuantumTradeHash,
		QuantumVerified:  t.QuantumVerified,
		SettledAt:        t.SettledAt,
		CancelledAt:      t.CancelledAt,
		CancelledBy:      t.CancelledBy,
		CancelReason:     t.CancelReason,
		CreatedAt:        t.CreatedAt,
	}
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *TradeModel) toDomain() (*domain.EnergyTrade, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, err
	}
	return &domain.EnergyTrade{
		ID:               m.ID,
		Buyer:            m.Buyer,
		Seller:           m.Seller,
		Commodity:        domain.Commodity(m.Commodity),
		Quantity:         m.Quantity,
		Price:            price,
		DeliveryDate:     m.DeliveryDate,
		CreatedAt:        m.CreatedAt,
		Status:           domain.TradeStatus(m.Status),
		BuyerSignature:   m.BuyerSignature.toDomain(),
		SellerSignature:  m.SellerSignature.toDomain(),
		QuantumTradeHash: m.QuantumTradeHash,
		QuantumVerified:  m.QuantumVerified,
		SettledAt:        m.SettledAt,
		CancelledAt:      m.CancelledAt,
		CancelledBy:      m.CancelledBy,
		CancelReason:     m.CancelReason,
	}, nil
}

// TradeRepository は取引のデータアクセスを提供する。
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository は新しいTradeRepositoryを生成する。
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// NextID は次に採番する取引IDを返す。書き込みロック下で呼び出すこと。
func (r *TradeRepository) NextID(ctx context.Context) (uint64, error) {
	var maxID uint64
	err := conn(ctx, r.db).
		Model(&TradeModel{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max trade id",
			"operation", "next_id",
			"error", err,
		)
		return 0, err
	}
	return maxID + 1, nil
}

// Create は取引を作成する。IDが0の場合は自動採番された値をエンティティに反映する。
func (r *TradeRepository) Create(ctx context.Context, trade *domain.EnergyTrade) error {
	model := tradeToModel(trade)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create trade",
			"operation", "create",
			"buyer", trade.Buyer,
			"seller", trade.Seller,
			"error", err,
		)
		return err
	}
	trade.ID = model.ID
	return nil
}

// Update は取引の全カラムを上書きする。
func (r *TradeRepository) Update(ctx context.Context, trade *domain.EnergyTrade) error {
	model := tradeToModel(trade)
	result := conn(ctx, r.db).Save(model)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update trade",
			"operation", "update",
			"trade_id", trade.ID,
			"error", result.Error,
		)
		return result.Error
	}
	return nil
}

// FindByID はIDで取引を取得する。存在しない場合は (nil, nil) を返す。
func (r *TradeRepository) FindByID(ctx context.Context, id uint64) (*domain.EnergyTrade, error) {
	var model TradeModel
	err := conn(ctx, r.db).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find trade",
			"operation", "find_by_id",
			"trade_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// List は条件に一致する取引をID昇順で取得する。
func (r *TradeRepository) List(ctx context.Context, filter domain.TradeFilter) ([]*domain.EnergyTrade, error) {
	q := conn(ctx, r.db).Model(&TradeModel{})
	if filter.Participant != "" {
		q = q.Where("buyer = ? OR seller = ?", filter.Participant, filter.Participant)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.AfterID > 0 {
		q = q.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []TradeModel
	if err := q.Order("id ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list trades",
			"operation", "list",
			"participant", filter.Participant,
			"error", err,
		)
		return nil, err
	}

	trades := make([]*domain.EnergyTrade, 0, len(models))
	for i := range models {
		t, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}
