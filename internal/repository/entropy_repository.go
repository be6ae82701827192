package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"trade-settlement-service/internal/domain"
)

// EntropyModel は消費済みエントロピーのモデル。ダイジェストの主キー制約で再利用を防ぐ。
type EntropyModel struct {
	Digest     string    `gorm:"type:char(64);primaryKey"`
	Purpose    string    `gorm:"type:varchar(16);not null"`
	Consumer   string    `gorm:"type:varchar(64);not null"`
	TradeID    uint64    `gorm:"not null;default:0;index:idx_consumed_entropy_trade"`
	ConsumedAt time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (EntropyModel) TableName() string {
	return "consumed_entropy"
}

// EntropyRepository は消費済みエントロピー集合へのアクセスを提供する。
type EntropyRepository struct {
	db *gorm.DB
}

// NewEntropyRepository は新しいEntropyRepositoryを生成する。
func NewEntropyRepository(db *gorm.DB) *EntropyRepository {
	return &EntropyRepository{db: db}
}

// Exists はダイジェストが消費済みかを返す。
func (r *EntropyRepository) Exists(ctx context.Context, digest string) (bool, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&EntropyModel{}).
		Where("digest = ?", digest).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check entropy",
			"operation", "exists",
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Consume はエントロピーを消費済みとして記録する。
// 既に記録されている場合は domain.ErrEntropyReused を返す。
func (r *EntropyRepository) Consume(ctx context.Context, rec *domain.EntropyRecord) error {
	exists, err := r.Exists(ctx, rec.Digest)
	if err != nil {
		return err
	}
	if exists {
		return domain.ErrEntropyReused
	}

	model := &EntropyModel{
		Digest:     rec.Digest,
		Purpose:    string(rec.Purpose),
		Consumer:   rec.Consumer,
		TradeID:    rec.TradeID,
		ConsumedAt: rec.ConsumedAt,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		if isDuplicateKey(err) {
			return domain.ErrEntropyReused
		}
		slog.ErrorContext(ctx, "failed to consume entropy",
			"operation", "consume",
			"consumer", rec.Consumer,
			"error", err,
		)
		return err
	}
	return nil
}
