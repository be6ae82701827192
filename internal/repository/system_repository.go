package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trade-settlement-service/internal/domain"
)

// singletonID は単一行テーブルの主キー。
const singletonID = 1

// SystemStateModel は停止状態を保持する単一行テーブル。
type SystemStateModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement:false"`
	Paused    bool      `gorm:"not null;default:false"`
	UpdatedBy string    `gorm:"type:varchar(64)"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (SystemStateModel) TableName() string {
	return "system_state"
}

// PlatformStatsModel は累積統計を保持する単一行テーブル。
type PlatformStatsModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement:false"`
	Volume     int64     `gorm:"not null;default:0"`
	Value      string    `gorm:"type:varchar(64);not null"`
	TradeCount int64     `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (PlatformStatsModel) TableName() string {
	return "platform_stats"
}

// SystemRepository はシステム状態と統計のデータアクセスを提供する。
type SystemRepository struct {
	db *gorm.DB
}

// NewSystemRepository は新しいSystemRepositoryを生成する。
func NewSystemRepository(db *gorm.DB) *SystemRepository {
	return &SystemRepository{db: db}
}

// GetState はシステム状態を取得する。未初期化の場合は稼働中として扱う。
func (r *SystemRepository) GetState(ctx context.Context) (*domain.SystemState, error) {
	var model SystemStateModel
	err := conn(ctx, r.db).Where("id = ?", singletonID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.SystemState{}, nil
		}
		slog.ErrorContext(ctx, "failed to load system state",
			"operation", "get_state",
			"error", err,
		)
		return nil, err
	}
	return &domain.SystemState{
		Paused:    model.Paused,
		UpdatedBy: model.UpdatedBy,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

// SaveState はシステム状態を保存する。
func (r *SystemRepository) SaveState(ctx context.Context, state *domain.SystemState) error {
	model := &SystemStateModel{
		ID:        singletonID,
		Paused:    state.Paused,
		UpdatedBy: state.UpdatedBy,
		UpdatedAt: state.UpdatedAt,
	}
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"paused", "updated_by", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to save system state",
			"operation", "save_state",
			"paused", state.Paused,
			"error", err,
		)
		return err
	}
	return nil
}

// GetStats は累積統計を取得する。未初期化の場合はゼロ値を返す。
func (r *SystemRepository) GetStats(ctx context.Context) (*domain.PlatformStats, error) {
	var model PlatformStatsModel
	err := conn(ctx, r.db).Where("id = ?", singletonID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.PlatformStats{Value: decimal.Zero}, nil
		}
		slog.ErrorContext(ctx, "failed to load platform stats",
			"operation", "get_stats",
			"error", err,
		)
		return nil, err
	}
	value, err := decimal.NewFromString(model.Value)
	if err != nil {
		return nil, err
	}
	return &domain.PlatformStats{
		Volume:     model.Volume,
		Value:      value,
		TradeCount: model.TradeCount,
	}, nil
}

// SaveStats は累積統計を保存する。
func (r *SystemRepository) SaveStats(ctx context.Context, stats *domain.PlatformStats, now time.Time) error {
	model := &PlatformStatsModel{
		ID:         singletonID,
		Volume:     stats.Volume,
		Value:      stats.Value.String(),
		TradeCount: stats.TradeCount,
		UpdatedAt:  now,
	}
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"volume", "value", "trade_count", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to save platform stats",
			"operation", "save_stats",
			"error", err,
		)
		return err
	}
	return nil
}
