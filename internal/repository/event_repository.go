package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trade-settlement-service/internal/domain"
)

// EventModel は追記専用イベントログのモデル。
// Sequence はアプリケーションが直前のイベント+1で採番する。
type EventModel struct {
	Sequence  uint64         `gorm:"primaryKey;autoIncrement:false"`
	EventID   string         `gorm:"type:char(36);not null;uniqueIndex:uk_events_event_id"`
	Type      string         `gorm:"type:varchar(64);not null"`
	TradeID   uint64         `gorm:"not null;default:0;index:idx_events_trade"`
	Actor     string         `gorm:"type:varchar(64);not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	PrevHash  []byte         `gorm:"type:blob"`
	Hash      []byte         `gorm:"type:blob;not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (EventModel) TableName() string {
	return "events"
}

func (m *EventModel) toDomain() *domain.Event {
	return &domain.Event{
		Sequence:  m.Sequence,
		ID:        m.EventID,
		Type:      domain.EventType(m.Type),
		TradeID:   m.TradeID,
		Actor:     m.Actor,
		Payload:   json.RawMessage(m.Payload),
		PrevHash:  m.PrevHash,
		Hash:      m.Hash,
		CreatedAt: m.CreatedAt,
	}
}

// EventRepository はイベントログのデータアクセスを提供する。
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository は新しいEventRepositoryを生成する。
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Last は最新のイベントを取得する。ログが空の場合は (nil, nil) を返す。
func (r *EventRepository) Last(ctx context.Context) (*domain.Event, error) {
	var model EventModel
	err := conn(ctx, r.db).Order("sequence DESC").First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to load last event",
			"operation", "last",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Append はチェーン済みのイベントを追記する。
func (r *EventRepository) Append(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]*EventModel, len(events))
	for i, e := range events {
		models[i] = &EventModel{
			Sequence:  e.Sequence,
			EventID:   e.ID,
			Type:      string(e.Type),
			TradeID:   e.TradeID,
			Actor:     e.Actor,
			Payload:   datatypes.JSON(e.Payload),
			PrevHash:  e.PrevHash,
			Hash:      e.Hash,
			CreatedAt: e.CreatedAt,
		}
	}
	if err := conn(ctx, r.db).Create(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append events",
			"operation", "append",
			"first_sequence", events[0].Sequence,
			"count", len(events),
			"error", err,
		)
		return err
	}
	return nil
}

// List はシーケンス昇順でイベントを取得する。
func (r *EventRepository) List(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	q := conn(ctx, r.db).Where("sequence > ?", filter.AfterSequence)
	if filter.TradeID > 0 {
		q = q.Where("trade_id = ?", filter.TradeID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []EventModel
	if err := q.Order("sequence ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list events",
			"operation", "list",
			"after_sequence", filter.AfterSequence,
			"error", err,
		)
		return nil, err
	}

	events := make([]*domain.Event, len(models))
	for i := range models {
		events[i] = models[i].toDomain()
	}
	return events, nil
}
