package infra

import (
	"context"
	"log/slog"
	"sync"

	"trade-settlement-service/internal/domain"
)

// EventHandler はコミット済みイベントを受け取る購読者。
type EventHandler func(ctx context.Context, e *domain.Event)

type subscriber struct {
	name    string
	handler EventHandler
}

// EventBus はコミット済みイベントを非同期に購読者へ配信する。
// キューが満杯の場合はイベントを破棄する。購読者は ListEvents で欠落分を回収できる。
type EventBus struct {
	queue chan *domain.Event
	done  chan struct{}

	mu          sync.RWMutex
	subscribers []subscriber
	closed      bool
	closeOnce   sync.Once
}

// NewEventBus はキュー長sizeのイベントバスを生成し、配信ループを開始する。
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 256
	}
	b := &EventBus{
		queue: make(chan *domain.Event, size),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe は購読者を登録する。
func (b *EventBus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriber{name: name, handler: h})
}

// Publish はイベントをキューに積む。ブロックしない。
func (b *EventBus) Publish(events []*domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, e := range events {
		select {
		case b.queue <- e:
		default:
			slog.Warn("event queue full, dropping event",
				"sequence", e.Sequence,
				"event_id", e.ID,
				"type", string(e.Type),
			)
		}
	}
}

func (b *EventBus) run() {
	defer close(b.done)
	ctx := context.Background()
	for e := range b.queue {
		b.mu.RLock()
		subs := b.subscribers
		b.mu.RUnlock()
		for _, s := range subs {
			b.deliver(ctx, s, e)
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, s subscriber, e *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event subscriber panicked",
				"subscriber", s.name,
				"sequence", e.Sequence,
				"panic", r,
			)
		}
	}()
	s.handler(ctx, e)
}

// Close は新規の受付を止め、キューに残ったイベントを配信し終えるまで待つ。
func (b *EventBus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogEvent はイベントを構造化ログに出力する購読者。
func LogEvent(ctx context.Context, e *domain.Event) {
	slog.InfoContext(ctx, "ledger event",
		"sequence", e.Sequence,
		"event_id", e.ID,
		"type", string(e.Type),
		"trade_id", e.TradeID,
		"actor", e.Actor,
	)
}
