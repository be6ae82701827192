// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trade-settlement-service/internal/domain"
)

var tracer = otel.Tracer("trade-settlement-service/internal/usecase")

// Transactor はトランザクション境界のインターフェース。
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// KeyRepository は量子鍵のデータアクセスのインターフェース。
type KeyRepository interface {
	FindByOwner(ctx context.Context, owner string) (*domain.QuantumKey, error)
	Save(ctx context.Context, key *domain.QuantumKey) error
	FindExpiredActive(ctx context.Context, now time.Time) ([]*domain.QuantumKey, error)
}

// TradeRepository は取引のデータアクセスのインターフェース。
type TradeRepository interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, trade *domain.EnergyTrade) error
	Update(ctx context.Context, trade *domain.EnergyTrade) error
	FindByID(ctx context.Context, id uint64) (*domain.EnergyTrade, error)
	List(ctx context.Context, filter domain.TradeFilter) ([]*domain.EnergyTrade, error)
}

// EntropyRepository は消費済みエントロピー集合のインターフェース。
type EntropyRepository interface {
	Consume(ctx context.Context, rec *domain.EntropyRecord) error
}

// RoleRepository はロール付与のインターフェース。
type RoleRepository interface {
	HasRole(ctx context.Context, identity string, role domain.Role) (bool, error)
	Grant(ctx context.Context, a *domain.RoleAssignment) (bool, error)
	Revoke(ctx context.Context, identity string, role domain.Role) (bool, error)
	CountMembers(ctx context.Context, role domain.Role) (int64, error)
	ListByIdentity(ctx context.Context, identity string) ([]*domain.RoleAssignment, error)
}

// SystemRepository は停止状態と累積統計のインターフェース。
type SystemRepository interface {
	GetState(ctx context.Context) (*domain.SystemState, error)
	SaveState(ctx context.Context, state *domain.SystemState) error
	GetStats(ctx context.Context) (*domain.PlatformStats, error)
	SaveStats(ctx context.Context, stats *domain.PlatformStats, now time.Time) error
}

// PaymentRail は決済時の価値移転を行うインターフェース。
type PaymentRail interface {
	Balance(ctx context.Context, owner string) (decimal.Decimal, error)
	Credit(ctx context.Context, owner string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, now time.Time) error
}

// EventRepository はイベントログのインターフェース。
type EventRepository interface {
	Last(ctx context.Context) (*domain.Event, error)
	Append(ctx context.Context, events []*domain.Event) error
	List(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error)
}

// SignatureVerifier は耐量子署名の検証インターフェース。
type SignatureVerifier interface {
	Scheme() string
	Verify(publicKey, message, signature []byte) (bool, error)
}

// EntropySource は使い捨てのランダム値を供給するインターフェース。
type EntropySource interface {
	Generate(ctx context.Context, n int) ([]byte, error)
}

// Metrics は操作結果と統計を記録するインターフェース。
type Metrics interface {
	ObserveOperation(operation string, err error, elapsed time.Duration)
	RecordStats(stats *domain.PlatformStats)
	RecordPaused(paused bool)
}

// EventPublisher はコミット済みイベントを購読者へ配信するインターフェース。
type EventPublisher interface {
	Publish(events []*domain.Event)
}

// Repositories はSettlementServiceが使用するリポジトリの集合。
type Repositories struct {
	Keys     KeyRepository
	Trades   TradeRepository
	Entropy  EntropyRepository
	Roles    RoleRepository
	System   SystemRepository
	Accounts PaymentRail
	Events   EventRepository
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error, time.Duration) {}
func (noopMetrics) RecordStats(*domain.PlatformStats)             {}
func (noopMetrics) RecordPaused(bool)                             {}

type noopPublisher struct{}

func (noopPublisher) Publish([]*domain.Event) {}

// Option はSettlementServiceの任意設定。
type Option func(*SettlementService)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(clock func() time.Time) Option {
	return func(s *SettlementService) { s.clock = clock }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *SettlementService) { s.metrics = m }
}

// WithPublisher はイベントの配信先を設定する。
func WithPublisher(p EventPublisher) Option {
	return func(s *SettlementService) { s.publisher = p }
}

// WithEntropySource はエントロピー供給元を設定する。
func WithEntropySource(src EntropySource) Option {
	return func(s *SettlementService) { s.entropySource = src }
}

// SettlementService は量子鍵登録から決済までの取引ライフサイクルを提供する。
//
// 更新操作は書き込みロックを保持したまま単一のトランザクションで実行され、
// 全順序で直列化される。失敗した操作はエントロピー消費とイベントを含めて全てロールバックされる。
type SettlementService struct {
	mu sync.RWMutex

	tx       Transactor
	keys     KeyRepository
	trades   TradeRepository
	entropy  EntropyRepository
	roles    RoleRepository
	system   SystemRepository
	accounts PaymentRail
	events   EventRepository
	verifier SignatureVerifier

	entropySource EntropySource
	metrics       Metrics
	publisher     EventPublisher
	clock         func() time.Time
}

// NewSettlementService は新しいSettlementServiceを生成する。
func NewSettlementService(tx Transactor, repos Repositories, verifier SignatureVerifier, opts ...Option) *SettlementService {
	s := &SettlementService{
		tx:        tx,
		keys:      repos.Keys,
		trades:    repos.Trades,
		entropy:   repos.Entropy,
		roles:     repos.Roles,
		system:    repos.System,
		accounts:  repos.Accounts,
		events:    repos.Events,
		verifier:  verifier,
		metrics:   noopMetrics{},
		publisher: noopPublisher{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now はDBに保存される精度に丸めたUTC時刻を返す。
func (s *SettlementService) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// txScope は1回の更新操作の中で共有される状態。
type txScope struct {
	now     time.Time
	pending []pendingEvent
	events  []*domain.Event
}

type pendingEvent struct {
	typ     domain.EventType
	tradeID uint64
	actor   string
	payload map[string]any
}

// emit はコミット時にイベントログへ追記するイベントを登録する。
func (sc *txScope) emit(typ domain.EventType, tradeID uint64, actor string, payload map[string]any) {
	sc.pending = append(sc.pending, pendingEvent{typ: typ, tradeID: tradeID, actor: actor, payload: payload})
}

// mutate はfnを書き込みロックとトランザクションの下で実行し、
// 登録されたイベントを同じトランザクションでイベントログへ追記する。
// コミット後にイベントを配信する。
func (s *SettlementService) mutate(ctx context.Context, operation string, guardPause bool, fn func(ctx context.Context, sc *txScope) error) (err error) {
	ctx, span := tracer.Start(ctx, "SettlementService."+operation)
	defer span.End()

	started := time.Now()
	defer func() {
		s.metrics.ObserveOperation(operation, err, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := &txScope{now: s.now()}
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		sc.pending = nil
		sc.events = nil

		if guardPause {
			state, err := s.system.GetState(ctx)
			if err != nil {
				return fmt.Errorf("loading system state: %w", err)
			}
			if state.Paused {
				return domain.ErrSystemPaused
			}
		}

		if err := fn(ctx, sc); err != nil {
			return err
		}
		return s.appendEvents(ctx, sc)
	})
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("events", len(sc.events)))
	s.publisher.Publish(sc.events)
	return nil
}

// view は読み取りロックの下でfnを実行する。
func (s *SettlementService) view(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "SettlementService."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := fn(ctx); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

// consumeEntropy はエントロピーを検証して消費済み集合に記録する。
func (s *SettlementService) consumeEntropy(ctx context.Context, sc *txScope, entropy []byte, purpose domain.EntropyPurpose, consumer string, tradeID uint64) error {
	if err := domain.ValidateEntropy(entropy); err != nil {
		return err
	}
	err := s.entropy.Consume(ctx, &domain.EntropyRecord{
		Digest:     domain.EntropyDigest(entropy),
		Purpose:    purpose,
		Consumer:   consumer,
		TradeID:    tradeID,
		ConsumedAt: sc.now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrEntropyReused) {
			return err
		}
		return fmt.Errorf("consuming entropy: %w", err)
	}
	return nil
}

// loadTrade は取引を取得する。存在しない場合は domain.ErrTradeNotFound を返す。
func (s *SettlementService) loadTrade(ctx context.Context, tradeID uint64) (*domain.EnergyTrade, error) {
	trade, err := s.trades.FindByID(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("finding trade: %w", err)
	}
	if trade == nil {
		return nil, domain.ErrTradeNotFound
	}
	return trade, nil
}

// SettleTrade は買い手が正確な支払額を提示して確定済み取引を決済する。
// 支払額は買い手から売り手へ同じトランザクションで移転され、累積統計が更新される。
func (s *SettlementService) SettleTrade(ctx context.Context, caller string, tradeID uint64, payment decimal.Decimal) (*domain.EnergyTrade, error) {
	var (
		settled *domain.EnergyTrade
		stats   *domain.PlatformStats
	)
	err := s.mutate(ctx, "settle_trade", true, func(ctx context.Context, sc *txScope) error {
		trade, err := s.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if caller != trade.Buyer {
			return fmt.Errorf("%w: only the buyer can settle", domain.ErrUnauthorized)
		}
		if err := trade.Settle(payment, sc.now); err != nil {
			return err
		}

		if err := s.accounts.Transfer(ctx, trade.Buyer, trade.Seller, payment, sc.now); err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return err
			}
			return fmt.Errorf("transferring payment: %w", err)
		}

		current, err := s.system.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("loading stats: %w", err)
		}
		if err := current.Record(trade); err != nil {
			return err
		}
		if err := s.system.SaveStats(ctx, current, sc.now); err != nil {
			return fmt.Errorf("saving stats: %w", err)
		}

		if err := s.trades.Update(ctx, trade); err != nil {
			return fmt.Errorf("updating trade: %w", err)
		}

		sc.emit(domain.EventTradeSettled, trade.ID, caller, map[string]any{
			"trade_id":   trade.ID,
			"buyer":      trade.Buyer,
			"seller":     trade.Seller,
			"payment":    payment.String(),
			"settled_at": sc.now.Format(time.RFC3339Nano),
		})
		settled, stats = trade, current
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordStats(stats)
	return settled, nil
}

// CreditAccount は決済用口座に入金する。Adminのみ実行できる。
func (s *SettlementService) CreditAccount(ctx context.Context, caller, owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.mutate(ctx, "credit_account", true, func(ctx context.Context, sc *txScope) error {
		if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		if err := domain.ValidateIdentity(owner); err != nil {
			return err
		}
		if !amount.IsPositive() {
			return domain.ErrInvalidAmount
		}
		b, err := s.accounts.Credit(ctx, owner, amount, sc.now)
		if err != nil {
			return fmt.Errorf("crediting account: %w", err)
		}
		sc.emit(domain.EventAccountCredited, 0, caller, map[string]any{
			"owner":   owner,
			"amount":  amount.String(),
			"balance": b.String(),
		})
		balance = b
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// GetBalance は口座残高を返す。
func (s *SettlementService) GetBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.view(ctx, "get_balance", func(ctx context.Context) error {
		b, err := s.accounts.Balance(ctx, owner)
		if err != nil {
			return fmt.Errorf("loading balance: %w", err)
		}
		balance = b
		return nil
	})
	return balance, err
}

// GetStats は決済済み取引の累積統計を返す。
func (s *SettlementService) GetStats(ctx context.Context) (*domain.PlatformStats, error) {
	var stats *domain.PlatformStats
	err := s.view(ctx, "get_stats", func(ctx context.Context) error {
		st, err := s.system.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("loading stats: %w", err)
		}
		stats = st
		return nil
	})
	return stats, err
}
