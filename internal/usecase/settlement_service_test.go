package usecase

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/internal/pqcrypto"
	"trade-settlement-service/internal/repository"
)

const (
	testAdmin  = "admin-1"
	testBuyer  = "buyer-1"
	testSeller = "seller-1"
	keyTTL     = 30 * 24 * time.Hour
)

var (
	testStart = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	keyPairsOnce sync.Once
	buyerPair    *pqcrypto.KeyPair
	sellerPair   *pqcrypto.KeyPair
)

// testHelper は *testing.T と *rapid.T の共通部分。
type testHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

// testKeyPairs はテスト全体で共有するML-DSA鍵ペアを返す。
func testKeyPairs(t testHelper) (*pqcrypto.KeyPair, *pqcrypto.KeyPair) {
	t.Helper()
	var err error
	keyPairsOnce.Do(func() {
		if buyerPair, err = pqcrypto.GenerateKeyPair(pqcrypto.DefaultScheme); err != nil {
			return
		}
		sellerPair, err = pqcrypto.GenerateKeyPair(pqcrypto.DefaultScheme)
	})
	if err != nil || buyerPair == nil || sellerPair == nil {
		t.Fatalf("failed to generate key pairs: %v", err)
	}
	return buyerPair, sellerPair
}

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher は配信されたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(events []*domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// recordingMetrics は記録された操作を保持する。
type recordingMetrics struct {
	mu         sync.Mutex
	operations map[string][]error
	stats      *domain.PlatformStats
	paused     bool
}

func (m *recordingMetrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operations == nil {
		m.operations = make(map[string][]error)
	}
	m.operations[operation] = append(m.operations[operation], err)
}

func (m *recordingMetrics) RecordStats(stats *domain.PlatformStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
}

func (m *recordingMetrics) RecordPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// staticEntropy は連番のエントロピーを返すテスト用の供給元。
type staticEntropy struct {
	mu   sync.Mutex
	next byte
}

func (s *staticEntropy) Generate(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return bytes.Repeat([]byte{s.next}, n), nil
}

type fixture struct {
	svc     *SettlementService
	db      *gorm.DB
	clock   *fakeClock
	pub     *recordingPublisher
	metrics *recordingMetrics
}

// newFixture はインメモリSQLite上にSettlementServiceを構築し、
// admin-1 にAdmin、buyer-1 にTraderを付与する。
func newFixture(t testing.TB) *fixture {
	t.Helper()
	return buildFixture(t, t.Cleanup)
}

// buildFixture は newFixture の本体。後始末は cleanup に登録する。
func buildFixture(t testHelper, cleanup func(func())) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	cleanup(func() { sqlDB.Close() })

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	verifier, err := pqcrypto.NewVerifier(pqcrypto.DefaultScheme)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	f := &fixture{
		db:      db,
		clock:   &fakeClock{now: testStart},
		pub:     &recordingPublisher{},
		metrics: &recordingMetrics{},
	}
	f.svc = NewSettlementService(
		repository.NewTransactor(db),
		Repositories{
			Keys:     repository.NewKeyRepository(db),
			Trades:   repository.NewTradeRepository(db),
			Entropy:  repository.NewEntropyRepository(db),
			Roles:    repository.NewRoleRepository(db),
			System:   repository.NewSystemRepository(db),
			Accounts: repository.NewAccountRepository(db),
			Events:   repository.NewEventRepository(db),
		},
		verifier,
		WithClock(f.clock.Now),
		WithPublisher(f.pub),
		WithMetrics(f.metrics),
		WithEntropySource(&staticEntropy{}),
	)

	ctx := context.Background()
	if _, err := f.svc.Bootstrap(ctx, testAdmin); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if err := f.svc.GrantRole(ctx, testAdmin, testBuyer, domain.RoleTrader); err != nil {
		t.Fatalf("GrantRole failed: %v", err)
	}
	return f
}

// registerPQKeys は買い手と売り手にML-DSA公開鍵を登録する。
func (f *fixture) registerPQKeys(t testHelper) {
	t.Helper()
	buyer, seller := testKeyPairs(t)
	ctx := context.Background()
	if _, err := f.svc.RegisterQuantumKey(ctx, testBuyer, buyer.PublicKey, keyTTL); err != nil {
		t.Fatalf("RegisterQuantumKey(buyer) failed: %v", err)
	}
	if _, err := f.svc.RegisterQuantumKey(ctx, testSeller, seller.PublicKey, keyTTL); err != nil {
		t.Fatalf("RegisterQuantumKey(seller) failed: %v", err)
	}
}

func entropyOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func oilRequest(entropy []byte) domain.TradeRequest {
	return domain.TradeRequest{
		Buyer:        testBuyer,
		Seller:       testSeller,
		Commodity:    domain.CommodityOil,
		Quantity:     10,
		Price:        decimal.RequireFromString("0.001"),
		DeliveryDate: testStart.Add(7 * 24 * time.Hour),
		Entropy:      entropy,
	}
}

// sign は当事者の確認メッセージに署名する。
func sign(t testHelper, trade *domain.EnergyTrade, signer string, entropy []byte) []byte {
	t.Helper()
	buyer, seller := testKeyPairs(t)
	kp := buyer
	if signer == testSeller {
		kp = seller
	}
	msg := domain.ConfirmationMessage(trade.ID, trade.QuantumTradeHash, signer, entropy)
	sig, err := pqcrypto.Sign(pqcrypto.DefaultScheme, kp.PrivateKey, msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return sig
}

// confirmBoth は双方の確認を行い、CONFIRMEDの取引を返す。
func (f *fixture) confirmBoth(t testHelper, trade *domain.EnergyTrade, buyerEntropy, sellerEntropy []byte) *domain.EnergyTrade {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.ConfirmTrade(ctx, testBuyer, trade.ID, sign(t, trade, testBuyer, buyerEntropy), buyerEntropy); err != nil {
		t.Fatalf("ConfirmTrade(buyer) failed: %v", err)
	}
	res, err := f.svc.ConfirmTrade(ctx, testSeller, trade.ID, sign(t, trade, testSeller, sellerEntropy), sellerEntropy)
	if err != nil {
		t.Fatalf("ConfirmTrade(seller) failed: %v", err)
	}
	return res.Trade
}

func TestScenario_KeyRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 32バイト鍵・30日有効は成功する
	for _, owner := range []string{testBuyer, testSeller} {
		key, err := f.svc.RegisterQuantumKey(ctx, owner, bytes.Repeat([]byte{0x42}, 32), keyTTL)
		if err != nil {
			t.Fatalf("RegisterQuantumKey(%s) failed: %v", owner, err)
		}
		if !key.IsActive || key.UsageCount != 0 {
			t.Errorf("want active key with zero usage, got %+v", key)
		}
		if !key.ExpiresAt.Equal(testStart.Add(keyTTL)) {
			t.Errorf("want expiresAt=%v, got %v", testStart.Add(keyTTL), key.ExpiresAt)
		}
	}

	// 16バイト鍵と366日有効は検証エラー
	if _, err := f.svc.RegisterQuantumKey(ctx, testBuyer, make([]byte, 16), keyTTL); !errors.Is(err, domain.ErrValidation) || !errors.Is(err, domain.ErrInvalidKeyLength) {
		t.Errorf("want InvalidKeyLength validation error, got %v", err)
	}
	if _, err := f.svc.RegisterQuantumKey(ctx, testBuyer, make([]byte, 32), 366*24*time.Hour); !errors.Is(err, domain.ErrValidation) || !errors.Is(err, domain.ErrValidityPeriodTooLong) {
		t.Errorf("want ValidityPeriodTooLong validation error, got %v", err)
	}

	// 失敗した登録は既存の鍵を変更しない
	key, err := f.svc.GetQuantumKey(ctx, testBuyer)
	if err != nil {
		t.Fatalf("GetQuantumKey failed: %v", err)
	}
	if len(key.PublicKey) != 32 || key.PublicKey[0] != 0x42 {
		t.Errorf("key must be unchanged after failed registration, got %x", key.PublicKey)
	}

	if _, err := f.svc.GetQuantumKey(ctx, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestScenario_TradeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerPQKeys(t)

	if _, err := f.svc.CreditAccount(ctx, testAdmin, testBuyer, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}

	// 取引作成
	entropyA := entropyOf(0xA1)
	trade, err := f.svc.CreateTrade(ctx, oilRequest(entropyA))
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	if trade.ID != 1 || trade.Status != domain.TradeStatusPending {
		t.Fatalf("want trade 1 PENDING, got %d %s", trade.ID, trade.Status)
	}
	if len(trade.QuantumTradeHash) != 32 {
		t.Errorf("want 32-byte trade hash, got %d bytes", len(trade.QuantumTradeHash))
	}

	// エントロピーの再利用は失敗し、取引は増えない
	if _, err := f.svc.CreateTrade(ctx, oilRequest(entropyA)); !errors.Is(err, domain.ErrEntropyReused) {
		t.Fatalf("want EntropyReused, got %v", err)
	}
	trades, _ := f.svc.ListTrades(ctx, domain.TradeFilter{})
	if len(trades) != 1 {
		t.Errorf("want 1 trade, got %d", len(trades))
	}

	// 双方の確認
	confirmed := f.confirmBoth(t, trade, entropyOf(0xB1), entropyOf(0xC1))
	if confirmed.Status != domain.TradeStatusConfirmed || !confirmed.QuantumVerified {
		t.Fatalf("want CONFIRMED and verified, got %s/%v", confirmed.Status, confirmed.QuantumVerified)
	}

	// 受渡日前の決済は失敗
	if _, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrDeliveryDateNotReached) {
		t.Errorf("want DeliveryDateNotReached, got %v", err)
	}

	f.clock.Advance(7*24*time.Hour + time.Minute)

	// 支払額の不一致
	if _, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.NewFromInt(5)); !errors.Is(err, domain.ErrIncorrectPayment) {
		t.Fatalf("want IncorrectPayment, got %v", err)
	}
	// 買い手以外は決済できない
	if _, err := f.svc.SettleTrade(ctx, testSeller, trade.ID, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want Unauthorized, got %v", err)
	}

	settled, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("SettleTrade failed: %v", err)
	}
	if settled.Status != domain.TradeStatusSettled || settled.SettledAt == nil {
		t.Errorf("want SETTLED with timestamp, got %s", settled.Status)
	}

	sellerBalance, _ := f.svc.GetBalance(ctx, testSeller)
	if !sellerBalance.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("want seller balance 0.01, got %s", sellerBalance)
	}
	buyerBalance, _ := f.svc.GetBalance(ctx, testBuyer)
	if !buyerBalance.Equal(decimal.RequireFromString("0.99")) {
		t.Errorf("want buyer balance 0.99, got %s", buyerBalance)
	}

	stats, err := f.svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Volume != 10 || !stats.Value.Equal(decimal.RequireFromString("0.01")) || stats.TradeCount != 1 {
		t.Errorf("want stats (10, 0.01, 1), got (%d, %s, %d)", stats.Volume, stats.Value, stats.TradeCount)
	}
	if f.metrics.stats == nil || f.metrics.stats.TradeCount != 1 {
		t.Errorf("want metrics to observe settled stats, got %+v", f.metrics.stats)
	}

	// 決済済み取引は再決済もキャンセルもできない
	if _, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want StateError on second settle, got %v", err)
	}
	if _, err := f.svc.CancelTrade(ctx, testBuyer, trade.ID, "too late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want StateError on cancel after settle, got %v", err)
	}

	wantEvents := []domain.EventType{
		domain.EventRoleGranted,
		domain.EventRoleGranted,
		domain.EventKeyRegistered,
		domain.EventKeyRegistered,
		domain.EventAccountCredited,
		domain.EventTradeCreated,
		domain.EventQuantumSignatureVerified,
		domain.EventQuantumSignatureVerified,
		domain.EventTradeConfirmed,
		domain.EventTradeSettled,
	}
	got := f.pub.types()
	if len(got) != len(wantEvents) {
		t.Fatalf("want %d events, got %d: %v", len(wantEvents), len(got), got)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Errorf("event %d: want %s, got %s", i, wantEvents[i], got[i])
		}
	}
}

func TestSettleTrade_InsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerPQKeys(t)

	trade, err := f.svc.CreateTrade(ctx, oilRequest(entropyOf(1)))
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	f.confirmBoth(t, trade, entropyOf(2), entropyOf(3))
	f.clock.Advance(8 * 24 * time.Hour)

	if _, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want InsufficientFunds, got %v", err)
	}

	got, _ := f.svc.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusConfirmed || got.SettledAt != nil {
		t.Errorf("trade must stay CONFIRMED, got %s", got.Status)
	}
	stats, _ := f.svc.GetStats(ctx)
	if stats.TradeCount != 0 {
		t.Errorf("stats must be untouched, got %+v", stats)
	}
	errs := f.metrics.operations["settle_trade"]
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrInsufficientFunds) {
		t.Errorf("want one failed settle_trade observation, got %v", errs)
	}
}

func TestSettleTrade_StatsOverflowRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerPQKeys(t)

	if _, err := f.svc.CreditAccount(ctx, testAdmin, testBuyer, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}
	nearFull := &domain.PlatformStats{Volume: math.MaxInt64 - 5, Value: decimal.Zero}
	if err := repository.NewSystemRepository(f.db).SaveStats(ctx, nearFull, testStart); err != nil {
		t.Fatalf("SaveStats failed: %v", err)
	}

	trade, err := f.svc.CreateTrade(ctx, oilRequest(entropyOf(1)))
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	f.confirmBoth(t, trade, entropyOf(2), entropyOf(3))
	f.clock.Advance(8 * 24 * time.Hour)

	if _, err := f.svc.SettleTrade(ctx, testBuyer, trade.ID, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrStatsOverflow) {
		t.Fatalf("want StatsOverflow, got %v", err)
	}

	got, _ := f.svc.GetTrade(ctx, trade.ID)
	if got.Status != domain.TradeStatusConfirmed {
		t.Errorf("trade must stay CONFIRMED, got %s", got.Status)
	}
	stats, _ := f.svc.GetStats(ctx)
	if stats.Volume != math.MaxInt64-5 || stats.TradeCount != 0 {
		t.Errorf("stats must be untouched, got %+v", stats)
	}
	buyerBalance, _ := f.svc.GetBalance(ctx, testBuyer)
	if !buyerBalance.Equal(decimal.NewFromInt(1)) {
		t.Errorf("payment must be rolled back, buyer balance %s", buyerBalance)
	}
}

func TestCreditAccount_RequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.CreditAccount(ctx, testBuyer, testBuyer, decimal.NewFromInt(100)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want Unauthorized, got %v", err)
	}
	if _, err := f.svc.CreditAccount(ctx, testAdmin, testBuyer, decimal.NewFromInt(-1)); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("want InvalidAmount, got %v", err)
	}
	balance, err := f.svc.CreditAccount(ctx, testAdmin, testBuyer, decimal.RequireFromString("2.5"))
	if err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("want 2.5, got %s", balance)
	}
}
