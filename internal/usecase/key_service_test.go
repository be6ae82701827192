package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade-settlement-service/internal/domain"
)

func TestDeactivateQuantumKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerPQKeys(t)

	if _, err := f.svc.DeactivateQuantumKey(ctx, testSeller, testBuyer); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want Unauthorized, got %v", err)
	}
	if _, err := f.svc.DeactivateQuantumKey(ctx, testAdmin, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("want NotFound, got %v", err)
	}

	key, err := f.svc.DeactivateQuantumKey(ctx, testBuyer, testBuyer)
	if err != nil {
		t.Fatalf("DeactivateQuantumKey failed: %v", err)
	}
	if key.IsActive {
		t.Error("want inactive key")
	}

	// 無効化された鍵では取引を作成できない
	if _, err := f.svc.CreateTrade(ctx, oilRequest(entropyOf(1))); !errors.Is(err, domain.ErrInactiveKey) {
		t.Errorf("want InactiveKey, got %v", err)
	}

	// 再登録で有効化される
	buyer, _ := testKeyPairs(t)
	if _, err := f.svc.RegisterQuantumKey(ctx, testBuyer, buyer.PublicKey, keyTTL); err != nil {
		t.Fatalf("RegisterQuantumKey failed: %v", err)
	}
	if _, err := f.svc.CreateTrade(ctx, oilRequest(entropyOf(1))); err != nil {
		t.Errorf("CreateTrade after re-registration failed: %v", err)
	}
}

func TestExpireKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.RegisterQuantumKey(ctx, testBuyer, make([]byte, 32), time.Hour); err != nil {
		t.Fatalf("RegisterQuantumKey failed: %v", err)
	}
	if _, err := f.svc.RegisterQuantumKey(ctx, testSeller, make([]byte, 32), keyTTL); err != nil {
		t.Fatalf("RegisterQuantumKey failed: %v", err)
	}
	f.clock.Advance(2 * time.Hour)

	if _, err := f.svc.ExpireKeys(ctx, testBuyer); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want Unauthorized, got %v", err)
	}

	if err := f.svc.GrantRole(ctx, testAdmin, "oracle-1", domain.RoleOracle); err != nil {
		t.Fatalf("GrantRole failed: %v", err)
	}
	n, err := f.svc.ExpireKeys(ctx, "oracle-1")
	if err != nil {
		t.Fatalf("ExpireKeys failed: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 expired key, got %d", n)
	}

	buyerKey, _ := f.svc.GetQuantumKey(ctx, testBuyer)
	sellerKey, _ := f.svc.GetQuantumKey(ctx, testSeller)
	if buyerKey.IsActive || !sellerKey.IsActive {
		t.Errorf("want buyer inactive and seller active, got %v/%v", buyerKey.IsActive, sellerKey.IsActive)
	}

	n, _ = f.svc.ExpireKeys(ctx, testAdmin)
	if n != 0 {
		t.Errorf("second sweep must be a no-op, got %d", n)
	}
}

func TestGenerateEntropy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b, err := f.svc.GenerateEntropy(ctx, 0)
	if err != nil {
		t.Fatalf("GenerateEntropy failed: %v", err)
	}
	if len(b) != DefaultEntropySize {
		t.Errorf("want %d bytes, got %d", DefaultEntropySize, len(b))
	}
	if _, err := f.svc.GenerateEntropy(ctx, 8); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("want Validation for short entropy, got %v", err)
	}

	svc := NewSettlementService(nil, Repositories{}, nil)
	if _, err := svc.GenerateEntropy(ctx, 32); !errors.Is(err, ErrEntropySourceUnavailable) {
		t.Errorf("want ErrEntropySourceUnavailable, got %v", err)
	}
}
