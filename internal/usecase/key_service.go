package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-settlement-service/internal/domain"
)

const (
	// DefaultEntropySize は生成するエントロピーの既定バイト長。
	DefaultEntropySize = 32
	maxEntropySize     = 1024
)

// ErrEntropySourceUnavailable はエントロピー供給元が設定されていない場合のエラー。
var ErrEntropySourceUnavailable = errors.New("entropy source not configured")

// RegisterQuantumKey は呼び出し元の量子公開鍵を登録する。既存の鍵は上書きされ、使用回数はリセットされる。
func (s *SettlementService) RegisterQuantumKey(ctx context.Context, owner string, publicKey []byte, validity time.Duration) (*domain.QuantumKey, error) {
	var registered *domain.QuantumKey
	err := s.mutate(ctx, "register_key", true, func(ctx context.Context, sc *txScope) error {
		key, err := domain.NewQuantumKey(owner, publicKey, validity, sc.now)
		if err != nil {
			return err
		}
		if err := s.keys.Save(ctx, key); err != nil {
			return fmt.Errorf("saving key: %w", err)
		}
		sc.emit(domain.EventKeyRegistered, 0, owner, map[string]any{
			"owner":      owner,
			"key_length": len(key.PublicKey),
			"expires_at": key.ExpiresAt.Format(time.RFC3339Nano),
		})
		registered = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

// GetQuantumKey は登録済みの鍵を返す。未登録の場合は domain.ErrKeyNotFound を返す。
func (s *SettlementService) GetQuantumKey(ctx context.Context, owner string) (*domain.QuantumKey, error) {
	var key *domain.QuantumKey
	err := s.view(ctx, "get_key", func(ctx context.Context) error {
		k, err := s.keys.FindByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("finding key: %w", err)
		}
		if k == nil {
			return domain.ErrKeyNotFound
		}
		key = k
		return nil
	})
	return key, err
}

// DeactivateQuantumKey は鍵を無効化する。所有者またはAdminのみ実行できる。
// 無効化済みの鍵に対しては何もしない。
func (s *SettlementService) DeactivateQuantumKey(ctx context.Context, caller, owner string) (*domain.QuantumKey, error) {
	var key *domain.QuantumKey
	err := s.mutate(ctx, "deactivate_key", true, func(ctx context.Context, sc *txScope) error {
		if caller != owner {
			if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
				return err
			}
		}
		k, err := s.keys.FindByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("finding key: %w", err)
		}
		if k == nil {
			return domain.ErrKeyNotFound
		}
		key = k
		if !k.IsActive {
			return nil
		}
		return s.deactivate(ctx, sc, caller, k, "revoked")
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *SettlementService) deactivate(ctx context.Context, sc *txScope, actor string, key *domain.QuantumKey, reason string) error {
	key.IsActive = false
	if err := s.keys.Save(ctx, key); err != nil {
		return fmt.Errorf("saving key: %w", err)
	}
	sc.emit(domain.EventKeyDeactivated, 0, actor, map[string]any{
		"owner":  key.Owner,
		"reason": reason,
	})
	return nil
}

// ExpireKeys は有効期限を過ぎた有効な鍵を一括で無効化し、件数を返す。
// OracleまたはAdminのみ実行できる。
func (s *SettlementService) ExpireKeys(ctx context.Context, caller string) (int, error) {
	var count int
	err := s.mutate(ctx, "expire_keys", true, func(ctx context.Context, sc *txScope) error {
		if err := s.requireAnyRole(ctx, caller, domain.RoleOracle, domain.RoleAdmin); err != nil {
			return err
		}
		keys, err := s.keys.FindExpiredActive(ctx, sc.now)
		if err != nil {
			return fmt.Errorf("finding expired keys: %w", err)
		}
		for _, k := range keys {
			if err := s.deactivate(ctx, sc, caller, k, "expired"); err != nil {
				return err
			}
		}
		count = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GenerateEntropy は設定された供給元から新しいエントロピーを取得する。
// 取得した値は消費されるまで記録されない。
func (s *SettlementService) GenerateEntropy(ctx context.Context, n int) ([]byte, error) {
	if n == 0 {
		n = DefaultEntropySize
	}
	if n < domain.MinEntropyLength || n > maxEntropySize {
		return nil, fmt.Errorf("%w: entropy size must be between %d and %d", domain.ErrValidation, domain.MinEntropyLength, maxEntropySize)
	}
	if s.entropySource == nil {
		return nil, ErrEntropySourceUnavailable
	}

	ctx, span := tracer.Start(ctx, "SettlementService.generate_entropy")
	defer span.End()

	b, err := s.entropySource.Generate(ctx, n)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generating entropy: %w", err)
	}
	return b, nil
}
