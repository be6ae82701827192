package usecase

import (
	"context"
	"fmt"
	"time"

	"trade-settlement-service/internal/domain"
)

const (
	defaultTradePageSize = 50
	maxTradePageSize     = 500
)

// CreateTrade は買い手（呼び出し元）と売り手の間にPENDINGの取引を作成する。
//
// 買い手はTraderロールを保持し、双方が有効な量子鍵を登録済みである必要がある。
// エントロピーは消費され、同じ値は二度と使用できない。
func (s *SettlementService) CreateTrade(ctx context.Context, req domain.TradeRequest) (*domain.EnergyTrade, error) {
	var created *domain.EnergyTrade
	err := s.mutate(ctx, "create_trade", true, func(ctx context.Context, sc *txScope) error {
		if err := s.requireRole(ctx, req.Buyer, domain.RoleTrader); err != nil {
			return err
		}
		// 保存精度に丸めてから検証し、deliveryDate > createdAt を保存後も保つ
		req.DeliveryDate = req.DeliveryDate.UTC().Truncate(time.Millisecond)
		if err := req.Validate(sc.now); err != nil {
			return err
		}
		if req.Buyer == req.Seller {
			return domain.ErrSelfTrade
		}

		for _, party := range []string{req.Buyer, req.Seller} {
			key, err := s.keys.FindByOwner(ctx, party)
			if err != nil {
				return fmt.Errorf("finding key: %w", err)
			}
			if err := key.Usable(sc.now); err != nil {
				return fmt.Errorf("%w (%s)", err, party)
			}
		}

		id, err := s.trades.NextID(ctx)
		if err != nil {
			return fmt.Errorf("assigning trade id: %w", err)
		}
		if err := s.consumeEntropy(ctx, sc, req.Entropy, domain.EntropyPurposeCreate, req.Buyer, id); err != nil {
			return err
		}

		trade := &domain.EnergyTrade{
			ID:           id,
			Buyer:        req.Buyer,
			Seller:       req.Seller,
			Commodity:    req.Commodity,
			Quantity:     req.Quantity,
			Price:        req.Price,
			DeliveryDate: req.DeliveryDate,
			CreatedAt:    sc.now,
			Status:       domain.TradeStatusPending,
		}
		trade.QuantumTradeHash = domain.TradeHash(trade, req.Entropy)
		if err := s.trades.Create(ctx, trade); err != nil {
			return fmt.Errorf("creating trade: %w", err)
		}

		sc.emit(domain.EventTradeCreated, trade.ID, req.Buyer, map[string]any{
			"trade_id":      trade.ID,
			"buyer":         trade.Buyer,
			"seller":        trade.Seller,
			"commodity":     string(trade.Commodity),
			"quantity":      trade.Quantity,
			"price":         trade.Price.String(),
			"delivery_date": trade.DeliveryDate.Format(time.RFC3339Nano),
		})
		created = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ConfirmResult は確認操作の結果。
type ConfirmResult struct {
	Trade     *domain.EnergyTrade
	Confirmed bool
}

// ConfirmTrade は当事者の量子署名を検証して取引に記録する。
//
// 署名対象は ConfirmationMessage(tradeID, quantumTradeHash, caller, entropy)。
// 双方の署名が揃うとCONFIRMEDへ遷移する。署名済みの当事者による再確認は
// domain.ErrAlreadyConfirmed で拒否され、エントロピーは消費されない。
func (s *SettlementService) ConfirmTrade(ctx context.Context, caller string, tradeID uint64, signature, entropy []byte) (*ConfirmResult, error) {
	var result *ConfirmResult
	err := s.mutate(ctx, "confirm_trade", true, func(ctx context.Context, sc *txScope) error {
		trade, err := s.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != domain.TradeStatusPending {
			return domain.ErrTradeNotPending
		}
		if !trade.IsParticipant(caller) {
			return domain.ErrNotParticipant
		}
		if trade.SignatureOf(caller) != nil {
			return domain.ErrAlreadyConfirmed
		}
		if err := domain.ValidateEntropy(entropy); err != nil {
			return err
		}

		key, err := s.keys.FindByOwner(ctx, caller)
		if err != nil {
			return fmt.Errorf("finding key: %w", err)
		}
		if err := key.Usable(sc.now); err != nil {
			return err
		}

		if err := s.consumeEntropy(ctx, sc, entropy, domain.EntropyPurposeConfirm, caller, trade.ID); err != nil {
			return err
		}

		message := domain.ConfirmationMessage(trade.ID, trade.QuantumTradeHash, caller, entropy)
		ok, err := s.verifier.Verify(key.PublicKey, message, signature)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidQuantumKey, err)
		}
		if !ok {
			return domain.ErrSignatureInvalid
		}

		confirmed, err := trade.AttachSignature(caller, &domain.QuantumSignature{
			MessageHash: message,
			Signature:   append([]byte(nil), signature...),
			Timestamp:   sc.now,
			Entropy:     append([]byte(nil), entropy...),
			Verified:    true,
		})
		if err != nil {
			return err
		}
		if err := key.TouchUsage(sc.now); err != nil {
			return err
		}
		if err := s.keys.Save(ctx, key); err != nil {
			return fmt.Errorf("saving key: %w", err)
		}
		if err := s.trades.Update(ctx, trade); err != nil {
			return fmt.Errorf("updating trade: %w", err)
		}

		sc.emit(domain.EventQuantumSignatureVerified, trade.ID, caller, map[string]any{
			"trade_id": trade.ID,
			"signer":   caller,
			"scheme":   s.verifier.Scheme(),
		})
		if confirmed {
			sc.emit(domain.EventTradeConfirmed, trade.ID, caller, map[string]any{
				"trade_id": trade.ID,
				"buyer":    trade.Buyer,
				"seller":   trade.Seller,
			})
		}
		result = &ConfirmResult{Trade: trade, Confirmed: confirmed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelTrade は決済前の取引をキャンセルする。当事者またはAdminのみ実行できる。
func (s *SettlementService) CancelTrade(ctx context.Context, caller string, tradeID uint64, reason string) (*domain.EnergyTrade, error) {
	var cancelled *domain.EnergyTrade
	err := s.mutate(ctx, "cancel_trade", true, func(ctx context.Context, sc *txScope) error {
		trade, err := s.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if !trade.IsParticipant(caller) {
			if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
				return err
			}
		}
		if err := trade.Cancel(caller, reason, sc.now); err != nil {
			return err
		}
		if err := s.trades.Update(ctx, trade); err != nil {
			return fmt.Errorf("updating trade: %w", err)
		}
		sc.emit(domain.EventTradeCancelled, trade.ID, caller, map[string]any{
			"trade_id": trade.ID,
			"reason":   trade.CancelReason,
		})
		cancelled = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// GetTrade は取引を返す。存在しない場合は domain.ErrTradeNotFound を返す。
func (s *SettlementService) GetTrade(ctx context.Context, tradeID uint64) (*domain.EnergyTrade, error) {
	var trade *domain.EnergyTrade
	err := s.view(ctx, "get_trade", func(ctx context.Context) error {
		t, err := s.loadTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		trade = t
		return nil
	})
	return trade, err
}

// ListTrades は条件に一致する取引をID昇順で返す。
func (s *SettlementService) ListTrades(ctx context.Context, filter domain.TradeFilter) ([]*domain.EnergyTrade, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultTradePageSize
	}
	if filter.Limit > maxTradePageSize {
		filter.Limit = maxTradePageSize
	}

	var trades []*domain.EnergyTrade
	err := s.view(ctx, "list_trades", func(ctx context.Context) error {
		list, err := s.trades.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("listing trades: %w", err)
		}
		trades = list
		return nil
	})
	return trades, err
}
