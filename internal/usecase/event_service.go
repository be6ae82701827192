package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"trade-settlement-service/internal/domain"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
	verifyBatchSize      = 500
)

// appendEvents は登録されたイベントを直前のイベントに連結してイベントログへ追記する。
func (s *SettlementService) appendEvents(ctx context.Context, sc *txScope) error {
	if len(sc.pending) == 0 {
		return nil
	}

	last, err := s.events.Last(ctx)
	if err != nil {
		return fmt.Errorf("loading last event: %w", err)
	}
	var (
		seq  uint64
		prev []byte
	)
	if last != nil {
		seq, prev = last.Sequence, last.Hash
	}

	events := make([]*domain.Event, 0, len(sc.pending))
	for _, p := range sc.pending {
		payload, err := json.Marshal(p.payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", p.typ, err)
		}
		seq++
		e := &domain.Event{
			Sequence:  seq,
			ID:        uuid.NewString(),
			Type:      p.typ,
			TradeID:   p.tradeID,
			Actor:     p.actor,
			Payload:   payload,
			PrevHash:  prev,
			CreatedAt: sc.now,
		}
		e.Hash = domain.EventHash(e)
		prev = e.Hash
		events = append(events, e)
	}

	if err := s.events.Append(ctx, events); err != nil {
		return fmt.Errorf("appending events: %w", err)
	}
	sc.events = events
	return nil
}

// ListEvents はシーケンス昇順でイベントを返す。購読者の取りこぼし回収に使う。
func (s *SettlementService) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEventPageSize
	}
	if filter.Limit > maxEventPageSize {
		filter.Limit = maxEventPageSize
	}

	var events []*domain.Event
	err := s.view(ctx, "list_events", func(ctx context.Context) error {
		list, err := s.events.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("listing events: %w", err)
		}
		events = list
		return nil
	})
	return events, err
}

// VerifyEventChain はイベントログ全体のハッシュチェーンを先頭から検証する。
// 欠番・連結不一致・ハッシュ不一致があれば domain.ErrEventChainBroken を返す。
func (s *SettlementService) VerifyEventChain(ctx context.Context) (*domain.ChainReport, error) {
	report := &domain.ChainReport{}
	err := s.view(ctx, "verify_event_chain", func(ctx context.Context) error {
		var (
			after uint64
			prev  []byte
		)
		for {
			batch, err := s.events.List(ctx, domain.EventFilter{AfterSequence: after, Limit: verifyBatchSize})
			if err != nil {
				return fmt.Errorf("listing events: %w", err)
			}
			for _, e := range batch {
				if e.Sequence != after+1 {
					return fmt.Errorf("%w: expected sequence %d, got %d", domain.ErrEventChainBroken, after+1, e.Sequence)
				}
				if !bytes.Equal(e.PrevHash, prev) {
					return fmt.Errorf("%w: sequence %d does not link to its predecessor", domain.ErrEventChainBroken, e.Sequence)
				}
				if !bytes.Equal(e.Hash, domain.EventHash(e)) {
					return fmt.Errorf("%w: sequence %d hash mismatch", domain.ErrEventChainBroken, e.Sequence)
				}
				after, prev = e.Sequence, e.Hash
				report.Events++
			}
			if len(batch) < verifyBatchSize {
				break
			}
		}
		report.HeadHash = prev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
