package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"trade-settlement-service/internal/domain"
)

func TestRoleRepository_GrantRevoke(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewRoleRepository(db)

	grant := &domain.RoleAssignment{Identity: "alice", Role: domain.RoleTrader, GrantedBy: "root", GrantedAt: baseTime}
	created, err := repo.Grant(ctx, grant)
	if err != nil || !created {
		t.Fatalf("Grant: created=%v err=%v", created, err)
	}

	// 同じ付与は冪等
	created, err = repo.Grant(ctx, grant)
	if err != nil || created {
		t.Fatalf("second Grant: created=%v err=%v", created, err)
	}

	ok, err := repo.HasRole(ctx, "alice", domain.RoleTrader)
	if err != nil || !ok {
		t.Errorf("HasRole trader: ok=%v err=%v", ok, err)
	}
	ok, _ = repo.HasRole(ctx, "alice", domain.RoleAdmin)
	if ok {
		t.Error("expected alice not to be admin")
	}

	if _, err := repo.Grant(ctx, &domain.RoleAssignment{Identity: "alice", Role: domain.RoleOracle, GrantedBy: "root", GrantedAt: baseTime}); err != nil {
		t.Fatalf("Grant oracle failed: %v", err)
	}
	roles, err := repo.ListByIdentity(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByIdentity failed: %v", err)
	}
	if len(roles) != 2 || roles[0].Role != domain.RoleOracle || roles[1].Role != domain.RoleTrader {
		t.Errorf("unexpected roles: %+v", roles)
	}

	n, err := repo.CountMembers(ctx, domain.RoleTrader)
	if err != nil || n != 1 {
		t.Errorf("CountMembers: n=%d err=%v", n, err)
	}

	removed, err := repo.Revoke(ctx, "alice", domain.RoleTrader)
	if err != nil || !removed {
		t.Fatalf("Revoke: removed=%v err=%v", removed, err)
	}
	removed, err = repo.Revoke(ctx, "alice", domain.RoleTrader)
	if err != nil || removed {
		t.Errorf("second Revoke: removed=%v err=%v", removed, err)
	}
}

func TestSystemRepository_StateAndStats(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewSystemRepository(db)

	state, err := repo.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Paused {
		t.Error("expected running state by default")
	}

	if err := repo.SaveState(ctx, &domain.SystemState{Paused: true, UpdatedBy: "admin", UpdatedAt: baseTime}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := repo.SaveState(ctx, &domain.SystemState{Paused: false, UpdatedBy: "admin-2", UpdatedAt: baseTime}); err != nil {
		t.Fatalf("SaveState (upsert) failed: %v", err)
	}
	state, _ = repo.GetState(ctx)
	if state.Paused || state.UpdatedBy != "admin-2" {
		t.Errorf("unexpected state: %+v", state)
	}

	stats, err := repo.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TradeCount != 0 || !stats.Value.IsZero() {
		t.Errorf("expected zero stats, got %+v", stats)
	}

	stats.Volume = 10
	stats.Value = decimal.RequireFromString("0.01")
	stats.TradeCount = 1
	if err := repo.SaveStats(ctx, stats, baseTime); err != nil {
		t.Fatalf("SaveStats failed: %v", err)
	}
	stats.TradeCount = 2
	if err := repo.SaveStats(ctx, stats, baseTime); err != nil {
		t.Fatalf("SaveStats (upsert) failed: %v", err)
	}

	got, _ := repo.GetStats(ctx)
	if got.Volume != 10 || got.TradeCount != 2 || !got.Value.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("unexpected stats: %+v", got)
	}
}
