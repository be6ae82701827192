package usecase

import (
	"context"
	"fmt"

	"trade-settlement-service/internal/domain"
)

// bootstrapActor は初期Admin付与時の付与者名。
const bootstrapActor = "system:bootstrap"

// requireRole は参加者がロールを保持していることを確認する。
func (s *SettlementService) requireRole(ctx context.Context, identity string, role domain.Role) error {
	ok, err := s.hasRole(ctx, identity, role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s role required", domain.ErrUnauthorized, role)
	}
	return nil
}

func (s *SettlementService) hasRole(ctx context.Context, identity string, role domain.Role) (bool, error) {
	if identity == "" {
		return false, nil
	}
	ok, err := s.roles.HasRole(ctx, identity, role)
	if err != nil {
		return false, fmt.Errorf("checking role: %w", err)
	}
	return ok, nil
}

// requireAnyRole はいずれかのロールを保持していることを確認する。
func (s *SettlementService) requireAnyRole(ctx context.Context, identity string, roles ...domain.Role) error {
	for _, role := range roles {
		ok, err := s.hasRole(ctx, identity, role)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: one of %v roles required", domain.ErrUnauthorized, roles)
}

// Pause はプラットフォームを停止する。停止中は全ての更新操作が domain.ErrSystemPaused で失敗する。
func (s *SettlementService) Pause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, true)
}

// Unpause はプラットフォームの停止を解除する。
func (s *SettlementService) Unpause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, false)
}

func (s *SettlementService) setPaused(ctx context.Context, caller string, paused bool) error {
	operation, eventType := "unpause", domain.EventSystemUnpaused
	if paused {
		operation, eventType = "pause", domain.EventSystemPaused
	}

	err := s.mutate(ctx, operation, false, func(ctx context.Context, sc *txScope) error {
		if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		state, err := s.system.GetState(ctx)
		if err != nil {
			return fmt.Errorf("loading system state: %w", err)
		}
		switch {
		case paused && state.Paused:
			return domain.ErrAlreadyPaused
		case !paused && !state.Paused:
			return domain.ErrNotPaused
		}

		state.Paused = paused
		state.UpdatedBy = caller
		state.UpdatedAt = sc.now
		if err := s.system.SaveState(ctx, state); err != nil {
			return fmt.Errorf("saving system state: %w", err)
		}
		sc.emit(eventType, 0, caller, map[string]any{"paused": paused})
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordPaused(paused)
	return nil
}

// SystemState は現在の停止状態を返す。
func (s *SettlementService) SystemState(ctx context.Context) (*domain.SystemState, error) {
	var state *domain.SystemState
	err := s.view(ctx, "system_state", func(ctx context.Context) error {
		st, err := s.system.GetState(ctx)
		if err != nil {
			return fmt.Errorf("loading system state: %w", err)
		}
		state = st
		return nil
	})
	return state, err
}

// GrantRole はロールを付与する。Adminのみ実行でき、付与済みの場合は何もしない。
// 停止中も実行できる。
func (s *SettlementService) GrantRole(ctx context.Context, caller, identity string, role domain.Role) error {
	return s.mutate(ctx, "grant_role", false, func(ctx context.Context, sc *txScope) error {
		if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		return s.grant(ctx, sc, caller, identity, role)
	})
}

func (s *SettlementService) grant(ctx context.Context, sc *txScope, grantedBy, identity string, role domain.Role) error {
	if err := domain.ValidateIdentity(identity); err != nil {
		return err
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return err
	}
	created, err := s.roles.Grant(ctx, &domain.RoleAssignment{
		Identity:  identity,
		Role:      role,
		GrantedBy: grantedBy,
		GrantedAt: sc.now,
	})
	if err != nil {
		return fmt.Errorf("granting role: %w", err)
	}
	if created {
		sc.emit(domain.EventRoleGranted, 0, grantedBy, map[string]any{
			"identity": identity,
			"role":     string(role),
		})
	}
	return nil
}

// RevokeRole はロールを剥奪する。最後のAdminは剥奪できない。
func (s *SettlementService) RevokeRole(ctx context.Context, caller, identity string, role domain.Role) error {
	return s.mutate(ctx, "revoke_role", false, func(ctx context.Context, sc *txScope) error {
		if err := s.requireRole(ctx, caller, domain.RoleAdmin); err != nil {
			return err
		}
		if _, err := domain.ParseRole(string(role)); err != nil {
			return err
		}

		if role == domain.RoleAdmin {
			isAdmin, err := s.hasRole(ctx, identity, domain.RoleAdmin)
			if err != nil {
				return err
			}
			if isAdmin {
				n, err := s.roles.CountMembers(ctx, domain.RoleAdmin)
				if err != nil {
					return fmt.Errorf("counting admins: %w", err)
				}
				if n <= 1 {
					return domain.ErrLastAdmin
				}
			}
		}

		removed, err := s.roles.Revoke(ctx, identity, role)
		if err != nil {
			return fmt.Errorf("revoking role: %w", err)
		}
		if removed {
			sc.emit(domain.EventRoleRevoked, 0, caller, map[string]any{
				"identity": identity,
				"role":     string(role),
			})
		}
		return nil
	})
}

// ListRoles は参加者に付与されたロールを返す。
func (s *SettlementService) ListRoles(ctx context.Context, identity string) ([]*domain.RoleAssignment, error) {
	var roles []*domain.RoleAssignment
	err := s.view(ctx, "list_roles", func(ctx context.Context) error {
		list, err := s.roles.ListByIdentity(ctx, identity)
		if err != nil {
			return fmt.Errorf("listing roles: %w", err)
		}
		roles = list
		return nil
	})
	return roles, err
}

// Bootstrap はAdminが1人もいない場合に限り、指定された参加者へAdminを付与する。
// 付与した場合はtrueを返す。
func (s *SettlementService) Bootstrap(ctx context.Context, admin string) (bool, error) {
	var granted bool
	err := s.mutate(ctx, "bootstrap", false, func(ctx context.Context, sc *txScope) error {
		n, err := s.roles.CountMembers(ctx, domain.RoleAdmin)
		if err != nil {
			return fmt.Errorf("counting admins: %w", err)
		}
		if n > 0 {
			return nil
		}
		if err := s.grant(ctx, sc, bootstrapActor, admin, domain.RoleAdmin); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}
