package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trade-settlement-service/internal/domain"
)

// RoleAssignmentModel はロール付与のモデル。(identity, role) が主キー。
type RoleAssignmentModel struct {
	Identity  string    `gorm:"type:varchar(64);primaryKey"`
	Role      string    `gorm:"type:varchar(16);primaryKey;index:idx_role_assignments_role"`
	GrantedBy string    `gorm:"type:varchar(64);not null"`
	GrantedAt time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (RoleAssignmentModel) TableName() string {
	return "role_assignments"
}

// RoleRepository はロール付与のデータアクセスを提供する。
type RoleRepository struct {
	db *gorm.DB
}

// NewRoleRepository は新しいRoleRepositoryを生成する。
func NewRoleRepository(db *gorm.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// HasRole は参加者がロールを保持しているかを返す。
func (r *RoleRepository) HasRole(ctx context.Context, identity string, role domain.Role) (bool, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&RoleAssignmentModel{}).
		Where("identity = ? AND role = ?", identity, string(role)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check role",
			"operation", "has_role",
			"identity", identity,
			"role", role,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Grant はロールを付与する。新たに付与された場合はtrueを返す。
func (r *RoleRepository) Grant(ctx context.Context, a *domain.RoleAssignment) (bool, error) {
	model := &RoleAssignmentModel{
		Identity:  a.Identity,
		Role:      string(a.Role),
		GrantedBy: a.GrantedBy,
		GrantedAt: a.GrantedAt,
	}
	result := conn(ctx, r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to grant role",
			"operation", "grant",
			"identity", a.Identity,
			"role", a.Role,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Revoke はロールを剥奪する。剥奪された場合はtrueを返す。
func (r *RoleRepository) Revoke(ctx context.Context, identity string, role domain.Role) (bool, error) {
	result := conn(ctx, r.db).
		Where("identity = ? AND role = ?", identity, string(role)).
		Delete(&RoleAssignmentModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke role",
			"operation", "revoke",
			"identity", identity,
			"role", role,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountMembers はロールの保持者数を返す。
func (r *RoleRepository) CountMembers(ctx context.Context, role domain.Role) (int64, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&RoleAssignmentModel{}).
		Where("role = ?", string(role)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count role members",
			"operation", "count_members",
			"role", role,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// ListByIdentity は参加者に付与された全ロールを取得する。
func (r *RoleRepository) ListByIdentity(ctx context.Context, identity string) ([]*domain.RoleAssignment, error) {
	var models []RoleAssignmentModel
	err := conn(ctx, r.db).
		Where("identity = ?", identity).
		Order("role ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list roles",
			"operation", "list_by_identity",
			"identity", identity,
			"error", err,
		)
		return nil, err
	}

	assignments := make([]*domain.RoleAssignment, len(models))
	for i, m := range models {
		assignments[i] = &domain.RoleAssignment{
			Identity:  m.Identity,
			Role:      domain.Role(m.Role),
			GrantedBy: m.GrantedBy,
			GrantedAt: m.GrantedAt,
		}
	}
	return assignments, nil
}
