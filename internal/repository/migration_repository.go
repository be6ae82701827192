package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"trade-settlement-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルがなければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := conn(ctx, r.db).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := conn(ctx, r.db).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i, model := range models {
		migrations[i] = &domain.Migration{Version: model.Version, Name: model.Name}
		migrations[i].MarkApplied(model.AppliedAt)
	}

	return migrations, nil
}

// RecordMigration はマイグレーション適用履歴を記録する。
// contextにトランザクションがあればマイグレーション本体と同じトランザクションで記録される。
func (r *MigrationRepository) RecordMigration(ctx context.Context, migration *domain.Migration) error {
	model := &SchemaMigrationModel{
		Version: migration.Version,
		Name:    migration.Name,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", migration.Version,
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := conn(ctx, r.db).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Exec は生のSQLを実行する。
func (r *MigrationRepository) Exec(ctx context.Context, sql string) error {
	return conn(ctx, r.db).Exec(sql).Error
}
