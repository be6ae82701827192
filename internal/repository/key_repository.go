package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"trade-settlement-service/internal/domain"
)

// QuantumKeyModel はgorm用のモデル定義。
type QuantumKeyModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	Owner      string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_quantum_keys_owner"`
	PublicKey  []byte    `gorm:"type:blob;not null"`
	IsActive   bool      `gorm:"not null;index:idx_quantum_keys_active_expires"`
	UsageCount uint64    `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index:idx_quantum_keys_active_expires"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (QuantumKeyModel) TableName() string {
	return "quantum_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *QuantumKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *QuantumKeyModel) toDomain() *domain.QuantumKey {
	return &domain.QuantumKey{
		ID:         m.ID,
		Owner:      m.Owner,
		PublicKey:  m.PublicKey,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		IsActive:   m.IsActive,
		UsageCount: m.UsageCount,
	}
}

// KeyRepository は量子鍵のデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// FindByOwner は所有者の鍵を取得する。存在しない場合は (nil, nil) を返す。
func (r *KeyRepository) FindByOwner(ctx context.Context, owner string) (*domain.QuantumKey, error) {
	var model QuantumKeyModel
	err := conn(ctx, r.db).
		Where("owner = ?", owner).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find quantum key",
			"operation", "find_by_owner",
			"owner", owner,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Save は鍵を作成または上書きする。所有者ごとに1レコード。
func (r *KeyRepository) Save(ctx context.Context, key *domain.QuantumKey) error {
	db := conn(ctx, r.db)

	var existing QuantumKeyModel
	err := db.Where("owner = ?", key.Owner).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		model := &QuantumKeyModel{
			ID:         key.ID,
			Owner:      key.Owner,
			PublicKey:  key.PublicKey,
			IsActive:   key.IsActive,
			UsageCount: key.UsageCount,
			CreatedAt:  key.CreatedAt,
			ExpiresAt:  key.ExpiresAt,
		}
		if err := db.Create(model).Error; err != nil {
			slog.ErrorContext(ctx, "failed to create quantum key",
				"operation", "save",
				"owner", key.Owner,
				"error", err,
			)
			return err
		}
		key.ID = model.ID
		return nil
	case err != nil:
		slog.ErrorContext(ctx, "failed to load quantum key",
			"operation", "save",
			"owner", key.Owner,
			"error", err,
		)
		return err
	}

	// bool/ゼロ値も更新対象にするためmapで指定する
	err = db.Model(&QuantumKeyModel{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"public_key":  key.PublicKey,
			"is_active":   key.IsActive,
			"usage_count": key.UsageCount,
			"created_at":  key.CreatedAt,
			"expires_at":  key.ExpiresAt,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update quantum key",
			"operation", "save",
			"owner", key.Owner,
			"error", err,
		)
		return err
	}
	key.ID = existing.ID
	return nil
}

// FindExpiredActive は有効期限切れにもかかわらず有効なままの鍵を取得する。
func (r *KeyRepository) FindExpiredActive(ctx context.Context, now time.Time) ([]*domain.QuantumKey, error) {
	var models []QuantumKeyModel
	err := conn(ctx, r.db).
		Where("is_active = ? AND expires_at < ?", true, now).
		Order("owner ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expired keys",
			"operation", "find_expired_active",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.QuantumKey, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}
