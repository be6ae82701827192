package repository

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trade-settlement-service/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
// :memory: は接続ごとに別DBになるため接続数を1に固定する。
func setupTestDB(t *testing.T) *gorm.DB {
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
	t.Cleanup(func() { sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func TestKeyRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	// 存在しない場合
	key, err := repo.FindByOwner(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("FindByOwner failed: %v", err)
	}
	if key != nil {
		t.Fatalf("expected nil, got %+v", key)
	}

	key, err = domain.NewQuantumKey("buyer-1", make([]byte, 32), 30*24*time.Hour, baseTime)
	if err != nil {
		t.Fatalf("NewQuantumKey failed: %v", err)
	}
	if err := repo.Save(ctx, key); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if key.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}

	found, err := repo.FindByOwner(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("FindByOwner failed: %v", err)
	}
	if found == nil || !found.IsActive || len(found.PublicKey) != 32 {
		t.Fatalf("unexpected key: %+v", found)
	}
	if !found.ExpiresAt.Equal(baseTime.Add(30 * 24 * time.Hour)) {
		t.Errorf("expected expires_at=%v, got %v", baseTime.Add(30*24*time.Hour), found.ExpiresAt)
	}

	// 上書き登録は同じレコードを更新する
	replacement, _ := domain.NewQuantumKey("buyer-1", make([]byte, 64), time.Hour, baseTime)
	if err := repo.Save(ctx, replacement); err != nil {
		t.Fatalf("Save (overwrite) failed: %v", err)
	}
	if replacement.ID != key.ID {
		t.Errorf("expected same record id %s, got %s", key.ID, replacement.ID)
	}

	// 無効化はfalseのまま保存される
	replacement.IsActive = false
	if err := repo.Save(ctx, replacement); err != nil {
		t.Fatalf("Save (deactivate) failed: %v", err)
	}
	found, _ = repo.FindByOwner(ctx, "buyer-1")
	if found.IsActive || len(found.PublicKey) != 64 {
		t.Errorf("expected inactive 64-byte key, got active=%v len=%d", found.IsActive, len(found.PublicKey))
	}

	var count int64
	db.Model(&QuantumKeyModel{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyRepository_FindExpiredActive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	fixtures := []struct {
		owner    string
		validity time.Duration
		active   bool
	}{
		{"expired-active", time.Hour, true},
		{"expired-inactive", time.Hour, false},
		{"valid", 48 * time.Hour, true},
	}
	for _, f := range fixtures {
		k, err := domain.NewQuantumKey(f.owner, make([]byte, 32), f.validity, baseTime)
		if err != nil {
			t.Fatalf("NewQuantumKey failed: %v", err)
		}
		k.IsActive = f.active
		if err := repo.Save(ctx, k); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	keys, err := repo.FindExpiredActive(ctx, baseTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("FindExpiredActive failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Owner != "expired-active" {
		t.Errorf("expected only expired-active, got %+v", keys)
	}
}

func TestKeyRepository_SaveInactiveKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	k, err := domain.NewQuantumKey("retired", make([]byte, 32), time.Hour, baseTime)
	if err != nil {
		t.Fatalf("NewQuantumKey failed: %v", err)
	}
	k.IsActive = false
	if err := repo.Save(ctx, k); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	found, err := repo.FindByOwner(ctx, "retired")
	if err != nil {
		t.Fatalf("FindByOwner failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected key to be stored")
	}
	if found.IsActive {
		t.Error("inactive key must be stored as inactive")
	}
}
