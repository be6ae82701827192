package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	executed          []string
	execError         error
	recordError       error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) RecordMigration(ctx context.Context, migration *domain.Migration) error {
	if m.recordError != nil {
		return m.recordError
	}
	now := time.Now()
	m.appliedMigrations[migration.Version] = &domain.Migration{
		Version:   migration.Version,
		Name:      migration.Name,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) Exec(ctx context.Context, sql string) error {
	if m.execError != nil && strings.Contains(sql, "broken") {
		return m.execError
	}
	m.executed = append(m.executed, sql)
	return nil
}

// passthroughTransactor はfnをそのまま実行するテスト用のTransactor。
type passthroughTransactor struct{}

func (passthroughTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// testMigrationFS はテスト用のマイグレーションファイル。
func testMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_create_trades.sql":   {Data: []byte("-- trades\nCREATE TABLE trades (id INT);\nCREATE INDEX idx_trades ON trades(id);")},
		"migrations/002_create_accounts.sql": {Data: []byte("CREATE TABLE accounts (owner TEXT);")},
		"migrations/003_create_events.sql":   {Data: []byte("CREATE TABLE events (sequence INT);")},
		"migrations/README.md":               {Data: []byte("not a migration")},
	}
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, passthroughTransactor{}, testMigrationFS(), "migrations")

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	// コメント行を除去し、文単位で実行される
	want := []string{
		"CREATE TABLE trades (id INT)",
		"CREATE INDEX idx_trades ON trades(id)",
		"CREATE TABLE accounts (owner TEXT)",
		"CREATE TABLE events (sequence INT)",
	}
	if len(repo.executed) != len(want) {
		t.Fatalf("expected %d statements, got %d: %v", len(want), len(repo.executed), repo.executed)
	}
	for i, stmt := range want {
		if repo.executed[i] != stmt {
			t.Errorf("statement %d: want %q, got %q", i, stmt, repo.executed[i])
		}
	}
	if repo.appliedMigrations["001"].Name != "create_trades" {
		t.Errorf("expected recorded name create_trades, got %s", repo.appliedMigrations["001"].Name)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}
	repo.appliedMigrations["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, passthroughTransactor{}, testMigrationFS(), "migrations")

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
	if len(repo.executed) != 1 || repo.executed[0] != "CREATE TABLE events (sequence INT)" {
		t.Errorf("unexpected statements: %v", repo.executed)
	}
}

func TestMigrationService_ApplyMigrations_Failure(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.execError = errors.New("syntax error")

	files := testMigrationFS()
	files["migrations/002_create_accounts.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE broken (")}

	service := NewMigrationService(repo, passthroughTransactor{}, files, "migrations")

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied before failure, got %d", count)
	}
	if _, ok := repo.appliedMigrations["002"]; ok {
		t.Error("failed migration must not be recorded")
	}
	if _, ok := repo.appliedMigrations["003"]; ok {
		t.Error("migrations after a failure must not run")
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, passthroughTransactor{}, testMigrationFS(), "migrations")

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expected := []struct {
		version string
		status  domain.MigrationStatus
	}{
		{"001", domain.MigrationStatusApplied},
		{"002", domain.MigrationStatusPending},
		{"003", domain.MigrationStatusPending},
	}
	for i, exp := range expected {
		if migrations[i].Version != exp.version {
			t.Errorf("index %d: expected version %s, got %s", i, exp.version, migrations[i].Version)
		}
		if migrations[i].Status != exp.status {
			t.Errorf("index %d: expected status %s, got %s", i, exp.status, migrations[i].Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected AppliedAt for applied migration")
	}
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{"001_create_settlement_tables.sql", "001", "create_settlement_tables", false},
		{"20260101_add_index.sql", "20260101", "add_index", false},
		{"invalid.sql", "", "", true},
		{"_missing_version.sql", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMigrationFile) {
					t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("want %s/%s, got %s/%s", tt.wantVersion, tt.wantName, version, name)
			}
		})
	}
}

func TestMigrationService_EmbeddedMigrations(t *testing.T) {
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, passthroughTransactor{}, migrations.FS, ".")

	count, err := service.ApplyMigrations(context.Background())
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one embedded migration")
	}

	tables := []string{
		"quantum_keys", "trades", "consumed_entropy", "role_assignments",
		"system_state", "platform_stats", "accounts", "events",
	}
	created := make(map[string]bool)
	for _, stmt := range repo.executed {
		if strings.Contains(stmt, "--") {
			t.Errorf("comment not stripped: %q", stmt)
		}
		for _, table := range tables {
			if strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				created[table] = true
			}
		}
	}
	for _, table := range tables {
		if !created[table] {
			t.Errorf("table %s is not created by embedded migrations", table)
		}
	}
}
