package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"trade-settlement-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, migration *domain.Migration) error
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	Exec(ctx context.Context, sql string) error
}

// MigrationService はマイグレーション実行のビジネスロジックを提供する。
type MigrationService struct {
	repo  MigrationRepository
	tx    Transactor
	files fs.FS
	dir   string
}

// NewMigrationService は新しいMigrationServiceを生成する。
// filesはバイナリに埋め込まれたマイグレーションファイル、dirはその中のディレクトリ。
func NewMigrationService(repo MigrationRepository, tx Transactor, files fs.FS, dir string) *MigrationService {
	return &MigrationService{
		repo:  repo,
		tx:    tx,
		files: files,
		dir:   dir,
	}
}

// scanMigrationFiles は埋め込みFSから.sqlファイルをスキャンする。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Path:    path.Join(s.dir, entry.Name()),
			Status:  domain.MigrationStatusPending,
		})
	}

	// バージョン順にソート
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_settlement_tables.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(nameWithoutExt, "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}

	return parts[0], parts[1], nil
}

// splitStatements はSQLファイルを文単位に分割する。行コメントは除去する。
// ドライバの複数文実行設定に依存しないようにするため。
func splitStatements(sql string) []string {
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行する。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to prepare schema_migrations: %w", err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	var pendingMigrations []*domain.Migration
	for _, migration := range allMigrations {
		applied, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			slog.ErrorContext(ctx, "failed to check migration status",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return 0, fmt.Errorf("failed to check migration status: %w", err)
		}
		if !applied {
			pendingMigrations = append(pendingMigrations, migration)
		}
	}

	appliedCount := 0
	for _, migration := range pendingMigrations {
		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"version", migration.Version,
			"name", migration.Name,
		)
		appliedCount++
	}

	return appliedCount, nil
}

// applyMigration は単一のマイグレーションを履歴の記録と同じトランザクションで実行する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.files, migration.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, stmt := range splitStatements(string(sqlBytes)) {
			if err := s.repo.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}
		if err := s.repo.RecordMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare schema_migrations: %w", err)
	}

	allMigrations, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	appliedMap := make(map[string]*domain.Migration)
	for _, migration := range appliedMigrations {
		appliedMap[migration.Version] = migration
	}

	for _, migration := range allMigrations {
		if applied, exists := appliedMap[migration.Version]; exists && applied.AppliedAt != nil {
			migration.MarkApplied(*applied.AppliedAt)
		}
	}

	return allMigrations, nil
}
