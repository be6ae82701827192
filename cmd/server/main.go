// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"trade-settlement-service/config"
	"trade-settlement-service/internal/handler"
	"trade-settlement-service/internal/infra"
	"trade-settlement-service/internal/pqcrypto"
	"trade-settlement-service/internal/repository"
	"trade-settlement-service/internal/usecase"
	"trade-settlement-service/migrations"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	infra.SetupLogger(cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	if err := migrate(ctx, cfg, db); err != nil {
		return err
	}

	entropy, closeEntropy, err := newEntropySource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEntropy()

	verifier, err := pqcrypto.NewVerifier(cfg.SignatureScheme)
	if err != nil {
		return fmt.Errorf("failed to init signature verifier: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := infra.NewPrometheusMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	bus := infra.NewEventBus(1024)
	bus.Subscribe("log", infra.LogEvent)
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			slog.Error("failed to drain event bus", "error", err)
		}
	}()

	// DI
	service := usecase.NewSettlementService(
		repository.NewTransactor(db),
		usecase.Repositories{
			Keys:     repository.NewKeyRepository(db),
			Trades:   repository.NewTradeRepository(db),
			Entropy:  repository.NewEntropyRepository(db),
			Roles:    repository.NewRoleRepository(db),
			System:   repository.NewSystemRepository(db),
			Accounts: repository.NewAccountRepository(db),
			Events:   repository.NewEventRepository(db),
		},
		verifier,
		usecase.WithMetrics(metrics),
		usecase.WithPublisher(bus),
		usecase.WithEntropySource(entropy),
	)

	if cfg.BootstrapAdmin != "" {
		granted, err := service.Bootstrap(ctx, cfg.BootstrapAdmin)
		if err != nil {
			return fmt.Errorf("failed to bootstrap admin: %w", err)
		}
		if granted {
			slog.Info("bootstrapped admin", "identity", cfg.BootstrapAdmin)
		}
	}

	router := handler.NewRouter(
		handler.NewHandler(service),
		cfg,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"driver", cfg.DatabaseDriver,
		"signature_scheme", verifier.Scheme(),
		"entropy_provider", cfg.EntropyProvider,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

// migrate はDB_AUTO_MIGRATEが有効ならモデルから、そうでなければ埋め込みSQLからスキーマを作成する。
func migrate(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg.AutoMigrate {
		if err := repository.AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to auto-migrate: %w", err)
		}
		return nil
	}
	svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), repository.NewTransactor(db), migrations.FS, ".")
	applied, err := svc.ApplyMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if applied > 0 {
		slog.Info("applied migrations", "count", applied)
	}
	return nil
}

// newEntropySource はENTROPY_PROVIDERに応じたエントロピー供給元と後始末関数を返す。
func newEntropySource(ctx context.Context, cfg *config.Config) (usecase.EntropySource, func(), error) {
	switch cfg.EntropyProvider {
	case "", "system":
		return infra.SystemEntropy{}, func() {}, nil
	case "kms":
		src, err := infra.NewKMSEntropy(ctx, cfg.GoogleCloudProject, cfg.KMSLocation)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init KMS entropy source: %w", err)
		}
		return src, func() {
			if err := src.Close(); err != nil {
				slog.Error("failed to close KMS client", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ENTROPY_PROVIDER %q", cfg.EntropyProvider)
	}
}
