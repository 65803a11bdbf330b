package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Mindburn-Labs/porter/pkg/adminapi"
	"github.com/Mindburn-Labs/porter/pkg/archive"
	"github.com/Mindburn-Labs/porter/pkg/audit"
	"github.com/Mindburn-Labs/porter/pkg/config"
	"github.com/Mindburn-Labs/porter/pkg/gateway"
	"github.com/Mindburn-Labs/porter/pkg/httpapi"
	"github.com/Mindburn-Labs/porter/pkg/kv"
	"github.com/Mindburn-Labs/porter/pkg/observability"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/plugins/email"
	"github.com/Mindburn-Labs/porter/pkg/plugins/llm"
	"github.com/Mindburn-Labs/porter/pkg/policy"
	"github.com/Mindburn-Labs/porter/pkg/pop"
	"github.com/Mindburn-Labs/porter/pkg/repo"
	"github.com/Mindburn-Labs/porter/pkg/vault"
)

func runServe(stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "porter",
		ServiceVersion: Version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "porter: telemetry: %v\n", err)
		return 1
	}

	// Storage. Lite mode keeps everything on disk and in process.
	var db *repo.DB
	if cfg.LiteMode() {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			fmt.Fprintf(stderr, "porter: data dir: %v\n", err)
			return 1
		}
		db, err = repo.OpenSQLite(ctx, cfg.SQLitePath)
		logger.Info("lite mode", "sqlite", cfg.SQLitePath)
	} else {
		db, err = repo.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	var kvStore kv.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "porter: redis ping: %v\n", err)
			return 1
		}
		defer client.Close()
		kvStore = kv.NewRedis(client)
		logger.Info("kv", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		kvStore = kv.NewMemory()
		logger.Info("kv", "backend", "memory")
	}

	v, err := vault.New(cfg.MasterSecret)
	if err != nil {
		fmt.Fprintf(stderr, "porter: vault: %v\n", err)
		return 1
	}

	appRepo := repo.NewAppRepo(db)
	permRepo := repo.NewPermissionRepo(db)
	secretRepo := repo.NewSecretRepo(db)
	decisionRepo := repo.NewDecisionRepo(db)
	usageRepo := repo.NewUsageRepo(db)
	pairingRepo := repo.NewPairingRepo(db)

	registry := plugin.NewRegistry()
	for _, p := range []plugin.Plugin{llm.Groq(), llm.OpenAI(), email.Resend()} {
		if err := registry.Register(p); err != nil {
			fmt.Fprintf(stderr, "porter: register plugin: %v\n", err)
			return 1
		}
	}
	registry.Freeze()

	engine, err := policy.New(permRepo, usageRepo, kvStore, logger)
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	auth := pop.NewAuthenticator(appRepo, kvStore)
	secrets := gateway.NewVaultSecrets(secretRepo, v)
	auditLog := audit.NewLogger(decisionRepo, logger, 0)
	defer auditLog.Close()

	promReg := observability.NewRegistry()
	pipe := gateway.New(auth, registry, engine, secrets, auditLog, logger).
		WithMetrics(gateway.NewMetrics(promReg))

	pairSvc := pairing.New(pairingRepo, cfg.GatewayURL, logger)

	blob, err := archive.NewStore(ctx, archive.Config{
		Backend:  archive.Backend(cfg.Archive.Backend),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		fmt.Fprintf(stderr, "porter: archive: %v\n", err)
		return 1
	}
	exporter := archive.NewExporter(decisionRepo, blob, logger)

	tokenKey, err := v.DeriveKey("admin-token", 32)
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}
	if cfg.AdminPassword == "" {
		logger.Warn("ADMIN_PASSWORD is not set; operator login is disabled")
	}

	admin := adminapi.New(adminapi.Deps{
		Pairing:   pairSvc,
		Apps:      appRepo,
		Perms:     permRepo,
		Secrets:   secretRepo,
		Decisions: decisionRepo,
		Usage:     engine,
		Registry:  registry,
		Vault:     v,
		Archive:   blob,
		Metrics:   observability.MetricsHandler(promReg),
		Password:  cfg.AdminPassword,
		TokenKey:  tokenKey,
		Log:       logger,
	})

	app := httpapi.New(pipe, pairSvc, auth, appRepo, logger)

	// Background maintenance on UTC: session/code sweep every minute,
	// export-then-prune daily after the UTC day closes.
	sched := cron.New(cron.WithLocation(time.UTC))
	_, err = sched.AddFunc("@every 1m", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := pairSvc.Cleanup(jobCtx)
		if err != nil {
			logger.Error("pairing cleanup failed", "error", err)
			return
		}
		if stats.CodesDeleted > 0 || stats.SessionsExpired > 0 {
			logger.Info("pairing cleanup",
				"codesDeleted", stats.CodesDeleted,
				"sessionsExpired", stats.SessionsExpired)
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "porter: schedule cleanup: %v\n", err)
		return 1
	}
	_, err = sched.AddFunc("10 0 * * *", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, _, err := exporter.ExportPreviousDay(jobCtx, time.Now()); err != nil {
			logger.Error("decision export failed", "error", err)
			return
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)
		deleted, err := decisionRepo.DeleteBefore(jobCtx, cutoff)
		if err != nil {
			logger.Error("decision prune failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("decision prune", "deleted", deleted, "cutoff", cutoff)
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "porter: schedule export: %v\n", err)
		return 1
	}
	sched.Start()

	appSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              ":" + cfg.AdminPort,
		Handler:           admin.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", appSrv.Addr, "url", cfg.GatewayURL)
		if err := appSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		logger.Info("operator listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("operator server: %w", err)
		}
	}()

	fmt.Fprintf(stdout, "porter %s ready on :%s (operator :%s)\n", Version, cfg.Port, cfg.AdminPort)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := appSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("operator shutdown", "error", err)
	}
	<-sched.Stop().Done()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	return exit
}
