// novad is the Nova action queue daemon: it owns the queue directories,
// executes approved actions through the skill registry and serves the
// HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nova-ops/nova/internal/api"
	"github.com/nova-ops/nova/internal/audit"
	"github.com/nova-ops/nova/internal/config"
	"github.com/nova-ops/nova/internal/executor"
	"github.com/nova-ops/nova/internal/metrics"
	"github.com/nova-ops/nova/internal/notify"
	"github.com/nova-ops/nova/internal/policy"
	"github.com/nova-ops/nova/internal/queue"
	"github.com/nova-ops/nova/internal/scheduler"
	"github.com/nova-ops/nova/internal/skills"
	"github.com/nova-ops/nova/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (JSON)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("novad %s (%s, built %s)\n", api.Version, api.Commit, api.Date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	// Tracing is optional; an unreachable collector only costs a warning.
	if cfg.TraceEndpoint != "" {
		shutdown, err := telemetry.InitTraceProvider(ctx, cfg.TraceEndpoint, api.Version)
		if err != nil {
			logger.Warn("tracing disabled", zap.String("endpoint", cfg.TraceEndpoint), zap.Error(err))
		} else {
			logger.Info("tracing enabled", zap.String("endpoint", cfg.TraceEndpoint))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	registry := skills.NewRegistry()
	registry.Register(skills.NewFilesystemSkill())
	registry.Register(skills.NewNetworkSkill())
	registry.Register(skills.NewShellSkill(logger.Named("shell")))

	var rules policy.Rules
	if cfg.PolicyFile != "" {
		rules, err = policy.LoadRules(cfg.PolicyFile)
		if err != nil {
			logger.Fatal("load policy rules", zap.String("path", cfg.PolicyFile), zap.Error(err))
		}
		logger.Info("policy rules loaded", zap.String("path", cfg.PolicyFile))
	}
	engine := policy.NewEngine(rules)

	repo := queue.NewRepository(cfg.DataDir, logger.Named("queue"))
	if n := repo.Reconcile(); n > 0 {
		logger.Info("reconciled duplicate queue records", zap.Int("removed", n))
	}

	reg := metrics.NewRegistry(filepath.Join(cfg.DataDir, "metrics"), logger.Named("metrics"))

	// Audit store: prefer SQLite-backed, degrade to no persistence.
	var auditor *audit.Store
	auditDBPath := filepath.Join(cfg.DataDir, "audit.db")
	if store, err := audit.NewStore(auditDBPath, cfg.Audit.MemoryLimit); err != nil {
		logger.Warn("cannot open audit database, audit endpoints unavailable",
			zap.String("path", auditDBPath), zap.Error(err))
	} else {
		auditor = store
		logger.Info("audit store opened", zap.String("path", auditDBPath))
		defer auditor.Close()
	}

	notifier := notify.NewNotifier()
	notifier.SetMetrics(reg)

	qcfg := queue.Config{
		MaxConcurrentActions: cfg.Queue.MaxConcurrentActions,
		ExecTimeout:          cfg.ExecTimeout(),
		Retry:                cfg.Queue.Retry,
		MaxRetries:           cfg.Queue.MaxRetries,
	}
	exec := executor.New(registry, engine, logger.Named("executor"))

	var recorder queue.Recorder
	if auditor != nil {
		recorder = auditor
	}
	coord := queue.NewCoordinator(repo, registry, engine, exec, reg, recorder, notifier, logger.Named("coordinator"), qcfg)

	sched := scheduler.New(logger.Named("scheduler"), reg)
	registerMaintenanceJobs(sched, cfg, repo, auditor, reg, logger)
	sched.Start(ctx)
	defer sched.Stop()

	srv := api.New(cfg, coord, reg, auditor, notifier, logger.Named("api"))
	logger.Info("novad starting",
		zap.String("version", api.Version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir))

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("novad stopped")
}

func registerMaintenanceJobs(sched *scheduler.Scheduler, cfg config.Config, repo *queue.Repository, auditor *audit.Store, reg *metrics.Registry, logger *zap.Logger) {
	cleanupSchedule := cfg.Queue.CleanupSchedule
	if cleanupSchedule == "" {
		cleanupSchedule = "1h"
	}
	if err := sched.Add(scheduler.Job{
		Name:     "outbox-cleanup",
		Schedule: cleanupSchedule,
		Run: func(ctx context.Context) error {
			removed, err := repo.CleanupOutbox(cfg.OutboxRetention())
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Info("outbox cleanup removed records", zap.Int("removed", removed))
			}
			return nil
		},
	}); err != nil {
		logger.Warn("outbox cleanup job not scheduled", zap.Error(err))
	}

	if auditor != nil && cfg.AuditRetention() > 0 {
		if err := sched.Add(scheduler.Job{
			Name:     "audit-purge",
			Schedule: "6h",
			Run: func(ctx context.Context) error {
				deleted, err := auditor.Purge(cfg.AuditRetention())
				if err != nil {
					return err
				}
				if deleted > 0 {
					logger.Info("audit purge removed events", zap.Int64("deleted", deleted))
				}
				return nil
			},
		}); err != nil {
			logger.Warn("audit purge job not scheduled", zap.Error(err))
		}
	}

	// Day rollover for the metrics log, independent of scrape traffic.
	if err := sched.Add(scheduler.Job{
		Name:     "metrics-rotate",
		Schedule: "1h",
		Run: func(ctx context.Context) error {
			reg.RotateIfDue()
			return nil
		},
	}); err != nil {
		logger.Warn("metrics rotation job not scheduled", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
