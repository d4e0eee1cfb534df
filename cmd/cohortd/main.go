// cohortd hosts evolving agent crews behind an MCP tool surface, over
// stdio, streamable HTTP, or both.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/audit"
	"github.com/evolvant/cohort/internal/auth"
	"github.com/evolvant/cohort/internal/config"
	"github.com/evolvant/cohort/internal/crew"
	"github.com/evolvant/cohort/internal/deliverables"
	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/gate"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/mcpserver"
	"github.com/evolvant/cohort/internal/metrics"
	"github.com/evolvant/cohort/internal/ratelimit"
	"github.com/evolvant/cohort/internal/runner"
	"github.com/evolvant/cohort/internal/store"
	"github.com/evolvant/cohort/internal/supervisor"
	"github.com/evolvant/cohort/internal/telemetry"
	"github.com/evolvant/cohort/internal/workflow"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid
// configuration, 3 store unreachable.
const (
	exitRuntime = 1
	exitConfig  = 2
	exitStore   = 3
)

const (
	auditMemoryLimit = 1000
	eventBufferSize  = 64
	eventRingCap     = 1000
	simTaskDelay     = 2 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cohortd: invalid configuration: %v\n", err)
		return exitConfig
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cohortd: logger: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = logger.Sync() }()

	for _, issue := range cfg.ProductionIssues() {
		logger.Warn("configuration issue", zap.String("issue", issue))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(sctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		return exitStore
	}

	dsn := cfg.DBDSN
	if cfg.DBDriver == config.DriverSQLite && dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "cohort.db")
	}
	db, err := store.Open(cfg.DBDriver, dsn)
	if err != nil {
		logger.Error("store unreachable", zap.String("driver", cfg.DBDriver), zap.Error(err))
		return exitStore
	}
	defer func() { _ = db.Close() }()

	st, err := store.New(db, cfg.DBDriver, logger.Named("store"))
	if err != nil {
		logger.Error("store schema", zap.Error(err))
		return exitStore
	}

	recovered, err := st.RecoverInterruptedWorkflows("process-restart")
	if err != nil {
		logger.Error("recover interrupted workflows", zap.Error(err))
		return exitStore
	}
	if recovered > 0 {
		logger.Info("interrupted workflows recovered", zap.Int("count", recovered))
	}

	keys, err := auth.NewStore(db, cfg.DBDriver, logger.Named("auth"))
	if err != nil {
		logger.Error("auth store", zap.Error(err))
		return exitStore
	}
	if plain, err := keys.Bootstrap(cfg.AdminKey); err != nil {
		logger.Error("bootstrap admin key", zap.Error(err))
		return exitRuntime
	} else if plain != "" && cfg.AdminKey == "" {
		// Printed once, never logged or stored in plaintext.
		fmt.Fprintf(os.Stderr, "cohortd: admin API key (shown once): %s\n", plain)
	}

	journal, err := audit.NewJournal(db, cfg.DBDriver, auditMemoryLimit, logger.Named("audit"))
	if err != nil {
		logger.Error("audit journal", zap.Error(err))
		return exitStore
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		HourlyLimit:   cfg.RateHourly,
		BurstLimit:    cfg.RateBurst,
		BlockDuration: cfg.RateBlock,
	})
	g := gate.New(keys, limiter, journal, logger.Named("gate"))

	ev := events.NewBus(eventBufferSize, eventRingCap)
	bus := instructions.New(st, ev, logger.Named("instructions"))
	output, err := deliverables.New(cfg.DataDir, logger.Named("deliverables"))
	if err != nil {
		logger.Error("deliverables store", zap.Error(err))
		return exitStore
	}
	evo := evolution.New(st, ev, cfg.EvolutionCooldown, logger.Named("evolution"))
	crews := crew.NewManager(st, ev, logger.Named("crew"))
	m := metrics.New()

	engine := workflow.New(st, bus, ev, runner.NewSim(simTaskDelay, logger.Named("runner")), output, evo, workflow.Options{
		Workers:       cfg.Workers,
		QueuePolicy:   cfg.QueuePolicy,
		PollInterval:  cfg.InstructionPoll,
		EstopDeadline: cfg.EstopDeadline,
	}, logger.Named("workflow"))
	engine.Start(ctx)

	sup := supervisor.New(st, bus, evo, engine, limiter, m, supervisor.Options{
		SweepSchedule:       cfg.EvolutionSweep,
		InstructionTTL:      cfg.InstructionTTL,
		MaxWorkflowDuration: cfg.MaxWorkflowDuration,
	}, logger.Named("supervisor"))
	if err := sup.Start(ctx); err != nil {
		logger.Error("start supervisor", zap.Error(err))
		return exitConfig
	}

	mcpserver.Version = version
	srv := mcpserver.New(mcpserver.Deps{
		Gate:         g,
		Keys:         keys,
		Crews:        crews,
		Engine:       engine,
		Instructions: bus,
		Evolution:    evo,
		Events:       ev,
		Output:       output,
		Metrics:      m,
		Health:       sup.Health,
		Config:       cfg,
		Logger:       logger,
	})

	logger.Info("cohortd starting",
		zap.String("version", version),
		zap.String("transport", cfg.Transport),
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("workers", cfg.Workers))

	errCh := make(chan error, 2)
	var httpSrv *http.Server

	if cfg.Transport == config.TransportHTTP || cfg.Transport == config.TransportDual {
		httpSrv = &http.Server{
			Addr:              cfg.Addr(),
			Handler:           srv.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http transport listening", zap.String("addr", cfg.Addr()))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.Transport == config.TransportStdio || cfg.Transport == config.TransportDual {
		go func() {
			stdioCtx := gate.WithCredential(ctx, cfg.StdioKey)
			if err := srv.RunStdio(stdioCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("stdio server: %w", err)
			}
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("transport failed", zap.Error(err))
		code = exitRuntime
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	sup.Stop()
	if err := engine.Drain(shutdownCtx); err != nil {
		logger.Warn("workflow drain incomplete", zap.Error(err))
	}

	logger.Info("cohortd stopped")
	return code
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
