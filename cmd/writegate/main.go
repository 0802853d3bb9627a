// Command writegate runs the governance-gated write mediator: an HTTP
// surface over the approval pipeline, queue and capability router.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexops/writegate/pkg/api"
	"github.com/cortexops/writegate/pkg/approval"
	"github.com/cortexops/writegate/pkg/audit"
	"github.com/cortexops/writegate/pkg/capability"
	"github.com/cortexops/writegate/pkg/config"
	"github.com/cortexops/writegate/pkg/contracts"
	"github.com/cortexops/writegate/pkg/gateway"
	"github.com/cortexops/writegate/pkg/idempotency"
	"github.com/cortexops/writegate/pkg/initiator"
	"github.com/cortexops/writegate/pkg/observability"
	"github.com/cortexops/writegate/pkg/orchestrator"
	"github.com/cortexops/writegate/pkg/policy"
	"github.com/cortexops/writegate/pkg/queue"
	"github.com/cortexops/writegate/pkg/router"
	"github.com/cortexops/writegate/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	provider := observability.New()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Error("failed to load governance profile", "error", err)
		os.Exit(1)
	}

	engine, err := policy.NewEngine(profile.Policy)
	if err != nil {
		logger.Error("failed to compile policy", "error", err)
		os.Exit(1)
	}

	// One shared instance per collection for the whole process; every
	// caller observes identical approval and audit state.
	var (
		approvals approval.Store
		trail     audit.Trail
		index     idempotency.Index
	)
	if cfg.DatabasePath != "" && cfg.DatabasePath != ":memory:" {
		db, dbErr := store.OpenSQLite(cfg.DatabasePath)
		if dbErr != nil {
			logger.Error("failed to open database", "path", cfg.DatabasePath, "error", dbErr)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		approvals = store.NewSQLiteApprovalStore(db)
		trail = store.NewSQLiteAuditTrail(db)
		index = store.NewSQLiteIdempotencyIndex(db)
	} else {
		approvals = approval.NewMemoryStore()
		trail = audit.NewMemoryTrail()
		index = idempotency.NewMemoryIndex()
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		index = store.NewRedisIdempotencyIndex(client)
		logger.Info("idempotency index backed by redis", "addr", cfg.RedisAddr)
	}

	registry := capability.NewRegistry()
	registerBuiltins(registry, cfg)

	rt := router.New(profile.Agents, registry, logger)
	resolver := initiator.NewResolver(profile.Policy.PrivilegedInitiators, []byte(os.Getenv("SIGNING_KEY")))
	gw := gateway.New(engine, resolver, policy.Flags{SafeMode: cfg.SafeMode},
		approvals, trail, index, rt, cfg.MaxRetries, logger)

	q := queue.New(cfg.QueueDepth, cfg.MaxRetries)
	orch := orchestrator.New(gw, q, orchestrator.Options{
		DispatchSync: cfg.DispatchSync,
		Workers:      cfg.Workers,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)
	defer orch.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(orch, rt, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("writegate listening",
		"port", cfg.Port,
		"safe_mode", cfg.SafeMode,
		"workers", cfg.Workers,
		"agents", len(profile.Agents))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// registerBuiltins wires the capability handlers this deployment ships.
// Real side-effect adapters register here; the echo capability exists so a
// fresh install can exercise the pipeline end to end.
func registerBuiltins(registry *capability.Registry, cfg *config.Config) {
	registry.Register("system.echo", capability.Func(
		func(ctx context.Context, cmd *contracts.Command) (map[string]any, error) {
			return map[string]any{"echo": cmd.Parameters}, nil
		}))
	registry.Register("http.request", capability.NewHTTPCapability(cfg.HTTPAllowedHosts,
		capability.WithPollConfig(capability.PollConfig{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollMaxAttempts,
		})))
}
