package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tessaro/chainkit/internal/bus"
	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/internal/health"
	"github.com/tessaro/chainkit/internal/invocables"
	"github.com/tessaro/chainkit/internal/isolation"
	"github.com/tessaro/chainkit/internal/logging"
	"github.com/tessaro/chainkit/internal/safety"
	"github.com/tessaro/chainkit/internal/scheduler"
	"github.com/tessaro/chainkit/internal/secrets"
	"github.com/tessaro/chainkit/internal/selector"
	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/internal/telemetry"
	"github.com/tessaro/chainkit/internal/validation"
	"github.com/tessaro/chainkit/pkg/mcp"
	"github.com/tessaro/chainkit/pkg/schema"
)

// runtime is the assembled application: store, engine, background services
// and the MCP surface.
type runtime struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	bus       *bus.CallbackBus
	gate      *safety.Gate
	monitor   *health.Monitor
	executor  *engine.ChainExecutor
	vault     secrets.Vault
	runner    *chainRunner
	validator validation.Validator
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	mcpServer *mcp.ChainServer

	metricsSrv  *http.Server
	unsubscribe []func()
}

// newRuntime wires the full dependency graph from configuration.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	eventBus := bus.New()
	rt := &runtime{cfg: cfg, logger: logger, store: st, bus: eventBus}

	// Event log and metrics consume the bus; the engine itself stays
	// uninstrumented.
	logCh, unsubLog, err := eventBus.Subscribe(ctx, bus.Filter{})
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("subscribe event log: %w", err)
	}
	rt.unsubscribe = append(rt.unsubscribe, unsubLog)
	eventLog := store.NewEventLog(st)
	go func() {
		if err := eventLog.Record(ctx, logCh); err != nil && ctx.Err() == nil {
			logger.Error("event log recorder stopped", "error", err.Error())
		}
	}()

	rt.metrics = telemetry.NewMetrics("chainkit")
	metricsCh, unsubMetrics, err := eventBus.Subscribe(ctx, bus.Filter{})
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("subscribe metrics: %w", err)
	}
	rt.unsubscribe = append(rt.unsubscribe, unsubMetrics)
	go rt.metrics.Run(ctx, metricsCh)

	gate, err := newGate(cfg, st, eventBus, logger)
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("build safety gate: %w", err)
	}
	rt.gate = gate

	rt.monitor = health.NewMonitor(parseDurationOr(cfg.HealthInterval, 30*time.Second), eventBus, logger)
	for _, svc := range cfg.Services {
		err := rt.monitor.Register(health.ServiceConfig{
			Name:      svc.Name,
			Primary:   svc.Primary,
			Fallbacks: svc.Fallbacks,
			Probe:     httpProbe,
			MinDwell:  parseDurationOr(svc.MinDwell, 0),
		})
		if err != nil {
			rt.Shutdown()
			return nil, fmt.Errorf("register service %q: %w", svc.Name, err)
		}
	}

	registry := engine.NewRegistry()
	isolator, err := isolation.NewIsolator()
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("init isolator: %w", err)
	}
	if err := invocables.RegisterBuiltins(registry, invocables.Config{
		HTTP: invocables.HTTPConfig{
			DefaultTimeout: parseDurationOr(cfg.HTTPTimeout, 30*time.Second),
		},
		Shell: invocables.ShellConfig{Isolator: isolator},
	}); err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	resilience := engine.NewResiliencePolicy(
		engine.NewBreakerRegistry(engine.DefaultBreakerConfig()),
		rt.monitor,
		engine.NewBackoff(0),
		eventBus,
		logger,
	)
	rt.executor = engine.NewChainExecutor(
		engine.ExecutorConfig{MaxWorkers: cfg.PoolSize},
		registry, resilience, gate, eventBus, logger,
	)

	rt.vault, err = newVault(st)
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	rt.runner = &chainRunner{exec: rt.executor, vault: rt.vault}

	rt.validator, err = validation.NewChainValidator(registry)
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	sel, err := selector.New(cfg.SelectorStrategy, st)
	if err != nil {
		rt.Shutdown()
		return nil, fmt.Errorf("build selector: %w", err)
	}

	rt.scheduler = scheduler.NewScheduler(st, runnerAdapter{rt.runner}, st, logger)

	rt.mcpServer = mcp.NewChainServer(mcp.ChainServerDeps{
		Runner:    rt.runner,
		Store:     st,
		Validator: rt.validator,
		Health:    rt.monitor,
		Selector:  sel,
		Logger:    logger,
	})

	return rt, nil
}

// Start launches the background services.
func (rt *runtime) Start(ctx context.Context) error {
	if err := rt.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}

	if rt.cfg.SchedulerEnabled {
		if err := rt.scheduler.RecoverMissed(ctx); err != nil {
			rt.logger.Warn("missed-schedule recovery failed", "error", err.Error())
		}
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if rt.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		rt.metricsSrv = &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.logger.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	return nil
}

// Shutdown stops background services and closes the store. Safe to call on a
// partially constructed runtime.
func (rt *runtime) Shutdown() {
	if rt.scheduler != nil {
		_ = rt.scheduler.Stop()
	}
	if rt.monitor != nil {
		rt.monitor.Stop()
	}
	if rt.metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.metricsSrv.Shutdown(shutCtx)
		cancel()
	}
	for _, unsub := range rt.unsubscribe {
		unsub()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

// newGate builds the safety gate with the store-backed audit trail and the
// configured target policies.
func newGate(cfg Config, st *store.LibSQLStore, eventBus *bus.CallbackBus, logger *slog.Logger) (*safety.Gate, error) {
	opts := []safety.Option{
		safety.WithSandbox(cfg.Sandbox),
		safety.WithPublisher(eventBus),
		safety.WithLogger(logger),
	}
	if len(cfg.TargetPolicies) > 0 {
		opts = append(opts, safety.WithPolicies(cfg.TargetPolicies...))
	}
	return safety.NewGate(store.NewAuditSink(st), opts...)
}

// chainRunner resolves secret references and hands the definition to the
// executor. A failed resolution becomes a failed result rather than an
// executed chain with literal ${{secrets.*}} placeholders.
type chainRunner struct {
	exec  *engine.ChainExecutor
	vault secrets.Vault
}

func (r *chainRunner) Execute(ctx context.Context, def *schema.ChainDefinition) *schema.ChainResult {
	if err := secrets.Interpolate(ctx, r.vault, def); err != nil {
		chainErr, ok := err.(*schema.ChainError)
		if !ok {
			chainErr = schema.NewError(schema.ErrCodeVault, err.Error())
		}
		return &schema.ChainResult{
			ChainID: def.ID,
			Status:  schema.ChainStatusFailed,
			Error:   chainErr,
		}
	}
	return r.exec.Execute(ctx, def)
}

// runnerAdapter lets the runner satisfy the scheduler's error-returning
// runner interface.
type runnerAdapter struct {
	runner *chainRunner
}

func (r runnerAdapter) Execute(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error) {
	return r.runner.Execute(ctx, def), nil
}

// newVault opens the AES secrets vault when CHAINKIT_VAULT_PASSPHRASE is set.
// The PBKDF2 salt lives in ~/.chainkit/vault.salt and is generated on first
// use. Without a passphrase the vault is disabled and secret references in
// chain params fail resolution.
func newVault(st *store.LibSQLStore) (secrets.Vault, error) {
	passphrase := os.Getenv("CHAINKIT_VAULT_PASSPHRASE")
	if passphrase == "" {
		return nil, nil
	}
	salt, err := loadOrCreateSalt(filepath.Join(chainkitDir(), "vault.salt"))
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{Passphrase: passphrase, Salt: salt})
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// httpProbe reports a service endpoint healthy on any HTTP response with a
// status below 500.
func httpProbe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// buildLogger constructs the process logger: text on stderr with chain/step
// correlation attrs pulled from the context.
func buildLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadDefinition reads and decodes a chain definition file.
func loadDefinition(path string) (*schema.ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def schema.ChainDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &def, nil
}

// newStandaloneValidator builds a validator without a handler registry, for
// offline validation of definitions that may reference app-registered
// handlers.
func newStandaloneValidator() (validation.Validator, error) {
	return validation.NewChainValidator(nil)
}
