package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/harun/bamboo/internal/config"
	"github.com/harun/bamboo/internal/logger"
	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/coretools"
	"github.com/harun/bamboo/pkg/gateway"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout bounds Run's graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second

	// AuditLogFileName is the approval and tool audit trail inside the data
	// directory.
	AuditLogFileName = "audit.log"
)

// Option customizes a Daemon.
type Option func(*options)

type options struct {
	provider agent.Provider
	listener net.Listener
	loader   *config.Loader
	version  string
}

// WithProvider replaces the provider chain built from the AI profiles.
func WithProvider(p agent.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithListener serves the control surface on ln instead of the configured
// host and port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithConfigWatch hot reloads the file behind loader.
func WithConfigWatch(loader *config.Loader) Option {
	return func(o *options) { o.loader = loader }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Daemon owns every long-lived component of a bamboo process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger
	opts   options

	sessions  *session.Manager
	tools     *toolexecutor.ToolExecutor
	gate      *toolexecutor.ApprovalGate
	loop      *agent.Loop
	registry  *runner.Registry
	gateway   *gateway.Server
	janitor   *Janitor
	watcher   *config.Watcher
	lifecycle *LifecycleManager

	mu             sync.RWMutex
	running        bool
	startTime      time.Time
	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running          bool
	Uptime           time.Duration
	StartTime        time.Time
	ActiveRunners    int
	PendingApprovals int
}

// New builds every component in dependency order. Nothing listens until
// Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	d := &Daemon{
		config:    cfg,
		logger:    log,
		log:       log.Component("daemon"),
		lifecycle: NewLifecycleManager(cfg.DataDir),
	}
	for _, opt := range opts {
		opt(&d.opts)
	}

	observability.EnsureRegistered()
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, AuditLogFileName)); err != nil {
		d.log.Warn().Err(err).Msg("Audit log file unavailable, auditing to the process log")
		observability.UseAuditLogger(log.Component("audit"))
	}

	if cfg.Telemetry.Enabled {
		err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Exporter:    cfg.Telemetry.Exporter,
			SampleRatio: cfg.Telemetry.SampleRate,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		d.closeTracing()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	store, err := newStore(cfg.Storage, d.logger.Component("session_store"))
	if err != nil {
		return err
	}
	d.sessions = session.NewManager(store, d.logger.Component("sessions"))

	d.tools = toolexecutor.New(toolexecutor.Config{
		DefaultTimeout: cfg.ToolTimeout(),
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		Policy:         &toolexecutor.ToolPolicy{Deny: cfg.Tools.Deny},
		Logger:         d.logger.Zerolog(),
	})
	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := coretools.Register(d.tools, coretools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
		Shell:         cfg.Tools.Shell,
		Logger:        d.logger.Zerolog(),
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}

	d.gate = toolexecutor.NewApprovalGate(d.logger.Zerolog())

	provider := d.opts.provider
	if provider == nil {
		provider, err = buildProvider(cfg, d.logger.Component("provider"))
		if err != nil {
			return err
		}
	}

	role, err := toolexecutor.ParseRole(cfg.Agent.Role)
	if err != nil {
		return err
	}

	d.loop, err = agent.NewLoop(agent.Config{
		Provider:        provider,
		Tools:           d.tools,
		Gate:            d.gate,
		Saver:           d.sessions,
		Logger:          d.logger.Zerolog(),
		Model:           cfg.Agent.Model,
		Role:            role,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		MaxIterations:   cfg.Agent.MaxIterations,
		TurnTimeout:     cfg.TurnTimeout(),
		ToolTimeout:     cfg.ToolTimeout(),
		MaxToolRetries:  cfg.Agent.MaxToolRetries,
		MaxOutputTokens: cfg.Agent.MaxOutputTokens,

		MaxContextTokens: cfg.Agent.MaxContextTokens,
		Counter:          d.tokenCounter(cfg.Agent.Tokenizer),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	d.registry, err = runner.NewRegistry(runner.Config{
		Loop:     d.loop,
		Sessions: d.sessions,
		Gate:     d.gate,
		Logger:   d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create runner registry: %w", err)
	}

	d.gateway, err = gateway.NewServer(gateway.Config{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		SharedSecret:      cfg.Gateway.SharedSecret,
		ServiceName:       cfg.Telemetry.ServiceName,
		Version:           d.opts.version,
		DefaultModel:      cfg.Agent.Model,
		DefaultRole:       role,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Runner:            d.registry,
		Sessions:          d.sessions,
		Logger:            d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	d.janitor, err = NewJanitor(JanitorConfig{
		Schedule:    cfg.Janitor.Schedule,
		ApprovalTTL: time.Duration(cfg.Janitor.ApprovalTTLMinutes) * time.Minute,
		RunnerTTL:   time.Duration(cfg.Janitor.RunnerTTLMinutes) * time.Minute,
		Gate:        d.gate,
		Runners:     d.registry,
		Limiters:    d.gateway.RateLimiters(),
		Logger:      d.logger.Zerolog(),
	})
	if err != nil {
		return err
	}

	if d.opts.loader != nil {
		d.watcher, err = config.NewWatcher(config.WatcherConfig{
			Loader:   d.opts.loader,
			OnChange: d.applyConfig,
			Logger:   d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	return nil
}

func newStore(cfg config.StorageConfig, log zerolog.Logger) (session.Store, error) {
	switch cfg.Driver {
	case "", "jsonl":
		store, err := session.NewJSONLStore(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open jsonl session store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := session.NewSQLiteStore(cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// Start writes the pid file and starts serving.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting bamboo daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	var err error
	if d.opts.listener != nil {
		err = d.gateway.Serve(d.opts.listener)
	} else {
		err = d.gateway.Start()
	}
	if err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	d.janitor.Start()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	log.Info().Int("pid", os.Getpid()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the daemon down. The gateway and the runner registry drain
// concurrently: open event streams only end once their runs do.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping bamboo daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}
	d.janitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.gateway.Shutdown(gctx) })
	g.Go(func() error { return d.registry.Shutdown(gctx) })
	shutdownErr := g.Wait()
	if shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("Graceful shutdown incomplete")
	}

	if err := d.sessions.Close(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("Failed to close session manager")
		shutdownErr = errors.Join(shutdownErr, err)
	}

	d.closeTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Daemon stopped")
	return shutdownErr
}

func (d *Daemon) closeTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// tokenCounter picks the prompt size estimator. A tiktoken encoding that
// cannot be loaded falls back to the heuristic.
func (d *Daemon) tokenCounter(tokenizer string) agent.TokenCounter {
	if tokenizer != "tiktoken" {
		return agent.NewHeuristicCounter()
	}
	counter, err := agent.NewTiktokenCounter(agent.DefaultEncoding)
	if err != nil {
		d.log.Warn().Err(err).Msg("Tokenizer unavailable, estimating context size heuristically")
		return agent.NewHeuristicCounter()
	}
	return counter
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.ActiveRunners = d.registry.Active()
		status.PendingApprovals = len(d.gate.List())
	}
	return status
}

// Config returns the config the daemon was built with, including any hot
// reloaded changes.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Registry returns the runner registry
func (d *Daemon) Registry() *runner.Registry {
	return d.registry
}

// Sessions returns the session manager
func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}

// Janitor returns the housekeeping scheduler
func (d *Daemon) Janitor() *Janitor {
	return d.janitor
}
