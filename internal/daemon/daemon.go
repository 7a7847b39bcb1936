// Package daemon assembles and supervises the hi-boss daemon: it opens
// the store and audit log, wires the router, engine, schedulers and
// channel adapters over the event bus, claims the unix socket, repairs
// state left behind by a previous process, and runs until the context
// is cancelled. Run is the entire lifecycle; the CLI's daemon-run
// command is a thin wrapper around it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hiboss/hi-boss/internal/audit"
	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/channels"
	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/cron"
	"github.com/hiboss/hi-boss/internal/engine"
	"github.com/hiboss/hi-boss/internal/gateway"
	hbotel "github.com/hiboss/hi-boss/internal/otel"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/policy"
	"github.com/hiboss/hi-boss/internal/provider"
	"github.com/hiboss/hi-boss/internal/router"
	"github.com/hiboss/hi-boss/internal/scheduler"
	"github.com/hiboss/hi-boss/internal/skills"
	"github.com/hiboss/hi-boss/internal/telemetry"
)

const (
	// drainTimeout bounds how long shutdown waits for in-flight agent
	// runs. It exceeds the provider kill grace so a cancelled run can
	// still record its terminal status before the final sweep.
	drainTimeout = 10 * time.Second

	// sweepTimeout bounds the post-drain orphan sweep and telemetry
	// flush, which run after the lifecycle context is already dead.
	sweepTimeout = 5 * time.Second

	// orphanEnvelopeCap limits how many stale channel-destined
	// envelopes a single boot will fail before giving up.
	orphanEnvelopeCap = 100
)

// Options carries everything Run needs beyond the context.
type Options struct {
	Config  config.Config
	Version string

	// Providers replaces the built-in provider registry when non-nil.
	// Tests install fakes here.
	Providers *provider.Registry

	// AdapterFactories replaces the built-in adapter set when non-empty,
	// keyed by adapter type. Tests install fakes here.
	AdapterFactories map[string]channels.Factory
}

// Run boots the daemon and blocks until ctx is cancelled or startup
// fails. A second instance on the same data dir fails fast with
// gateway.ErrAlreadyRunning. On the way out it stops intake first,
// drains in-flight runs, and sweeps whatever did not finish so the
// store never keeps a running row without a process behind it.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	if err := config.EnsureLayout(cfg.DataDir); err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logCloser.Close()

	logger.Info("daemon starting",
		"version", opts.Version,
		"pid", os.Getpid(),
		"data_dir", cfg.DataDir,
		"config", cfg.Fingerprint())

	tele := cfg.Telemetry
	tele.ServiceVersion = opts.Version
	otelProvider, err := hbotel.Init(runCtx, tele)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if err := otelProvider.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := hbotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	clk := clock.System{}

	store, err := persistence.Open(config.DBPath(cfg.DataDir), clk)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(config.AuditPath(cfg.DataDir), clk)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	auth, err := policy.NewAuthorizer(runCtx, store)
	if err != nil {
		return fmt.Errorf("load principals: %w", err)
	}

	b := bus.New()

	// The adapter registry needs its inbound handler at construction
	// time and the router needs the registry to resolve adapters, so a
	// relay stands in until the router exists. Adapters only start once
	// Reconcile runs, well after the relay is pointed at the router.
	relay := &inboundRelay{}
	adapters := channels.NewRegistry(relay, logger)
	factories := opts.AdapterFactories
	if len(factories) == 0 {
		mediaDir := ""
		if cfg.Telegram.DownloadMediaEnabled() {
			mediaDir = config.MediaDir(cfg.DataDir)
		}
		factories = map[string]channels.Factory{channels.TypeTelegram: channels.NewTelegramFactory(mediaDir)}
	}
	for adapterType, factory := range factories {
		adapters.RegisterFactory(adapterType, factory)
	}

	rt := router.New(router.Config{
		Store:    store,
		Adapters: adapters,
		Bus:      b,
		Clock:    clk,
		Logger:   logger,
	})
	relay.set(rt)

	providers := opts.Providers
	if providers == nil {
		providers = provider.NewRegistry(logger)
	}
	skillSource := skills.NewManager(config.SkillsDir(cfg.DataDir), logger)

	eng := engine.New(engine.Config{
		Store:     store,
		Providers: providers,
		Bus:       b,
		Clock:     clk,
		Skills:    skillSource,
		DataDir:   cfg.DataDir,
		Logger:    logger,
	})
	rt.SetAgentHandler(eng)
	rt.SetAgentController(eng)

	oneShot := scheduler.New(scheduler.Config{
		Store:     store,
		Deliverer: rt,
		Bus:       b,
		Clock:     clk,
		Logger:    logger,
	})
	oneShot.SetAgentKicker(eng)

	cronSched := cron.NewScheduler(cron.Config{
		Store:  store,
		Bus:    b,
		Clock:  clk,
		Logger: logger,
	})

	registerMetricPumps(b, store, metrics)
	kickReconcile := startReconcilePump(runCtx, b, store, adapters, metrics, logger)

	eng.Start(runCtx)
	defer eng.Stop()

	gw := gateway.New(gateway.Config{
		Store:      store,
		Auth:       auth,
		Router:     rt,
		Engine:     eng,
		Cron:       cronSched,
		Adapters:   adapters,
		Providers:  providers,
		Bus:        b,
		Clock:      clk,
		Logger:     logger,
		Audit:      auditLog,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		SocketPath: config.SocketPath(cfg.DataDir),
		DataDir:    cfg.DataDir,
		Version:    opts.Version,
		NextWake:   oneShot.NextWake,
		Shutdown:   stopRun,
	})
	if err := gw.Start(runCtx); err != nil {
		if errors.Is(err, gateway.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("start rpc listener: %w", err)
	}
	defer gw.Stop()

	// Owning the socket makes this the only live instance, so it is now
	// safe to repair state a previous process left behind.
	pidPath := config.PIDPath(cfg.DataDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		logger.Warn("write pid file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	recovered, err := store.RecoverOrphanRuns(runCtx, "daemon restarted")
	if err != nil {
		return fmt.Errorf("recover orphan runs: %w", err)
	}
	cleared, err := store.ClearOrphanChannelEnvelopes(runCtx, clk.Now(), orphanEnvelopeCap)
	if err != nil {
		return fmt.Errorf("clear orphan channel envelopes: %w", err)
	}
	cronStats, err := cronSched.ReconcileAll(runCtx, true)
	if err != nil {
		return fmt.Errorf("reconcile cron schedules: %w", err)
	}
	logger.Info("startup recovery completed",
		"orphan_runs", recovered,
		"orphan_envelopes", cleared,
		"cron_materialized", cronStats.Materialized,
		"cron_misfires", cronStats.Misfires)

	kickReconcile()

	watcher := skills.NewWatcher(config.SkillsDir(cfg.DataDir), logger)
	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("skill watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				eng.RefreshAll("skill sources changed")
			}
		}()
	}

	cronSched.Start(runCtx)
	oneShot.Start(runCtx)

	logger.Info("daemon ready",
		"socket", config.SocketPath(cfg.DataDir),
		"version", opts.Version)

	<-runCtx.Done()
	logger.Info("daemon stopping")

	// Intake stops first so nothing new arrives while runs drain, then
	// the scheduling loops and adapters, then the engine gets a bounded
	// window to let in-flight runs finish on their own.
	gw.Stop()
	oneShot.Stop()
	cronSched.Stop()
	adapters.StopAll()
	eng.Drain(drainTimeout)
	eng.Stop()

	// Runs that outlived the drain were cancelled through runCtx but may
	// not have reached a terminal status. Sweep them on a fresh context;
	// their envelopes stay pending and redeliver on the next boot.
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancelSweep()
	if n, err := store.RecoverOrphanRuns(sweepCtx, "daemon shutting down"); err != nil {
		logger.Error("final orphan sweep", "error", err)
	} else if n > 0 {
		logger.Info("final orphan sweep", "runs_failed", n)
	}

	logger.Info("daemon stopped")
	return nil
}

// registerMetricPumps bridges bus events onto the metric instruments.
// Handlers run on the publisher's goroutine, after the publisher's own
// store writes have committed, so the run lookup here cannot contend
// with an open transaction.
func registerMetricPumps(b *bus.Bus, store *persistence.Store, m *hbotel.Metrics) {
	b.Subscribe(bus.TopicEnvelopeCreated, func(bus.Event) {
		m.EnvelopesCreated.Add(context.Background(), 1)
	})
	b.Subscribe(bus.TopicEnvelopeDone, func(bus.Event) {
		m.EnvelopesDone.Add(context.Background(), 1)
	})
	b.Subscribe(bus.TopicRunStarted, func(bus.Event) {
		m.RunsStarted.Add(context.Background(), 1)
	})
	b.Subscribe(bus.TopicRunFinished, func(ev bus.Event) {
		re, ok := ev.Payload.(bus.RunEvent)
		if !ok {
			return
		}
		bg := context.Background()
		m.RunsFinished.Add(bg, 1,
			metric.WithAttributes(attribute.String("status", re.Status)))
		run, err := store.GetRun(bg, re.RunID)
		if err != nil || run.CompletedAt == nil {
			return
		}
		m.RunDuration.Record(bg, run.CompletedAt.Sub(run.StartedAt).Seconds())
	})
}

// startReconcilePump runs adapter reconciliation on its own goroutine,
// coalescing kicks so a burst of binding changes costs one pass. The
// returned kick never blocks.
func startReconcilePump(ctx context.Context, b *bus.Bus, store *persistence.Store,
	adapters *channels.Registry, m *hbotel.Metrics, logger *slog.Logger) func() {

	kicks := make(chan struct{}, 1)
	kick := func() {
		select {
		case kicks <- struct{}{}:
		default:
		}
	}
	b.Subscribe(bus.TopicBindingChanged, func(bus.Event) { kick() })

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kicks:
			}
			bindings, err := store.ListBindings(ctx)
			if err != nil {
				logger.Error("list bindings for adapter reconcile", "error", err)
				continue
			}
			adapters.Reconcile(ctx, bindings)
			m.AdapterReconciles.Add(ctx, 1)
		}
	}()
	return kick
}

// inboundRelay forwards adapter traffic to the router once it exists.
type inboundRelay struct {
	mu sync.RWMutex
	h  channels.InboundHandler
}

func (r *inboundRelay) set(h channels.InboundHandler) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *inboundRelay) InboundFromChannel(ctx context.Context, msg channels.InboundMessage) error {
	r.mu.RLock()
	h := r.h
	r.mu.RUnlock()
	if h == nil {
		return errors.New("router not ready")
	}
	return h.InboundFromChannel(ctx, msg)
}
