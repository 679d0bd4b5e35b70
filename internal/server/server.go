// Package server wires the host: store, registry, policy, sandbox, command
// channel, scheduler and message intake, plus an optional metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/kinshell/kinshell/internal/config"
	"github.com/kinshell/kinshell/internal/grouplock"
	"github.com/kinshell/kinshell/internal/intake"
	"github.com/kinshell/kinshell/internal/ipc"
	"github.com/kinshell/kinshell/internal/loop"
	"github.com/kinshell/kinshell/internal/metrics"
	"github.com/kinshell/kinshell/internal/mounts"
	"github.com/kinshell/kinshell/internal/policy"
	"github.com/kinshell/kinshell/internal/quarantine"
	"github.com/kinshell/kinshell/internal/ratelimit"
	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/internal/store/sqlite"
	"github.com/kinshell/kinshell/internal/stranger"
	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/internal/transport/local"
	"github.com/kinshell/kinshell/pkg/types"
)

// Options overrides parts of the host, mostly for tests.
type Options struct {
	Runtime   sandbox.Runtime
	Transport transport.Transport
	Logger    *slog.Logger
}

type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *sqlite.Store
	registry   *registry.Registry
	gate       *stranger.Gate
	runtime    sandbox.Runtime
	transport  transport.Transport
	closeTrans func() error
	quarantine *quarantine.Dir
	collector  *metrics.Collector

	Scheduler *scheduler.Scheduler
	Processor *ipc.Processor
	Intake    *intake.Intake
	Directory *intake.Directory

	watcher    *ipc.Watcher
	intakeLoop *loop.Loop
	schedLoop  *loop.Loop
	cron       *cron.Cron

	httpServer *http.Server
	httpLn     net.Listener
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Host, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(cfg.Paths.StorePath)
	if err != nil {
		return nil, err
	}
	h := &Host{cfg: cfg, logger: logger, store: st, collector: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			_ = h.Close()
		}
	}()

	h.registry, err = registry.New(registry.Options{
		Store:  st,
		TTL:    config.MustDuration(cfg.Registry.CacheTTL),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(h.registry, logger)
	cache := stranger.NewCache(stranger.CacheOptions{
		TTL:    config.MustDuration(cfg.Stranger.CacheTTL),
		Store:  st,
		Logger: logger,
	})
	h.gate = stranger.NewGate(engine, cache, logger)
	// Any registry mutation may turn a stranger into a member or back.
	h.registry.OnChange(func() { cache.InvalidateAll(context.Background()) })

	al, err := mounts.LoadAllowlist(cfg.Mounts.Allowlist)
	if err != nil {
		return nil, err
	}
	validator, err := mounts.NewValidator(mounts.Options{Allowlist: al, AllowlistPath: cfg.Mounts.Allowlist, Logger: logger})
	if err != nil {
		return nil, err
	}

	h.runtime = opts.Runtime
	if h.runtime == nil {
		h.runtime, err = newRuntime(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	h.transport = opts.Transport
	if h.transport == nil {
		lt, err := local.New(local.Options{
			Outbox:   cfg.Transport.Outbox,
			Rotation: OutboxRotation(cfg),
			Roster:   cfg.Transport.Roster,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		h.transport, h.closeTrans = lt, lt.Close
	}
	h.transport = metrics.WrapTransport(h.transport, h.collector)

	composer := sandbox.NewComposer(Layout(cfg), validator,
		sandbox.NewEnvWriter(cfg.Sandbox.EnvAllowlist, cfg.Sandbox.EnvFile), logger)
	orch, err := sandbox.New(sandbox.Options{
		Runtime:   h.runtime,
		Composer:  composer,
		Sessions:  st,
		Image:     cfg.Sandbox.Image,
		Command:   cfg.Sandbox.Command,
		Timeout:   config.MustDuration(cfg.Sandbox.Timeout),
		MaxOutput: config.MustByteSize(cfg.Sandbox.MaxOutput),
		LogsDir:   cfg.Paths.LogsDir,
		Verbose:   cfg.Sandbox.Verbose,
		Recorder:  h.collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	locks := grouplock.New()
	h.Scheduler, err = scheduler.New(scheduler.Options{
		Store:         st,
		Runner:        orch,
		Sender:        h.transport,
		Locks:         locks,
		Location:      loc,
		AssistantName: cfg.Assistant.Name,
		Recorder:      h.collector,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	h.Directory = intake.NewDirectory(h.transport, st, cache, logger)
	h.Intake, err = intake.New(intake.Options{
		Store:         st,
		Transport:     h.transport,
		Policy:        engine,
		Gate:          h.gate,
		Registry:      h.registry,
		Runner:        orch,
		Locks:         locks,
		AssistantName: cfg.Assistant.Name,
		Trigger:       cfg.Assistant.Trigger,
		Recorder:      h.collector,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	h.quarantine = quarantine.New(filepath.Join(cfg.IPCDir(), ipc.ErrorsDirName))
	h.Processor, err = ipc.NewProcessor(ipc.Options{
		Root:          cfg.IPCDir(),
		Store:         st,
		Registry:      h.registry,
		Tasks:         h.Scheduler,
		Sender:        h.transport,
		Directory:     h.Directory,
		Quarantine:    h.quarantine,
		AssistantName: cfg.Assistant.Name,
		SendLimiter:   ratelimit.NewKeyed(cfg.IPC.SendPerMinute/60, cfg.IPC.SendBurst, nil),
		Recorder:      h.collector,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	if err := h.bootstrap(ctx); err != nil {
		return nil, err
	}

	h.watcher = ipc.NewWatcher(h.Processor, config.MustDuration(cfg.IPC.PollInterval), logger)
	h.intakeLoop = &loop.Loop{Name: "intake", Interval: config.MustDuration(cfg.Intake.PollInterval), Tick: h.Intake.Tick, Logger: logger}
	h.schedLoop = &loop.Loop{Name: "scheduler", Interval: config.MustDuration(cfg.Scheduler.PollInterval), Tick: h.Scheduler.Tick, Logger: logger}

	h.cron = cron.New(cron.WithLocation(loc))
	if _, err := h.cron.AddFunc(cfg.Quarantine.PurgeSchedule, h.purgeQuarantine); err != nil {
		return nil, fmt.Errorf("schedule quarantine purge: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
		h.httpLn = ln
		h.httpServer = &http.Server{Handler: h.Router(), ReadHeaderTimeout: 5 * time.Second}
	}

	ok = true
	return h, nil
}

// Layout maps configured paths onto the sandbox mount layout.
func Layout(cfg *config.Config) sandbox.Layout {
	l := sandbox.Layout{
		ProjectRoot: cfg.Paths.ProjectRoot,
		GroupsDir:   cfg.Paths.GroupsDir,
		GlobalDir:   cfg.Paths.GlobalDir,
		SessionsDir: cfg.SessionsDir(),
		IPCDir:      cfg.IPCDir(),
		EnvDir:      cfg.EnvDir(),
	}
	if cfg.Vaults.Private.Enabled {
		l.PrivateVault = cfg.Vaults.Private.Path
	}
	if cfg.Vaults.Shared.Enabled {
		l.SharedVault = cfg.Vaults.Shared.Path
	}
	return l
}

// OutboxRotation is the local transport's rotation policy.
func OutboxRotation(cfg *config.Config) local.Rotation {
	return local.Rotation{
		MaxBytes: config.MustByteSize(cfg.Transport.OutboxMaxSize),
		Backups:  cfg.Transport.OutboxBackups,
	}
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (sandbox.Runtime, error) {
	switch cfg.Sandbox.Runtime {
	case "docker":
		rt, err := sandbox.NewDockerRuntime(logger)
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return sandbox.NewCLIRuntime(cfg.Sandbox.Binary, logger), nil
	}
}

// bootstrap seeds the configured owner and main group, and makes sure every
// group has a command-channel namespace.
func (h *Host) bootstrap(ctx context.Context) error {
	if id := h.cfg.Registry.Owner; id != "" {
		snap, err := h.registry.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("read registry: %w", err)
		}
		if owner, ok := snap.Owner(); !ok {
			if err := h.registry.SetOwner(ctx, id, h.cfg.Registry.OwnerName); err != nil {
				return fmt.Errorf("bootstrap owner: %w", err)
			}
			h.logger.Info("owner registered from config", "identity", registry.Normalize(id))
		} else if owner.Identity != registry.Normalize(id) {
			h.logger.Warn("configured owner differs from registered owner; keeping registered", "registered", owner.Identity)
		}
	}

	if ch := h.cfg.Assistant.MainChannel; ch != "" {
		_, err := h.store.GroupByFolder(ctx, types.MainGroupFolder)
		switch {
		case errors.Is(err, store.ErrNotFound):
			g := types.Group{ChannelID: ch, Name: "Main", Folder: types.MainGroupFolder, AddedAt: time.Now().UTC()}
			if err := h.store.PutGroup(ctx, g); err != nil {
				return fmt.Errorf("register main group: %w", err)
			}
			h.logger.Info("main group registered", "channel", ch)
		case err != nil:
			return err
		}
	}

	groups, err := h.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if _, err := sandbox.EnsureIPCNamespace(h.cfg.IPCDir(), g.Folder); err != nil {
			return err
		}
	}
	return nil
}

// Router serves health and metrics.
func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", h.collector.Handler(metrics.HandlerOptions{
		GroupCount: func() int {
			groups, err := h.store.ListGroups(context.Background())
			if err != nil {
				return 0
			}
			return len(groups)
		},
	}))
	return r
}

func (h *Host) purgeQuarantine() {
	removed, err := h.quarantine.Purge(config.MustDuration(h.cfg.Quarantine.Retention), h.cfg.Quarantine.Keep)
	if err != nil {
		h.logger.Error("quarantine purge failed", "error", err)
		return
	}
	if removed > 0 {
		h.logger.Info("quarantine purged", "removed", removed)
	}
}

// Run checks the container runtime, then runs the loops until ctx is done
// or a signal arrives.
func (h *Host) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.runtime.Check(ctx); err != nil {
		return fmt.Errorf("container runtime %q is not usable: %w (start it, or set sandbox.runtime/sandbox.binary)", h.runtime.Name(), err)
	}
	if err := h.Directory.Refresh(ctx); err != nil {
		h.logger.Warn("initial directory refresh failed", "error", err)
	}

	if err := h.watcher.Start(ctx); err != nil {
		return err
	}
	if err := h.intakeLoop.Start(ctx); err != nil {
		return err
	}
	if err := h.schedLoop.Start(ctx); err != nil {
		return err
	}
	h.cron.Start()

	errCh := make(chan error, 1)
	if h.httpServer != nil {
		go func() {
			if err := h.httpServer.Serve(h.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		h.logger.Info("metrics listening", "addr", h.httpLn.Addr().String())
	}
	h.logger.Info("kinshell host started", "assistant", h.cfg.Assistant.Name, "runtime", h.runtime.Name())

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	h.watcher.Stop()
	h.intakeLoop.Stop()
	h.schedLoop.Stop()
	<-h.cron.Stop().Done()
	if h.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.httpServer.Shutdown(shutdownCtx)
	}
	h.logger.Info("kinshell host stopped")
	return runErr
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (h *Host) MetricsAddr() string {
	if h == nil || h.httpLn == nil {
		return ""
	}
	return h.httpLn.Addr().String()
}

func (h *Host) Close() error {
	if h.httpLn != nil {
		_ = h.httpLn.Close()
		h.httpLn = nil
	}
	if h.closeTrans != nil {
		_ = h.closeTrans()
		h.closeTrans = nil
	}
	if h.store != nil {
		err := h.store.Close()
		h.store = nil
		return err
	}
	return nil
}
