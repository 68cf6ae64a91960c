// Package app wires a loaded configuration into a running toolgate process:
// registry, ledger, dispatcher, workers, scheduler, health monitor, protocol
// server and the optional HTTP, webhook and NATS surfaces.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	nats "github.com/nats-io/nats.go"

	"github.com/mattjoyce/toolgate/internal/api"
	"github.com/mattjoyce/toolgate/internal/builtin"
	"github.com/mattjoyce/toolgate/internal/capability"
	"github.com/mattjoyce/toolgate/internal/config"
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/natsbridge"
	"github.com/mattjoyce/toolgate/internal/protocol"
	"github.com/mattjoyce/toolgate/internal/scheduler"
	"github.com/mattjoyce/toolgate/internal/storage"
	"github.com/mattjoyce/toolgate/internal/webhook"
	"github.com/mattjoyce/toolgate/internal/worker"
)

// App holds every long-lived component of one process.
type App struct {
	Config     *config.Config
	Registry   *capability.Registry
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher
	Health     *health.Monitor
	Protocol   *protocol.Server

	// Scheduler is nil when no schedules are configured.
	Scheduler *scheduler.Scheduler

	version string
	db      *sql.DB
	archive *storage.ExecutionArchive
	nc      *nats.Conn
	logger  *slog.Logger
}

// Options adjust New for tests and embedding.
type Options struct {
	Version string
	// Sampler replaces the process sampler.
	Sampler health.Sampler
}

// New builds the components described by cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		Config:  cfg,
		version: opts.Version,
		logger:  log.WithComponent("app"),
	}

	var archive ledger.Archive
	if cfg.Ledger.ArchivePath != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Ledger.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("open ledger archive: %w", err)
		}
		a.db = db
		a.archive = storage.NewExecutionArchive(db)
		archive = a.archive
		a.logger.Info("ledger archive opened", "path", cfg.Ledger.ArchivePath)
	}
	a.Ledger = ledger.New(cfg.Ledger.Capacity, archive)

	a.Dispatcher = dispatch.New(a.Ledger, dispatch.Options{
		ResultCapacity:  cfg.Dispatch.ResultCapacity,
		MailboxCapacity: cfg.Dispatch.MailboxCapacity,
		PollInterval:    cfg.Dispatch.PollInterval,
		WorkerTimeout:   cfg.Dispatch.WorkerTimeout,
	})
	if err := a.registerWorkers(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	if len(cfg.Schedules) > 0 {
		sched, err := scheduler.New(cfg.Schedules, a.Dispatcher, scheduler.Options{})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Scheduler = sched
	}

	sampler := opts.Sampler
	if sampler == nil {
		ps, err := health.NewProcessSampler()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("create process sampler: %w", err)
		}
		sampler = ps
	}
	a.Health = health.NewMonitor(sampler, a.Ledger, cfg.Health.Thresholds, cfg.Health.Interval)

	a.Registry = capability.NewRegistry()
	if err := builtin.Register(a.Registry, builtin.Deps{
		Dispatcher:  a.Dispatcher,
		Ledger:      a.Ledger,
		Health:      a.Health,
		Schedules:   a.Scheduler,
		WaitTimeout: cfg.Dispatch.WaitTimeout,
	}); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register built-in capabilities: %w", err)
	}

	a.Protocol = protocol.NewServer(a.Registry, a.Ledger, protocol.Options{
		Name:          cfg.Service.Name,
		Version:       opts.Version,
		Features:      cfg.Protocol.Features,
		InvokeTimeout: cfg.Protocol.InvokeTimeout,
		MaxLineBytes:  cfg.Protocol.MaxLineBytes,
	})

	a.logger.Info("components ready",
		"capabilities", a.Registry.Len(),
		"workers", len(a.Dispatcher.Workers()),
	)
	return a, nil
}

func (a *App) registerWorkers(ctx context.Context) error {
	for _, wc := range a.Config.Workers {
		var w worker.Worker
		switch wc.Kind {
		case config.WorkerEcho, "":
			w = worker.NewEchoWorker(wc.ID, wc.Capabilities...)
		case config.WorkerExec:
			ew, err := worker.NewExecWorker(worker.ExecConfig{
				ID:           wc.ID,
				Command:      wc.Command,
				Args:         wc.Args,
				Env:          wc.Env,
				Dir:          wc.Dir,
				Capabilities: wc.Capabilities,
				Config:       wc.Config,
				GracePeriod:  wc.GracePeriod,
			})
			if err != nil {
				return err
			}
			w = ew
		default:
			return fmt.Errorf("worker %q: unknown kind %q", wc.ID, wc.Kind)
		}
		if err := a.Dispatcher.Register(ctx, w, wc.Timeout); err != nil {
			return fmt.Errorf("register worker %q: %w", wc.ID, err)
		}
	}
	return nil
}

// Run starts the background components and serves the protocol on in/out
// until in is exhausted, ctx is done, or a component fails. A nil in runs
// only the network surfaces until ctx is done.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.archive != nil && a.Config.Ledger.ArchiveRetention > 0 {
		n, err := a.archive.Prune(ctx, a.Config.Ledger.ArchiveRetention)
		if err != nil {
			a.logger.Warn("ledger archive prune failed", "error", err)
		} else if n > 0 {
			a.logger.Info("pruned ledger archive", "removed", n)
		}
	}

	errCh := make(chan error, 5)

	go func() {
		if err := a.Dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	go a.Health.Start(ctx)
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	}

	if a.Config.API.Enabled {
		apiServer := api.New(api.Config{Listen: a.Config.API.Listen}, api.Deps{
			Ledger:      a.Ledger,
			Health:      a.Health,
			Catalog:     a.Protocol,
			Fingerprint: a.Registry,
			Results:     a.Dispatcher,
		}, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		a.logger.Info("API server enabled", "listen", a.Config.API.Listen)
	}

	if a.Config.Webhooks.Enabled {
		hookCfg, err := webhook.FromConfig(a.Config.Webhooks)
		if err != nil {
			return err
		}
		hooks := webhook.New(hookCfg, a.Dispatcher, log.WithComponent("webhook"))
		go func() {
			if err := hooks.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhooks: %w", err)
			}
		}()
		a.logger.Info("webhook listener enabled", "listen", a.Config.Webhooks.Listen, "endpoints", len(hookCfg.Endpoints))
	}

	if a.Config.NATS.Enabled {
		nc, err := natsbridge.Connect(a.Config.NATS.URL, a.Config.Service.Name)
		if err != nil {
			return err
		}
		a.nc = nc
		bridge := natsbridge.New(nc, a.Protocol, natsbridge.Config{
			Subject:        a.Config.NATS.Subject,
			QueueGroup:     a.Config.NATS.QueueGroup,
			RequestTimeout: a.Config.NATS.RequestTimeout,
		})
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := bridge.Stop(); err != nil {
				a.logger.Warn("nats bridge stop failed", "error", err)
			}
		}()
	}

	if in != nil {
		go func() {
			// End of input ends the process, like any stdio server.
			errCh <- a.Protocol.Serve(ctx, in, out)
		}()
	}

	a.logger.Info("toolgate running", "version", a.version, "stdio", in != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("component failed", "error", err)
			return err
		}
		return nil
	}
}

// Close releases workers, the NATS connection and the archive database.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Shutdown()
	}
	if a.nc != nil {
		a.nc.Close()
		a.nc = nil
	}
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		if err != nil {
			return fmt.Errorf("close ledger archive: %w", err)
		}
	}
	return nil
}

// Archive returns the SQLite execution archive, or nil when none is configured.
func (a *App) Archive() *storage.ExecutionArchive {
	return a.archive
}
