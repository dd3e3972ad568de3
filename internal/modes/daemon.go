package modes

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"privd/internal/privd/actions"
	"privd/internal/privd/lock"
	"privd/internal/privd/packages"
	"privd/internal/privd/postconf"
	"privd/internal/privd/registry"
	"privd/internal/privd/server"
	"privd/internal/privd/service"
	"privd/internal/privd/store"
	"privd/internal/privd/supervisor"
	"privd/pkg/config"
	"privd/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const (
	packagesLockName = "privd-packages"
	journalLockName  = "privd-journal"
)

// RunDaemon wires every component to the daemon and serves until a signal
// arrives, ctx ends or the daemon goes idle.
func RunDaemon(ctx context.Context, cfg *config.Config) error {
	log := logger.WithField("mode", "daemon")

	log.Info("starting privileged daemon",
		"socket", cfg.Server.SocketPath,
		"actionsDir", actions.DefaultDir,
		"appsDir", cfg.Registry.AppsDir)

	if err := Preflight(actions.DefaultDir, log); err != nil {
		return fmt.Errorf("preflight checks failed: %w", err)
	}

	secret, err := cfg.ReadSecret()
	if err != nil {
		return err
	}
	if secret == "" {
		log.Warn("no key file configured, authentication is disabled")
	}

	sup := supervisor.New(supervisor.Config{
		PollInterval: cfg.Supervisor.PollInterval,
		KillGrace:    cfg.Supervisor.KillGrace,
		WaitDelay:    cfg.Supervisor.WaitDelay,
	}, nil, nil)

	actionOpts := []actions.Option{actions.WithTimeout(cfg.Actions.DefaultTimeout)}

	var journal *store.Journal
	if cfg.Journal.Path != "" {
		journal, err = store.Open(cfg.Journal.Path, lock.NewDBLock(journalLockName, cfg.Locks.DBTimeout))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		actionOpts = append(actionOpts, actions.WithJournal(journal))
	}

	invoker, err := actions.New(actions.DefaultDir, sup, actionOpts...)
	if err != nil {
		return err
	}

	apps := registry.New()
	if err := apps.Reload(cfg.Registry.AppsDir); err != nil {
		log.Warn("app manifests not fully loaded", "error", err)
	}
	log.Info("app registry loaded", "apps", len(apps.Apps()), "units", len(apps.ManagedServices()))

	locks := lock.NewSet(cfg.Locks.Dir, cfg.Locks.ThreadTimeout)
	packagesLock, err := locks.Named(packagesLockName)
	if err != nil {
		return err
	}
	postconfLock, err := locks.Named(postconf.LockName)
	if err != nil {
		return err
	}

	srv := server.New(cfg, secret, server.Dependencies{
		Actions:  invoker,
		Services: service.NewController(apps, service.NewSystemctlExecutor(sup, 0)),
		Packages: packages.NewManager(sup, apps, packagesLock, packages.Config{
			UpdateTimeout:  cfg.Packages.UpdateTimeout,
			InstallTimeout: cfg.Packages.InstallTimeout,
		}),
		Postconf: postconf.NewEditor(sup, postconfLock),
		Journal:  journal,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// idle exit ends the rest of the group too
		defer cancel()
		return srv.Serve(gctx)
	})

	if cfg.Registry.Watch {
		g.Go(func() error {
			if err := apps.Watch(gctx, cfg.Registry.AppsDir, registry.DefaultDebounce); err != nil {
				log.Warn("app manifest watcher disabled", "error", err)
			}
			return nil
		})
	}

	if journal != nil && cfg.Journal.Retention > 0 {
		g.Go(func() error {
			return journal.RunPruner(gctx, cfg.Journal.Retention)
		})
	}

	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return server.ServeMetrics(gctx, cfg.Metrics.Address)
		})
	}

	err = g.Wait()
	log.Info("privileged daemon stopped")
	return err
}
