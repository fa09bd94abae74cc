package app

import (
	"context"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/discovery"
	"github.com/Gthulhu/fleet/hub"
	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/Gthulhu/fleet/placement"
	"github.com/Gthulhu/fleet/registry"
	"github.com/Gthulhu/fleet/repository"
	"github.com/Gthulhu/fleet/rest"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

func NewRestApp(configName string, configDirPath string) (*fx.App, error) {
	handlerModule, err := HandlerModule(configName, configDirPath)
	if err != nil {
		return nil, err
	}

	app := fx.New(
		handlerModule,
		fx.Invoke(StartStorage),
		fx.Invoke(StartRestApp),
		fx.Invoke(StartSweeper),
		fx.Invoke(StartHubDispatcher),
		fx.Invoke(StartPlacementWorkers),
		fx.Invoke(StartDiscoveryScanner),
	)
	return app, nil
}

// StartStorage ensures indexes exist and seeds the in-memory tables from the
// persistent store before the server starts accepting requests.
func StartStorage(lc fx.Lifecycle, repo *repository.Repo, reg *registry.Registry, mgr *placement.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repo.EnsureIndexes(ctx); err != nil {
				return err
			}
			if err := reg.Load(ctx); err != nil {
				return err
			}
			return mgr.Load(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return repo.Close(ctx)
		},
	})
}

func StartRestApp(lc fx.Lifecycle, cfg config.ServerConfig, handler *rest.Handler) error {
	engine := echo.New()
	engine.HideBanner = true
	handler.SetupRoutes(engine)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			serverHost := cfg.Host
			if serverHost == "" {
				serverHost = ":8080"
			}
			go func() {
				logger.Logger(ctx).Info().Msgf("starting rest server on %s", serverHost)
				if err := engine.Start(serverHost); err != nil {
					logger.Logger(ctx).Fatal().Err(err).Msgf("start rest server fail on %s", serverHost)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Logger(ctx).Info().Msg("shutting down rest server")
			return engine.Shutdown(ctx)
		},
	})

	return nil
}

// StartSweeper runs the registry's failure-detection sweep in the
// background for the lifetime of the app.
func StartSweeper(lc fx.Lifecycle, reg *registry.Registry) {
	stopCh := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go reg.RunSweeper(context.Background(), stopCh)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stopCh)
			reg.Close()
			return nil
		},
	})
}

// StartHubDispatcher runs the priority dispatch loop. It must stop after the
// placement workers so in-flight migrations can still send commands.
func StartHubDispatcher(lc fx.Lifecycle, h *hub.Hub) {
	stopCh := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go h.RunDispatcher(context.Background(), stopCh)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stopCh)
			return nil
		},
	})
}

// StartPlacementWorkers runs the container-lost event loop and the periodic
// rebalancer.
func StartPlacementWorkers(lc fx.Lifecycle, mgr *placement.Manager) {
	eventStop := make(chan struct{})
	rebalanceStop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			bgCtx := context.Background()
			go mgr.RunEventLoop(bgCtx, eventStop)
			go mgr.RunRebalancer(bgCtx, rebalanceStop)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(eventStop)
			close(rebalanceStop)
			return nil
		},
	})
}

// StartDiscoveryScanner runs periodic network scans when discovery is
// enabled in config.
func StartDiscoveryScanner(lc fx.Lifecycle, d *discovery.Discovery) {
	stopCh := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go d.RunScanner(context.Background(), stopCh)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stopCh)
			return nil
		},
	})
}
