package app

import (
	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/discovery"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/hub"
	"github.com/Gthulhu/fleet/metrics"
	"github.com/Gthulhu/fleet/placement"
	"github.com/Gthulhu/fleet/registry"
	"github.com/Gthulhu/fleet/repository"
	"github.com/Gthulhu/fleet/rest"
	rt "github.com/Gthulhu/fleet/runtime"
	"go.uber.org/fx"
)

func ConfigModule(configName string, configPath string) (fx.Option, error) {
	cfg, err := config.InitFleetConfig(configName, configPath)
	if err != nil {
		return nil, err
	}

	return fx.Options(
		fx.Provide(func() config.FleetConfig {
			return cfg
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.ServerConfig {
			return fleetCfg.Server
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.MongoDBConfig {
			return fleetCfg.MongoDB
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.RegistryConfig {
			return fleetCfg.Registry
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.DiscoveryConfig {
			return fleetCfg.Discovery
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.PlacementConfig {
			return fleetCfg.Placement
		}),
		fx.Provide(func(fleetCfg config.FleetConfig) config.HubConfig {
			return fleetCfg.Hub
		}),
	), nil
}

// RepoModule creates an Fx module providing the persistence layer, bound to
// domain.Repository.
func RepoModule(configName string, configPath string) (fx.Option, error) {
	configModule, err := ConfigModule(configName, configPath)
	if err != nil {
		return nil, err
	}

	return fx.Options(
		configModule,
		fx.Provide(repository.NewRepository),
		fx.Provide(func(r *repository.Repo) domain.Repository {
			return r
		}),
	), nil
}

// CoreModule creates an Fx module providing the coordination core: registry,
// placement manager, communication hub, discovery and the runtime driver.
func CoreModule(configName string, configPath string) (fx.Option, error) {
	repoModule, err := RepoModule(configName, configPath)
	if err != nil {
		return nil, err
	}

	return fx.Options(
		repoModule,
		fx.Provide(rt.NewHTTPDriver),
		fx.Provide(registry.NewRegistry),
		fx.Provide(func(r *registry.Registry) domain.Registry {
			return r
		}),
		fx.Provide(metrics.NewFleetCollector),
		fx.Provide(hub.NewHub),
		fx.Provide(func(h *hub.Hub) domain.Hub {
			return h
		}),
		fx.Provide(placement.NewManager),
		fx.Provide(func(m *placement.Manager) domain.Placement {
			return m
		}),
		fx.Provide(discovery.NewDiscovery),
	), nil
}

// HandlerModule creates an Fx module that provides the REST handler, return *rest.Handler
func HandlerModule(configName string, configPath string) (fx.Option, error) {
	coreModule, err := CoreModule(configName, configPath)
	if err != nil {
		return nil, err
	}

	return fx.Options(
		coreModule,
		fx.Provide(rest.NewHandler),
	), nil
}
