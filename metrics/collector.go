package metrics

import (
	"context"

	"github.com/Gthulhu/fleet/domain"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Params struct {
	fx.In
	Registry domain.Registry
}

// NewFleetCollector builds the fleet metric collector and registers it with
// the default prometheus registry.
func NewFleetCollector(params Params) (*FleetCollector, error) {
	c := NewUnregisteredCollector(params.Registry)
	if err := prometheus.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewUnregisteredCollector builds a collector without registering it. Tests
// that construct several instances in one process use this form.
func NewUnregisteredCollector(registry domain.Registry) *FleetCollector {
	return &FleetCollector{
		registry: registry,
		containersDesc: prometheus.NewDesc(
			"fleet_containers",
			"Number of known containers by state",
			[]string{"state"}, nil,
		),
		AgentsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_agents_placed_total",
			Help: "Agents successfully placed on a container",
		}),
		MigrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_migrations_total",
			Help: "Agent migrations completed",
		}),
		MigrationsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_migrations_degraded_total",
			Help: "Migrations that proceeded without state after export failure",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_messages_delivered_total",
			Help: "Hub messages delivered",
		}),
		MessagesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_messages_expired_total",
			Help: "Hub messages dropped because their TTL elapsed before dispatch",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_messages_failed_total",
			Help: "Hub messages whose delivery attempt failed",
		}),
	}
}

// FleetCollector exposes fleet coordination metrics. Container gauges are
// computed from the registry at scrape time; the counters are incremented by
// the placement manager and the hub.
type FleetCollector struct {
	registry       domain.Registry
	containersDesc *prometheus.Desc

	AgentsPlaced       prometheus.Counter
	MigrationsTotal    prometheus.Counter
	MigrationsDegraded prometheus.Counter
	MessagesDelivered  prometheus.Counter
	MessagesExpired    prometheus.Counter
	MessagesFailed     prometheus.Counter
}

func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.containersDesc
	c.AgentsPlaced.Describe(ch)
	c.MigrationsTotal.Describe(ch)
	c.MigrationsDegraded.Describe(ch)
	c.MessagesDelivered.Describe(ch)
	c.MessagesExpired.Describe(ch)
	c.MessagesFailed.Describe(ch)
}

func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[domain.ContainerState]int{
		domain.ContainerRegistering: 0,
		domain.ContainerActive:      0,
		domain.ContainerDegraded:    0,
		domain.ContainerInactive:    0,
	}
	for _, rec := range c.registry.List(context.Background()) {
		counts[rec.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.containersDesc, prometheus.GaugeValue, float64(n), string(state),
		)
	}
	c.AgentsPlaced.Collect(ch)
	c.MigrationsTotal.Collect(ch)
	c.MigrationsDegraded.Collect(ch)
	c.MessagesDelivered.Collect(ch)
	c.MessagesExpired.Collect(ch)
	c.MessagesFailed.Collect(ch)
}
