package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"tradepilot_db_pool_connections_total", "Total connections in the pool", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"tradepilot_db_pool_connections_idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"tradepilot_db_pool_connections_acquired", "Connections held by callers", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"tradepilot_db_pool_connections_max", "Configured connection ceiling", func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
}

// ObservePoolMetrics reports pgx pool health through observable gauges. All
// gauges share one callback so a single Stat snapshot feeds each collection.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("persistence.postgres")
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return err
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}

	_, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			observer.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
	return err
}
