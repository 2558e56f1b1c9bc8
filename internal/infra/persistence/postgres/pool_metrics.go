package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"dtrunner.sink.connections.total", "Sink connections open (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"dtrunner.sink.connections.idle", "Sink connections ready for the next flush",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"dtrunner.sink.connections.acquired", "Sink connections held by an in-flight flush",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"dtrunner.sink.connections.max", "Configured sink connection limit",
		func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
}

// ObservePool reports the sink pool's connection counts, labelled with the ingest run
// and the runner host. A store without a pool registers nothing.
func (s *Store) ObservePool() error {
	pool := s.Pool()
	if pool == nil {
		return nil
	}
	meter := otel.Meter("postgres.sink")
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return fmt.Errorf("sink gauge %s: %w", g.name, err)
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrRunID.String(s.runID.String()),
		telemetry.AttrSinkHost.String(s.host),
	)
	_, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			observer.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
	if err != nil {
		return fmt.Errorf("register sink gauges: %w", err)
	}
	return nil
}
