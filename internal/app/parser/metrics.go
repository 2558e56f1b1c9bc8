package parser

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

type adapterMetrics struct {
	received    metric.Int64Counter
	dropped     metric.Int64Counter
	transitions metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *adapterMetrics
)

func sharedMetrics() *adapterMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("parser.adapter")
		m := &adapterMetrics{received: nil, dropped: nil, transitions: nil}
		if counter, err := meter.Int64Counter("parser.quotes.received",
			metric.WithDescription("Records accepted by data-source adapters"),
			metric.WithUnit("{record}")); err == nil {
			m.received = counter
		}
		if counter, err := meter.Int64Counter("parser.quotes.dropped",
			metric.WithDescription("Records dropped by adapter filters"),
			metric.WithUnit("{record}")); err == nil {
			m.dropped = counter
		}
		if counter, err := meter.Int64Counter("parser.state.transitions",
			metric.WithDescription("Adapter lifecycle transitions"),
			metric.WithUnit("{transition}")); err == nil {
			m.transitions = counter
		}
		metricsInst = m
	})
	return metricsInst
}

func (m *adapterMetrics) recordReceived(adapter, recordType string) {
	if m == nil || m.received == nil {
		return
	}
	m.received.Add(context.Background(), 1, metric.WithAttributes(telemetry.RecordAttributes(adapter, recordType)...))
}

func (m *adapterMetrics) recordDropped(adapter, reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(telemetry.DropAttributes(adapter, reason)...))
}

func (m *adapterMetrics) recordTransition(adapter string, state schema.AdapterState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.StateAttributes(telemetry.AttrAdapter, adapter, state.String())...))
}
