package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for runner telemetry, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrAdapter identifies the data-source adapter that produced the signal.
	AttrAdapter = attribute.Key("adapter")
	// AttrBackend distinguishes builtin from extension-backed adapters.
	AttrBackend = attribute.Key("adapter.backend")
	// AttrState carries an adapter or session state after a transition.
	AttrState = attribute.Key("state")
	// AttrRecordType labels the record family (tick, order_queue, ...).
	AttrRecordType = attribute.Key("record.type")
	// AttrDumpKind labels persistence requests by record family.
	AttrDumpKind = attribute.Key("dump.kind")
	// AttrReason gives the reason a record was dropped.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrTarget names a broadcast target.
	AttrTarget = attribute.Key("target")
	// AttrSession identifies a trading session template.
	AttrSession = attribute.Key("session")
	// AttrRunID identifies the ingest run that owns a resource.
	AttrRunID = attribute.Key("run.id")
	// AttrSinkHost names the runner host writing to the market data sink.
	AttrSinkHost = attribute.Key("sink.host")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDisabled = "disabled"
)

// Record type values.
const (
	RecordTick        = "tick"
	RecordOrderQueue  = "order_queue"
	RecordOrderDetail = "order_detail"
	RecordTransaction = "transaction"
)

// AdapterAttributes returns common attributes for adapter metrics.
func AdapterAttributes(adapter, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAdapter.String(adapter),
		AttrBackend.String(backend),
	}
}

// RecordAttributes returns attributes for ingested record counters.
func RecordAttributes(adapter, recordType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAdapter.String(adapter),
		AttrRecordType.String(recordType),
	}
}

// DropAttributes returns attributes for dropped record counters.
func DropAttributes(adapter, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAdapter.String(adapter),
		AttrReason.String(reason),
	}
}

// DumpAttributes returns attributes for extension persistence requests.
func DumpAttributes(kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrDumpKind.String(kind),
		AttrResult.String(result),
	}
}

// StateAttributes returns attributes for state transition counters.
func StateAttributes(key attribute.Key, id, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		key.String(id),
		AttrState.String(state),
	}
}
