// Package extension bridges the runner and an external runtime that supplies parsers or
// persistence. Every capability is optional: an extension implements the interfaces it
// supports and the bridge treats the rest as not enabled.
package extension

import "github.com/webclinic017/wondertrader/internal/domain/schema"

// ParserEventHandler receives lifecycle requests for extension-backed parsers.
type ParserEventHandler interface {
	OnParserEvent(ev schema.ParserEvent, id string)
}

// SubscriptionHandler receives subscribe and unsubscribe requests for extension-backed parsers.
type SubscriptionHandler interface {
	OnSubscribe(id, code string, subscribe bool)
}

// BarDumper persists historical bars.
type BarDumper interface {
	DumpBars(id, code, period string, bars []schema.Bar) bool
}

// TickDumper persists historical ticks.
type TickDumper interface {
	DumpTicks(id, code string, date uint32, ticks []schema.Tick) bool
}

// OrderQueueDumper persists order queue snapshots.
type OrderQueueDumper interface {
	DumpOrderQueue(id, code string, date uint32, items []schema.OrderQueue) bool
}

// OrderDetailDumper persists order-by-order records.
type OrderDetailDumper interface {
	DumpOrderDetail(id, code string, date uint32, items []schema.OrderDetail) bool
}

// TransactionDumper persists trade-by-trade records.
type TransactionDumper interface {
	DumpTransactions(id, code string, date uint32, items []schema.Transaction) bool
}

// Capability names reported by RegisterExtension.
const (
	CapParserEvents  = "parser_events"
	CapSubscriptions = "subscriptions"
	CapBars          = "bars"
	CapTicks         = "ticks"
	CapOrderQueue    = "order_queue"
	CapOrderDetail   = "order_detail"
	CapTransactions  = "transactions"
)
