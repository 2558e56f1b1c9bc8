package extension

import (
	"context"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
)

// Backend is the parser backend of an extension-backed adapter. Lifecycle and subscription
// calls are forwarded to the extension as fire-and-forget notifications; the extension
// reports the resulting state through the host.
type Backend struct {
	bridge *Bridge
	id     string
}

// NewBackend returns a backend forwarding through bridge under id.
func NewBackend(bridge *Bridge, id string) *Backend {
	return &Backend{bridge: bridge, id: id}
}

// Kind reports an extension backend.
func (b *Backend) Kind() schema.BackendKind { return schema.BackendExtension }

// Connect forwards a connect request.
func (b *Backend) Connect(context.Context) error {
	b.bridge.NotifyConnect(b.id)
	return nil
}

// Disconnect forwards a disconnect request.
func (b *Backend) Disconnect() error {
	b.bridge.NotifyDisconnect(b.id)
	return nil
}

// Release forwards a release request.
func (b *Backend) Release() error {
	b.bridge.NotifyRelease(b.id)
	return nil
}

// Subscribe forwards one subscribe request per code.
func (b *Backend) Subscribe(codes []string) {
	for _, code := range codes {
		b.bridge.Subscribe(b.id, code)
	}
}

// Unsubscribe forwards one unsubscribe request per code.
func (b *Backend) Unsubscribe(codes []string) {
	for _, code := range codes {
		b.bridge.Unsubscribe(b.id, code)
	}
}

// Dumper is a named persistence target registered with the storage writer. Each call is
// routed to the bridge's dumper slot for the record kind.
type Dumper struct {
	bridge *Bridge
	id     string
}

// NewDumper returns a dumper forwarding through bridge under id.
func NewDumper(bridge *Bridge, id string) *Dumper {
	return &Dumper{bridge: bridge, id: id}
}

// ID returns the dumper name.
func (d *Dumper) ID() string { return d.id }

// DumpTicks persists ticks of code for date.
func (d *Dumper) DumpTicks(code string, date uint32, ticks []schema.Tick) bool {
	return d.bridge.DumpTicks(d.id, code, date, ticks)
}

// DumpBars persists bars of code for period.
func (d *Dumper) DumpBars(code, period string, bars []schema.Bar) bool {
	return d.bridge.DumpBars(d.id, code, period, bars)
}

// DumpOrderQueue persists order queue snapshots.
func (d *Dumper) DumpOrderQueue(code string, date uint32, items []schema.OrderQueue) bool {
	return d.bridge.DumpOrderQueue(d.id, code, date, items)
}

// DumpOrderDetail persists order details.
func (d *Dumper) DumpOrderDetail(code string, date uint32, items []schema.OrderDetail) bool {
	return d.bridge.DumpOrderDetail(d.id, code, date, items)
}

// DumpTransactions persists transactions.
func (d *Dumper) DumpTransactions(code string, date uint32, items []schema.Transaction) bool {
	return d.bridge.DumpTransactions(d.id, code, date, items)
}
