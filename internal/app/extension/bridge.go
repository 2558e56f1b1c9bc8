package extension

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/errs"
	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

// ErrCapabilityMissing is matched by errors.Is for dump and forwarding calls made while the
// corresponding capability has not been registered.
var ErrCapabilityMissing = errs.New("extension", errs.CodeNotSupported, errs.WithCanonicalCode(errs.CanonicalCapabilityMissing))

// AdapterFactory builds an unconfigured adapter wired to the host's sinks.
type AdapterFactory func() *parser.Adapter

// DumperRegistrar accepts named dumpers; implemented by the storage writer.
type DumperRegistrar interface {
	AddExtDumper(id string, dumper writer.Dumper) error
}

// Bridge is the registration point between the host and an extension runtime. It holds one
// slot per capability; registering a capability again replaces the previous one.
type Bridge struct {
	mu      sync.RWMutex
	events  ParserEventHandler
	subs    SubscriptionHandler
	bars    BarDumper
	ticks   TickDumper
	queues  OrderQueueDumper
	details OrderDetailDumper
	trans   TransactionDumper

	registry   *parser.Registry
	newAdapter AdapterFactory
	dumpers    DumperRegistrar
	logger     *log.Logger

	dumpRequests metric.Int64Counter
	dumpDuration metric.Float64Histogram
}

// Option configures optional bridge collaborators.
type Option func(*Bridge)

// WithAdapters lets the bridge create extension-backed adapters in registry.
func WithAdapters(registry *parser.Registry, factory AdapterFactory) Option {
	return func(b *Bridge) {
		b.registry = registry
		b.newAdapter = factory
	}
}

// WithDumperRegistrar lets the bridge register named dumpers with the storage writer.
func WithDumperRegistrar(registrar DumperRegistrar) Option {
	return func(b *Bridge) {
		b.dumpers = registrar
	}
}

// NewBridge constructs a bridge with every capability slot empty.
func NewBridge(logger *log.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = log.New(os.Stdout, "bridge ", log.LstdFlags|log.Lmicroseconds)
	}
	b := &Bridge{
		mu:           sync.RWMutex{},
		events:       nil,
		subs:         nil,
		bars:         nil,
		ticks:        nil,
		queues:       nil,
		details:      nil,
		trans:        nil,
		registry:     nil,
		newAdapter:   nil,
		dumpers:      nil,
		logger:       logger,
		dumpRequests: nil,
		dumpDuration: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.initMetrics()
	return b
}

func (b *Bridge) initMetrics() {
	meter := otel.Meter("extension.bridge")
	if counter, err := meter.Int64Counter("extension.dump.requests",
		metric.WithDescription("Persistence requests forwarded to extension dumpers"),
		metric.WithUnit("{request}")); err == nil {
		b.dumpRequests = counter
	}
	if hist, err := meter.Float64Histogram("extension.dump.duration",
		metric.WithDescription("Extension dump duration"),
		metric.WithUnit("ms")); err == nil {
		b.dumpDuration = hist
	}
}

// RegisterParserCallbacks stores the parser event and subscription handlers. Either may be nil.
func (b *Bridge) RegisterParserCallbacks(events ParserEventHandler, subs SubscriptionHandler) {
	b.mu.Lock()
	b.events = events
	b.subs = subs
	b.mu.Unlock()
	b.logger.Printf("bridge: parser callbacks registered (events=%t, subscriptions=%t)", events != nil, subs != nil)
}

// RegisterDumpers stores the bar and tick dumpers. Either may be nil.
func (b *Bridge) RegisterDumpers(bars BarDumper, ticks TickDumper) {
	b.mu.Lock()
	b.bars = bars
	b.ticks = ticks
	b.mu.Unlock()
	b.logger.Printf("bridge: dumpers registered (bars=%t, ticks=%t)", bars != nil, ticks != nil)
}

// RegisterHighFrequencyDumpers stores the order queue, order detail and transaction dumpers.
func (b *Bridge) RegisterHighFrequencyDumpers(queues OrderQueueDumper, details OrderDetailDumper, trans TransactionDumper) {
	b.mu.Lock()
	b.queues = queues
	b.details = details
	b.trans = trans
	b.mu.Unlock()
	b.logger.Printf("bridge: high frequency dumpers registered (order_queue=%t, order_detail=%t, transactions=%t)",
		queues != nil, details != nil, trans != nil)
}

// RegisterExtension detects the capabilities ext implements and fills the matching slots.
// Slots for capabilities ext does not implement are left untouched. The detected capability
// names are returned sorted.
func (b *Bridge) RegisterExtension(ext any) []string {
	if ext == nil {
		return nil
	}
	var caps []string
	b.mu.Lock()
	if v, ok := ext.(ParserEventHandler); ok {
		b.events = v
		caps = append(caps, CapParserEvents)
	}
	if v, ok := ext.(SubscriptionHandler); ok {
		b.subs = v
		caps = append(caps, CapSubscriptions)
	}
	if v, ok := ext.(BarDumper); ok {
		b.bars = v
		caps = append(caps, CapBars)
	}
	if v, ok := ext.(TickDumper); ok {
		b.ticks = v
		caps = append(caps, CapTicks)
	}
	if v, ok := ext.(OrderQueueDumper); ok {
		b.queues = v
		caps = append(caps, CapOrderQueue)
	}
	if v, ok := ext.(OrderDetailDumper); ok {
		b.details = v
		caps = append(caps, CapOrderDetail)
	}
	if v, ok := ext.(TransactionDumper); ok {
		b.trans = v
		caps = append(caps, CapTransactions)
	}
	b.mu.Unlock()
	sort.Strings(caps)
	b.logger.Printf("bridge: extension registered with capabilities [%s]", strings.Join(caps, ","))
	return caps
}

// Capabilities lists the populated slots.
func (b *Bridge) Capabilities() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var caps []string
	if b.events != nil {
		caps = append(caps, CapParserEvents)
	}
	if b.subs != nil {
		caps = append(caps, CapSubscriptions)
	}
	if b.bars != nil {
		caps = append(caps, CapBars)
	}
	if b.ticks != nil {
		caps = append(caps, CapTicks)
	}
	if b.queues != nil {
		caps = append(caps, CapOrderQueue)
	}
	if b.details != nil {
		caps = append(caps, CapOrderDetail)
	}
	if b.trans != nil {
		caps = append(caps, CapTransactions)
	}
	sort.Strings(caps)
	return caps
}

// HasDumpers reports whether any dumper slot is populated.
func (b *Bridge) HasDumpers() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bars != nil || b.ticks != nil || b.queues != nil || b.details != nil || b.trans != nil
}

// Notify forwards a lifecycle event for id. Without an event handler it is a no-op.
func (b *Bridge) Notify(ev schema.ParserEvent, id string) {
	b.mu.RLock()
	handler := b.events
	b.mu.RUnlock()
	if handler == nil {
		return
	}
	handler.OnParserEvent(ev, id)
}

// NotifyInit forwards an init event.
func (b *Bridge) NotifyInit(id string) { b.Notify(schema.ParserEventInit, id) }

// NotifyConnect forwards a connect event.
func (b *Bridge) NotifyConnect(id string) { b.Notify(schema.ParserEventConnect, id) }

// NotifyDisconnect forwards a disconnect event.
func (b *Bridge) NotifyDisconnect(id string) { b.Notify(schema.ParserEventDisconnect, id) }

// NotifyRelease forwards a release event.
func (b *Bridge) NotifyRelease(id string) { b.Notify(schema.ParserEventRelease, id) }

// Subscribe forwards a subscribe request. Without a subscription handler it is a no-op.
func (b *Bridge) Subscribe(id, code string) { b.forwardSubscription(id, code, true) }

// Unsubscribe forwards an unsubscribe request. Without a subscription handler it is a no-op.
func (b *Bridge) Unsubscribe(id, code string) { b.forwardSubscription(id, code, false) }

func (b *Bridge) forwardSubscription(id, code string, subscribe bool) {
	b.mu.RLock()
	handler := b.subs
	b.mu.RUnlock()
	if handler == nil {
		return
	}
	handler.OnSubscribe(id, code, subscribe)
}

// CreateExtensionAdapter registers an adapter for id backed by the extension runtime. It
// returns false when the bridge has no registry or the id is already taken; unlike the
// createParser call of the native runner ABI, which always reports success, a duplicate
// id is not silently accepted and the first adapter stays registered.
func (b *Bridge) CreateExtensionAdapter(id string) bool {
	id = strings.TrimSpace(id)
	if b.registry == nil || b.newAdapter == nil {
		b.logger.Printf("bridge: cannot create extension parser %s: no adapter registry", id)
		return false
	}
	adapter := b.newAdapter()
	if err := adapter.InitExt(id, NewBackend(b, id)); err != nil {
		b.logger.Printf("bridge: init extension parser %s: %v", id, err)
		return false
	}
	if err := b.registry.Add(id, adapter); err != nil {
		if errors.Is(err, parser.ErrAdapterExists) {
			b.logger.Printf("bridge: extension parser %s already exists", id)
		} else {
			b.logger.Printf("bridge: register extension parser %s: %v", id, err)
		}
		return false
	}
	b.NotifyInit(id)
	b.logger.Printf("bridge: extension parser %s created", id)
	return true
}

// CreateExtensionDumper registers a dumper named id with the storage writer; persistence
// for id is then routed through the dumper slots.
func (b *Bridge) CreateExtensionDumper(id string) bool {
	id = strings.TrimSpace(id)
	if b.dumpers == nil {
		b.logger.Printf("bridge: cannot create extension dumper %s: no writer", id)
		return false
	}
	if err := b.dumpers.AddExtDumper(id, NewDumper(b, id)); err != nil {
		b.logger.Printf("bridge: register extension dumper %s: %v", id, err)
		return false
	}
	b.logger.Printf("bridge: extension dumper %s created", id)
	return true
}

// DumpTicks forwards ticks to the tick dumper and returns its result.
func (b *Bridge) DumpTicks(id, code string, date uint32, ticks []schema.Tick) bool {
	b.mu.RLock()
	dumper := b.ticks
	b.mu.RUnlock()
	if dumper == nil {
		return b.missing(schema.DumpTicks, id, code)
	}
	start := time.Now()
	ok := dumper.DumpTicks(id, code, date, ticks)
	b.recordDump(schema.DumpTicks, ok, start)
	return ok
}

// DumpBars forwards bars to the bar dumper and returns its result.
func (b *Bridge) DumpBars(id, code, period string, bars []schema.Bar) bool {
	b.mu.RLock()
	dumper := b.bars
	b.mu.RUnlock()
	if dumper == nil {
		return b.missing(schema.DumpBars, id, code)
	}
	start := time.Now()
	ok := dumper.DumpBars(id, code, period, bars)
	b.recordDump(schema.DumpBars, ok, start)
	return ok
}

// DumpOrderQueue forwards order queue snapshots and returns the dumper's result.
func (b *Bridge) DumpOrderQueue(id, code string, date uint32, items []schema.OrderQueue) bool {
	b.mu.RLock()
	dumper := b.queues
	b.mu.RUnlock()
	if dumper == nil {
		return b.missing(schema.DumpOrderQueue, id, code)
	}
	start := time.Now()
	ok := dumper.DumpOrderQueue(id, code, date, items)
	b.recordDump(schema.DumpOrderQueue, ok, start)
	return ok
}

// DumpOrderDetail forwards order details and returns the dumper's result.
func (b *Bridge) DumpOrderDetail(id, code string, date uint32, items []schema.OrderDetail) bool {
	b.mu.RLock()
	dumper := b.details
	b.mu.RUnlock()
	if dumper == nil {
		return b.missing(schema.DumpOrderDetail, id, code)
	}
	start := time.Now()
	ok := dumper.DumpOrderDetail(id, code, date, items)
	b.recordDump(schema.DumpOrderDetail, ok, start)
	return ok
}

// DumpTransactions forwards transactions and returns the dumper's result.
func (b *Bridge) DumpTransactions(id, code string, date uint32, items []schema.Transaction) bool {
	b.mu.RLock()
	dumper := b.trans
	b.mu.RUnlock()
	if dumper == nil {
		return b.missing(schema.DumpTransactions, id, code)
	}
	start := time.Now()
	ok := dumper.DumpTransactions(id, code, date, items)
	b.recordDump(schema.DumpTransactions, ok, start)
	return ok
}

func (b *Bridge) missing(kind schema.DumpKind, id, code string) bool {
	err := errs.New("extension", errs.CodeNotSupported,
		errs.WithMessage(string(kind)+" dumper not enabled"),
		errs.WithCanonicalCode(errs.CanonicalCapabilityMissing),
		errs.WithField("id", id),
		errs.WithField("code", code))
	b.logger.Printf("bridge: %v", err)
	if b.dumpRequests != nil {
		b.dumpRequests.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.DumpAttributes(string(kind), telemetry.ResultDisabled)...))
	}
	return false
}

func (b *Bridge) recordDump(kind schema.DumpKind, ok bool, start time.Time) {
	result := telemetry.ResultSuccess
	if !ok {
		result = telemetry.ResultFailure
	}
	attrs := metric.WithAttributes(telemetry.DumpAttributes(string(kind), result)...)
	if b.dumpRequests != nil {
		b.dumpRequests.Add(context.Background(), 1, attrs)
	}
	if b.dumpDuration != nil {
		b.dumpDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000, attrs)
	}
}
