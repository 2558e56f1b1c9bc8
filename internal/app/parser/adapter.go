// Package parser owns the data-source adapters of the runner and the registry keyed by adapter id.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

var (
	// ErrInvalidTransition indicates a lifecycle call made from a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid adapter state transition")
	// ErrNotInitialized indicates an adapter without a backend.
	ErrNotInitialized = errors.New("adapter not initialized")
	// ErrModuleNotRegistered indicates a parser entry naming an unknown built-in module.
	ErrModuleNotRegistered = errors.New("parser module not registered")
)

// Adapter represents one market-data source. Ingestion methods may be called from any
// goroutine; they never fail and silently drop records the adapter is not configured for.
type Adapter struct {
	mu        sync.RWMutex
	id        string
	backend   Backend
	exchanges map[string]struct{}
	codes     map[string]struct{}

	state     atomic.Int32
	connected chan struct{}
	readyOnce sync.Once

	sink      Sink
	refs      ContractSource
	catalogue *Catalogue
	logger    *log.Logger
	metrics   *adapterMetrics
}

// AdapterOption configures optional adapter behaviour.
type AdapterOption func(*Adapter)

// WithCatalogue selects the built-in factories used by Init.
func WithCatalogue(c *Catalogue) AdapterOption {
	return func(a *Adapter) {
		a.catalogue = c
	}
}

// WithContracts wires reference data for filtering and subscriptions.
func WithContracts(refs ContractSource) AdapterOption {
	return func(a *Adapter) {
		a.refs = refs
	}
}

// NewAdapter constructs an adapter in the Created state forwarding accepted records to sink.
func NewAdapter(sink Sink, logger *log.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = log.New(os.Stdout, "parser ", log.LstdFlags|log.Lmicroseconds)
	}
	adapter := &Adapter{
		mu:        sync.RWMutex{},
		id:        "",
		backend:   nil,
		exchanges: nil,
		codes:     nil,
		state:     atomic.Int32{},
		connected: make(chan struct{}),
		readyOnce: sync.Once{},
		sink:      sink,
		refs:      nil,
		catalogue: nil,
		logger:    logger,
		metrics:   sharedMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	adapter.state.Store(int32(schema.StateCreated))
	return adapter
}

// Init configures the adapter with a built-in backend selected by the entry's module.
func (a *Adapter) Init(id string, cfg *config.Variant) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("adapter id required")
	}
	if a.catalogue == nil {
		return fmt.Errorf("adapter %s: %w", id, ErrModuleNotRegistered)
	}
	module := strings.ToLower(strings.TrimSpace(cfg.String("module")))
	if module == "" {
		module = config.DefaultParserModule
	}
	if err := a.prepare(id, cfg); err != nil {
		return err
	}
	backend, err := a.catalogue.Create(module, a, cfg, a.refs, a.logger)
	if err != nil {
		return err
	}
	return a.attach(backend)
}

// InitExt configures the adapter with a backend provided by an extension runtime.
func (a *Adapter) InitExt(id string, backend Backend) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("adapter id required")
	}
	if backend == nil {
		return fmt.Errorf("adapter %s: %w", id, ErrNotInitialized)
	}
	if err := a.prepare(id, nil); err != nil {
		return err
	}
	return a.attach(backend)
}

func (a *Adapter) prepare(id string, cfg *config.Variant) error {
	if a.State() != schema.StateCreated {
		return fmt.Errorf("adapter %s init from %s: %w", id, a.State(), ErrInvalidTransition)
	}
	a.mu.Lock()
	a.id = id
	a.exchanges = toSet(cfg.Strings("filter"))
	a.codes = toSet(cfg.Strings("code"))
	a.mu.Unlock()
	return nil
}

func (a *Adapter) attach(backend Backend) error {
	a.mu.Lock()
	a.backend = backend
	a.mu.Unlock()
	if !a.transition(schema.StateCreated, schema.StateInitialized) {
		return fmt.Errorf("adapter %s: %w", a.ID(), ErrInvalidTransition)
	}
	a.logger.Printf("parser/%s: initialized (%s)", a.ID(), backend.Kind())
	return nil
}

// ID returns the adapter identifier.
func (a *Adapter) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Kind reports whether the adapter is backed by a built-in parser or an extension.
func (a *Adapter) Kind() schema.BackendKind {
	if backend := a.currentBackend(); backend != nil {
		return backend.Kind()
	}
	return ""
}

// State returns the current lifecycle state.
func (a *Adapter) State() schema.AdapterState {
	return schema.AdapterState(a.state.Load())
}

// Connected is closed the first time the adapter reaches the Connected state.
func (a *Adapter) Connected() <-chan struct{} {
	return a.connected
}

// Connect asks the backend to open its source. The Connected state is reached when the
// backend reports a connect event, which may happen after Connect returns.
func (a *Adapter) Connect(ctx context.Context) error {
	backend := a.currentBackend()
	if backend == nil {
		return fmt.Errorf("adapter %s: %w", a.ID(), ErrNotInitialized)
	}
	switch a.State() {
	case schema.StateInitialized, schema.StateDisconnected:
	default:
		return fmt.Errorf("adapter %s connect from %s: %w", a.ID(), a.State(), ErrInvalidTransition)
	}
	if err := backend.Connect(ctx); err != nil {
		return fmt.Errorf("adapter %s connect: %w", a.ID(), err)
	}
	return nil
}

// Disconnect asks the backend to close its source.
func (a *Adapter) Disconnect() error {
	backend := a.currentBackend()
	if backend == nil {
		return fmt.Errorf("adapter %s: %w", a.ID(), ErrNotInitialized)
	}
	if err := backend.Disconnect(); err != nil {
		return fmt.Errorf("adapter %s disconnect: %w", a.ID(), err)
	}
	a.HandleEvent(schema.ParserEventDisconnect)
	return nil
}

// Release tears the adapter down. Released adapters drop every further record.
func (a *Adapter) Release() error {
	if a.State() == schema.StateReleased {
		return nil
	}
	var err error
	if backend := a.currentBackend(); backend != nil {
		err = backend.Release()
	}
	a.setState(schema.StateReleased)
	if err != nil {
		return fmt.Errorf("adapter %s release: %w", a.ID(), err)
	}
	return nil
}

// HandleEvent applies a lifecycle event reported by the backend or an extension runtime.
func (a *Adapter) HandleEvent(ev schema.ParserEvent) {
	switch ev {
	case schema.ParserEventInit:
		a.logger.Printf("parser/%s: backend initialized", a.ID())
	case schema.ParserEventConnect:
		cur := a.State()
		if cur != schema.StateInitialized && cur != schema.StateDisconnected {
			return
		}
		if !a.transition(cur, schema.StateConnected) {
			return
		}
		a.readyOnce.Do(func() { close(a.connected) })
		a.logger.Printf("parser/%s: connected", a.ID())
		a.subscribeConfigured()
	case schema.ParserEventDisconnect:
		if a.transition(schema.StateConnected, schema.StateDisconnected) {
			a.logger.Printf("parser/%s: disconnected", a.ID())
		}
	case schema.ParserEventRelease:
		if a.State() != schema.StateReleased {
			a.setState(schema.StateReleased)
			a.logger.Printf("parser/%s: released", a.ID())
		}
	}
}

// HandleQuote is the tick ingestion entry point. With needSlice the record is decomposed
// into its member ticks before forwarding; otherwise it is forwarded as-is.
func (a *Adapter) HandleQuote(tick *schema.Tick, needSlice bool) {
	if tick == nil || a.State() == schema.StateReleased || a.sink == nil {
		return
	}
	id := a.ID()
	if !needSlice {
		if tick.Exchange == "" {
			tick = tick.Clone()
		}
		if a.accept(id, tick.Exchange, tick.Code, &tick.Exchange) {
			a.metrics.recordReceived(id, "tick")
			a.sink.HandleTick(id, tick)
		}
		return
	}
	for _, part := range tick.Slice() {
		if a.accept(id, part.Exchange, part.Code, &part.Exchange) {
			a.metrics.recordReceived(id, "tick")
			a.sink.HandleTick(id, part)
		}
	}
}

// HandleOrderQueue forwards an order queue snapshot.
func (a *Adapter) HandleOrderQueue(queue *schema.OrderQueue) {
	if queue == nil || a.State() == schema.StateReleased || a.sink == nil {
		return
	}
	id := a.ID()
	if queue.Exchange == "" {
		cp := *queue
		queue = &cp
	}
	if a.accept(id, queue.Exchange, queue.Code, &queue.Exchange) {
		a.metrics.recordReceived(id, "order_queue")
		a.sink.HandleOrderQueue(id, queue)
	}
}

// HandleOrderDetail forwards an order-by-order record.
func (a *Adapter) HandleOrderDetail(detail *schema.OrderDetail) {
	if detail == nil || a.State() == schema.StateReleased || a.sink == nil {
		return
	}
	id := a.ID()
	if detail.Exchange == "" {
		cp := *detail
		detail = &cp
	}
	if a.accept(id, detail.Exchange, detail.Code, &detail.Exchange) {
		a.metrics.recordReceived(id, "order_detail")
		a.sink.HandleOrderDetail(id, detail)
	}
}

// HandleTransaction forwards a trade-by-trade record.
func (a *Adapter) HandleTransaction(trans *schema.Transaction) {
	if trans == nil || a.State() == schema.StateReleased || a.sink == nil {
		return
	}
	id := a.ID()
	if trans.Exchange == "" {
		cp := *trans
		trans = &cp
	}
	if a.accept(id, trans.Exchange, trans.Code, &trans.Exchange) {
		a.metrics.recordReceived(id, "transaction")
		a.sink.HandleTransaction(id, trans)
	}
}

// accept applies the exchange and code filters and, when contracts are loaded, drops
// unknown instruments. A record without an exchange adopts the contract's exchange, so
// callers pass a copy in that case.
func (a *Adapter) accept(id, exchange, code string, exchangeOut *string) bool {
	a.mu.RLock()
	exchanges, codes := a.exchanges, a.codes
	a.mu.RUnlock()

	if len(exchanges) > 0 && exchange != "" {
		if _, ok := exchanges[exchange]; !ok {
			a.metrics.recordDropped(id, "exchange_filter")
			return false
		}
	}
	if len(codes) > 0 {
		_, bare := codes[code]
		_, full := codes[schema.StdCode(exchange, code)]
		if !bare && !full {
			a.metrics.recordDropped(id, "code_filter")
			return false
		}
	}
	if a.refs != nil && a.refs.HasContracts() {
		contract, ok := a.refs.Contract(code, exchange)
		if !ok {
			a.metrics.recordDropped(id, "unknown_contract")
			return false
		}
		if exchange == "" && exchangeOut != nil {
			*exchangeOut = contract.Exchange
		}
	}
	return true
}

// SubscribedCodes returns the instruments the adapter asks its backend for on connect:
// the configured codes, else every loaded contract of the filtered exchanges.
func (a *Adapter) SubscribedCodes() []string {
	a.mu.RLock()
	exchanges, codes := a.exchanges, a.codes
	a.mu.RUnlock()

	out := make([]string, 0, len(codes))
	if len(codes) > 0 {
		for code := range codes {
			out = append(out, code)
		}
		sort.Strings(out)
		return out
	}
	if a.refs == nil || !a.refs.HasContracts() {
		return nil
	}
	if len(exchanges) == 0 {
		for _, c := range a.refs.Contracts("") {
			out = append(out, c.StdCode())
		}
		return out
	}
	for exchange := range exchanges {
		for _, c := range a.refs.Contracts(exchange) {
			out = append(out, c.StdCode())
		}
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) subscribeConfigured() {
	codes := a.SubscribedCodes()
	if len(codes) == 0 {
		return
	}
	if backend := a.currentBackend(); backend != nil {
		backend.Subscribe(codes)
		a.logger.Printf("parser/%s: subscribed %d instruments", a.ID(), len(codes))
	}
}

func (a *Adapter) currentBackend() Backend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend
}

func (a *Adapter) transition(from, to schema.AdapterState) bool {
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	a.metrics.recordTransition(a.ID(), to)
	return true
}

func (a *Adapter) setState(to schema.AdapterState) {
	a.state.Store(int32(to))
	a.metrics.recordTransition(a.ID(), to)
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}
