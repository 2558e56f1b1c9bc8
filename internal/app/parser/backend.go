package parser

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

// Backend is the implementation behind an adapter: a parser compiled into the host or a
// handle onto an extension runtime. Backends push data and lifecycle events through the Feed
// they were created with.
type Backend interface {
	Kind() schema.BackendKind
	Connect(ctx context.Context) error
	Disconnect() error
	Release() error
	Subscribe(codes []string)
	Unsubscribe(codes []string)
}

// Feed is the ingestion surface an adapter exposes to its backend.
type Feed interface {
	ID() string
	HandleQuote(tick *schema.Tick, needSlice bool)
	HandleOrderQueue(queue *schema.OrderQueue)
	HandleOrderDetail(detail *schema.OrderDetail)
	HandleTransaction(trans *schema.Transaction)
	HandleEvent(ev schema.ParserEvent)
}

// Sink receives records accepted by adapters.
type Sink interface {
	HandleTick(adapterID string, tick *schema.Tick)
	HandleOrderQueue(adapterID string, queue *schema.OrderQueue)
	HandleOrderDetail(adapterID string, detail *schema.OrderDetail)
	HandleTransaction(adapterID string, trans *schema.Transaction)
}

// ContractSource is the reference data adapters consult for filtering and subscriptions.
type ContractSource interface {
	HasContracts() bool
	Contract(code, exchange string) (*basedata.ContractInfo, bool)
	Contracts(exchange string) []*basedata.ContractInfo
	NormalizePrice(exchange, code string, price float64) float64
}

// Factory constructs a built-in backend from the parser entry configuration.
type Factory func(feed Feed, cfg *config.Variant, refs ContractSource, logger *log.Logger) (Backend, error)

// Catalogue maintains built-in backend factories keyed by module name.
type Catalogue struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalogue creates an empty factory catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for the given module name.
func (c *Catalogue) Register(module string, factory Factory) {
	if factory == nil {
		panic("parser factory required")
	}
	c.mu.Lock()
	c.factories[strings.ToLower(strings.TrimSpace(module))] = factory
	c.mu.Unlock()
}

// Modules lists the registered module names.
func (c *Catalogue) Modules() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Create instantiates the backend registered for module.
func (c *Catalogue) Create(module string, feed Feed, cfg *config.Variant, refs ContractSource, logger *log.Logger) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(module))
	c.mu.RLock()
	factory, ok := c.factories[key]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotRegistered, module)
	}
	backend, err := factory(feed, cfg, refs, logger)
	if err != nil {
		return nil, fmt.Errorf("instantiate parser %s(%s): %w", feed.ID(), key, err)
	}
	return backend, nil
}
