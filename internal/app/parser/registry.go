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

	"github.com/sourcegraph/conc/pool"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
)

var (
	// ErrAdapterExists indicates that an adapter with the given id is already registered.
	ErrAdapterExists = errors.New("adapter already exists")
	// ErrAdapterNotFound indicates that the requested adapter is not registered.
	ErrAdapterNotFound = errors.New("adapter not found")
	// ErrAlreadyRunning indicates a second call to Run.
	ErrAlreadyRunning = errors.New("registry already running")
)

const defaultConnectWorkers = 8

// Registry owns the active adapters keyed by id. The first registration of an id wins;
// later registrations are rejected with ErrAdapterExists.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
	order    []string
	running  atomic.Bool
	workers  int
	logger   *log.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stdout, "parsers ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Registry{
		mu:       sync.RWMutex{},
		adapters: make(map[string]*Adapter),
		order:    nil,
		running:  atomic.Bool{},
		workers:  defaultConnectWorkers,
		logger:   logger,
	}
}

// Add inserts adapter under id.
func (r *Registry) Add(id string, adapter *Adapter) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("adapter id required")
	}
	if adapter == nil {
		return fmt.Errorf("adapter %s: nil adapter", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("%w: %s", ErrAdapterExists, id)
	}
	r.adapters[id] = adapter
	r.order = append(r.order, id)
	return nil
}

// Get looks up an adapter. Absence is a normal outcome.
func (r *Registry) Get(id string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[strings.TrimSpace(id)]
	return adapter, ok
}

// Size returns the number of registered adapters.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// IDs returns the registered ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) snapshot() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Statuses describes every adapter in insertion order.
func (r *Registry) Statuses() []schema.AdapterStatus {
	adapters := r.snapshot()
	out := make([]schema.AdapterStatus, 0, len(adapters))
	for _, adapter := range adapters {
		out = append(out, schema.AdapterStatus{
			ID:    adapter.ID(),
			Kind:  adapter.Kind(),
			State: adapter.State().String(),
			Codes: adapter.SubscribedCodes(),
		})
	}
	return out
}

// Run issues Connect on every adapter and returns once every call has returned. It does
// not wait for the sources to report connected; use AwaitConnected for that. Connect
// failures are logged and do not stop the other adapters.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	adapters := r.snapshot()
	workers := r.workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, adapter := range adapters {
		a := adapter
		p.Go(func() {
			if err := a.Connect(ctx); err != nil {
				r.logger.Printf("parser/%s: connect failed: %v", a.ID(), err)
			}
		})
	}
	p.Wait()
	r.logger.Printf("%d parsers started", len(adapters))
	return nil
}

// AwaitConnected blocks until every adapter has reported connected or ctx ends, and
// returns how many adapters are connected.
func (r *Registry) AwaitConnected(ctx context.Context) int {
	connected := 0
	for _, adapter := range r.snapshot() {
		if adapter.State() == schema.StateReleased {
			continue
		}
		select {
		case <-adapter.Connected():
			connected++
		case <-ctx.Done():
			return r.countConnected()
		}
	}
	return connected
}

func (r *Registry) countConnected() int {
	n := 0
	for _, adapter := range r.snapshot() {
		select {
		case <-adapter.Connected():
			n++
		default:
		}
	}
	return n
}

// Release tears down every adapter.
func (r *Registry) Release() {
	for _, adapter := range r.snapshot() {
		if err := adapter.Release(); err != nil {
			r.logger.Printf("parser/%s: release failed: %v", adapter.ID(), err)
		}
	}
}
