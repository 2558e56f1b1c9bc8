// Package host sequences the startup of the market data runner: reference data, the
// broadcaster, the storage writer, the state monitor, the parser registry and the optional
// extension runtime, all driven by one event loop.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/webclinic017/wondertrader/internal/app/extension"
	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/adapters"
	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/broadcast"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/eventloop"
	"github.com/webclinic017/wondertrader/internal/infra/jsext"
	"github.com/webclinic017/wondertrader/internal/infra/persistence"
	"github.com/webclinic017/wondertrader/internal/infra/persistence/migrations"
	"github.com/webclinic017/wondertrader/internal/infra/persistence/postgres"
	"github.com/webclinic017/wondertrader/internal/infra/statemonitor"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

var (
	// ErrNotInitialized is returned by Start before a successful Initialize.
	ErrNotInitialized = errors.New("host not initialized")
	// ErrAlreadyStarted is returned by a second Start or Initialize.
	ErrAlreadyStarted = errors.New("host already started")
)

// Base data categories in load order.
const (
	BaseSession   = "session"
	BaseCommodity = "commodity"
	BaseContract  = "contract"
	BaseHoliday   = "holiday"
	BaseHot       = "hot"
	BaseSecond    = "second"
)

const logFlags = log.LstdFlags | log.Lmicroseconds

// Host owns every subsystem for the lifetime of the process.
type Host struct {
	logger    *log.Logger
	out       io.Writer
	modDir    string
	catalogue *parser.Catalogue
	runID     uuid.UUID

	mu          sync.Mutex
	initialized bool
	started     atomic.Bool
	runCtx      atomic.Pointer[context.Context]
	cfg         config.HostConfig
	loaded      []string

	loop     *eventloop.Loop
	refs     *basedata.Store
	caster   *broadcast.Caster
	writer   *writer.Writer
	monitor  *statemonitor.Monitor
	registry *parser.Registry
	bridge   *extension.Bridge
	script   *jsext.Runtime
	sink     *persistence.Store
}

// Option configures optional host collaborators.
type Option func(*Host)

// WithModuleDir sets the directory relative extension script paths resolve against.
func WithModuleDir(dir string) Option {
	return func(h *Host) {
		h.modDir = strings.TrimSpace(dir)
	}
}

// WithCatalogue replaces the built-in parser catalogue.
func WithCatalogue(c *parser.Catalogue) Option {
	return func(h *Host) {
		if c != nil {
			h.catalogue = c
		}
	}
}

// New constructs an idle host. Component loggers share the host logger's output.
func New(logger *log.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = log.New(os.Stdout, "host ", logFlags)
	}
	catalogue := parser.NewCatalogue()
	adapters.RegisterAll(catalogue)
	h := &Host{
		logger:      logger,
		out:         logger.Writer(),
		modDir:      "",
		catalogue:   catalogue,
		runID:       uuid.New(),
		mu:          sync.Mutex{},
		initialized: false,
		started:     atomic.Bool{},
		runCtx:      atomic.Pointer[context.Context]{},
		cfg:         config.HostConfig{},
		loaded:      nil,
		loop:        nil,
		refs:        nil,
		caster:      nil,
		writer:      nil,
		monitor:     nil,
		registry:    nil,
		bridge:      nil,
		script:      nil,
		sink:        nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.loop = eventloop.New(h.component("eventloop "))
	h.refs = basedata.NewStore()
	return h
}

func (h *Host) component(prefix string) *log.Logger {
	return log.New(h.out, prefix, logFlags)
}

// RunID identifies this process run.
func (h *Host) RunID() uuid.UUID { return h.runID }

// Initialize loads the runner document at cfgPath and builds every subsystem. Missing
// optional keys skip their step; unreadable or malformed resources are returned as errors.
func (h *Host) Initialize(ctx context.Context, cfgPath string) error {
	root, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load runner config: %w", err)
	}
	return h.InitializeWith(ctx, root)
}

// InitializeWith builds every subsystem from an already decoded runner document. On
// failure every collaborator opened so far is closed again.
func (h *Host) InitializeWith(ctx context.Context, root *config.Variant) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return ErrAlreadyStarted
	}
	defer func() {
		if err != nil {
			h.abort()
		}
	}()
	cfg := config.NewHostConfig(root)
	h.cfg = cfg
	h.logger.Printf("initializing runner %s", h.runID)

	if err := h.loadBaseFiles(cfg.BaseFiles); err != nil {
		return err
	}

	var writerOpts []writer.Option
	if cfg.Persistence.Enabled() {
		persister, err := h.openSink(ctx, cfg.Persistence)
		if err != nil {
			return err
		}
		writerOpts = append(writerOpts, writer.WithPersister(persister))
	}

	h.caster = broadcast.New(h.component("broadcast "))
	h.writer = writer.New(h.component("writer "), writerOpts...)
	h.monitor = statemonitor.New(h.component("statemonitor "))

	if err := h.caster.Init(cfg.Broadcaster, h.refs, h.writer); err != nil {
		return fmt.Errorf("init broadcaster: %w", err)
	}
	h.writer.Init(cfg.Writer, h.refs, h.monitor, h.caster)
	if err := h.monitor.Init(cfg.StateMonitor, h.refs, h.writer, h.loop); err != nil {
		return fmt.Errorf("init state monitor: %w", err)
	}

	h.registry = parser.NewRegistry(h.component("parsers "))
	h.bridge = extension.NewBridge(h.component("bridge "),
		extension.WithAdapters(h.registry, h.newAdapter),
		extension.WithDumperRegistrar(h.writer),
	)
	if err := h.loadParsers(cfg.Parsers); err != nil {
		return err
	}
	if err := h.loadExtension(root, cfg.Extension); err != nil {
		return err
	}
	h.logger.Printf("dumper enabled: %t", h.writer.DumperEnabled())
	h.initialized = true
	return nil
}

// abort releases what a failed InitializeWith already opened.
func (h *Host) abort() {
	if h.registry != nil {
		h.registry.Release()
	}
	if h.script != nil {
		h.script.Close()
		h.script = nil
	}
	if h.caster != nil {
		h.caster.Close()
	}
	h.sink.Close()
	h.sink = nil
}

func (h *Host) loadBaseFiles(files config.BaseFiles) error {
	steps := []struct {
		name string
		path string
		load func(string) error
	}{
		{BaseSession, files.Session, h.refs.LoadSessions},
		{BaseCommodity, files.Commodity, h.refs.LoadCommodities},
		{BaseContract, files.Contract, h.refs.LoadContracts},
		{BaseHoliday, files.Holiday, h.refs.LoadHolidays},
		{BaseHot, files.Hot, h.refs.LoadHots},
		{BaseSecond, files.Second, h.refs.LoadSeconds},
	}
	for _, step := range steps {
		if step.path == "" {
			continue
		}
		if err := step.load(step.path); err != nil {
			return fmt.Errorf("load %s base data: %w", step.name, err)
		}
		h.loaded = append(h.loaded, step.name)
		h.logger.Printf("%s base data loaded from %s", step.name, step.path)
	}
	return nil
}

func (h *Host) openSink(ctx context.Context, cfg config.PersistenceConfig) (*postgres.Store, error) {
	if cfg.Migrate {
		if err := migrations.Apply(ctx, cfg.DSN, "", h.component("migrate ")); err != nil {
			return nil, fmt.Errorf("migrate market data sink: %w", err)
		}
	}
	store, err := persistence.Open(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	h.sink = store
	hostname, _ := os.Hostname()
	pg := postgres.New(store.Pool(), hostname)
	if err := pg.ObservePool(); err != nil {
		h.logger.Printf("sink pool metrics disabled: %v", err)
	}
	if err := pg.RegisterRun(ctx); err != nil {
		return nil, err
	}
	h.logger.Printf("market data sink ready (run %s)", pg.RunID())
	return pg, nil
}

func (h *Host) newAdapter() *parser.Adapter {
	return parser.NewAdapter(h.writer, h.component("parser "),
		parser.WithCatalogue(h.catalogue),
		parser.WithContracts(h.refs),
	)
}

func (h *Host) loadParsers(path string) error {
	if path == "" {
		h.logger.Printf("no parser resource configured")
		return nil
	}
	entries, err := config.LoadParsers(path)
	if err != nil {
		return fmt.Errorf("load parsers: %w", err)
	}
	for _, entry := range entries {
		if !entry.Active {
			h.logger.Printf("parser %s inactive, skipped", entry.ID)
			continue
		}
		adapter := h.newAdapter()
		if err := adapter.Init(entry.ID, entry.Config); err != nil {
			return fmt.Errorf("init parser %s: %w", entry.ID, err)
		}
		if err := h.registry.Add(entry.ID, adapter); err != nil {
			if errors.Is(err, parser.ErrAdapterExists) {
				h.logger.Printf("parser %s duplicated, first definition kept", entry.ID)
				continue
			}
			return fmt.Errorf("register parser %s: %w", entry.ID, err)
		}
	}
	h.logger.Printf("%d parsers loaded", h.registry.Size())
	return nil
}

func (h *Host) loadExtension(root *config.Variant, cfg config.ExtensionConfig) error {
	path := h.scriptPath(root, cfg)
	if path == "" {
		return nil
	}
	rt, err := jsext.Load(path, h, h.component("jsext "))
	if err != nil {
		return fmt.Errorf("load extension: %w", err)
	}
	rt.Register(h.bridge)
	h.script = rt
	if err := rt.Init(cfg.Options); err != nil {
		rt.Close()
		h.script = nil
		return fmt.Errorf("init extension: %w", err)
	}
	h.logger.Printf("extension capabilities: %v", h.bridge.Capabilities())
	return nil
}

func (h *Host) scriptPath(root *config.Variant, cfg config.ExtensionConfig) string {
	raw := strings.TrimSpace(root.Get("extension").String("script"))
	if raw == "" {
		return ""
	}
	if h.modDir != "" && !filepath.IsAbs(raw) {
		return filepath.Join(h.modDir, raw)
	}
	return cfg.Script
}

// Start connects every adapter, waits a bounded time for them to report connected, then
// schedules the state monitor and runs the event loop until ctx ends.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	if !h.started.CompareAndSwap(false, true) {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.runCtx.Store(&ctx)
	cfg := h.cfg
	h.mu.Unlock()

	if err := h.registry.Run(ctx); err != nil {
		return fmt.Errorf("run parsers: %w", err)
	}
	if cfg.Startup.ReadyTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Startup.ReadyTimeout)
		connected := h.registry.AwaitConnected(waitCtx)
		cancel()
		h.logger.Printf("%d/%d parsers connected", connected, h.registry.Size())
	}
	h.loop.PostDelayed(cfg.Startup.Delay, h.monitor.Run)
	if h.script != nil {
		h.script.Start(ctx, cfg.Extension.PollInterval)
	}
	h.logger.Printf("runner started")
	return h.loop.Run(ctx)
}

// Shutdown releases adapters, flushes buffered data and closes every collaborator.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil
	}
	h.monitor.Stop()
	h.registry.Release()
	report := h.writer.Flush(ctx)
	h.logger.Printf("flushed %d codes (%d ticks, %d bars, %d failures)", report.Codes, report.Ticks, report.Bars, report.Failures)
	if h.script != nil {
		h.script.Close()
	}
	h.caster.Close()
	h.sink.Close()
	h.initialized = false
	var err error
	if report.Failures > 0 {
		err = fmt.Errorf("flush: %d failures", report.Failures)
	}
	return err
}

// LoadedBaseFiles lists the base data categories loaded, in load order.
func (h *Host) LoadedBaseFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loaded...)
}

// Registry exposes the adapter registry.
func (h *Host) Registry() *parser.Registry { return h.registry }

// Bridge exposes the extension bridge.
func (h *Host) Bridge() *extension.Bridge { return h.bridge }

// Writer exposes the storage writer.
func (h *Host) Writer() *writer.Writer { return h.writer }

// Broadcaster exposes the broadcaster.
func (h *Host) Broadcaster() *broadcast.Caster { return h.caster }

// Monitor exposes the state monitor.
func (h *Host) Monitor() *statemonitor.Monitor { return h.monitor }

// Loop exposes the event loop.
func (h *Host) Loop() *eventloop.Loop { return h.loop }

// OnQuote ingests a tick for adapter id. Unknown ids are ignored.
func (h *Host) OnQuote(id string, tick *schema.Tick, needSlice bool) {
	if adapter, ok := h.adapter(id); ok {
		adapter.HandleQuote(tick, needSlice)
	}
}

// OnOrderQueue ingests an order queue snapshot for adapter id.
func (h *Host) OnOrderQueue(id string, queue *schema.OrderQueue) {
	if adapter, ok := h.adapter(id); ok {
		adapter.HandleOrderQueue(queue)
	}
}

// OnOrderDetail ingests an order-by-order record for adapter id.
func (h *Host) OnOrderDetail(id string, detail *schema.OrderDetail) {
	if adapter, ok := h.adapter(id); ok {
		adapter.HandleOrderDetail(detail)
	}
}

// OnTransaction ingests a trade-by-trade record for adapter id.
func (h *Host) OnTransaction(id string, trans *schema.Transaction) {
	if adapter, ok := h.adapter(id); ok {
		adapter.HandleTransaction(trans)
	}
}

// OnParserEvent applies a lifecycle event an extension reports for its adapter.
func (h *Host) OnParserEvent(id string, ev schema.ParserEvent) {
	if adapter, ok := h.adapter(id); ok {
		adapter.HandleEvent(ev)
	}
}

// CreateExtensionAdapter registers an extension-backed adapter. Adapters created after
// Start are connected immediately.
func (h *Host) CreateExtensionAdapter(id string) bool {
	if h.bridge == nil || !h.bridge.CreateExtensionAdapter(id) {
		return false
	}
	if !h.started.Load() {
		return true
	}
	adapter, ok := h.adapter(id)
	if !ok {
		return true
	}
	ctx := context.Background()
	if stored := h.runCtx.Load(); stored != nil {
		ctx = *stored
	}
	if err := adapter.Connect(ctx); err != nil {
		h.logger.Printf("parser/%s: connect failed: %v", id, err)
	}
	return true
}

// CreateExtensionDumper registers an extension dumper under id.
func (h *Host) CreateExtensionDumper(id string) bool {
	if h.bridge == nil {
		return false
	}
	return h.bridge.CreateExtensionDumper(id)
}

func (h *Host) adapter(id string) (*parser.Adapter, bool) {
	if h.registry == nil {
		return nil, false
	}
	return h.registry.Get(id)
}
