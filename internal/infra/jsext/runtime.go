package jsext

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/webclinic017/wondertrader/internal/app/extension"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

// Exported function names recognised on module.exports.
const (
	ExportInit             = "init"
	ExportPoll             = "poll"
	ExportRelease          = "release"
	ExportOnParserEvent    = "onParserEvent"
	ExportOnSubscribe      = "onSubscribe"
	ExportDumpBars         = "dumpBars"
	ExportDumpTicks        = "dumpTicks"
	ExportDumpOrderQueue   = "dumpOrderQueue"
	ExportDumpOrderDetail  = "dumpOrderDetail"
	ExportDumpTransactions = "dumpTransactions"
)

var knownExports = []string{
	ExportInit, ExportPoll, ExportRelease,
	ExportOnParserEvent, ExportOnSubscribe,
	ExportDumpBars, ExportDumpTicks, ExportDumpOrderQueue, ExportDumpOrderDetail, ExportDumpTransactions,
}

// HostAPI is the host surface a script reaches through the global host object.
type HostAPI interface {
	OnQuote(id string, tick *schema.Tick, needSlice bool)
	OnOrderQueue(id string, queue *schema.OrderQueue)
	OnOrderDetail(id string, detail *schema.OrderDetail)
	OnTransaction(id string, trans *schema.Transaction)
	OnParserEvent(id string, ev schema.ParserEvent)
	CreateExtensionAdapter(id string) bool
	CreateExtensionDumper(id string) bool
}

// Registrar receives the capabilities the script provides.
type Registrar interface {
	RegisterParserCallbacks(events extension.ParserEventHandler, subs extension.SubscriptionHandler)
	RegisterDumpers(bars extension.BarDumper, ticks extension.TickDumper)
	RegisterHighFrequencyDumpers(queues extension.OrderQueueDumper, details extension.OrderDetailDumper, trans extension.TransactionDumper)
}

// Runtime is a loaded extension script.
type Runtime struct {
	script  *Script
	host    HostAPI
	logger  *log.Logger
	vm      *vm
	exports map[string]bool

	pollMu sync.Mutex
	cancel context.CancelFunc
	polls  sync.WaitGroup
}

// Load compiles and runs the script at path against host.
func Load(path string, host HostAPI, logger *log.Logger) (*Runtime, error) {
	script, err := Compile(path)
	if err != nil {
		return nil, err
	}
	return New(script, host, logger)
}

// New runs a compiled script against host.
func New(script *Script, host HostAPI, logger *log.Logger) (*Runtime, error) {
	if script == nil {
		return nil, fmt.Errorf("jsext: script required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "jsext ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Runtime{
		script:  script,
		host:    host,
		logger:  logger,
		vm:      nil,
		exports: make(map[string]bool, len(knownExports)),
		pollMu:  sync.Mutex{},
		cancel:  nil,
		polls:   sync.WaitGroup{},
	}
	rt := goja.New()
	exports, err := runScript(rt, script.Program, map[string]any{
		"console": buildConsole(rt, logger),
		"host":    r.buildHost(rt),
	})
	if err != nil {
		return nil, fmt.Errorf("jsext: execute %s: %w", script.Path, err)
	}
	for _, name := range knownExports {
		if _, ok := goja.AssertFunction(exports.Get(name)); ok {
			r.exports[name] = true
		}
	}
	r.vm = newVM(rt, exports)
	logger.Printf("jsext: loaded %s (%s, exports %v)", script.Path, script.Hash[:12], r.Exports())
	return r, nil
}

// Exports lists the recognised functions the script provides.
func (r *Runtime) Exports() []string {
	out := make([]string, 0, len(r.exports))
	for name := range r.exports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register installs the script's capabilities into reg. Missing exports leave the matching
// slot empty.
func (r *Runtime) Register(reg Registrar) {
	var (
		events  extension.ParserEventHandler
		subs    extension.SubscriptionHandler
		bars    extension.BarDumper
		ticks   extension.TickDumper
		queues  extension.OrderQueueDumper
		details extension.OrderDetailDumper
		trans   extension.TransactionDumper
	)
	if r.exports[ExportOnParserEvent] {
		events = r
	}
	if r.exports[ExportOnSubscribe] {
		subs = r
	}
	if r.exports[ExportDumpBars] {
		bars = r
	}
	if r.exports[ExportDumpTicks] {
		ticks = r
	}
	if r.exports[ExportDumpOrderQueue] {
		queues = r
	}
	if r.exports[ExportDumpOrderDetail] {
		details = r
	}
	if r.exports[ExportDumpTransactions] {
		trans = r
	}
	if events != nil || subs != nil {
		reg.RegisterParserCallbacks(events, subs)
	}
	if bars != nil || ticks != nil {
		reg.RegisterDumpers(bars, ticks)
	}
	if queues != nil || details != nil || trans != nil {
		reg.RegisterHighFrequencyDumpers(queues, details, trans)
	}
}

// Init calls the script's init export with the extension options.
func (r *Runtime) Init(options *config.Variant) error {
	if !r.exports[ExportInit] {
		return nil
	}
	var arg any = map[string]any{}
	if options != nil {
		arg = options.Map()
	}
	if _, err := r.vm.call(ExportInit, arg); err != nil {
		return fmt.Errorf("jsext: init: %w", err)
	}
	return nil
}

// Start calls the script's poll export every interval until ctx ends or Close is called.
func (r *Runtime) Start(ctx context.Context, interval time.Duration) {
	if !r.exports[ExportPoll] || interval <= 0 {
		return
	}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.cancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.polls.Add(1)
	go func() {
		defer r.polls.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.vm.call(ExportPoll); err != nil {
					r.logger.Printf("jsext: poll: %v", err)
				}
			}
		}
	}()
}

// Close stops polling, calls the release export and shuts the runtime down.
func (r *Runtime) Close() {
	r.pollMu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.pollMu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.polls.Wait()
	if r.exports[ExportRelease] {
		if _, err := r.vm.call(ExportRelease); err != nil {
			r.logger.Printf("jsext: release: %v", err)
		}
	}
	r.vm.close()
}

// OnParserEvent forwards a lifecycle request to the script without waiting.
func (r *Runtime) OnParserEvent(ev schema.ParserEvent, id string) {
	r.notify(ExportOnParserEvent, string(ev), id)
}

// OnSubscribe forwards a subscription request to the script without waiting.
func (r *Runtime) OnSubscribe(id, code string, subscribe bool) {
	r.notify(ExportOnSubscribe, id, code, subscribe)
}

func (r *Runtime) notify(name string, args ...any) {
	posted := r.vm.post(func() {
		_, err := r.vm.guard(func() (goja.Value, error) { return r.vm.invoke(name, args...) })
		if err != nil {
			r.logger.Printf("jsext: %s: %v", name, err)
		}
	})
	if !posted {
		r.logger.Printf("jsext: %s dropped: %v", name, ErrClosed)
	}
}

// DumpBars asks the script to persist bars.
func (r *Runtime) DumpBars(id, code, period string, bars []schema.Bar) bool {
	return r.dump(ExportDumpBars, id, code, period, bars)
}

// DumpTicks asks the script to persist ticks.
func (r *Runtime) DumpTicks(id, code string, date uint32, ticks []schema.Tick) bool {
	return r.dump(ExportDumpTicks, id, code, date, ticks)
}

// DumpOrderQueue asks the script to persist order queues.
func (r *Runtime) DumpOrderQueue(id, code string, date uint32, items []schema.OrderQueue) bool {
	return r.dump(ExportDumpOrderQueue, id, code, date, items)
}

// DumpOrderDetail asks the script to persist order details.
func (r *Runtime) DumpOrderDetail(id, code string, date uint32, items []schema.OrderDetail) bool {
	return r.dump(ExportDumpOrderDetail, id, code, date, items)
}

// DumpTransactions asks the script to persist transactions.
func (r *Runtime) DumpTransactions(id, code string, date uint32, items []schema.Transaction) bool {
	return r.dump(ExportDumpTransactions, id, code, date, items)
}

func (r *Runtime) dump(name, id, code string, arg, records any) bool {
	plain, err := toPlain(records)
	if err != nil {
		r.logger.Printf("jsext: %s %s: %v", name, code, err)
		return false
	}
	val, err := r.vm.call(name, id, code, arg, plain)
	if err != nil {
		r.logger.Printf("jsext: %s %s: %v", name, code, err)
		return false
	}
	return val != nil && val.ToBoolean()
}

// buildHost creates the global host object. Every function runs on the vm goroutine and
// calls straight into the host; host calls never wait on the script.
func (r *Runtime) buildHost(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("pushQuote", func(id string, raw goja.Value, needSlice bool) bool {
		var tick schema.Tick
		if !r.decode(rt, "pushQuote", raw, &tick) {
			return false
		}
		r.host.OnQuote(id, &tick, needSlice)
		return true
	})
	_ = obj.Set("pushOrderQueue", func(id string, raw goja.Value) bool {
		var queue schema.OrderQueue
		if !r.decode(rt, "pushOrderQueue", raw, &queue) {
			return false
		}
		r.host.OnOrderQueue(id, &queue)
		return true
	})
	_ = obj.Set("pushOrderDetail", func(id string, raw goja.Value) bool {
		var detail schema.OrderDetail
		if !r.decode(rt, "pushOrderDetail", raw, &detail) {
			return false
		}
		r.host.OnOrderDetail(id, &detail)
		return true
	})
	_ = obj.Set("pushTransaction", func(id string, raw goja.Value) bool {
		var trans schema.Transaction
		if !r.decode(rt, "pushTransaction", raw, &trans) {
			return false
		}
		r.host.OnTransaction(id, &trans)
		return true
	})
	_ = obj.Set("parserEvent", func(id, kind string) bool {
		ev, ok := schema.ParseParserEvent(kind)
		if !ok {
			r.logger.Printf("jsext: parserEvent %s: unknown kind %q", id, kind)
			return false
		}
		r.host.OnParserEvent(id, ev)
		return true
	})
	_ = obj.Set("createParser", func(id string) bool {
		return r.host.CreateExtensionAdapter(id)
	})
	_ = obj.Set("createDumper", func(id string) bool {
		return r.host.CreateExtensionDumper(id)
	})
	return obj
}

func (r *Runtime) decode(rt *goja.Runtime, fn string, raw goja.Value, out any) bool {
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		r.logger.Printf("jsext: %s: record required", fn)
		return false
	}
	data, err := json.Marshal(raw.Export())
	if err == nil {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		r.logger.Printf("jsext: %s: decode record: %v", fn, err)
		return false
	}
	return true
}

// toPlain converts records into maps and slices keyed by their JSON names.
func toPlain(records any) (any, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
