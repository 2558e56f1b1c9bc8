package extension

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

type lineBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lineBuffer) reset() {
	l.mu.Lock()
	l.buf.Reset()
	l.mu.Unlock()
}

func (l *lineBuffer) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := strings.TrimSpace(l.buf.String())
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

type fullExtension struct {
	mu       sync.Mutex
	events   []string
	subs     []string
	result   bool
	lastID   string
	lastCode string
	lastDate uint32
	lastLen  int
	period   string
}

func (e *fullExtension) OnParserEvent(ev schema.ParserEvent, id string) {
	e.mu.Lock()
	e.events = append(e.events, string(ev)+":"+id)
	e.mu.Unlock()
}

func (e *fullExtension) OnSubscribe(id, code string, subscribe bool) {
	e.mu.Lock()
	op := "-"
	if subscribe {
		op = "+"
	}
	e.subs = append(e.subs, op+id+"/"+code)
	e.mu.Unlock()
}

func (e *fullExtension) record(id, code string, date uint32, n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastID, e.lastCode, e.lastDate, e.lastLen = id, code, date, n
	return e.result
}

func (e *fullExtension) DumpBars(id, code, period string, bars []schema.Bar) bool {
	e.mu.Lock()
	e.period = period
	e.mu.Unlock()
	return e.record(id, code, 0, len(bars))
}

func (e *fullExtension) DumpTicks(id, code string, date uint32, ticks []schema.Tick) bool {
	return e.record(id, code, date, len(ticks))
}

func (e *fullExtension) DumpOrderQueue(id, code string, date uint32, items []schema.OrderQueue) bool {
	return e.record(id, code, date, len(items))
}

func (e *fullExtension) DumpOrderDetail(id, code string, date uint32, items []schema.OrderDetail) bool {
	return e.record(id, code, date, len(items))
}

func (e *fullExtension) DumpTransactions(id, code string, date uint32, items []schema.Transaction) bool {
	return e.record(id, code, date, len(items))
}

type tickOnly struct{ calls int }

func (t *tickOnly) DumpTicks(string, string, uint32, []schema.Tick) bool {
	t.calls++
	return true
}

func dumpAll(b *Bridge) []bool {
	return []bool{
		b.DumpTicks("d1", "SHFE.rb2410", 20240909, make([]schema.Tick, 3)),
		b.DumpBars("d1", "SHFE.rb2410", "m1", make([]schema.Bar, 3)),
		b.DumpOrderQueue("d1", "SHFE.rb2410", 20240909, make([]schema.OrderQueue, 3)),
		b.DumpOrderDetail("d1", "SHFE.rb2410", 20240909, make([]schema.OrderDetail, 3)),
		b.DumpTransactions("d1", "SHFE.rb2410", 20240909, make([]schema.Transaction, 3)),
	}
}

func TestDumpWithoutCapabilityFailsWithOneLogLine(t *testing.T) {
	out := &lineBuffer{}
	bridge := NewBridge(log.New(out, "", 0))
	out.reset()

	calls := []func() bool{
		func() bool { return bridge.DumpTicks("d1", "SHFE.rb2410", 20240909, nil) },
		func() bool { return bridge.DumpBars("d1", "SHFE.rb2410", "m1", nil) },
		func() bool { return bridge.DumpOrderQueue("d1", "SHFE.rb2410", 20240909, nil) },
		func() bool { return bridge.DumpOrderDetail("d1", "SHFE.rb2410", 20240909, nil) },
		func() bool { return bridge.DumpTransactions("d1", "SHFE.rb2410", 20240909, nil) },
	}
	for i, call := range calls {
		out.reset()
		if call() {
			t.Fatalf("dump %d succeeded without a registered dumper", i)
		}
		lines := out.lines()
		if len(lines) != 1 {
			t.Fatalf("dump %d: expected exactly one log line, got %d: %v", i, len(lines), lines)
		}
		if !strings.Contains(lines[0], "capability_missing") {
			t.Fatalf("dump %d: unexpected log line %q", i, lines[0])
		}
	}
	if len(bridge.Capabilities()) != 0 || bridge.HasDumpers() {
		t.Fatalf("failed dumps must not change bridge state")
	}
}

func TestDumpForwardsArgumentsAndResult(t *testing.T) {
	for _, want := range []bool{true, false} {
		ext := &fullExtension{result: want}
		bridge := NewBridge(log.New(io.Discard, "", 0))
		bridge.RegisterDumpers(ext, ext)
		bridge.RegisterHighFrequencyDumpers(ext, ext, ext)

		for i, got := range dumpAll(bridge) {
			if got != want {
				t.Fatalf("dump %d: expected result %t, got %t", i, want, got)
			}
		}
		if ext.lastID != "d1" || ext.lastCode != "SHFE.rb2410" || ext.lastDate != 20240909 || ext.lastLen != 3 {
			t.Fatalf("arguments not forwarded unchanged: %+v", ext)
		}
		if ext.period != "m1" {
			t.Fatalf("expected period m1, got %q", ext.period)
		}
	}
}

func TestRegisterExtensionDetectsCapabilities(t *testing.T) {
	bridge := NewBridge(log.New(io.Discard, "", 0))
	partial := &tickOnly{}
	caps := bridge.RegisterExtension(partial)
	if len(caps) != 1 || caps[0] != CapTicks {
		t.Fatalf("expected only ticks capability, got %v", caps)
	}
	if !bridge.DumpTicks("d1", "x", 1, nil) || partial.calls != 1 {
		t.Fatalf("tick dump not forwarded")
	}
	if bridge.DumpBars("d1", "x", "m1", nil) {
		t.Fatalf("bar dump must fail without capability")
	}

	full := &fullExtension{result: true}
	caps = bridge.RegisterExtension(full)
	if len(caps) != 7 {
		t.Fatalf("expected 7 capabilities, got %v", caps)
	}
	bridge.DumpTicks("d1", "x", 1, nil)
	if partial.calls != 1 {
		t.Fatalf("last registration must win")
	}
	if bridge.RegisterExtension(nil) != nil {
		t.Fatalf("nil extension must register nothing")
	}
}

func TestNotificationsAreCapabilityGated(t *testing.T) {
	bridge := NewBridge(log.New(io.Discard, "", 0))
	bridge.NotifyConnect("p1")
	bridge.Subscribe("p1", "SHFE.rb2410")

	ext := &fullExtension{}
	bridge.RegisterParserCallbacks(ext, ext)
	bridge.NotifyInit("p1")
	bridge.NotifyConnect("p1")
	bridge.NotifyDisconnect("p1")
	bridge.NotifyRelease("p1")
	bridge.Subscribe("p1", "SHFE.rb2410")
	bridge.Unsubscribe("p1", "SHFE.rb2410")

	wantEvents := []string{"init:p1", "connect:p1", "disconnect:p1", "release:p1"}
	if strings.Join(ext.events, ",") != strings.Join(wantEvents, ",") {
		t.Fatalf("unexpected events %v", ext.events)
	}
	if strings.Join(ext.subs, ",") != "+p1/SHFE.rb2410,-p1/SHFE.rb2410" {
		t.Fatalf("unexpected subscriptions %v", ext.subs)
	}

	bridge.RegisterParserCallbacks(nil, nil)
	bridge.NotifyConnect("p1")
	if len(ext.events) != 4 {
		t.Fatalf("cleared slot must not forward")
	}
}

type nopSink struct{}

func (nopSink) HandleTick(string, *schema.Tick)               {}
func (nopSink) HandleOrderQueue(string, *schema.OrderQueue)   {}
func (nopSink) HandleOrderDetail(string, *schema.OrderDetail) {}
func (nopSink) HandleTransaction(string, *schema.Transaction) {}

func TestCreateExtensionAdapter(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	registry := parser.NewRegistry(logger)
	factory := func() *parser.Adapter { return parser.NewAdapter(nopSink{}, logger) }
	bridge := NewBridge(logger, WithAdapters(registry, factory))
	ext := &fullExtension{}
	bridge.RegisterExtension(ext)

	if !bridge.CreateExtensionAdapter("ext1") {
		t.Fatalf("expected creation to succeed")
	}
	if bridge.CreateExtensionAdapter("ext1") {
		t.Fatalf("duplicate id must be rejected")
	}
	adapter, ok := registry.Get("ext1")
	if !ok || adapter.Kind() != schema.BackendExtension || adapter.State() != schema.StateInitialized {
		t.Fatalf("unexpected adapter %v ok=%v", adapter, ok)
	}
	if len(ext.events) != 1 || ext.events[0] != "init:ext1" {
		t.Fatalf("expected init notification, got %v", ext.events)
	}

	if err := registry.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ext.events[len(ext.events)-1] != "connect:ext1" {
		t.Fatalf("expected connect forwarded to extension, got %v", ext.events)
	}
	adapter.HandleEvent(schema.ParserEventConnect)
	if adapter.State() != schema.StateConnected {
		t.Fatalf("expected connected adapter")
	}

	orphan := NewBridge(logger)
	if orphan.CreateExtensionAdapter("ext2") {
		t.Fatalf("bridge without registry must fail")
	}
}

func TestCreateExtensionDumperRoutesWriterFlush(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	w := writer.New(logger)
	w.Init(nil, nil, nil, nil)
	bridge := NewBridge(logger, WithDumperRegistrar(w))
	ext := &fullExtension{result: true}
	bridge.RegisterDumpers(ext, ext)

	if !bridge.CreateExtensionDumper("d1") {
		t.Fatalf("expected dumper creation to succeed")
	}
	if bridge.CreateExtensionDumper("d1") {
		t.Fatalf("duplicate dumper must be rejected")
	}
	w.HandleTick("p1", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 1, TradingDate: 20240909, ActionDate: 20240909, ActionTime: 90000000})
	report := w.Flush(context.Background())
	if report.Failures != 0 || ext.lastID != "d1" || ext.lastCode != "SHFE.rb2410" {
		t.Fatalf("writer flush not routed through bridge: %+v %+v", report, ext)
	}
	if NewBridge(logger).CreateExtensionDumper("d2") {
		t.Fatalf("bridge without writer must fail")
	}
}
