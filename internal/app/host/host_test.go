package host

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webclinic017/wondertrader/internal/app/extension"
	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingBackend records whether the state monitor was already running when it connected.
type recordingBackend struct {
	feed    parser.Feed
	host    **Host
	mu      *sync.Mutex
	connect *[]bool
}

func (b *recordingBackend) Kind() schema.BackendKind { return schema.BackendBuiltIn }

func (b *recordingBackend) Connect(context.Context) error {
	running := (*b.host).Monitor().Running()
	b.mu.Lock()
	*b.connect = append(*b.connect, running)
	b.mu.Unlock()
	b.feed.HandleEvent(schema.ParserEventConnect)
	return nil
}

func (b *recordingBackend) Disconnect() error   { return nil }
func (b *recordingBackend) Release() error      { return nil }
func (b *recordingBackend) Subscribe([]string)   {}
func (b *recordingBackend) Unsubscribe([]string) {}

type fixture struct {
	dir      string
	host     *Host
	logs     *syncBuffer
	delay    string
	mu       sync.Mutex
	connects []bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), logs: &syncBuffer{}, delay: "0"}
	catalogue := parser.NewCatalogue()
	catalogue.Register("recording", func(feed parser.Feed, _ *config.Variant, _ parser.ContractSource, _ *log.Logger) (parser.Backend, error) {
		return &recordingBackend{feed: feed, host: &f.host, mu: &f.mu, connect: &f.connects}, nil
	})
	f.host = New(log.New(f.logs, "host ", 0), WithCatalogue(catalogue), WithModuleDir(f.dir))
	t.Cleanup(func() { _ = f.host.Shutdown(context.Background()) })
	return f
}

func (f *fixture) write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (f *fixture) baseConfig(t *testing.T, extra string) string {
	t.Helper()
	f.write(t, "sessions.json", `{"FD0900": {"name": "day", "offset": 0, "sections": [{"from": 900, "to": 1500}]}}`)
	f.write(t, "contracts.json", `{"SHFE": {"rb2410": {"name": "rebar 2410", "product": "rb"}}}`)
	f.write(t, "mdparsers.json", `{"parsers": [
  {"id": "p1", "active": true, "module": "recording"},
  {"id": "p2", "active": false, "module": "recording"},
  {"id": "p3", "active": true, "module": "recording", "filter": ["CFFEX"]}
]}`)
	return f.write(t, "dtcfg.json", `{
  "basefiles": {"session": "sessions.json", "contract": "contracts.json"},
  "broadcaster": {"active": false},
  "writer": {"savetick": true},
  "parsers": "mdparsers.json",
  "startup": {"delay": "`+f.delay+`", "readyTimeout": "1s"}`+extra+`
}`)
}

func TestInitializeLoadsOnlyConfiguredBaseFiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))

	assert.Equal(t, []string{BaseSession, BaseContract}, f.host.LoadedBaseFiles())
	logs := f.logs.String()
	for _, skipped := range []string{"holiday", "hot", "second", "commodity"} {
		assert.NotContains(t, logs, skipped+" base data")
	}
	assert.NotContains(t, strings.ToLower(logs), "error")
	assert.Contains(t, logs, "dumper enabled: false")
}

func TestOnlyActiveParsersAreRegistered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))

	registry := f.host.Registry()
	assert.Equal(t, 2, registry.Size())
	_, ok := registry.Get("p1")
	assert.True(t, ok)
	_, ok = registry.Get("p2")
	assert.False(t, ok, "inactive parser must not be resolvable")
	assert.Equal(t, []string{"p1", "p3"}, registry.IDs())
}

func TestInitializeFailsOnUnreadableResources(t *testing.T) {
	f := newFixture(t)
	err := f.host.Initialize(context.Background(), filepath.Join(f.dir, "missing.json"))
	require.Error(t, err)

	g := newFixture(t)
	path := g.write(t, "dtcfg.json", `{"basefiles": {"session": "absent.json"}}`)
	err = g.host.Initialize(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session base data")
}

func TestOnQuoteForwardsOnceForKnownID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))

	_, ch := f.host.Broadcaster().Subscribe([]string{"SHFE.rb2410"})
	tick := &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3500, ActionDate: 20240909, ActionTime: 93000000}
	f.host.OnQuote("p1", tick, false)

	select {
	case msg := <-ch:
		require.NotNil(t, msg.Tick)
		assert.Equal(t, 3500.0, msg.Tick.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("expected broadcast for known adapter")
	}
	select {
	case msg := <-ch:
		t.Fatalf("expected a single broadcast, got another %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	snap, ok := f.host.Writer().Snapshot("SHFE.rb2410")
	require.True(t, ok)
	assert.Equal(t, 3500.0, snap.Price)

	f.host.OnQuote("nobody", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 1}, false)
	f.host.OnQuote("p3", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 2}, false)
	snap, _ = f.host.Writer().Snapshot("SHFE.rb2410")
	assert.Equal(t, 3500.0, snap.Price, "unknown ids and filtered exchanges must not reach the writer")
}

func TestStartConnectsEveryParserBeforeMonitor(t *testing.T) {
	for _, delay := range []string{"0", "5ms", "50ms"} {
		t.Run("delay="+delay, func(t *testing.T) {
			f := newFixture(t)
			f.delay = delay
			require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- f.host.Start(ctx) }()

			require.Eventually(t, func() bool { return f.host.Monitor().Running() }, 3*time.Second, 5*time.Millisecond)
			f.mu.Lock()
			connects := append([]bool(nil), f.connects...)
			f.mu.Unlock()
			assert.Equal(t, []bool{false, false}, connects)

			for _, id := range []string{"p1", "p3"} {
				adapter, ok := f.host.Registry().Get(id)
				require.True(t, ok)
				assert.Equal(t, schema.StateConnected, adapter.State())
			}
			require.ErrorIs(t, f.host.Start(context.Background()), ErrAlreadyStarted)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("event loop did not stop")
			}
		})
	}
}

func TestEntryPointsAreSafeFromForeignGoroutines(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.host.Start(ctx) }()
	require.Eventually(t, func() bool { return f.host.Monitor().Running() }, 3*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.host.OnQuote("p1", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: float64(3500 + w*1000 + i), ActionDate: 20240909, ActionTime: 93000000}, false)
				f.host.OnQuote("ghost", &schema.Tick{Exchange: "SHFE", Code: "rb2410"}, false)
				f.host.OnTransaction("p1", &schema.Transaction{Exchange: "SHFE", Code: "rb2410", Volume: 1})
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			f.host.OnParserEvent("p3", schema.ParserEventDisconnect)
			f.host.OnParserEvent("p3", schema.ParserEventConnect)
			f.host.OnParserEvent("ghost", schema.ParserEventConnect)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			f.host.Flush(context.Background())
			_ = f.host.Parsers()
			_ = f.host.Sessions()
		}
	}()
	wg.Wait()

	snap, ok := f.host.Snapshot("SHFE.rb2410")
	require.True(t, ok)
	assert.Equal(t, "SHFE", snap.Exchange)
	adapter, ok := f.host.Registry().Get("p3")
	require.True(t, ok)
	assert.Equal(t, schema.StateConnected, adapter.State())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestStartRequiresInitialize(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.host.Start(context.Background()), ErrNotInitialized)
}

const extensionScript = `
var events = [];
exports.init = function (options) {
  host.createParser(options.parser);
  host.createDumper(options.parser);
};
exports.onParserEvent = function (ev, id) {
  events.push(ev);
  if (ev === "connect") { host.parserEvent(id, "connect"); }
};
exports.dumpTicks = function (id, code, date, ticks) { return ticks.length > 0; };
exports.dumpBars = function (id, code, period, bars) { return period === "m1"; };
`

func TestExtensionScriptCreatesAdapterAndDumper(t *testing.T) {
	f := newFixture(t)
	f.write(t, "ext.js", extensionScript)
	cfg := f.baseConfig(t, `,
  "extension": {"script": "ext.js", "pollInterval": 50, "options": {"parser": "js1"}}`)
	require.NoError(t, f.host.Initialize(context.Background(), cfg))

	adapter, ok := f.host.Registry().Get("js1")
	require.True(t, ok)
	assert.Equal(t, schema.BackendExtension, adapter.Kind())
	assert.True(t, f.host.Writer().DumperEnabled())
	assert.Contains(t, f.host.Bridge().Capabilities(), extension.CapTicks)
	assert.Contains(t, f.logs.String(), "dumper enabled: true")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.host.Start(ctx) }()
	require.Eventually(t, func() bool { return adapter.State() == schema.StateConnected }, 3*time.Second, 5*time.Millisecond)

	f.host.OnQuote("js1", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3600, ActionDate: 20240909, ActionTime: 93000000}, false)
	report := f.host.Writer().Flush(context.Background())
	assert.Equal(t, 0, report.Failures)
	assert.Equal(t, 1, report.Ticks)
}

func TestStatusViewsBeforeAndAfterInitialize(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.host.Parsers())
	assert.Empty(t, f.host.Sessions())
	assert.False(t, f.host.DumperEnabled())

	require.NoError(t, f.host.Initialize(context.Background(), f.baseConfig(t, "")))
	statuses := f.host.Parsers()
	require.Len(t, statuses, 2)
	assert.Equal(t, "p1", statuses[0].ID)
	assert.Equal(t, schema.BackendBuiltIn, statuses[0].Kind)
	assert.Equal(t, schema.StateInitialized.String(), statuses[0].State)
	assert.Equal(t, []string{"SHFE.rb2410"}, statuses[0].Codes)
	assert.Empty(t, statuses[1].Codes, "CFFEX filter matches no loaded contract")

	f.host.OnQuote("p1", &schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3510, ActionDate: 20240909, ActionTime: 93000000}, false)
	snap, ok := f.host.Snapshot("SHFE.rb2410")
	require.True(t, ok)
	assert.Equal(t, 3510.0, snap.Price)
}

func TestFailedInitializeClosesOpenedCollaborators(t *testing.T) {
	f := newFixture(t)
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	f.write(t, "sessions.json", `{"FD0900": {"name": "day", "offset": 0, "sections": [{"from": 900, "to": 1500}]}}`)
	f.write(t, "broken.js", `
exports.init = function () {
  host.createParser("js1");
  throw new Error("bad options");
};
`)
	path := f.write(t, "dtcfg.json", fmt.Sprintf(`{
  "basefiles": {"session": "sessions.json"},
  "broadcaster": {"active": true, "broadcast": [{"host": "127.0.0.1", "port": %d}]},
  "extension": {"script": "broken.js"}
}`, port))

	err = f.host.Initialize(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init extension")

	adapter, ok := f.host.Registry().Get("js1")
	require.True(t, ok)
	assert.Equal(t, schema.StateReleased, adapter.State())

	f.host.Broadcaster().BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 1})
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = listener.ReadFrom(make([]byte, 2048))
	require.Error(t, err, "udp targets must be closed after a failed initialize")

	require.NoError(t, f.host.Shutdown(context.Background()))
}
