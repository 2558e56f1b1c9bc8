package wsfeed

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

type recordingFeed struct {
	mu     sync.Mutex
	events []schema.ParserEvent
	ticks  []*schema.Tick
	sliced []bool
	trades []*schema.Transaction
	signal chan string
}

func newRecordingFeed() *recordingFeed {
	return &recordingFeed{signal: make(chan string, 64)}
}

func (f *recordingFeed) ID() string { return "ws1" }

func (f *recordingFeed) HandleQuote(tick *schema.Tick, needSlice bool) {
	f.mu.Lock()
	f.ticks = append(f.ticks, tick)
	f.sliced = append(f.sliced, needSlice)
	f.mu.Unlock()
	f.signal <- "tick"
}

func (f *recordingFeed) HandleOrderQueue(*schema.OrderQueue)   {}
func (f *recordingFeed) HandleOrderDetail(*schema.OrderDetail) {}

func (f *recordingFeed) HandleTransaction(trans *schema.Transaction) {
	f.mu.Lock()
	f.trades = append(f.trades, trans)
	f.mu.Unlock()
	f.signal <- "transaction"
}

func (f *recordingFeed) HandleEvent(ev schema.ParserEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	f.signal <- string(ev)
}

func (f *recordingFeed) await(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.signal:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// upstream is a scripted market data server. Each accepted session waits for a
// subscribe request, then plays frames and optionally hangs up.
type upstream struct {
	mu       sync.Mutex
	requests []ControlRequest
	sessions int
	frames   [][]byte
	hangup   bool
}

func (u *upstream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		u.mu.Lock()
		u.sessions++
		frames, hangup := u.frames, u.hangup
		u.hangup = false
		u.mu.Unlock()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req ControlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("decode control: %v", err)
			return
		}
		u.mu.Lock()
		u.requests = append(u.requests, req)
		u.mu.Unlock()

		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
		if hangup {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
}

func frame(t *testing.T, typ string, slice bool, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := json.Marshal(Frame{Type: typ, Slice: slice, Data: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.NewVariant(map[string]any{
		"url":                    " ws://127.0.0.1:9100/md ",
		"ping_interval":          "10s",
		"max_reconnect_interval": float64(500),
	}, ""))
	if opts.URL != "ws://127.0.0.1:9100/md" || opts.PingInterval != 10*time.Second || opts.MaxReconnectInterval != 500*time.Millisecond {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := New(newRecordingFeed(), nil, Options{}); err == nil {
		t.Fatalf("expected url validation error")
	}
}

func TestSessionForwardsFramesAndReconnects(t *testing.T) {
	up := &upstream{
		frames: [][]byte{
			frame(t, FrameTick, true, schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3500}),
			frame(t, FrameTransaction, false, schema.Transaction{Exchange: "SHFE", Code: "rb2410", Price: 3500, Volume: 2}),
		},
		hangup: true,
	}
	server := httptest.NewServer(up.handler(t))
	defer server.Close()

	feed := newRecordingFeed()
	p, err := New(feed, log.New(io.Discard, "", 0), Options{URL: wsURL(server), MaxReconnectInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Subscribe([]string{"SHFE.rb2410"})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Release()

	feed.await(t, string(schema.ParserEventConnect))
	feed.await(t, "tick")
	feed.await(t, "transaction")
	feed.await(t, string(schema.ParserEventDisconnect))
	feed.await(t, string(schema.ParserEventConnect))

	feed.mu.Lock()
	if feed.ticks[0].StdCode() != "SHFE.rb2410" || feed.ticks[0].Price != 3500 || !feed.sliced[0] {
		t.Fatalf("unexpected tick %+v slice=%v", feed.ticks[0], feed.sliced[0])
	}
	if feed.trades[0].Volume != 2 {
		t.Fatalf("unexpected transaction %+v", feed.trades[0])
	}
	feed.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		up.mu.Lock()
		n := len(up.requests)
		up.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.requests) < 2 {
		t.Fatalf("expected subscriptions replayed after reconnect, got %+v", up.requests)
	}
	for _, req := range up.requests[:2] {
		if req.Op != "subscribe" || len(req.Codes) != 1 || req.Codes[0] != "SHFE.rb2410" {
			t.Fatalf("unexpected control request %+v", req)
		}
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	up := &upstream{}
	server := httptest.NewServer(up.handler(t))
	defer server.Close()

	feed := newRecordingFeed()
	p, err := New(feed, log.New(io.Discard, "", 0), Options{URL: wsURL(server)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Subscribe([]string{"DCE.m2409"})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	feed.await(t, string(schema.ParserEventConnect))
	if err := p.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.sessions != 1 {
		t.Fatalf("expected a single session, got %d", up.sessions)
	}
}
