package broadcast

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

type hotRefs struct{}

func (hotRefs) Contract(code, exchange string) (*basedata.ContractInfo, bool) {
	if code != "rb2410" && code != "rb2501" {
		return nil, false
	}
	return &basedata.ContractInfo{Exchange: "SHFE", Code: code, Product: "rb"}, true
}

func (hotRefs) HotCode(string, string, uint32) string { return "rb2410" }

type snapshots map[string]*schema.Tick

func (s snapshots) Snapshot(code string) (*schema.Tick, bool) {
	t, ok := s[code]
	return t, ok
}

func newCaster(t *testing.T) *Caster {
	t.Helper()
	return New(log.New(io.Discard, "", 0))
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestSubscribersReceiveMatchingCodes(t *testing.T) {
	c := newCaster(t)
	if err := c.Init(nil, nil, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, all := c.Subscribe(nil)
	_, only := c.Subscribe([]string{"DCE.m2409"})

	c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 1})
	c.BroadcastTransaction(&schema.Transaction{Exchange: "DCE", Code: "m2409"})

	if msg := receive(t, all); msg.Type != TypeTick || msg.Code != "SHFE.rb2410" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg := receive(t, all); msg.Type != TypeTransaction {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg := receive(t, only); msg.Code != "DCE.m2409" {
		t.Fatalf("filtered subscriber got %+v", msg)
	}
	select {
	case msg := <-only:
		t.Fatalf("unexpected extra message %+v", msg)
	default:
	}
}

func TestHotAliasAndSnapshotReplay(t *testing.T) {
	c := newCaster(t)
	snap := snapshots{"SHFE.rb2410": {Exchange: "SHFE", Code: "rb2410", Price: 3500}}
	if err := c.Init(nil, hotRefs{}, snap); err != nil {
		t.Fatalf("init: %v", err)
	}
	id, ch := c.Subscribe([]string{"SHFE.rb2410", "SHFE.rb.HOT"})
	if msg := receive(t, ch); msg.Tick == nil || msg.Tick.Price != 3500 {
		t.Fatalf("expected snapshot replay, got %+v", msg)
	}

	c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3501})
	if msg := receive(t, ch); msg.Code != "SHFE.rb2410" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg := receive(t, ch); msg.Code != "SHFE.rb.HOT" {
		t.Fatalf("expected hot alias, got %+v", msg)
	}

	c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2501", Price: 3600})
	select {
	case msg := <-ch:
		t.Fatalf("non-hot contract must not be delivered: %+v", msg)
	default:
	}

	c.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestUDPTargetReceivesJSON(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	c := newCaster(t)
	cfg := config.NewVariant(map[string]any{
		"active":    true,
		"broadcast": []any{map[string]any{"host": "127.0.0.1", "port": float64(port)}},
	}, "")
	if err := c.Init(cfg, nil, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer c.Close()

	c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 3500})

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64*1024)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Code != "SHFE.rb2410" || msg.Tick == nil || msg.Tick.Price != 3500 {
		t.Fatalf("unexpected datagram %+v", msg)
	}
}

// hookHistogram runs hook whenever a fan-out size is recorded, which happens after the
// subscriber list is captured and before any channel send.
type hookHistogram struct {
	noop.Int64Histogram
	hook func()
}

func (h hookHistogram) Record(context.Context, int64, ...metric.RecordOption) { h.hook() }

func TestPublishSkipsSubscriberClosedMidFanout(t *testing.T) {
	c := newCaster(t)
	id, ch := c.Subscribe(nil)
	_, other := c.Subscribe(nil)
	c.fanout = hookHistogram{hook: func() { c.Unsubscribe(id) }}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				t.Fatalf("publish panicked: %v", rec)
			}
		}()
		c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: 1})
	}()

	if _, open := <-ch; open {
		t.Fatalf("unsubscribed channel must be closed and empty")
	}
	if msg := receive(t, other); msg.Tick == nil || msg.Tick.Price != 1 {
		t.Fatalf("remaining subscriber missed the tick: %+v", msg)
	}
}

func TestPublishRacingCloseDoesNotPanic(t *testing.T) {
	c := newCaster(t)
	for i := 0; i < 8; i++ {
		c.Subscribe(nil)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.BroadcastTick(&schema.Tick{Exchange: "SHFE", Code: "rb2410", Price: float64(j)})
			}
		}()
	}
	c.Close()
	wg.Wait()
}
