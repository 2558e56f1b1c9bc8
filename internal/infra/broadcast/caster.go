// Package broadcast distributes accepted market records to in-process subscribers and UDP targets.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

// Message types.
const (
	TypeTick        = "tick"
	TypeOrderQueue  = "order_queue"
	TypeOrderDetail = "order_detail"
	TypeTransaction = "transaction"
)

// HotSuffix marks the alias under which the hot contract of a product is also published.
const HotSuffix = ".HOT"

// Message is one distributed record.
type Message struct {
	Type        string              `json:"type"`
	Code        string              `json:"code"`
	Tick        *schema.Tick        `json:"tick,omitempty"`
	OrderQueue  *schema.OrderQueue  `json:"order_queue,omitempty"`
	OrderDetail *schema.OrderDetail `json:"order_detail,omitempty"`
	Transaction *schema.Transaction `json:"transaction,omitempty"`
}

// SubscriptionID identifies an in-process subscription.
type SubscriptionID string

// Reference resolves contracts and hot rules for alias publishing.
type Reference interface {
	Contract(code, exchange string) (*basedata.ContractInfo, bool)
	HotCode(exchange, product string, date uint32) string
}

// SnapshotSource provides the latest tick of an instrument.
type SnapshotSource interface {
	Snapshot(stdCode string) (*schema.Tick, bool)
}

type subscriber struct {
	codes map[string]struct{}

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// deliver sends msg without blocking. It reports false when the buffer is full or the
// subscriber is closed.
func (s *subscriber) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscriber) wants(code string) bool {
	if len(s.codes) == 0 {
		return true
	}
	_, ok := s.codes[code]
	return ok
}

// Caster is the broadcaster. Broadcast methods are safe for concurrent use.
type Caster struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscriber
	nextID      uint64
	targets     []*udpTarget
	refs        Reference
	snapshots   SnapshotSource
	bufferSize  int
	workers     int
	logger      *log.Logger

	sent    metric.Int64Counter
	dropped metric.Int64Counter
	fanout  metric.Int64Histogram
}

// New constructs a caster without targets or subscribers.
func New(logger *log.Logger) *Caster {
	if logger == nil {
		logger = log.New(os.Stdout, "broadcast ", log.LstdFlags|log.Lmicroseconds)
	}
	c := &Caster{
		mu:          sync.RWMutex{},
		subscribers: make(map[SubscriptionID]*subscriber),
		nextID:      0,
		targets:     nil,
		refs:        nil,
		snapshots:   nil,
		bufferSize:  256,
		workers:     4,
		logger:      logger,
		sent:        nil,
		dropped:     nil,
		fanout:      nil,
	}
	meter := otel.Meter("broadcast")
	c.sent, _ = meter.Int64Counter("broadcast.messages.sent",
		metric.WithDescription("Messages delivered to subscribers and targets"),
		metric.WithUnit("{message}"))
	c.dropped, _ = meter.Int64Counter("broadcast.messages.dropped",
		metric.WithDescription("Messages dropped due to subscriber backpressure"),
		metric.WithUnit("{message}"))
	c.fanout, _ = meter.Int64Histogram("broadcast.fanout.size",
		metric.WithDescription("Subscribers per delivered message"),
		metric.WithUnit("{subscriber}"))
	return c
}

// Init applies the broadcaster configuration subtree and opens UDP targets. A missing or
// inactive subtree leaves only in-process delivery enabled.
//
//	{"active": true, "bufferSize": 256, "workers": 4,
//	 "broadcast": [{"host": "127.0.0.1", "port": 9001}]}
func (c *Caster) Init(cfg *config.Variant, refs Reference, snapshots SnapshotSource) error {
	c.mu.Lock()
	c.refs = refs
	c.snapshots = snapshots
	if n := cfg.Int("bufferSize"); n > 0 {
		c.bufferSize = int(n)
	}
	if n := cfg.Int("workers"); n > 0 {
		c.workers = int(n)
	}
	c.mu.Unlock()

	if cfg == nil || (cfg.Has("active") && !cfg.Bool("active")) {
		c.logger.Printf("broadcast: udp targets disabled")
		return nil
	}
	var targets []*udpTarget
	for _, item := range cfg.Get("broadcast").Items() {
		host := item.String("host")
		port := item.Int("port")
		if host == "" || port <= 0 {
			continue
		}
		target, err := dialTarget(net.JoinHostPort(host, strconv.FormatInt(port, 10)))
		if err != nil {
			for _, t := range targets {
				t.close()
			}
			return fmt.Errorf("broadcast target %s:%d: %w", host, port, err)
		}
		targets = append(targets, target)
	}
	c.mu.Lock()
	c.targets = append(c.targets, targets...)
	c.mu.Unlock()
	c.logger.Printf("broadcast: %d udp targets", len(targets))
	return nil
}

// Subscribe registers an in-process subscriber for codes (every code when empty). The
// latest snapshot of each requested code is delivered first.
func (c *Caster) Subscribe(codes []string) (SubscriptionID, <-chan Message) {
	sub := &subscriber{codes: make(map[string]struct{}, len(codes)), mu: sync.Mutex{}, ch: nil, closed: false}
	for _, code := range codes {
		sub.codes[code] = struct{}{}
	}
	c.mu.Lock()
	c.nextID++
	id := SubscriptionID("sub-" + strconv.FormatUint(c.nextID, 10))
	sub.ch = make(chan Message, c.bufferSize)
	c.subscribers[id] = sub
	snapshots := c.snapshots
	c.mu.Unlock()

	if snapshots != nil {
		for _, code := range codes {
			if tick, ok := snapshots.Snapshot(code); ok {
				sub.deliver(Message{Type: TypeTick, Code: code, Tick: tick})
			}
		}
	}
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Caster) Unsubscribe(id SubscriptionID) {
	c.mu.Lock()
	sub, ok := c.subscribers[id]
	delete(c.subscribers, id)
	c.mu.Unlock()
	if ok {
		sub.close()
	}
}

// BroadcastTick distributes a tick under its code and, for the hot contract, its alias.
func (c *Caster) BroadcastTick(tick *schema.Tick) {
	if tick == nil {
		return
	}
	code := tick.StdCode()
	c.publish(Message{Type: TypeTick, Code: code, Tick: tick})
	if alias := c.hotAlias(tick); alias != "" {
		c.publish(Message{Type: TypeTick, Code: alias, Tick: tick})
	}
}

// BroadcastOrderQueue distributes an order queue snapshot.
func (c *Caster) BroadcastOrderQueue(queue *schema.OrderQueue) {
	if queue == nil {
		return
	}
	c.publish(Message{Type: TypeOrderQueue, Code: queue.StdCode(), OrderQueue: queue})
}

// BroadcastOrderDetail distributes an order detail.
func (c *Caster) BroadcastOrderDetail(detail *schema.OrderDetail) {
	if detail == nil {
		return
	}
	c.publish(Message{Type: TypeOrderDetail, Code: detail.StdCode(), OrderDetail: detail})
}

// BroadcastTransaction distributes a transaction.
func (c *Caster) BroadcastTransaction(trans *schema.Transaction) {
	if trans == nil {
		return
	}
	c.publish(Message{Type: TypeTransaction, Code: trans.StdCode(), Transaction: trans})
}

func (c *Caster) hotAlias(tick *schema.Tick) string {
	c.mu.RLock()
	refs := c.refs
	c.mu.RUnlock()
	if refs == nil {
		return ""
	}
	contract, ok := refs.Contract(tick.Code, tick.Exchange)
	if !ok || contract.Product == "" {
		return ""
	}
	if refs.HotCode(contract.Exchange, contract.Product, tick.TradingDate) != tick.Code {
		return ""
	}
	return contract.Exchange + "." + contract.Product + HotSuffix
}

func (c *Caster) publish(msg Message) {
	c.mu.RLock()
	subs := make([]*subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		if sub.wants(msg.Code) {
			subs = append(subs, sub)
		}
	}
	targets := c.targets
	workers := c.workers
	c.mu.RUnlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()), telemetry.AttrRecordType.String(msg.Type))
	if c.fanout != nil {
		c.fanout.Record(ctx, int64(len(subs)), attrs)
	}
	delivered := 0
	for _, sub := range subs {
		if sub.deliver(msg) {
			delivered++
		} else if c.dropped != nil {
			c.dropped.Add(ctx, 1, attrs)
		}
	}
	if len(targets) > 0 {
		delivered += c.sendTargets(msg, targets, workers)
	}
	if c.sent != nil && delivered > 0 {
		c.sent.Add(ctx, int64(delivered), attrs)
	}
}

func (c *Caster) sendTargets(msg Message, targets []*udpTarget, workers int) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Printf("broadcast: encode %s %s: %v", msg.Type, msg.Code, err)
		return 0
	}
	if workers <= 0 {
		workers = 1
	}
	var mu sync.Mutex
	sent := 0
	p := concpool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		t := target
		p.Go(func() {
			if err := t.send(payload); err != nil {
				c.logger.Printf("broadcast: send to %s: %v", t.addr, err)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		})
	}
	p.Wait()
	return sent
}

// Close closes UDP targets and every subscriber channel.
func (c *Caster) Close() {
	c.mu.Lock()
	targets := c.targets
	subs := c.subscribers
	c.targets = nil
	c.subscribers = make(map[SubscriptionID]*subscriber)
	c.mu.Unlock()
	for _, t := range targets {
		t.close()
	}
	for _, sub := range subs {
		sub.close()
	}
}

type udpTarget struct {
	addr string
	mu   sync.Mutex
	conn net.Conn
}

func dialTarget(addr string) (*udpTarget, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpTarget{addr: addr, mu: sync.Mutex{}, conn: conn}, nil
}

func (t *udpTarget) send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(payload)
	return err
}

func (t *udpTarget) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.Close()
}
