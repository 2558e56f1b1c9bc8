// Package wsfeed provides a built-in parser that consumes JSON market frames from a
// websocket endpoint and keeps the session alive across drops.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

// Module is the catalogue name of the websocket parser.
const Module = "wsfeed"

const (
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
)

// Frame types carried in the "type" field of inbound frames.
const (
	FrameTick        = "tick"
	FrameOrderQueue  = "order_queue"
	FrameOrderDetail = "order_detail"
	FrameTransaction = "transaction"
)

var (
	errURLRequired      = errors.New("wsfeed: url required")
	errAlreadyConnected = errors.New("wsfeed: already connected")
)

// Frame is one inbound market frame. Slice marks combined tick records that must be
// decomposed before forwarding.
type Frame struct {
	Type  string          `json:"type"`
	Slice bool            `json:"slice,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ControlRequest is sent upstream to change the subscribed instruments.
type ControlRequest struct {
	Op    string   `json:"op"`
	Codes []string `json:"codes"`
	ID    uint64   `json:"id"`
}

// Options configures the websocket parser.
type Options struct {
	URL                  string
	PingInterval         time.Duration
	PingTimeout          time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

// OptionsFromConfig reads options from a parser entry:
//
//	{"url": "ws://127.0.0.1:9100/md", "ping_interval": "30s", "max_reconnect_interval": "30s"}
func OptionsFromConfig(cfg *config.Variant) Options {
	return Options{
		URL:                  strings.TrimSpace(cfg.String("url")),
		PingInterval:         cfg.Duration("ping_interval", defaultPingInterval),
		PingTimeout:          cfg.Duration("ping_timeout", defaultPingTimeout),
		MaxReconnectInterval: cfg.Duration("max_reconnect_interval", defaultMaxReconnectInterval),
		ReadLimit:            cfg.Int("read_limit"),
	}
}

// Parser is a parser.Backend reading frames from a websocket session.
type Parser struct {
	feed   parser.Feed
	opts   Options
	logger *log.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	writeMu  sync.Mutex
	msgIDGen atomic.Uint64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	running atomic.Bool

	reconnects metric.Int64Counter
	frames     metric.Int64Counter
}

// New constructs a websocket parser.
func New(feed parser.Feed, logger *log.Logger, opts Options) (*Parser, error) {
	if opts.URL == "" {
		return nil, errURLRequired
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	p := &Parser{
		feed:          feed,
		opts:          opts,
		logger:        logger,
		connMu:        sync.RWMutex{},
		conn:          nil,
		subsMu:        sync.Mutex{},
		subscriptions: make(map[string]struct{}),
		writeMu:       sync.Mutex{},
		msgIDGen:      atomic.Uint64{},
		runMu:         sync.Mutex{},
		cancel:        nil,
		wg:            nil,
		running:       atomic.Bool{},
		reconnects:    nil,
		frames:        nil,
	}
	meter := otel.Meter("parser.wsfeed")
	p.reconnects, _ = meter.Int64Counter("parser.wsfeed.reconnects",
		metric.WithDescription("Websocket dial attempts by result"),
		metric.WithUnit("{attempt}"))
	p.frames, _ = meter.Int64Counter("parser.wsfeed.frames",
		metric.WithDescription("Inbound websocket frames by type"),
		metric.WithUnit("{frame}"))
	return p, nil
}

// Factory adapts New to the parser catalogue.
func Factory(feed parser.Feed, cfg *config.Variant, _ parser.ContractSource, logger *log.Logger) (parser.Backend, error) {
	return New(feed, logger, OptionsFromConfig(cfg))
}

// Register installs the websocket parser into a catalogue.
func Register(c *parser.Catalogue) {
	c.Register(Module, Factory)
}

// Kind reports a built-in backend.
func (p *Parser) Kind() schema.BackendKind { return schema.BackendBuiltIn }

// Connect starts the session loop. Connect and disconnect events are reported every time
// a session is established or lost.
func (p *Parser) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !p.running.CompareAndSwap(false, true) {
		return errAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	p.runMu.Lock()
	p.cancel = cancel
	p.wg = wg
	p.runMu.Unlock()
	wg.Go(func() {
		if err := p.loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Printf("wsfeed/%s: session loop ended: %v", p.feed.ID(), err)
		}
	})
	return nil
}

// Disconnect closes the session and stops reconnecting.
func (p *Parser) Disconnect() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.runMu.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.connMu.Lock()
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "shutdown")
		p.conn = nil
	}
	p.connMu.Unlock()
	if wg != nil {
		wg.Wait()
	}
	return nil
}

// Release closes the session.
func (p *Parser) Release() error {
	return p.Disconnect()
}

// Subscribe records codes and asks the live session for them. Codes are replayed after
// every reconnect.
func (p *Parser) Subscribe(codes []string) {
	added := p.track(codes, true)
	if len(added) == 0 {
		return
	}
	if err := p.sendControl(context.Background(), "subscribe", added); err != nil {
		p.logger.Printf("wsfeed/%s: subscribe: %v", p.feed.ID(), err)
	}
}

// Unsubscribe forgets codes and tells the live session.
func (p *Parser) Unsubscribe(codes []string) {
	removed := p.track(codes, false)
	if len(removed) == 0 {
		return
	}
	if err := p.sendControl(context.Background(), "unsubscribe", removed); err != nil {
		p.logger.Printf("wsfeed/%s: unsubscribe: %v", p.feed.ID(), err)
	}
}

func (p *Parser) track(codes []string, add bool) []string {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	changed := make([]string, 0, len(codes))
	for _, raw := range codes {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		_, exists := p.subscriptions[code]
		switch {
		case add && !exists:
			p.subscriptions[code] = struct{}{}
			changed = append(changed, code)
		case !add && exists:
			delete(p.subscriptions, code)
			changed = append(changed, code)
		}
	}
	return changed
}

func (p *Parser) subscribed() []string {
	p.subsMu.Lock()
	out := make([]string, 0, len(p.subscriptions))
	for code := range p.subscriptions {
		out = append(out, code)
	}
	p.subsMu.Unlock()
	sort.Strings(out)
	return out
}

func (p *Parser) sendControl(ctx context.Context, op string, codes []string) error {
	p.connMu.RLock()
	conn := p.conn
	p.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	data, err := json.Marshal(ControlRequest{Op: op, Codes: codes, ID: p.msgIDGen.Add(1)})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", op, err)
	}
	return nil
}

// loop keeps one websocket session alive until ctx ends.
func (p *Parser) loop(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = p.opts.MaxReconnectInterval

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		conn, _, err := websocket.Dial(ctx, p.opts.URL, nil)
		if err != nil {
			p.recordReconnect(ctx, telemetry.ResultFailure)
			p.logger.Printf("wsfeed/%s: dial %s: %v", p.feed.ID(), p.opts.URL, err)
			if !p.sleep(ctx, backoffCfg) {
				return context.Canceled
			}
			continue
		}
		p.recordReconnect(ctx, telemetry.ResultSuccess)
		conn.SetReadLimit(p.opts.ReadLimit)
		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()
		backoffCfg.Reset()

		// Replay before reporting so the adapter's own subscribe only sends new codes.
		if codes := p.subscribed(); len(codes) > 0 {
			if err := p.sendControl(ctx, "subscribe", codes); err != nil {
				p.logger.Printf("wsfeed/%s: resubscribe: %v", p.feed.ID(), err)
			}
		}
		p.feed.HandleEvent(schema.ParserEventConnect)

		err = p.serve(ctx, conn)

		p.connMu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return context.Canceled
		}
		p.logger.Printf("wsfeed/%s: session dropped: %v", p.feed.ID(), err)
		p.feed.HandleEvent(schema.ParserEventDisconnect)
		if !p.sleep(ctx, backoffCfg) {
			return context.Canceled
		}
	}
}

func (p *Parser) sleep(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = p.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs the read and ping loops of one session and returns the first failure.
func (p *Parser) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- p.readLoop(connCtx, conn) })
	wg.Go(func() { errCh <- p.pingLoop(connCtx, conn) })
	first := <-errCh
	cancel()
	wg.Wait()
	return first
}

func (p *Parser) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if err := p.dispatch(ctx, data); err != nil {
			p.logger.Printf("wsfeed/%s: %v", p.feed.ID(), err)
		}
	}
}

func (p *Parser) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// dispatch decodes one frame and hands its record to the feed.
func (p *Parser) dispatch(ctx context.Context, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if p.frames != nil {
		p.frames.Add(ctx, 1, metric.WithAttributes(telemetry.RecordAttributes(p.feed.ID(), frame.Type)...))
	}
	switch frame.Type {
	case FrameTick:
		var tick schema.Tick
		if err := json.Unmarshal(frame.Data, &tick); err != nil {
			return fmt.Errorf("decode tick: %w", err)
		}
		p.feed.HandleQuote(&tick, frame.Slice)
	case FrameOrderQueue:
		var queue schema.OrderQueue
		if err := json.Unmarshal(frame.Data, &queue); err != nil {
			return fmt.Errorf("decode order queue: %w", err)
		}
		p.feed.HandleOrderQueue(&queue)
	case FrameOrderDetail:
		var detail schema.OrderDetail
		if err := json.Unmarshal(frame.Data, &detail); err != nil {
			return fmt.Errorf("decode order detail: %w", err)
		}
		p.feed.HandleOrderDetail(&detail)
	case FrameTransaction:
		var trans schema.Transaction
		if err := json.Unmarshal(frame.Data, &trans); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		p.feed.HandleTransaction(&trans)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return nil
}

func (p *Parser) recordReconnect(ctx context.Context, result string) {
	if p.reconnects == nil {
		return
	}
	p.reconnects.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrAdapter.String(p.feed.ID()),
		telemetry.AttrResult.String(result)))
}
