// Package synthetic provides a built-in parser that emits random-walk market data for
// development and testing.
package synthetic

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/webclinic017/wondertrader/internal/app/parser"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/config"
)

// Module is the catalogue name of the synthetic parser.
const Module = "synthetic"

const (
	defaultInterval   = 500 * time.Millisecond
	defaultBasePrice  = 3500
	defaultVolatility = 0.0015
	defaultExchange   = "SIM"
)

var errAlreadyConnected = errors.New("synthetic parser already connected")

// Options configures the synthetic generator.
type Options struct {
	Interval     time.Duration
	Rate         float64
	BasePrice    float64
	Volatility   float64
	Exchange     string
	Transactions bool
	Seed         uint64
	Clock        func() time.Time
}

// OptionsFromConfig reads generator options from a parser entry:
//
//	{"interval": "500ms", "rate": 20, "base_price": 3500, "volatility": 0.0015,
//	 "exchange": "SIM", "transactions": true, "seed": 7}
func OptionsFromConfig(cfg *config.Variant) Options {
	return Options{
		Interval:     cfg.Duration("interval", defaultInterval),
		Rate:         cfg.Float("rate"),
		BasePrice:    cfg.Float("base_price"),
		Volatility:   cfg.Float("volatility"),
		Exchange:     cfg.String("exchange"),
		Transactions: cfg.Bool("transactions"),
		Seed:         uint64(cfg.Int("seed")),
		Clock:        nil,
	}
}

// Parser is a parser.Backend producing a random walk for every subscribed instrument.
type Parser struct {
	feed   parser.Feed
	refs   parser.ContractSource
	logger *log.Logger

	interval     time.Duration
	basePrice    float64
	volatility   float64
	exchange     string
	transactions bool
	limiter      *rate.Limiter
	clock        func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	codes   map[string]*instrumentState
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	running atomic.Bool
	index   atomic.Int64
}

type instrumentState struct {
	exchange    string
	code        string
	last        float64
	open        float64
	high        float64
	low         float64
	totalVolume float64
	turnover    float64
}

// New constructs a synthetic parser that reports through feed.
func New(feed parser.Feed, refs parser.ContractSource, logger *log.Logger, opts Options) *Parser {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BasePrice <= 0 {
		opts.BasePrice = defaultBasePrice
	}
	if opts.Volatility <= 0 {
		opts.Volatility = defaultVolatility
	}
	if strings.TrimSpace(opts.Exchange) == "" {
		opts.Exchange = defaultExchange
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Parser{
		feed:         feed,
		refs:         refs,
		logger:       logger,
		interval:     opts.Interval,
		basePrice:    opts.BasePrice,
		volatility:   opts.Volatility,
		exchange:     opts.Exchange,
		transactions: opts.Transactions,
		limiter:      rate.NewLimiter(limit, 1),
		clock:        opts.Clock,
		mu:           sync.Mutex{},
		rng:          rand.New(rand.NewPCG(seed, seed>>1|1)),
		codes:        make(map[string]*instrumentState),
		cancel:       nil,
		wg:           nil,
		running:      atomic.Bool{},
		index:        atomic.Int64{},
	}
}

// Factory adapts New to the parser catalogue.
func Factory(feed parser.Feed, cfg *config.Variant, refs parser.ContractSource, logger *log.Logger) (parser.Backend, error) {
	return New(feed, refs, logger, OptionsFromConfig(cfg)), nil
}

// Register installs the synthetic parser into a catalogue.
func Register(c *parser.Catalogue) {
	c.Register(Module, Factory)
}

// Kind reports a built-in backend.
func (p *Parser) Kind() schema.BackendKind { return schema.BackendBuiltIn }

// Connect starts the generator. The connect event is reported from the generator goroutine.
func (p *Parser) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !p.running.CompareAndSwap(false, true) {
		return errAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	p.mu.Lock()
	p.cancel = cancel
	p.wg = wg
	p.mu.Unlock()
	wg.Go(func() {
		p.feed.HandleEvent(schema.ParserEventConnect)
		p.run(runCtx)
	})
	return nil
}

// Disconnect stops the generator and waits for it to exit.
func (p *Parser) Disconnect() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	return nil
}

// Release stops the generator.
func (p *Parser) Release() error {
	return p.Disconnect()
}

// Subscribe adds instruments to the walk. Codes may be plain or exchange-qualified.
func (p *Parser) Subscribe(codes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range codes {
		exchange, code := schema.SplitStdCode(strings.TrimSpace(raw))
		if code == "" {
			continue
		}
		if exchange == "" {
			exchange = p.exchange
		}
		key := schema.StdCode(exchange, code)
		if _, ok := p.codes[key]; ok {
			continue
		}
		start := p.basePrice * (0.9 + 0.2*p.rng.Float64())
		start = p.normalize(exchange, code, start)
		p.codes[key] = &instrumentState{
			exchange:    exchange,
			code:        code,
			last:        start,
			open:        start,
			high:        start,
			low:         start,
			totalVolume: 0,
			turnover:    0,
		}
	}
}

// Unsubscribe removes instruments from the walk.
func (p *Parser) Unsubscribe(codes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range codes {
		exchange, code := schema.SplitStdCode(strings.TrimSpace(raw))
		if exchange == "" {
			exchange = p.exchange
		}
		delete(p.codes, schema.StdCode(exchange, code))
	}
}

// Subscribed lists the instruments currently walked.
func (p *Parser) Subscribed() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.codes))
	for key := range p.codes {
		out = append(out, key)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

func (p *Parser) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.emitAll(ctx); err != nil {
				return
			}
		}
	}
}

func (p *Parser) emitAll(ctx context.Context) error {
	now := p.clock()
	ticks, trades := p.step(now)
	for i, tick := range ticks {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.feed.HandleQuote(tick, false)
		if trades != nil {
			p.feed.HandleTransaction(trades[i])
		}
	}
	return nil
}

// step advances every walk by one move and builds the resulting records.
func (p *Parser) step(now time.Time) ([]*schema.Tick, []*schema.Transaction) {
	date := uint32(now.Year()*10000 + int(now.Month())*100 + now.Day())
	hms := uint32(now.Hour()*10000+now.Minute()*100+now.Second())*1000 + uint32(now.Nanosecond()/int(time.Millisecond))

	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.codes))
	for key := range p.codes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ticks := make([]*schema.Tick, 0, len(keys))
	var trades []*schema.Transaction
	if p.transactions {
		trades = make([]*schema.Transaction, 0, len(keys))
	}
	for _, key := range keys {
		st := p.codes[key]
		move := p.rng.NormFloat64() * p.volatility
		price := p.normalize(st.exchange, st.code, math.Max(st.last*(1+move), 0.01))
		qty := float64(1 + p.rng.IntN(20))
		st.last = price
		st.high = math.Max(st.high, price)
		st.low = math.Min(st.low, price)
		st.totalVolume += qty
		st.turnover += qty * price

		tick := &schema.Tick{
			Exchange:      st.exchange,
			Code:          st.code,
			Price:         price,
			Open:          st.open,
			High:          st.high,
			Low:           st.low,
			TotalVolume:   st.totalVolume,
			Volume:        qty,
			TotalTurnover: st.turnover,
			Turnover:      qty * price,
			TradingDate:   date,
			ActionDate:    date,
			ActionTime:    hms,
			PreClose:      st.open,
		}
		for lvl := 0; lvl < schema.DepthLevels; lvl++ {
			offset := price * 0.0002 * float64(lvl+1)
			tick.BidPrices[lvl] = p.normalize(st.exchange, st.code, price-offset)
			tick.AskPrices[lvl] = p.normalize(st.exchange, st.code, price+offset)
			tick.BidQty[lvl] = float64(1 + p.rng.IntN(50))
			tick.AskQty[lvl] = float64(1 + p.rng.IntN(50))
		}
		ticks = append(ticks, tick)

		if trades != nil {
			side := schema.SideBuy
			if move < 0 {
				side = schema.SideSell
			}
			trades = append(trades, &schema.Transaction{
				Exchange:    st.exchange,
				Code:        st.code,
				TradingDate: date,
				ActionDate:  date,
				ActionTime:  hms,
				Index:       p.index.Add(1),
				TransType:   "F",
				Side:        side,
				Price:       price,
				Volume:      uint32(qty),
			})
		}
	}
	return ticks, trades
}

func (p *Parser) normalize(exchange, code string, price float64) float64 {
	if p.refs == nil {
		return math.Round(price*100) / 100
	}
	return p.refs.NormalizePrice(exchange, code, price)
}
