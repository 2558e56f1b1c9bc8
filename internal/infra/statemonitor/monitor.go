// Package statemonitor supervises trading sessions after startup and triggers the storage
// writer's end-of-session processing.
package statemonitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/eventloop"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

// DefaultInterval is how often session states are re-evaluated.
const DefaultInterval = time.Second

// State is the lifecycle state of one trading session.
type State int

// Session states, in the order a trading day walks through them.
const (
	StateOriginal State = iota
	StateInitialized
	StateReceiving
	StatePaused
	StateClosed
	StateProcessing
	StateProcessed
	StateHoliday
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateOriginal:
		return "original"
	case StateInitialized:
		return "initialized"
	case StateReceiving:
		return "receiving"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	case StateProcessing:
		return "processing"
	case StateProcessed:
		return "processed"
	case StateHoliday:
		return "holiday"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// Rule configures the supervision of one session. Times are wall-clock HHMM.
type Rule struct {
	ID        string
	Disabled  bool
	InitTime  uint32
	CloseTime uint32
	ProcTime  uint32
	Holiday   string
}

// Sessions resolves session templates and trading calendars.
type Sessions interface {
	Session(id string) (*basedata.SessionInfo, bool)
	IsTradingDate(template string, date uint32) bool
}

// Closer runs end-of-session processing.
type Closer interface {
	CloseSession(ctx context.Context, sessionID string) writer.FlushReport
}

type sessionState struct {
	rule  Rule
	info  *basedata.SessionInfo
	state State
}

// Monitor owns the per-session state machines. Evaluation runs on the event loop; state
// queries are safe from any goroutine.
type Monitor struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	refs     Sessions
	closer   Closer
	sched    eventloop.Scheduler
	interval time.Duration
	clock    func() time.Time
	running  bool
	stopped  bool
	logger   *log.Logger

	transitions metric.Int64Counter
}

// Option configures optional monitor behaviour.
type Option func(*Monitor)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithInterval overrides the evaluation interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New constructs a monitor without sessions.
func New(logger *log.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = log.New(os.Stdout, "statemonitor ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Monitor{
		mu:          sync.RWMutex{},
		sessions:    make(map[string]*sessionState),
		refs:        nil,
		closer:      nil,
		sched:       nil,
		interval:    DefaultInterval,
		clock:       time.Now,
		running:     false,
		stopped:     false,
		logger:      logger,
		transitions: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if counter, err := otel.Meter("statemonitor").Int64Counter("statemonitor.transitions",
		metric.WithDescription("Session state transitions"),
		metric.WithUnit("{transition}")); err == nil {
		m.transitions = counter
	}
	return m
}

// Init loads the session rules at path (JSON or YAML) and wires collaborators. An empty
// path leaves the monitor without sessions.
//
//	{"FD0900": {"closed": false, "init_time": 850, "close_time": 1515, "proc_time": 1600}}
func (m *Monitor) Init(path string, refs Sessions, closer Closer, sched eventloop.Scheduler) error {
	m.mu.Lock()
	m.refs = refs
	m.closer = closer
	m.sched = sched
	m.mu.Unlock()
	if strings.TrimSpace(path) == "" {
		m.logger.Printf("statemonitor: no session rules configured")
		return nil
	}
	doc, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("statemonitor: %w", err)
	}
	rules := ParseRules(doc)
	m.mu.Lock()
	for _, rule := range rules {
		var info *basedata.SessionInfo
		if refs != nil {
			if found, ok := refs.Session(rule.ID); ok {
				info = found
			}
		}
		if info == nil {
			m.logger.Printf("statemonitor: session %s not found in reference data, skipped", rule.ID)
			continue
		}
		state := StateOriginal
		if rule.Disabled {
			state = StateDisabled
		}
		m.sessions[rule.ID] = &sessionState{rule: rule, info: info, state: state}
	}
	count := len(m.sessions)
	m.mu.Unlock()
	m.logger.Printf("statemonitor: %d sessions supervised", count)
	return nil
}

// ParseRules extracts session rules from a decoded document keyed by session id.
func ParseRules(doc *config.Variant) []Rule {
	keys := doc.Keys()
	sort.Strings(keys)
	out := make([]Rule, 0, len(keys))
	for _, id := range keys {
		item := doc.Get(id)
		if !item.IsObject() {
			continue
		}
		out = append(out, Rule{
			ID:        id,
			Disabled:  item.Bool("closed"),
			InitTime:  uint32(item.Int("init_time")),
			CloseTime: uint32(item.Int("close_time")),
			ProcTime:  uint32(item.Int("proc_time")),
			Holiday:   item.String("holiday"),
		})
	}
	return out
}

// Run evaluates every session now and then keeps re-evaluating on the scheduler. It must
// be called on the event loop.
func (m *Monitor) Run() {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	m.logger.Printf("statemonitor: started")
	m.step()
}

// Running reports whether Run has been called.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stop ends re-evaluation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Monitor) step() {
	m.mu.RLock()
	stopped, sched, interval := m.stopped, m.sched, m.interval
	m.mu.RUnlock()
	if stopped {
		return
	}
	m.Evaluate(m.clock())
	if sched != nil {
		sched.PostDelayed(interval, m.step)
	}
}

// Evaluate advances every session state machine to the wall time now.
func (m *Monitor) Evaluate(now time.Time) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		m.evaluateSession(id, now)
	}
}

func (m *Monitor) evaluateSession(id string, now time.Time) {
	m.mu.Lock()
	ss, ok := m.sessions[id]
	if !ok || ss.state == StateDisabled {
		m.mu.Unlock()
		return
	}
	hhmm := uint32(now.Hour()*100 + now.Minute())
	date := uint32(now.Year()*10000 + int(now.Month())*100 + now.Day())
	info, rule := ss.info, ss.rule
	t := info.OffsetTime(hhmm)
	initT, closeT, procT := info.OffsetTime(rule.InitTime), info.OffsetTime(rule.CloseTime), info.OffsetTime(rule.ProcTime)
	refs, closer := m.refs, m.closer

	next := ss.state
	switch ss.state {
	case StateHoliday:
		if t < initT {
			next = StateOriginal
		}
	case StateOriginal:
		switch {
		case rule.Holiday != "" && refs != nil && !refs.IsTradingDate(rule.Holiday, date):
			next = StateHoliday
		case t >= closeT:
			next = StateClosed
		case t >= initT:
			next = StateInitialized
		}
	case StateInitialized, StateReceiving, StatePaused:
		switch {
		case t >= closeT:
			next = StateClosed
		case info.InTradingTime(hhmm) || info.InAuction(hhmm):
			next = StateReceiving
		case ss.state == StateReceiving:
			next = StatePaused
		}
	case StateClosed:
		if t >= procT {
			next = StateProcessing
		}
	case StateProcessed:
		if t < initT {
			next = StateOriginal
		}
	}
	if next == ss.state {
		m.mu.Unlock()
		return
	}
	prev := ss.state
	ss.state = next
	m.mu.Unlock()
	m.recordTransition(id, prev, next)

	if next == StateProcessing {
		report := writer.FlushReport{Codes: 0, Ticks: 0, Bars: 0, Failures: 0}
		if closer != nil {
			report = closer.CloseSession(context.Background(), id)
		}
		m.logger.Printf("statemonitor: session %s processed (%d instruments, %d failures)", id, report.Codes, report.Failures)
		m.mu.Lock()
		ss.state = StateProcessed
		m.mu.Unlock()
		m.recordTransition(id, StateProcessing, StateProcessed)
	}
}

func (m *Monitor) recordTransition(id string, from, to State) {
	m.logger.Printf("statemonitor: session %s %s -> %s", id, from, to)
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.StateAttributes(telemetry.AttrSession, id, to.String())...))
	}
}

// State returns the current state of a session.
func (m *Monitor) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ss, ok := m.sessions[id]
	if !ok {
		return StateOriginal, false
	}
	return ss.state, true
}

// States returns the current state name of every configured session.
func (m *Monitor) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.sessions))
	for id, ss := range m.sessions {
		out[id] = ss.state.String()
	}
	return out
}

// Accepting reports whether records of the session should still be buffered. Unknown
// sessions are accepted.
func (m *Monitor) Accepting(id string) bool {
	state, ok := m.State(id)
	if !ok {
		return true
	}
	return state != StateProcessing && state != StateProcessed
}
