// Package writer buffers ingested market data, keeps the latest snapshot per instrument
// and persists buffered records through registered dumpers when a session closes.
package writer

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/webclinic017/wondertrader/errs"
	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/basedata"
	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/telemetry"
)

// PeriodMinute is the period label of the bars built by the writer.
const PeriodMinute = "m1"

// Dumper persists records on behalf of a named extension.
type Dumper interface {
	DumpTicks(code string, date uint32, ticks []schema.Tick) bool
	DumpBars(code, period string, bars []schema.Bar) bool
	DumpOrderQueue(code string, date uint32, items []schema.OrderQueue) bool
	DumpOrderDetail(code string, date uint32, items []schema.OrderDetail) bool
	DumpTransactions(code string, date uint32, items []schema.Transaction) bool
}

// Caster distributes accepted records.
type Caster interface {
	BroadcastTick(tick *schema.Tick)
	BroadcastOrderQueue(queue *schema.OrderQueue)
	BroadcastOrderDetail(detail *schema.OrderDetail)
	BroadcastTransaction(trans *schema.Transaction)
}

// Persister stores buffered ticks and bars outside the process.
type Persister interface {
	SaveTicks(ctx context.Context, ticks []schema.Tick) error
	SaveBars(ctx context.Context, code, period string, bars []schema.Bar) error
}

// Reference resolves the trading session of an instrument.
type Reference interface {
	SessionFor(exchange, code string) (*basedata.SessionInfo, bool)
}

// SessionGate reports whether records of a session are still accepted.
type SessionGate interface {
	Accepting(sessionID string) bool
}

// Writer is the storage writer. Handle* methods are safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	snapshots map[string]*schema.Tick
	buffers   map[string]*codeBuffer
	dumpers   map[string]Dumper

	saveTicks bool
	saveBars  bool

	refs      Reference
	gate      SessionGate
	caster    Caster
	persister Persister
	logger    *log.Logger

	written metric.Int64Counter
}

// Option configures optional writer collaborators.
type Option func(*Writer)

// WithPersister wires an external store for buffered ticks and bars.
func WithPersister(p Persister) Option {
	return func(w *Writer) {
		w.persister = p
	}
}

// New constructs an empty writer. Init wires its collaborators.
func New(logger *log.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = log.New(os.Stdout, "writer ", log.LstdFlags|log.Lmicroseconds)
	}
	w := &Writer{
		mu:        sync.Mutex{},
		snapshots: make(map[string]*schema.Tick),
		buffers:   make(map[string]*codeBuffer),
		dumpers:   make(map[string]Dumper),
		saveTicks: true,
		saveBars:  true,
		refs:      nil,
		gate:      nil,
		caster:    nil,
		persister: nil,
		logger:    logger,
		written:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if counter, err := otel.Meter("writer").Int64Counter("writer.ticks.written",
		metric.WithDescription("Records accepted by the storage writer"),
		metric.WithUnit("{record}")); err == nil {
		w.written = counter
	}
	return w
}

// Init applies the writer configuration subtree and wires collaborators. Any of them may be nil.
func (w *Writer) Init(cfg *config.Variant, refs Reference, gate SessionGate, caster Caster) {
	w.mu.Lock()
	if cfg.Has("savetick") {
		w.saveTicks = cfg.Bool("savetick")
	}
	if cfg.Has("savebar") {
		w.saveBars = cfg.Bool("savebar")
	}
	w.refs = refs
	w.gate = gate
	w.caster = caster
	saveTicks, saveBars, persist := w.saveTicks, w.saveBars, w.persister != nil
	w.mu.Unlock()
	w.logger.Printf("writer: initialized (ticks=%t, bars=%t, external store=%t)", saveTicks, saveBars, persist)
}

// AddExtDumper registers a named dumper. The first registration of an id is kept.
func (w *Writer) AddExtDumper(id string, dumper Dumper) error {
	if dumper == nil {
		return errs.New("writer", errs.CodeInvalid, errs.WithMessage("dumper required"), errs.WithField("id", id))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.dumpers[id]; exists {
		return errs.New("writer", errs.CodeConflict, errs.WithMessage("dumper already registered"), errs.WithField("id", id))
	}
	w.dumpers[id] = dumper
	w.logger.Printf("writer: extended dumper %s registered", id)
	return nil
}

// DumperEnabled reports whether any extension dumper has been registered.
func (w *Writer) DumperEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dumpers) > 0
}

// Snapshot returns a copy of the latest tick of an instrument.
func (w *Writer) Snapshot(stdCode string) (*schema.Tick, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tick, ok := w.snapshots[stdCode]
	if !ok {
		return nil, false
	}
	return tick.Clone(), true
}

// HandleTick caches, buffers and broadcasts a tick.
func (w *Writer) HandleTick(adapterID string, tick *schema.Tick) {
	if tick == nil {
		return
	}
	key := tick.StdCode()
	sid := w.sessionOf(tick.Exchange, tick.Code)
	if !w.accepting(sid) {
		return
	}
	w.mu.Lock()
	w.snapshots[key] = tick.Clone()
	buf := w.bufferLocked(key, sid)
	if w.saveTicks {
		buf.ticks = append(buf.ticks, *tick.Clone())
	}
	if w.saveBars {
		buf.bars.update(tick)
	}
	caster := w.caster
	w.mu.Unlock()

	w.recordWritten(adapterID, telemetry.RecordTick)
	if caster != nil {
		caster.BroadcastTick(tick)
	}
}

// HandleOrderQueue buffers and broadcasts an order queue snapshot.
func (w *Writer) HandleOrderQueue(adapterID string, queue *schema.OrderQueue) {
	if queue == nil {
		return
	}
	sid := w.sessionOf(queue.Exchange, queue.Code)
	if !w.accepting(sid) {
		return
	}
	item := *queue
	item.Volumes = append([]uint32(nil), queue.Volumes...)
	w.mu.Lock()
	buf := w.bufferLocked(queue.StdCode(), sid)
	buf.queues = append(buf.queues, item)
	caster := w.caster
	w.mu.Unlock()

	w.recordWritten(adapterID, telemetry.RecordOrderQueue)
	if caster != nil {
		caster.BroadcastOrderQueue(queue)
	}
}

// HandleOrderDetail buffers and broadcasts an order detail.
func (w *Writer) HandleOrderDetail(adapterID string, detail *schema.OrderDetail) {
	if detail == nil {
		return
	}
	sid := w.sessionOf(detail.Exchange, detail.Code)
	if !w.accepting(sid) {
		return
	}
	w.mu.Lock()
	buf := w.bufferLocked(detail.StdCode(), sid)
	buf.details = append(buf.details, *detail)
	caster := w.caster
	w.mu.Unlock()

	w.recordWritten(adapterID, telemetry.RecordOrderDetail)
	if caster != nil {
		caster.BroadcastOrderDetail(detail)
	}
}

// HandleTransaction buffers and broadcasts a transaction.
func (w *Writer) HandleTransaction(adapterID string, trans *schema.Transaction) {
	if trans == nil {
		return
	}
	sid := w.sessionOf(trans.Exchange, trans.Code)
	if !w.accepting(sid) {
		return
	}
	w.mu.Lock()
	buf := w.bufferLocked(trans.StdCode(), sid)
	buf.trans = append(buf.trans, *trans)
	caster := w.caster
	w.mu.Unlock()

	w.recordWritten(adapterID, telemetry.RecordTransaction)
	if caster != nil {
		caster.BroadcastTransaction(trans)
	}
}

// FlushReport summarises one flush.
type FlushReport struct {
	Codes    int
	Ticks    int
	Bars     int
	Failures int
}

// CloseSession persists and clears the buffers of every instrument trading in sessionID.
func (w *Writer) CloseSession(ctx context.Context, sessionID string) FlushReport {
	return w.flush(ctx, func(buf *codeBuffer) bool { return buf.session == sessionID })
}

// Flush persists and clears every buffer.
func (w *Writer) Flush(ctx context.Context) FlushReport {
	return w.flush(ctx, func(*codeBuffer) bool { return true })
}

func (w *Writer) flush(ctx context.Context, match func(*codeBuffer) bool) FlushReport {
	w.mu.Lock()
	var taken []*codeBuffer
	for key, buf := range w.buffers {
		if match(buf) {
			buf.bars.close()
			taken = append(taken, buf)
			delete(w.buffers, key)
		}
	}
	ids := make([]string, 0, len(w.dumpers))
	for id := range w.dumpers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	dumpers := make([]Dumper, 0, len(ids))
	for _, id := range ids {
		dumpers = append(dumpers, w.dumpers[id])
	}
	persister := w.persister
	w.mu.Unlock()

	sort.Slice(taken, func(i, j int) bool { return taken[i].code < taken[j].code })
	report := FlushReport{Codes: len(taken), Ticks: 0, Bars: 0, Failures: 0}
	for _, buf := range taken {
		report.Ticks += len(buf.ticks)
		report.Bars += len(buf.bars.done)
		for _, dumper := range dumpers {
			report.Failures += buf.dumpTo(dumper)
		}
		if persister != nil {
			if err := buf.persist(ctx, persister); err != nil {
				report.Failures++
				w.logger.Printf("writer: persist %s: %v", buf.code, err)
			}
		}
	}
	if report.Codes > 0 {
		w.logger.Printf("writer: flushed %d instruments (%d ticks, %d bars, %d failures)",
			report.Codes, report.Ticks, report.Bars, report.Failures)
	}
	return report
}

func (w *Writer) bufferLocked(key, session string) *codeBuffer {
	buf, ok := w.buffers[key]
	if !ok {
		buf = newCodeBuffer(key, session)
		w.buffers[key] = buf
	}
	return buf
}

func (w *Writer) sessionOf(exchange, code string) string {
	w.mu.Lock()
	refs := w.refs
	w.mu.Unlock()
	if refs == nil {
		return ""
	}
	if info, ok := refs.SessionFor(exchange, code); ok {
		return info.ID
	}
	return ""
}

func (w *Writer) accepting(sessionID string) bool {
	w.mu.Lock()
	gate := w.gate
	w.mu.Unlock()
	return gate == nil || sessionID == "" || gate.Accepting(sessionID)
}

func (w *Writer) recordWritten(adapterID, recordType string) {
	if w.written == nil {
		return
	}
	w.written.Add(context.Background(), 1, metric.WithAttributes(telemetry.RecordAttributes(adapterID, recordType)...))
}
