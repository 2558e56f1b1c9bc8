package writer

import (
	"context"
	"fmt"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
)

type codeBuffer struct {
	code    string
	session string
	ticks   []schema.Tick
	bars    barSeries
	queues  []schema.OrderQueue
	details []schema.OrderDetail
	trans   []schema.Transaction
}

func newCodeBuffer(code, session string) *codeBuffer {
	return &codeBuffer{
		code:    code,
		session: session,
		ticks:   nil,
		bars:    barSeries{cur: nil, done: nil},
		queues:  nil,
		details: nil,
		trans:   nil,
	}
}

// dumpTo hands every non-empty record family to dumper and returns the number of failed calls.
func (b *codeBuffer) dumpTo(dumper Dumper) int {
	failures := 0
	if len(b.ticks) > 0 && !dumper.DumpTicks(b.code, b.ticks[0].TradingDate, b.ticks) {
		failures++
	}
	if len(b.bars.done) > 0 && !dumper.DumpBars(b.code, PeriodMinute, b.bars.done) {
		failures++
	}
	if len(b.queues) > 0 && !dumper.DumpOrderQueue(b.code, b.queues[0].TradingDate, b.queues) {
		failures++
	}
	if len(b.details) > 0 && !dumper.DumpOrderDetail(b.code, b.details[0].TradingDate, b.details) {
		failures++
	}
	if len(b.trans) > 0 && !dumper.DumpTransactions(b.code, b.trans[0].TradingDate, b.trans) {
		failures++
	}
	return failures
}

func (b *codeBuffer) persist(ctx context.Context, p Persister) error {
	if len(b.ticks) > 0 {
		if err := p.SaveTicks(ctx, b.ticks); err != nil {
			return fmt.Errorf("save ticks: %w", err)
		}
	}
	if len(b.bars.done) > 0 {
		if err := p.SaveBars(ctx, b.code, PeriodMinute, b.bars.done); err != nil {
			return fmt.Errorf("save bars: %w", err)
		}
	}
	return nil
}

// barSeries folds ticks into one-minute bars labelled by the minute they close.
type barSeries struct {
	cur  *schema.Bar
	done []schema.Bar
}

func (s *barSeries) update(tick *schema.Tick) {
	if tick.Price <= 0 {
		return
	}
	date, minute := barLabel(tick.ActionDate, tick.ActionTime)
	if s.cur != nil && (s.cur.Date != date || s.cur.Time != minute) {
		s.done = append(s.done, *s.cur)
		s.cur = nil
	}
	if s.cur == nil {
		s.cur = &schema.Bar{
			Date:         date,
			Time:         minute,
			Open:         tick.Price,
			High:         tick.Price,
			Low:          tick.Price,
			Close:        tick.Price,
			Settle:       tick.Settle,
			Volume:       0,
			Turnover:     0,
			OpenInterest: tick.OpenInterest,
			DiffInterest: 0,
		}
	}
	bar := s.cur
	if tick.Price > bar.High {
		bar.High = tick.Price
	}
	if tick.Price < bar.Low {
		bar.Low = tick.Price
	}
	bar.Close = tick.Price
	bar.Settle = tick.Settle
	bar.Volume += tick.Volume
	bar.Turnover += tick.Turnover
	bar.DiffInterest += tick.DiffInterest
	bar.OpenInterest = tick.OpenInterest
}

func (s *barSeries) close() {
	if s.cur != nil {
		s.done = append(s.done, *s.cur)
		s.cur = nil
	}
}

// barLabel maps HHMMSSmmm to the HHMM at which the minute containing it closes.
func barLabel(date, actionTime uint32) (uint32, uint32) {
	hh := actionTime / 10000000
	mm := actionTime / 100000 % 100
	mm++
	if mm == 60 {
		mm = 0
		hh = (hh + 1) % 24
	}
	return date, hh*100 + mm
}
