package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
)

const (
	runInsertSQL = `
INSERT INTO ingest_runs (id, host, started_at, metadata)
VALUES ($1, $2, NOW(), $3::jsonb)
ON CONFLICT (id) DO NOTHING;
`
	barUpsertSQL = `
INSERT INTO market_bars (
    run_id,
    exchange,
    code,
    period,
    bar_date,
    bar_time,
    open,
    high,
    low,
    close,
    volume,
    turnover,
    open_interest,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
ON CONFLICT (exchange, code, period, bar_date, bar_time) DO UPDATE SET
    run_id = EXCLUDED.run_id,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    turnover = EXCLUDED.turnover,
    open_interest = EXCLUDED.open_interest,
    updated_at = NOW();
`
)

var tickColumns = []string{
	"run_id",
	"exchange",
	"code",
	"trading_date",
	"action_date",
	"action_time",
	"price",
	"volume",
	"total_volume",
	"turnover",
	"open_interest",
	"payload",
}

// RegisterRun records the ingest run the store writes under. Save calls register it on
// first use.
func (s *Store) RegisterRun(ctx context.Context) error {
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("market store: nil pool")
	}
	meta, err := json.Marshal(map[string]any{"host": s.host})
	if err != nil {
		return fmt.Errorf("market store: encode run metadata: %w", err)
	}
	if _, err := pool.Exec(ctx, runInsertSQL, s.runUUID(), s.host, string(meta)); err != nil {
		return fmt.Errorf("market store: register run: %w", err)
	}
	return nil
}

// SaveTicks copies ticks into market_ticks. The full record is kept as a JSON payload.
func (s *Store) SaveTicks(ctx context.Context, ticks []schema.Tick) error {
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("market store: nil pool")
	}
	if len(ticks) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(ticks))
	for i := range ticks {
		row, err := s.tickRow(&ticks[i])
		if err != nil {
			return fmt.Errorf("market store: tick %s: %w", ticks[i].StdCode(), err)
		}
		rows = append(rows, row)
	}
	if err := s.RegisterRun(ctx); err != nil {
		return err
	}
	if _, err := pool.CopyFrom(ctx, pgx.Identifier{"market_ticks"}, tickColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("market store: copy ticks: %w", err)
	}
	return nil
}

// SaveBars upserts bars of one instrument and period.
func (s *Store) SaveBars(ctx context.Context, code, period string, bars []schema.Bar) error {
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("market store: nil pool")
	}
	exchange, instrument := schema.SplitStdCode(code)
	if instrument == "" {
		return fmt.Errorf("market store: instrument code required")
	}
	period = strings.TrimSpace(period)
	if period == "" {
		return fmt.Errorf("market store: bar period required")
	}
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range bars {
		bar := &bars[i]
		nums, err := numerics(bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Turnover, bar.OpenInterest)
		if err != nil {
			return fmt.Errorf("market store: bar %s %d %d: %w", code, bar.Date, bar.Time, err)
		}
		batch.Queue(barUpsertSQL,
			s.runUUID(), exchange, instrument, period, int64(bar.Date), int64(bar.Time),
			nums[0], nums[1], nums[2], nums[3], nums[4], nums[5], nums[6],
		)
	}
	if err := s.RegisterRun(ctx); err != nil {
		return err
	}
	results := pool.SendBatch(ctx, batch)
	for range bars {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("market store: upsert bars %s: %w", code, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("market store: upsert bars %s: %w", code, err)
	}
	return nil
}

func (s *Store) tickRow(tick *schema.Tick) ([]any, error) {
	nums, err := numerics(tick.Price, tick.Volume, tick.TotalVolume, tick.Turnover, tick.OpenInterest)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return []any{
		s.runUUID(),
		tick.Exchange,
		tick.Code,
		int32(tick.TradingDate),
		int32(tick.ActionDate),
		int32(tick.ActionTime),
		nums[0], nums[1], nums[2], nums[3], nums[4],
		string(payload),
	}, nil
}

func (s *Store) runUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: s.runID, Valid: true}
}
