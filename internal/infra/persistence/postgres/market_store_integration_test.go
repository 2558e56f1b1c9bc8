package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/persistence/migrations"
	pgstore "github.com/webclinic017/wondertrader/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "dtrunner"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/dtrunner?sslmode=disable", host, port.Port())

	// Postgres restarts once after initdb; retry until the embedded migrations land.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.Apply(ctx, testDSN, "", log.New(io.Discard, "", 0))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestMarketStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool, "contract")

	ticks := []schema.Tick{
		{Exchange: "SHFE", Code: "rb2410", Price: 3500.5, Volume: 2, TotalVolume: 10, TradingDate: 20240909, ActionDate: 20240909, ActionTime: 90000500},
		{Exchange: "SHFE", Code: "rb2410", Price: 3501, Volume: 1, TotalVolume: 11, TradingDate: 20240909, ActionDate: 20240909, ActionTime: 90001000},
	}
	if err := store.SaveTicks(ctx, ticks); err != nil {
		t.Fatalf("save ticks: %v", err)
	}
	var count int
	var maxPrice float64
	if err := testPool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(price)::float8 FROM market_ticks WHERE run_id = $1 AND code = 'rb2410'`,
		store.RunID().String()).Scan(&count, &maxPrice); err != nil {
		t.Fatalf("query ticks: %v", err)
	}
	if count != 2 || maxPrice != 3501 {
		t.Fatalf("expected 2 ticks up to 3501, got %d / %v", count, maxPrice)
	}

	bars := []schema.Bar{{Date: 20240909, Time: 901, Open: 3500, High: 3502, Low: 3499, Close: 3501, Volume: 3}}
	if err := store.SaveBars(ctx, "SHFE.rb2410", "m1", bars); err != nil {
		t.Fatalf("save bars: %v", err)
	}
	bars[0].Close = 3503
	if err := store.SaveBars(ctx, "SHFE.rb2410", "m1", bars); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}
	var closePrice float64
	if err := testPool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(close)::float8 FROM market_bars WHERE exchange = 'SHFE' AND code = 'rb2410' AND period = 'm1'`).
		Scan(&count, &closePrice); err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if count != 1 || closePrice != 3503 {
		t.Fatalf("expected one upserted bar closing at 3503, got %d / %v", count, closePrice)
	}
}

func TestMigrationsRollBackAndReapply(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	if err := migrations.Rollback(ctx, testDSN, "", 1, logger); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := migrations.Apply(ctx, testDSN, "", logger); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if err := migrations.Apply(ctx, testDSN, "", logger); err != nil {
		t.Fatalf("reapply without changes: %v", err)
	}
}
