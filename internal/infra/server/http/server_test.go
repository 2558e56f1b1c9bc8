package httpserver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

type stubRunner struct {
	id       uuid.UUID
	parsers  []schema.AdapterStatus
	sessions map[string]string
	ticks    map[string]*schema.Tick
	caps     []string
	dumper   bool
	report   writer.FlushReport
	flushes  int
}

func (r *stubRunner) RunID() uuid.UUID { return r.id }
func (r *stubRunner) Parsers() []schema.AdapterStatus { return r.parsers }
func (r *stubRunner) Sessions() map[string]string { return r.sessions }
func (r *stubRunner) Capabilities() []string { return r.caps }
func (r *stubRunner) DumperEnabled() bool { return r.dumper }
func (r *stubRunner) Flush(context.Context) writer.FlushReport { r.flushes++; return r.report }

func (r *stubRunner) Snapshot(code string) (*schema.Tick, bool) {
	tick, ok := r.ticks[code]
	return tick, ok
}

func newStub() *stubRunner {
	return &stubRunner{
		id: uuid.MustParse("7b0b3c55-2f7e-4d7a-9a55-0d8a3f1c1e01"),
		parsers: []schema.AdapterStatus{
			{ID: "p1", Kind: schema.BackendBuiltIn, State: schema.StateConnected.String(), Codes: []string{"SHFE.rb2410"}},
			{ID: "js1", Kind: schema.BackendExtension, State: schema.StateInitialized.String()},
		},
		sessions: map[string]string{"FD0900": "receiving"},
		ticks: map[string]*schema.Tick{
			"SHFE.rb2410": {Exchange: "SHFE", Code: "rb2410", Price: 3500},
		},
	}
}

func do(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", res.Body.String(), err)
	}
}

func TestHealthCountsConnectedParsers(t *testing.T) {
	runner := newStub()
	res := do(t, NewHandler(runner), http.MethodGet, "/health")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", res.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		RunID     string `json:"runId"`
		Parsers   int    `json:"parsers"`
		Connected int    `json:"connected"`
	}
	decode(t, res, &payload)
	if payload.Status != "ok" || payload.RunID != runner.id.String() {
		t.Fatalf("unexpected health %+v", payload)
	}
	if payload.Parsers != 2 || payload.Connected != 1 {
		t.Fatalf("expected 2 parsers with 1 connected, got %+v", payload)
	}
}

func TestParserRoutes(t *testing.T) {
	handler := NewHandler(newStub())

	var list struct {
		Parsers []schema.AdapterStatus `json:"parsers"`
	}
	decode(t, do(t, handler, http.MethodGet, "/parsers"), &list)
	if len(list.Parsers) != 2 || list.Parsers[1].Kind != schema.BackendExtension {
		t.Fatalf("unexpected parser list %+v", list.Parsers)
	}

	var one schema.AdapterStatus
	decode(t, do(t, handler, http.MethodGet, "/parsers/p1"), &one)
	if one.ID != "p1" || one.State != "connected" || len(one.Codes) != 1 {
		t.Fatalf("unexpected parser %+v", one)
	}

	if res := do(t, handler, http.MethodGet, "/parsers/ghost"); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown parser, got %d", res.Code)
	}
}

func TestSnapshotLookup(t *testing.T) {
	handler := NewHandler(newStub())
	res := do(t, handler, http.MethodGet, "/snapshots/SHFE.rb2410")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", res.Code)
	}
	var tick schema.Tick
	decode(t, res, &tick)
	if tick.Price != 3500 || tick.Exchange != "SHFE" {
		t.Fatalf("unexpected snapshot %+v", tick)
	}

	res = do(t, handler, http.MethodGet, "/snapshots/CFFEX.IF2409")
	if res.Code != http.StatusNotFound || !strings.Contains(res.Body.String(), "CFFEX.IF2409") {
		t.Fatalf("expected 404 naming the code, got %d %s", res.Code, res.Body.String())
	}
}

func TestCapabilitiesNeverNull(t *testing.T) {
	res := do(t, NewHandler(newStub()), http.MethodGet, "/capabilities")
	if !strings.Contains(res.Body.String(), `"capabilities":[]`) {
		t.Fatalf("expected empty capability list, got %s", res.Body.String())
	}
}

func TestFlushReportsFailures(t *testing.T) {
	runner := newStub()
	handler := NewHandler(runner)

	res := do(t, handler, http.MethodGet, "/flush")
	if res.Code != http.StatusMethodNotAllowed || res.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow header, got %d %q", res.Code, res.Header().Get("Allow"))
	}
	if runner.flushes != 0 {
		t.Fatalf("rejected method must not flush")
	}

	runner.report = writer.FlushReport{Codes: 1, Ticks: 4}
	res = do(t, handler, http.MethodPost, "/flush")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", res.Code)
	}
	var report struct {
		Ticks int `json:"ticks"`
	}
	decode(t, res, &report)
	if report.Ticks != 4 {
		t.Fatalf("unexpected report %+v", report)
	}

	runner.report = writer.FlushReport{Codes: 1, Failures: 1}
	if res := do(t, handler, http.MethodPost, "/flush"); res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on failures, got %d", res.Code)
	}
	if runner.flushes != 2 {
		t.Fatalf("expected 2 flushes, got %d", runner.flushes)
	}
}

func TestCORSPreflight(t *testing.T) {
	res := do(t, NewHandler(newStub()), http.MethodOptions, "/parsers")
	if res.Code != http.StatusNoContent || res.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d", res.Code)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	srv := New("127.0.0.1:0", newStub(), log.New(io.Discard, "", 0))
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
