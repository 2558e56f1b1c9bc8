// Package httpserver exposes a small control API over a running market data host.
package httpserver

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/webclinic017/wondertrader/internal/domain/schema"
	"github.com/webclinic017/wondertrader/internal/infra/writer"
)

const (
	healthPath       = "/health"
	parsersPath      = "/parsers"
	parserPrefix     = parsersPath + "/"
	sessionsPath     = "/sessions"
	snapshotPrefix   = "/snapshots/"
	capabilitiesPath = "/capabilities"
	flushPath        = "/flush"

	flushTimeout      = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Runner is the host surface the control API reads from.
type Runner interface {
	RunID() uuid.UUID
	Parsers() []schema.AdapterStatus
	Sessions() map[string]string
	Snapshot(stdCode string) (*schema.Tick, bool)
	Capabilities() []string
	DumperEnabled() bool
	Flush(ctx context.Context) writer.FlushReport
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	runner Runner
}

// NewHandler builds the control API routes for runner.
func NewHandler(runner Runner) http.Handler {
	server := &httpServer{runner: runner}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(parsersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listParsers,
	}))
	mux.Handle(parserPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getParser,
	}))
	mux.Handle(sessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(snapshotPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSnapshot,
	}))
	mux.Handle(capabilitiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCapabilities,
	}))
	mux.Handle(flushPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.flush,
	}))

	return withCORS(mux)
}

// Server serves the control API on a TCP address.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

// New prepares a control server for runner listening on addr.
func New(addr string, runner Runner, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "control ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(runner),
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          logger,
		},
		logger: logger,
	}
}

// Start binds the listener and serves in the background. It returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	s.logger.Printf("control api listening on %s", addr)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("control api: %v", err)
		}
	}()
	return addr, nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	parsers := s.runner.Parsers()
	connected := 0
	for _, p := range parsers {
		if p.State == schema.StateConnected.String() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"runId":         s.runner.RunID().String(),
		"parsers":       len(parsers),
		"connected":     connected,
		"dumperEnabled": s.runner.DumperEnabled(),
	})
}

func (s *httpServer) listParsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"parsers": s.runner.Parsers()})
}

func (s *httpServer) getParser(w http.ResponseWriter, r *http.Request) {
	identifier := strings.Trim(strings.TrimPrefix(r.URL.Path, parserPrefix), "/")
	if identifier == "" {
		writeError(w, http.StatusNotFound, "parser identifier required")
		return
	}
	for _, p := range s.runner.Parsers() {
		if p.ID == identifier {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "parser not found")
}

func (s *httpServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.runner.Sessions()})
}

func (s *httpServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, snapshotPrefix), "/")
	if code == "" {
		writeError(w, http.StatusNotFound, "instrument code required")
		return
	}
	tick, ok := s.runner.Snapshot(code)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for "+code)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

func (s *httpServer) getCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := s.runner.Capabilities()
	if caps == nil {
		caps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities":  caps,
		"dumperEnabled": s.runner.DumperEnabled(),
	})
}

func (s *httpServer) flush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()
	report := s.runner.Flush(ctx)
	status := http.StatusOK
	if report.Failures > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"codes":    report.Codes,
		"ticks":    report.Ticks,
		"bars":     report.Bars,
		"failures": report.Failures,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
