// Package api exposes the hybrid order books over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/engine"
	"github.com/caesar-terminal/idexbook/internal/metrics"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

const (
	RequestIDHeader = "X-Request-ID"
	defaultL2Limit  = 50
)

// BookService is the query surface of *engine.Client.
type BookService interface {
	GetL1(ctx context.Context, market string, tickSize int64) (idex.OrderBook, error)
	GetL2(ctx context.Context, market string, limit int, tickSize int64) (idex.OrderBook, error)
	MaxTickSizeUnderSpread(ctx context.Context, market string) (int64, error)
	FeesAndMinimums() (engine.FeesAndMinimums, error)
	Markets() []string
	State(market string) (engine.SyncState, bool)
}

// QuoteGate decides whether a market's stream-derived book is trustworthy
// and lets operators override it; *adapter.CircuitBreaker satisfies it.
type QuoteGate interface {
	CanQuote(market string) bool
	ManualHalt()
	Resume()
	MarkStale(market string)
}

// Config selects the listen address and whether the operator routes under
// /v1/admin are mounted.
type Config struct {
	Addr  string
	Admin bool
}

type Server struct {
	books BookService
	gate  QuoteGate
	admin bool
	http  *http.Server
}

func New(cfg Config, books BookService, gate QuoteGate, reg *prometheus.Registry) *Server {
	s := &Server{books: books, gate: gate, admin: cfg.Admin}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table. reg may be nil, in which case /metrics is
// not mounted.
func (s *Server) Router(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, accessLog)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/orderbook", s.handleOrderBook).Methods(http.MethodGet)
	v1.HandleFunc("/fees", s.handleFees).Methods(http.MethodGet)
	v1.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	v1.HandleFunc("/markets/{market}/max-tick-size", s.handleMaxTick).Methods(http.MethodGet)

	if s.admin {
		admin := v1.PathPrefix("/admin").Subrouter()
		admin.HandleFunc("/halt", s.handleHalt).Methods(http.MethodPost)
		admin.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
		admin.HandleFunc("/markets/{market}/stale", s.handleMarkStale).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("api: listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	market := q.Get("market")
	if market == "" {
		writeError(w, http.StatusBadRequest, "market is required")
		return
	}
	tick, err := engine.ParseTickSize(q.Get("tickSize"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var book idex.OrderBook
	switch level := q.Get("level"); level {
	case "", "1":
		book, err = s.books.GetL1(r.Context(), market, tick)
	case "2":
		limit := defaultL2Limit
		if raw := q.Get("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil {
				writeError(w, http.StatusBadRequest, engine.ErrInvalidLimit.Error())
				return
			}
		}
		book, err = s.books.GetL2(r.Context(), market, limit, tick)
	default:
		writeError(w, http.StatusBadRequest, "level must be 1 or 2")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.books.FeesAndMinimums()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

type marketStatus struct {
	Market   string `json:"market"`
	State    string `json:"state"`
	CanQuote bool   `json:"canQuote"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	names := s.books.Markets()
	out := make([]marketStatus, 0, len(names))
	for _, name := range names {
		state, _ := s.books.State(name)
		out = append(out, marketStatus{Market: name, State: state.String(), CanQuote: s.gate.CanQuote(name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMaxTick(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	tick, err := s.books.MaxTickSizeUnderSpread(r.Context(), market)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market":   market,
		"tickSize": pipmath.PipToDecimal(tick),
	})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.gate.ManualHalt()
	log.Warn().Str("request_id", r.Header.Get(RequestIDHeader)).Msg("api: quoting halted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.gate.Resume()
	log.Info().Str("request_id", r.Header.Get(RequestIDHeader)).Msg("api: quoting resumed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleMarkStale holds a market unquotable until its book is next ready.
func (s *Server) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	if _, ok := s.books.State(market); !ok {
		writeError(w, http.StatusNotFound, "market is not synchronized by this process")
		return
	}
	s.gate.MarkStale(market)
	log.Warn().Str("market", market).Msg("api: market marked stale")
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "status": "stale"})
}

// handleHealth is 200 only when every configured market can be quoted.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var down []string
	for _, name := range s.books.Markets() {
		if !s.gate.CanQuote(name) {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "markets": down})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps query failures onto status codes. Input errors are
// the caller's fault; an unloaded fee schedule or a venue failure is not.
func writeEngineError(w http.ResponseWriter, err error) {
	var apiErr *idex.APIError
	switch {
	case errors.Is(err, engine.ErrInvalidLimit),
		errors.Is(err, engine.ErrInvalidTickSize),
		errors.Is(err, engine.ErrUnknownMarket):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr), errors.Is(err, idex.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Msg("api: query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("api: encode response")
	}
}

// requestID propagates or assigns X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Str("request_id", r.Header.Get(RequestIDHeader)).
			Msg("api: request")
	})
}
