package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/emission-ledger/internal/audit"
	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/config"
	"github.com/yourorg/emission-ledger/internal/ledger"
	"github.com/yourorg/emission-ledger/internal/metrics"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/otel"
	"github.com/yourorg/emission-ledger/internal/security"
	"github.com/yourorg/emission-ledger/internal/store"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Deps are the collaborators of a Server
type Deps struct {
	Config config.Config
	Engine *ledger.Engine
	Book   *token.Book

	// Registry is the in-process tier-lock registry; nil when a remote oracle is used
	Registry *tierlock.Registry
	Breaker  *circuitbreaker.CircuitBreaker
	Store    *store.Store

	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Exporter *metrics.Exporter

	// Signer signs audit reports; optional
	Signer *security.Signer

	Now func() time.Time

	// Head reports the newest block calls may name; defaults to the configured chain clock
	Head func() uint64
}

// Server is the ledger daemon
type Server struct {
	config   config.Config
	engine   *ledger.Engine
	book     *token.Book
	registry *tierlock.Registry
	breaker  *circuitbreaker.CircuitBreaker
	store    *store.Store
	auditor  *audit.Auditor

	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	exporter *metrics.Exporter
	signer   *security.Signer

	rateLimit *rate.Limiter
	router    http.Handler
	server    *http.Server

	// writeMu spans an operation and the commit of its snapshot, so every stored
	// snapshot reflects a whole number of calls
	writeMu sync.Mutex
	// lastBlock is the highest block of an applied call; guarded by writeMu
	lastBlock uint64

	now  func() time.Time
	head func() uint64
}

// NewServer wires the HTTP surface over a constructed engine
func NewServer(d Deps) *Server {
	s := &Server{
		config:   d.Config,
		engine:   d.Engine,
		book:     d.Book,
		registry: d.Registry,
		breaker:  d.Breaker,
		store:    d.Store,
		auditor:  audit.New(d.Engine.Schedule(), d.Engine.Self(), d.Book),
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		exporter: d.Exporter,
		signer:   d.Signer,
		now:      d.Now,
		head:     d.Head,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.head == nil {
		s.head = func() uint64 { return chainHead(s.config, s.now()) }
	}
	s.lastBlock = lastCallBlock(d.Store)
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if d.Config.RateLimitRPS > 0 {
		s.rateLimit = rate.NewLimiter(rate.Limit(d.Config.RateLimitRPS), d.Config.RateLimitBurst)
	}
	s.router = s.routes()

	logrus.WithFields(logrus.Fields{
		"port":         d.Config.Port,
		"pools":        d.Engine.PoolLength(),
		"local_oracle": d.Registry != nil,
		"signed_audit": d.Signer != nil,
		"rate_limit":   d.Config.RateLimitRPS,
		"metrics":      d.Config.EnableMetrics,
	}).Info("Server initialized")
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/status", s.handleStatus)
	r.Get("/circuit", s.handleCircuitStatus)
	r.Post("/circuit", s.handleCircuitStatus)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limit)

		r.Get("/params", s.handleParams)
		r.Get("/totals", s.handleTotals)
		r.Get("/audit", s.handleAudit)
		r.Get("/journal", s.handleJournal)
		r.Get("/tokens/{token}/balances/{account}", s.handleBalance)

		r.Get("/pools", s.handlePools)
		r.Get("/pools/{id}", s.handlePool)
		r.Get("/pools/{id}/positions/{owner}", s.handlePosition)
		r.Get("/pools/{id}/pending/{owner}", s.handlePending)

		r.Post("/pools/{id}/deposit", s.handleDeposit)
		r.Post("/pools/{id}/withdraw", s.handleWithdraw)
		r.Post("/pools/{id}/emergency-withdraw", s.handleEmergencyWithdraw)
		r.Post("/pools/{id}/yield", s.handleYield)
		r.Post("/pools/{id}/settle", s.handleSettle)
		r.Post("/settle", s.handleMassSettle)

		r.Post("/admin/{op}", s.handleAdmin)
	})

	if s.registry != nil {
		r.Mount("/tierlock", s.tierLockWrites(tierlock.NewHandler(s.registry)))
	}
	return r
}

// ServeHTTP makes the server usable as a handler in tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// limit rejects requests above the configured rate
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimit != nil && !s.rateLimit.Allow() {
			errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status, time.Since(start))
	})
}

// mutate runs one ledger operation and commits the resulting snapshot with a journal
// record of the call
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op string, poolID uint64, call types.Call, payload []byte, fn func(ctx context.Context) (interface{}, error)) {
	ctx, span := otel.StartOperation(r.Context(), op, poolID, call.Block)
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result interface{}
	err := s.checkBlock(call.Block)
	if err == nil {
		result, err = fn(ctx)
	}
	if s.breaker != nil {
		s.metrics.SetBreakerState(s.breaker.GetState())
	}
	if err != nil {
		otel.RecordError(ctx, err)
		s.metrics.OperationFailed(op)
		logrus.WithFields(logrus.Fields{
			"op":     op,
			"pool":   poolID,
			"caller": call.Caller.Hex(),
			"block":  call.Block,
		}).WithError(err).Warn("Ledger operation rejected")
		ledgerError(w, err)
		return
	}
	if call.Block > s.lastBlock {
		s.lastBlock = call.Block
	}

	seq, err := s.persist(op, call, payload)
	if err != nil {
		otel.RecordError(ctx, err)
		errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("operation applied but not persisted: %v", err))
		return
	}
	successResponse(w, map[string]interface{}{
		"seq":    seq,
		"result": result,
	})
}

// persist commits the current engine, token book and registry state. Callers hold writeMu.
func (s *Server) persist(op string, call types.Call, payload []byte) (uint64, error) {
	snap := store.Snapshot{
		Ledger: s.engine.Snapshot(),
		Tokens: s.book.Snapshot(),
	}
	if s.registry != nil {
		snap.TierLock = s.registry.Snapshot()
	}
	return s.store.Commit(snap, store.Record{
		Op:      op,
		Caller:  call.Caller,
		Block:   call.Block,
		At:      call.Time,
		Payload: payload,
	})
}

// runAudit checks the ledger against the token book and publishes the findings
func (s *Server) runAudit(ctx context.Context) audit.Report {
	s.writeMu.Lock()
	state := s.engine.Snapshot()
	report := s.auditor.Run(ctx, state, auditBlock(state))
	s.writeMu.Unlock()

	counts := make(map[string]int, len(report.Findings))
	for _, f := range report.Findings {
		counts[f.Check]++
	}
	s.metrics.AuditCompleted(counts)
	return report
}

// auditBlock is the furthest block any pool has been settled through
func auditBlock(state model.State) uint64 {
	var block uint64
	for _, p := range state.Pools {
		if p.LastRewardBlock > block {
			block = p.LastRewardBlock
		}
	}
	return block
}

// maintain audits the ledger and prunes expired nonces until ctx is done
func (s *Server) maintain(ctx context.Context) {
	if s.config.AuditInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Server) tick(ctx context.Context) {
	s.runAudit(ctx)

	if s.config.NonceRetention > 0 {
		n, err := s.store.PruneNonces(s.now().Add(-s.config.NonceRetention))
		if err != nil {
			logrus.WithError(err).Warn("Failed to prune nonces")
		} else if n > 0 {
			logrus.WithField("pruned", n).Debug("Expired nonces pruned")
		}
	}
}

// Start serves HTTP until SIGINT or SIGTERM, then shuts down gracefully
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.maintain(ctx)

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := shutdownContext(s.config.ShutdownTimeout)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
	if err := s.exporter.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Final event export failed")
	}
	logrus.Info("Server stopped")
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.config.EnableMetrics {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	totals := s.engine.Totals()
	status := map[string]interface{}{
		"status":       "operational",
		"uptime":       time.Since(startTime).String(),
		"version":      version,
		"pools":        s.engine.PoolLength(),
		"total_weight": s.engine.TotalPoolWeight(),
		"emitted":      totals.Emitted.Dec(),
		"journal_seq":  s.store.Sequence(),
		"local_oracle": s.registry != nil,
		"export":       s.exporter.Status(),
	}
	if s.breaker != nil {
		status["circuit_state"] = s.breaker.GetState().String()
	}
	if s.signer != nil {
		status["signer"] = s.signer.Address().Hex()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and resetting the oracle circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		http.Error(w, "Circuit breaker not enabled", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{}
	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		s.breaker.Reset()
		s.metrics.SetBreakerState(s.breaker.GetState())
		response["message"] = "Circuit breaker reset"
		logrus.Info("Circuit breaker reset by operator")
	}
	response["state"] = s.breaker.GetState().String()
	writeJSON(w, http.StatusOK, response)
}
