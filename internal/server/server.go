package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"monconnect/internal/config"
	"monconnect/internal/dispatch"
	"monconnect/internal/dispute"
	"monconnect/internal/escrow"
	"monconnect/internal/escrowsync"
	"monconnect/internal/hmacauth"
	"monconnect/internal/localstore"
	"monconnect/internal/metrics"
	"monconnect/internal/roles"
)

const (
	headerRequestID   = "X-Request-Id"
	headerIdempotency = "X-Idempotency-Key"
)

// Deps are the components the HTTP surface exposes. Views holds one
// synchronizer per side of the session account.
type Deps struct {
	Self       common.Address
	Client     escrow.Client
	Views      map[escrow.Role]*escrowsync.Synchronizer
	Dispatcher *dispatch.Dispatcher
	Disputes   dispute.Store
	Gate       *roles.Gate
	Jury       *roles.JuryRegistry
	Store      localstore.Store
	Balance    func(ctx context.Context) (*big.Int, error)
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	deps        Deps
	log         *slog.Logger
	hmac        *hmacauth.Verifier
	handler     http.Handler
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	now         func() time.Time
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("component", "server"),
		now:  time.Now,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:   cfg.Service.HMACSecret,
		MaxSkew:  cfg.Service.HMACClockSkew,
		OnReject: s.rejectUnsigned,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Client.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	s.routes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Service.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			headerRequestID,
			headerIdempotency,
			hmacauth.DefaultSignatureHeader,
			hmacauth.DefaultTimestampHeader,
		},
		ExposedHeaders: []string{headerRequestID},
	})
	s.handler = requestIDMiddleware(c.Handler(mux))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	// reads
	s.handle(mux, "GET /api/v1/jobs", http.HandlerFunc(s.handleJobs))
	s.handle(mux, "POST /api/v1/jobs/refresh", http.HandlerFunc(s.handleRefresh))
	s.handle(mux, "GET /api/v1/notifications", http.HandlerFunc(s.handleNotifications))
	s.handle(mux, "DELETE /api/v1/notifications/{id}", http.HandlerFunc(s.handleDismiss))
	s.handle(mux, "GET /api/v1/disputes", http.HandlerFunc(s.handleListDisputes))
	s.handle(mux, "GET /api/v1/vendors", http.HandlerFunc(s.handleVendors))
	s.handle(mux, "GET /api/v1/vendors/{address}", http.HandlerFunc(s.handleVendor))
	s.handle(mux, "GET /api/v1/roles", http.HandlerFunc(s.handleRoles))
	s.handle(mux, "GET /api/v1/account", http.HandlerFunc(s.handleAccount))
	s.handle(mux, "GET /api/v1/escrows/quote", http.HandlerFunc(s.handleQuote))

	// writes
	s.handle(mux, "POST /api/v1/jobs/{id}/{action}", s.write(s.handleAction))
	s.handle(mux, "POST /api/v1/escrows", s.write(s.handleCreateEscrow))
	s.handle(mux, "POST /api/v1/disputes", s.write(s.handleRaiseDispute))
	s.handle(mux, "POST /api/v1/vendors", s.write(s.handleRegisterVendor))
	s.handle(mux, "POST /api/v1/vendors/status", s.write(s.handleVendorStatus))
	s.handle(mux, "POST /api/v1/roles/mint", s.write(s.handleMint))
	s.handle(mux, "POST /api/v1/jury", s.write(s.handleJoinJury))
	s.handle(mux, "DELETE /api/v1/jury", s.hmac.Middleware(http.HandlerFunc(s.handleLeaveJury)))

	// ops
	s.handle(mux, "GET /api/v1/metrics", s.deps.Metrics.Handler())
	s.handle(mux, "GET /api/v1/health", http.HandlerFunc(s.handleHealth))

	for _, page := range roles.Pages {
		pattern := "GET " + page.Path
		if page.Path == "/" {
			pattern = "GET /{$}"
		}
		s.handle(mux, pattern, s.pageHandler(page))
	}
}

// write guards a state-changing handler with the HMAC verifier and the
// idempotency key cache.
func (s *Server) write(h http.HandlerFunc) http.Handler {
	return s.hmac.Middleware(s.idempotent(h))
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Metrics.IncRequest(pattern, strconv.Itoa(rec.status))
		s.log.Debug("request",
			"pattern", pattern,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", r.Header.Get(headerRequestID),
		)
	})
}

// Handler is the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	type syncInfo struct {
		Seq       uint64     `json:"seq"`
		FetchedAt time.Time  `json:"fetchedAt"`
		LastError string     `json:"lastError,omitempty"`
		FailedAt  *time.Time `json:"failedAt,omitempty"`
	}
	views := make(map[escrow.Role]syncInfo, len(s.deps.Views))
	for role, view := range s.deps.Views {
		snap := view.Snapshot()
		info := syncInfo{Seq: snap.Seq, FetchedAt: snap.FetchedAt}
		if at, err := view.LastFailure(); err != nil {
			info.LastError = err.Error()
			info.FailedAt = &at
		}
		views[role] = info
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string                   `json:"status"`
		Account  common.Address           `json:"account"`
		RPC      interface{}              `json:"rpc"`
		Database interface{}              `json:"database"`
		Sync     map[escrow.Role]syncInfo `json:"sync"`
	}{
		Status:   status,
		Account:  s.deps.Self,
		RPC:      rpcInfo,
		Database: dbInfo,
		Sync:     views,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
