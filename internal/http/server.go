package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"expenselog/internal/core"
	"expenselog/internal/log"
	"expenselog/internal/middleware/ratelimit"
	"expenselog/internal/middleware/security"
	"expenselog/internal/middleware/trace"
)

// ExpenseService is the application API the handlers call.
type ExpenseService interface {
	CreateExpense(ctx context.Context, in core.NewExpense) (core.Expense, error)
	ListExpenses(ctx context.Context, q core.ListQuery) ([]core.Expense, error)
	Filters(ctx context.Context) (core.Filters, error)
	Ready(ctx context.Context) error
}

// Options tunes the server. Zero values select defaults.
type Options struct {
	RateLimitPerMinute int
	// TrustedProxies are CIDRs, beyond the private ranges, whose
	// X-Forwarded-For header names the real client.
	TrustedProxies []string
	Logger         *log.Logger
}

// Stats is a snapshot of the request counters kept by the middleware.
type Stats struct {
	Trace     trace.Metrics
	RateLimit ratelimit.Metrics
	Security  security.DetectionMetrics
}

type Server struct {
	http.Server
	expenses    ExpenseService
	validator   *requestValidator
	rateLimiter *ratelimit.Limiter
	detector    *security.Detector
	tracer      *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, expenses ExpenseService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	limits := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		limits.RequestsPerMinute = opts.RateLimitPerMinute
	}

	s := &Server{
		expenses:    expenses,
		validator:   newRequestValidator(),
		rateLimiter: ratelimit.NewLimiter(limits),
		detector:    security.NewDetector(),
	}
	for _, cidr := range opts.TrustedProxies {
		if err := s.detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}
	s.tracer = trace.NewMiddleware(logger, s.detector.ExtractClientIP)

	mux := http.NewServeMux()
	limited := s.rateLimiter.Middleware(s.detector.ExtractClientIP, s.onRateLimit)

	mux.Handle("POST /expenses", limited(http.HandlerFunc(s.handleCreateExpense)))
	mux.HandleFunc("GET /expenses", s.handleListExpenses)
	mux.HandleFunc("GET /expenses/filters", s.handleFilters)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	var handler http.Handler = mux
	handler = s.detector.Middleware(handler)
	handler = log.TraceIDMiddleware(trace.FromRequest)(handler)
	handler = log.Middleware(logger)(handler)
	handler = s.tracer.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)

	s.Server = http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
	}

	return s
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldErrorType, log.ErrorTypeRateLimited)
	ErrorResponse(http.StatusTooManyRequests, log.ErrorTypeRateLimited, "rate limit exceeded, please try again later").Write(w)
}

// Stats returns the current middleware counters.
func (s *Server) Stats() Stats {
	return Stats{
		Trace:     s.tracer.GetMetrics(),
		RateLimit: s.rateLimiter.GetMetrics(),
		Security:  s.detector.GetMetrics(),
	}
}

// Shutdown stops background routines and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Close stops background routines without waiting for in-flight requests.
func (s *Server) Close() error {
	s.rateLimiter.Stop()
	return s.Server.Close()
}
