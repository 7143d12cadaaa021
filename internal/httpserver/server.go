package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"wubloader/internal/observability/logging"
	"wubloader/internal/observability/metrics"
)

// Config wires the middleware chain common to every Wubloader HTTP surface:
// rate limiting, CORS, security headers, request-ID propagation, structured
// logging, and metrics. Register populates the mux with the component's own
// routes; Register may be nil for components that only expose /healthz and
// /metrics (installed automatically below).
type Config struct {
	Addr      string
	CORS      CORSConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
	Register  func(mux *http.ServeMux)
}

// New builds an *http.Server with the ambient middleware chain applied
// around the routes supplied by cfg.Register. The returned server is handed
// to serverutil.Run by the caller.
func New(cfg Config) (*http.Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", recorder.Handler())
	if cfg.Register != nil {
		cfg.Register(mux)
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	limiter := newRateLimiter(cfg.RateLimit)

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = loggingMiddleware(logger, nil, handler)
	handler = requestIDMiddleware(logger, handler)
	handler = rateLimitMiddleware(limiter, logger, handler)
	handler = corsMiddleware(policy, logger, handler)
	handler = securityHeadersMiddleware(cfg.Security, handler)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// loggingMiddleware adapts internal/observability/logging.RequestLogger into
// the package's http.Handler chain, attaching the context-bound logger that
// requestIDMiddleware installed.
func loggingMiddleware(logger *slog.Logger, additionalFields func(*http.Request, int, time.Duration) []any, next http.Handler) http.Handler {
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:           logger,
		AdditionalFields: additionalFields,
	})(next)
}
