// Package httpserver assembles the HTTP middleware chain shared by every
// Wubloader component that exposes an HTTP surface: rate limiting, CORS,
// security headers, request-ID propagation, structured request logging, and
// metrics. Each component supplies its own route registration via
// Config.Register; /healthz and /metrics are installed automatically.
package httpserver
