// Package httpapi provides shared request/response helpers for Wubloader's
// HTTP-surfaced components.
//
// Handlers built on top of this package assume upstream middleware from
// internal/httpserver has already applied rate limiting, security headers,
// and request-ID/logging concerns; handlers should avoid duplicating those
// and lean on the middleware guarantees established there.
package httpapi
