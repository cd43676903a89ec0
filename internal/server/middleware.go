// Package server assembles the chi router for the control-plane HTTP API
// (spec §6) and its handlers. Grounded on the teacher's
// internal/api_server/server.go (router group structure, rate-limit
// wiring, otelhttp wrap, graceful shutdown) and internal/api_server/
// middleware/ratelimit.go (go-chi/httprate-based limiter with a trusted-
// proxy-aware client IP extractor), generalized down to this system's
// single-tenant, no-mTLS scope.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// requestSizeLimiter caps URL length and header count before any logging
// happens, so an attacker can't use an oversized request to fill logs
// (mirrors the teacher's RequestSizeLimiter).
func requestSizeLimiter(maxURLLength, maxNumHeaders int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.String()) > maxURLLength {
				http.Error(w, fmt.Sprintf("URL too long, exceeds %d characters", maxURLLength), http.StatusRequestURITooLong)
				return
			}
			if len(r.Header) > maxNumHeaders {
				http.Error(w, fmt.Sprintf("request has too many headers, exceeds %d", maxNumHeaders), http.StatusRequestHeaderFieldsTooLarge)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// installRateLimiter attaches a go-chi/httprate limiter keyed by client IP,
// matching the 429 JSON body shape the teacher's IPRateLimiter returns.
func installRateLimiter(r chi.Router, requests int, window time.Duration, message string) {
	if requests <= 0 {
		return
	}
	r.Use(httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) { return clientIP(r), nil }),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    http.StatusTooManyRequests,
				"message": message,
				"reason":  "TooManyRequests",
			})
		}),
	))
}

// newHTTPServer builds the *http.Server with the bounded timeouts a
// public-facing listener needs (the teacher's middleware.NewHTTPServer
// generalized to this config's smaller field set).
func newHTTPServer(handler http.Handler, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Service.Address,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
