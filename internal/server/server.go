package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/edgefleet/edgefleet/internal/auth"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/deployment"
	"github.com/edgefleet/edgefleet/internal/instrumentation"
	"github.com/edgefleet/edgefleet/internal/logstream"
	"github.com/edgefleet/edgefleet/internal/nettest"
	"github.com/edgefleet/edgefleet/internal/notify"
	"github.com/edgefleet/edgefleet/internal/objectstore"
	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/edgefleet/edgefleet/pkg/queues"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server owns the chi router and the net.Listener it's served on.
// Grounded on the teacher's internal/api_server.Server (router assembly in
// Run, graceful shutdown goroutine draining the queue provider).
type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	listener net.Listener
	handler  http.Handler
	logtable *logstream.Table
}

// New assembles the router: registration/heartbeat/download/test routes
// (device-facing, no rate limit beyond the general one), the deployment
// and extended-test routes (user-facing, auth + rate limited), and the
// log-stream WebSocket pair.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	verifier auth.UserVerifier,
	notifier notify.Notifier,
	objects objectstore.Store,
	deployer *deployment.Engine,
	nettests *nettest.Orchestrator,
	metrics *instrumentation.Metrics,
	listener net.Listener,
	queue queues.Provider,
) *Server {
	h := NewHandlers(st, log, notifier, objects, deployer, nettests, metrics)
	logtable := logstream.NewTable(st, log, queue)

	router := chi.NewRouter()
	router.Use(
		requestSizeLimiter(cfg.Service.HttpMaxURLLength, cfg.Service.HttpMaxNumHeaders),
		middleware.RequestID,
		middleware.Recoverer,
		metrics.ApiServerMiddleware,
	)

	rl := cfg.Service.RateLimit

	// Device-facing routes: registration is unauthenticated (it's the
	// bootstrap), heartbeat/download require the device bearer token.
	router.Group(func(r chi.Router) {
		if rl != nil {
			installRateLimiter(r, rl.Requests, rl.Window, "rate limit exceeded, please try again later")
		}
		r.Post("/smith/register", h.Register)
		r.Get("/smith/network/test-file", h.TestFile)
		r.Post("/smith/network/test-upload", h.TestUpload)
	})

	router.Group(func(r chi.Router) {
		if rl != nil {
			installRateLimiter(r, rl.Requests, rl.Window, "rate limit exceeded, please try again later")
		}
		r.Use(auth.DeviceBearerAuth(st, log))
		r.Post("/smith/home", h.Heartbeat)
		r.Get("/smith/download", h.Download)
		r.Head("/smith/download", h.Download)
	})

	// User-facing routes: command API, deployment engine, extended test.
	router.Group(func(r chi.Router) {
		if rl != nil {
			requests, window := rl.AuthRequests, rl.AuthWindow
			if requests == 0 {
				requests = 10
			}
			if window == 0 {
				window = time.Hour
			}
			installRateLimiter(r, requests, window, "rate limit exceeded, please try again later")
		}
		r.Use(auth.UserAuth(verifier, log))
		r.Post("/commands", h.InsertCommand)
		r.Post("/releases/{id}/deployment", h.CreateDeployment)
		r.Patch("/releases/{id}/deployment", h.CheckDeployment)
		r.Post("/releases/{id}/deployment/confirm", h.ConfirmDeployment)
		r.Post("/network/extended-test", h.StartExtendedTest)
		r.Get("/network/extended-test/{id}", h.ExtendedTestStatus)
		r.Post("/network/extended-test/{id}/cancel", h.CancelExtendedTest)
	})

	// WebSocket rendezvous (spec §4.10): the dashboard side authenticates
	// via query-param token (handled inline since UserAuth also reads
	// that query param); the device side has no per-request auth beyond
	// knowing the session id, matching spec §6 ("device bearer implicit").
	router.Group(func(r chi.Router) {
		r.Use(auth.UserAuth(verifier, log))
		r.Get("/ws/devices/{serial}/logs/{service}", logtable.DashboardHandler(func(sessionID string) string {
			return fmt.Sprintf("wss://%s/ws/stream-logs/%s", cfg.APIPublicURL, sessionID)
		}))
	})
	router.Get("/ws/stream-logs/{session_id}", logtable.DeviceHandler)

	return &Server{
		log:      log,
		cfg:      cfg,
		listener: listener,
		handler:  otelhttp.NewHandler(router, "http-server"),
		logtable: logtable,
	}
}

// Run serves until ctx is canceled, then drains within
// gracefulShutdownTimeout (mirrors the teacher's Server.Run).
func (s *Server) Run(ctx context.Context) error {
	srv := newHTTPServer(s.handler, s.cfg)

	go func() {
		<-ctx.Done()
		s.log.Info("shutdown signal received, draining http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		s.logtable.Stop()
	}()

	s.log.Infof("listening on %s", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
