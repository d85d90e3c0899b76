package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/fedround/metrics"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by components that serve routes on the
// server's router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig contains the configuration of the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address the API listens on.
	ListenAddr string

	// MetricsAddr is the address of the metrics server. Empty disables it.
	MetricsAddr string

	// EnablePprof mounts the pprof API under /debug.
	EnablePprof bool

	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS handling.
	CORSOrigins []string

	Log *slog.Logger

	// DrainDuration is how long /drain waits before reporting the drain complete,
	// giving load balancers time to notice.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests on shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BaseServer serves the round API together with the health, drain and
// metrics endpoints.
type BaseServer struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates a server. Nothing listens until Run or RunInBackground.
func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	srv := &BaseServer{
		cfg: cfg,
		log: cfg.Log,
	}

	if cfg.MetricsAddr != "" {
		metricsSrv, err := metrics.New(cfg.MetricsAddr)
		if err != nil {
			return nil, fmt.Errorf("creating metrics server: %w", err)
		}
		srv.metricsSrv = metricsSrv
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.createRouter(routeRegistrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	srv.isReady.Store(true)
	return srv, nil
}

// Handler returns the router. Used by tests to serve through httptest.
func (srv *BaseServer) Handler() http.Handler {
	return srv.srv.Handler
}

// IsReady reports whether the server accepts traffic.
func (srv *BaseServer) IsReady() bool {
	return srv.isReady.Load()
}

func (srv *BaseServer) createRouter(routeRegistrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	if len(srv.cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: srv.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		r.Use(srv.readinessGate)
		for _, registrar := range routeRegistrars {
			registrar.RegisterRoutes(r)
		}
	})

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	return mux
}

func (srv *BaseServer) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// readinessGate refuses API traffic while the server is drained.
func (srv *BaseServer) readinessGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.isReady.Load() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "server draining", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func (srv *BaseServer) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *BaseServer) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *BaseServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	writeStatus(w, http.StatusOK, "draining")
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}

	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// Run serves until ctx is done, then shuts down gracefully.
func (srv *BaseServer) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if srv.metricsSrv != nil {
		go func() {
			srv.log.Info("Starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown()
	case err := <-errCh:
		return multierror.Append(err, srv.Shutdown()).ErrorOrNil()
	}
}

// Shutdown gracefully stops the API and metrics servers.
func (srv *BaseServer) Shutdown() error {
	var result error

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
		result = multierror.Append(result, err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
			result = multierror.Append(result, err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}

	return result
}
