// Package rpchttp is the network transport for the dispatch layer: a JSON REST
// API plus WebSocket streams for consoles, registry events and flashing.
package rpchttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/board"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/dispatch"
	"github.com/bavix/boardfarm/internal/metrics"
	"github.com/bavix/boardfarm/internal/version"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	wsPrefix                 = "/ws/"
)

type Server struct {
	cfg       config.HTTPConfig
	router    *mux.Router
	ws        *mux.Router
	d         *dispatch.Dispatcher
	boards    *board.Manager
	auth      *auth.Service
	startTime time.Time
}

// NewServer builds the transport. A nil auth service disables authentication.
func NewServer(cfg config.HTTPConfig, d *dispatch.Dispatcher, boards *board.Manager, authService *auth.Service) *Server {
	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		ws:        mux.NewRouter(),
		d:         d,
		boards:    boards,
		auth:      authService,
		startTime: time.Now(),
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.Use(MetricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.AuthMiddleware(s.auth))

	auth.NewAPIHandler(s.auth).RegisterRoutes(api)

	api.Handle("/info", s.guard(auth.PermissionViewDevices, s.handleInfo)).Methods(http.MethodGet)
	api.Handle("/stats", s.guard(auth.PermissionViewStats, s.handleStats)).Methods(http.MethodGet)
	api.Handle("/rescan", s.guard(auth.PermissionRescan, s.handleRescan)).Methods(http.MethodPost)

	s.deviceRoutes(api)
	s.flashRoutes(api)
	s.boardRoutes(api)

	s.ws.Use(auth.AuthMiddleware(s.auth))
	s.ws.Handle("/ws/devices", s.guard(auth.PermissionViewDevices, s.handleWatchDevices)).Methods(http.MethodGet)
	s.ws.Handle("/ws/devices/{id}/console", s.guard(auth.PermissionReadConsole, s.handleConsoleStream)).Methods(http.MethodGet)
	s.ws.Handle("/ws/devices/{id}/flash", s.guard(auth.PermissionManageFlash, s.handleFlashStream)).Methods(http.MethodGet)
	s.ws.Handle("/ws/boards/{name}", s.guard(auth.PermissionViewDevices, s.handleWatchBoard)).Methods(http.MethodGet)
}

func (s *Server) guard(p auth.Permission, h http.HandlerFunc) http.Handler {
	return auth.RequirePermission(p)(h)
}

// Handler returns the complete HTTP handler tree.
func (s *Server) Handler(ctx context.Context) http.Handler {
	chain := s.buildMiddlewareChain(ctx)
	streams := s.buildStreamChain(ctx)

	// WebSocket upgrades bypass the wrappers that hide http.Hijacker.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, wsPrefix) {
			streams.ServeHTTP(w, r)

			return
		}

		chain.ServeHTTP(w, r)
	})
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.router

	h = RateLimitMiddleware(s.cfg.RateLimit)(h)

	c := cors.New(cors.Options{
		AllowOriginFunc:  s.allowOrigin,
		AllowCredentials: true,
		AllowedHeaders:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	})
	h = c.Handler(h)

	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("subject", auth.Subject(r.Context())).
			Msg("http")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	h = chimw.Recoverer(h)

	return otelhttp.NewHandler(h, "rpchttp")
}

// buildStreamChain keeps only the middleware that leaves the response writer
// untouched.
func (s *Server) buildStreamChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.ws

	h = hlog.NewHandler(*logger)(h)
	h = hlog.RequestIDHandler("req_id", "")(h)
	h = chimw.RealIP(h)

	return h
}

func (s *Server) allowOrigin(origin string) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}

	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}

	return false
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	done := make(chan struct{})

	go func() {
		defer close(done)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	zerolog.Ctx(ctx).Info().Str("addr", ln.Addr().String()).Msg("http listen")

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done

		return nil
	}

	return err
}

type healthResponse struct {
	Status    string `json:"status"`
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Devices   int    `json:"devices"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := healthResponse{
		Status:    "healthy",
		Ready:     metrics.IsReady(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.GetVersion(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Devices:   s.d.Registry().Len(),
	}

	if !health.Ready {
		health.Status = "starting"
		status = http.StatusServiceUnavailable
	}

	respond(w, r, status, health)
}

type infoResponse struct {
	version.Info

	Protocols []string `json:"protocols"`
	Uptime    string   `json:"uptime"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, infoResponse{
		Info:      version.Get(),
		Protocols: s.d.Protocols(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := metrics.GatherStats(metrics.Service())
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, st)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Rescan(r.Context())
	if err != nil {
		respondError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, res)
}
