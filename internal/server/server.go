/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server bundles the HTTP control API, the renderer services, and
// the background workers into one process.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skuld_signage/internal/auth"
	"github.com/friendsincode/skuld_signage/internal/browser"
	"github.com/friendsincode/skuld_signage/internal/config"
	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/display"
	"github.com/friendsincode/skuld_signage/internal/events"
	"github.com/friendsincode/skuld_signage/internal/health"
	"github.com/friendsincode/skuld_signage/internal/history"
	"github.com/friendsincode/skuld_signage/internal/library"
	"github.com/friendsincode/skuld_signage/internal/logbuffer"
	"github.com/friendsincode/skuld_signage/internal/player"
	"github.com/friendsincode/skuld_signage/internal/scheduler"
	"github.com/friendsincode/skuld_signage/internal/store"
	"github.com/friendsincode/skuld_signage/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	secret    []byte

	media         *library.Library
	meta          *library.MetadataStore
	store         *store.Store
	displayMgr    *display.Manager
	browserSvc    *browser.Adapter
	playerSvc     *player.Adapter
	contentRouter *content.Router
	sched         *scheduler.Scheduler
	collector     *health.Collector
	monitor       *health.Monitor
	historySvc    *history.Service

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// WebSocket connections outlive any sane request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so the events WebSocket is never cut; the
		// middleware timeout covers the plain routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	secret, err := auth.EnsureSecret(s.cfg.TokenSecret, s.logger)
	if err != nil {
		return err
	}
	s.secret = secret

	s.meta = library.NewMetadataStore(s.cfg.MediaMetadataPath, s.logger)

	var roots []library.Root
	for name, path := range s.cfg.MediaRoots() {
		roots = append(roots, library.Root{Name: name, Path: path})
	}
	s.media = library.New(roots, s.meta, s.cfg.FFProbeTimeout, s.logger)

	s.store = store.New(s.cfg.PlaylistPath, s.logger)

	s.displayMgr = display.New(s.cfg.DisplayName, s.cfg.DisplayLauncher, s.cfg.DisplayStartupTimeout, s.logger)

	s.browserSvc = browser.New(s.cfg.ChromiumBinary, s.cfg.ChromiumFlagsFile, s.cfg.Homepage, s.cfg.DebugPort, s.logger)
	s.browserSvc.SetCrashHook(func() {
		telemetry.RendererCrashesTotal.WithLabelValues("browser").Inc()
	})

	s.playerSvc = player.New(s.cfg.MPVBinary, s.cfg.IMVBinary, s.cfg.PlayerSocketPath, s.logger)

	s.contentRouter = content.New(s.browserSvc, s.playerSvc, s.media, s.bus, s.cfg.Homepage, s.cfg.StatePath, s.logger)

	s.sched = scheduler.New(s.contentRouter, s.store, s.cfg.Homepage, s.cfg.TickInterval, s.cfg.ImageDuration, s.logger)

	historySvc, err := history.Open(s.cfg.HistoryPath, s.bus, s.logger)
	if err != nil {
		return fmt.Errorf("open history journal: %w", err)
	}
	s.historySvc = historySvc
	s.DeferClose(historySvc.Close)

	s.collector = health.NewCollector(s.logger)
	s.monitor = health.NewMonitor(s.displayMgr, s.browserSvc, s.contentRouter, s.collector, s.bus, s.logger)

	return nil
}

// Start brings the device up: display session, restored content, scheduler,
// and the background workers. HTTP serving is the caller's job.
func (s *Server) Start(ctx context.Context) error {
	if err := s.displayMgr.Start(); err != nil {
		// Renderer starts will keep failing until the monitor brings the
		// session back; the control API still has to come up.
		s.logger.Error().Err(err).Msg("display session not available at boot")
	}

	if err := s.contentRouter.Restore(ctx); err != nil {
		s.logger.Error().Err(err).Msg("state restore failed")
	}

	s.sched.Start()
	s.startBackgroundWorkers()
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Bus exposes the event bus, mainly for tests.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.sched.Stop()
	s.stopBackgroundWorkers()
	s.playerSvc.Stop()
	s.browserSvc.Stop()
	s.displayMgr.Stop()

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.monitor.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.historySvc.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runTransitionCounter(ctx)
	}()
}

// runTransitionCounter feeds the transitions metric from state events.
func (s *Server) runTransitionCounter(ctx context.Context) {
	sub := s.bus.Subscribe(events.EventStateChanged)
	defer s.bus.Unsubscribe(events.EventStateChanged, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sub:
			if status, ok := payload["status"].(content.Status); ok {
				telemetry.ContentTransitionsTotal.WithLabelValues(status.Mode).Inc()
			}
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}
