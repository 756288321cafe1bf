// Package gateway provides the HTTP service tying the session manager,
// webhook dispatcher, live channel and log store together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kirimkan/gateway/internal/config"
	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway/session"
	"github.com/kirimkan/gateway/internal/gateway/sse"
	"github.com/kirimkan/gateway/internal/gateway/webhook"
	"github.com/kirimkan/gateway/internal/protocol"
	"github.com/kirimkan/gateway/internal/watcher"
)

// Service is the gateway HTTP service.
type Service struct {
	version string
	config  *config.Config
	store   *db.Store
	logs    *db.LogStore

	sessions    *session.Manager
	webhooks    *webhook.Sender
	broadcaster *sse.Broadcaster
	configWatch *watcher.Watcher

	router    *chi.Mux
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	ready     atomic.Bool
}

// New wires a Service from its stores and the protocol client.
func New(version string, cfg *config.Config, store *db.Store, client protocol.Client) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	logs := db.NewLogStore(store)
	broadcaster := sse.NewBroadcaster()
	webhooks := webhook.NewSender(config.WebhookConfigPath())
	webhooks.SetLogStore(logs)

	sessions := session.NewManager(session.ManagerOptions{
		Client:       client,
		Broadcaster:  broadcaster,
		Webhooks:     webhooks,
		SessionDir:   config.SessionDir(),
		MediaDir:     config.MediaDir(),
		RegistryPath: config.SessionRegistryPath(),
	})
	sessions.SetLogStore(logs)

	svc := &Service{
		version:     version,
		config:      cfg,
		store:       store,
		logs:        logs,
		sessions:    sessions,
		webhooks:    webhooks,
		broadcaster: broadcaster,
		router:      chi.NewRouter(),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}
	svc.setupRoutes()
	return svc
}

// setupRoutes registers middleware and the REST surface.
func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{sessionId}", s.handleGetSession)
			r.Delete("/{sessionId}", s.handleDeleteSession)
		})

		r.Route("/webhook/{sessionId}", func(r chi.Router) {
			r.Get("/", s.handleGetWebhook)
			r.Put("/", s.handleSetWebhook)
			r.Delete("/", s.handleDeleteWebhook)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/send-text", s.handleSendText)
			r.Get("/status/{messageId}", s.handleMessageStatus)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/events", s.handleListEvents)
			r.Delete("/events", s.handleClearEvents)
			r.Get("/outgoing", s.handleListOutgoing)
			r.Delete("/outgoing", s.handleClearOutgoing)
			r.Patch("/outgoing/{messageId}", s.handlePatchOutgoing)
			r.Get("/webhook", s.handleListDeliveries)
			r.Delete("/webhook", s.handleClearDeliveries)
			r.Get("/settings", s.handleGetLogSettings)
			r.Post("/settings", s.handleSetLogSettings)
			r.Post("/cleanup", s.handleCleanup)
		})

		r.Get("/events/stream", s.broadcaster.HandleSSE)
	})

	s.router.Get("/healthz", s.handleHealth)
}

// corsMiddleware applies the configured CORS origin.
func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.config.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the chi router, mainly for tests.
func (s *Service) Router() http.Handler { return s.router }

// Run restores sessions, starts the config watcher, the retention scheduler
// and the HTTP server, then blocks until ctx is cancelled or a component
// fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.sessions.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("Session restore failed")
	}

	w, err := watcher.New(config.WebhookConfigPath(), func() {
		if err := s.webhooks.Reload(); err != nil {
			log.Error().Err(err).Msg("Webhook config reload failed")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		s.configWatch = w
		if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher failed to start")
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.config.Port).Str("version", s.version).Msg("Gateway listening")
		s.ready.Store(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.retentionLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(server)
		return nil
	})

	return g.Wait()
}

// shutdown drains the server and closes sessions without logging them out.
func (s *Service) shutdown(server *http.Server) {
	log.Info().Msg("Shutting down gateway")
	s.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	if s.configWatch != nil {
		_ = s.configWatch.Stop()
	}
	s.sessions.CloseAll()
	s.cancel()
}

// retentionLoop runs the log cleanup at the next local midnight and every
// 24 hours after that.
func (s *Service) retentionLoop(ctx context.Context) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	first := time.NewTimer(midnight.Sub(now))
	defer first.Stop()

	log.Info().Time("firstRun", midnight).Msg("Retention sweep scheduled")

	select {
	case <-ctx.Done():
		return
	case <-first.C:
		s.runCleanup(ctx)
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Service) runCleanup(ctx context.Context) {
	deleted, err := s.logs.Cleanup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	log.Info().Int64("deleted", deleted).Msg("Retention sweep done")
}
