package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/healthlink/internal/audit"
	"github.com/org/healthlink/internal/crypto"
	"github.com/org/healthlink/internal/fhir"
	"github.com/org/healthlink/internal/link"
	"github.com/org/healthlink/internal/objectstore"
	"github.com/org/healthlink/internal/shc"
	"github.com/org/healthlink/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr       string
	BaseURL          string
	IssuerURL        string
	ServerSecret     string
	FileURLTTL       time.Duration
	PasscodeAttempts int
	LockoutDuration  time.Duration
	HashWorkers      int
	AccessMode       link.FileAccessMode
}

// Server is the API server.
type Server struct {
	store   storage.Backend
	manager *link.LifecycleManager
	auditor *audit.Recorder
	signer  *crypto.Signer
	cfg     Config
	httpSrv *http.Server
	done    chan struct{}
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, objects objectstore.Store, fhirClient fhir.Client, signer *crypto.Signer, cfg Config) *Server {
	if cfg.PasscodeAttempts <= 0 {
		cfg.PasscodeAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = 4
	}
	if cfg.FileURLTTL <= 0 {
		cfg.FileURLTTL = time.Hour
	}
	if cfg.AccessMode == "" {
		cfg.AccessMode = link.AccessModeToken
	}

	recorder := audit.NewRecorder(store)
	manager := link.NewLifecycleManager(link.ManagerConfig{
		Store:           store,
		Objects:         objects,
		Aggregator:      fhir.NewAggregator(fhirClient),
		Cards:           shc.NewEncoder(signer, cfg.IssuerURL),
		Encoder:         link.NewLinkEncoder(cfg.BaseURL),
		Guard:           link.NewPasscodeGuard(store, recorder, cfg.PasscodeAttempts, cfg.LockoutDuration, cfg.HashWorkers),
		Tokens:          link.NewAccessTokenGuard(cfg.ServerSecret, cfg.FileURLTTL),
		Audit:           recorder,
		AccessMode:      cfg.AccessMode,
		FileURLTTL:      cfg.FileURLTTL,
		DefaultAttempts: cfg.PasscodeAttempts,
	})

	return &Server{
		store:   store,
		manager: manager,
		auditor: recorder,
		signer:  signer,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(accessLogMiddleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", s.HealthHandler)
	r.Get("/.well-known/jwks.json", s.JWKSHandler)

	// Protocol endpoints hit by link holders
	r.Post("/api/shl/manifest/{manifestID}", s.ManifestHandler)
	r.Get("/api/shl/direct/{manifestID}", s.DirectHandler)
	r.Get("/api/shl/file/{token}", s.FileHandler)

	// Management endpoints keyed by management token
	r.Post("/api/shl", s.CreateHandler)
	r.Get("/api/shl/status", s.StatusHandler)
	r.Post("/api/shl/revoke", s.RevokeHandler)
	r.Post("/api/shl/refresh", s.RefreshHandler)

	// Member dashboard
	r.Route("/api/member/{subjectID}", func(r chi.Router) {
		r.Get("/links", s.MemberLinksHandler)
		r.Get("/access-log", s.MemberAccessLogHandler)
		r.Get("/preferences", s.MemberPreferencesGetHandler)
		r.Put("/preferences", s.MemberPreferencesPutHandler)
		r.Delete("/", s.MemberPurgeHandler)
	})

	return r
}

// Start begins listening on the configured address and keeps the
// active-link gauge current.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.gaugeLoop()

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

func (s *Server) gaugeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := s.store.CountActiveLinks(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("counting active links")
				continue
			}
			activeLinks.Set(float64(n))
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
