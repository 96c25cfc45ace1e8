package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/healthlink/internal/api"
	"github.com/org/healthlink/internal/crypto"
	"github.com/org/healthlink/internal/fhir"
	"github.com/org/healthlink/internal/link"
	"github.com/org/healthlink/internal/objectstore"
	"github.com/org/healthlink/internal/storage"
)

type config struct {
	ListenAddr       string `yaml:"listen_addr"`
	BaseURL          string `yaml:"base_url"`
	IssuerURL        string `yaml:"issuer_url"`
	SigningKeyPath   string `yaml:"signing_key_path"`
	ServerSecret     string `yaml:"server_secret"`
	FileURLExpiry    string `yaml:"file_url_expiry"`
	PasscodeAttempts int    `yaml:"passcode_attempts"`
	LockoutDuration  string `yaml:"lockout_duration"`
	HashWorkers      int    `yaml:"hash_workers"`
	FileAccessMode   string `yaml:"file_access_mode"` // token | presign
	FHIRBaseURL      string `yaml:"fhir_base_url"`
	DBUrl            string `yaml:"db_url"`
	MigrationsDir    string `yaml:"migrations_dir"`
	S3Region         string `yaml:"s3_region"`
	S3Bucket         string `yaml:"s3_bucket"`
	LogLevel         string `yaml:"log_level"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("SHL_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:       ":8600",
		BaseURL:          "http://localhost:8600",
		IssuerURL:        "http://localhost:8600",
		FileURLExpiry:    "1h",
		PasscodeAttempts: 5,
		LockoutDuration:  "15m",
		HashWorkers:      4,
		FileAccessMode:   string(link.AccessModeToken),
		MigrationsDir:    "migrations",
		LogLevel:         "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("SHL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("SHL_SERVER_SECRET"); v != "" {
		cfg.ServerSecret = v
	}
	if v := os.Getenv("SHL_FHIR_BASE_URL"); v != "" {
		cfg.FHIRBaseURL = v
	}
	if v := os.Getenv("SHL_S3_BUCKET"); v != "" {
		cfg.S3Bucket = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	fileURLExpiry, err := time.ParseDuration(cfg.FileURLExpiry)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid file_url_expiry")
	}
	lockout, err := time.ParseDuration(cfg.LockoutDuration)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid lockout_duration")
	}

	if cfg.FHIRBaseURL == "" {
		log.Fatal().Msg("fhir_base_url must be configured (or SHL_FHIR_BASE_URL env var)")
	}
	if err := link.ValidateSecret(cfg.ServerSecret); err != nil {
		log.Fatal().Err(err).Msg("server_secret must be configured (or SHL_SERVER_SECRET env var)")
	}

	ctx := context.Background()

	// Storage: Postgres when configured, in-memory for development.
	var store storage.Backend
	if cfg.DBUrl != "" {
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		store = pg
	} else {
		log.Warn().Msg("no db_url configured, using in-memory storage (development only)")
		store = storage.NewMemoryBackend()
	}
	defer store.Close()

	// Object store: S3 when a bucket is configured.
	var objects objectstore.Store
	if cfg.S3Bucket != "" {
		s3Store, err := objectstore.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize S3 object store")
		}
		objects = s3Store
	} else {
		log.Warn().Msg("no s3_bucket configured, using in-memory object store (development only)")
		objects = objectstore.NewMemoryStore()
	}

	signer, err := loadSigner(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}
	log.Info().Str("kid", signer.KeyID()).Msg("signing key loaded")

	srv := api.NewServer(store, objects, fhir.NewHTTPClient(cfg.FHIRBaseURL), signer, api.Config{
		ListenAddr:       cfg.ListenAddr,
		BaseURL:          cfg.BaseURL,
		IssuerURL:        cfg.IssuerURL,
		ServerSecret:     cfg.ServerSecret,
		FileURLTTL:       fileURLExpiry,
		PasscodeAttempts: cfg.PasscodeAttempts,
		LockoutDuration:  lockout,
		HashWorkers:      cfg.HashWorkers,
		AccessMode:       link.FileAccessMode(cfg.FileAccessMode),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// loadSigner reads the signing key from disk. Without a configured
// path an ephemeral key is generated: fine for development, useless in
// production since issued cards outlive the process.
func loadSigner(path string) (*crypto.Signer, error) {
	if path != "" {
		return crypto.NewSignerFromFile(path)
	}
	log.Warn().Msg("no signing_key_path configured, generating an ephemeral key")
	jwk, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(jwk)
}
