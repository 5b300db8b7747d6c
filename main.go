// Package main runs the classifieds companion service: it keeps the chat
// thread list in sync with the marketplace API, holds the listing draft
// and serves both over a local HTTP API.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/mattn/go-isatty"
	"google.golang.org/api/gmail/v1"

	"classifieds-sync/api"
	"classifieds-sync/auth"
	"classifieds-sync/config"
	"classifieds-sync/draft"
	"classifieds-sync/email"
	"classifieds-sync/events"
	"classifieds-sync/fields"
	"classifieds-sync/posting"
	"classifieds-sync/server"
	"classifieds-sync/storage"
	"classifieds-sync/threadsync"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := newLogger(os.Stdout, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// newLogger writes text to terminals and JSON everywhere else.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	cache := storage.New(backend, logger)

	client := api.New(api.Options{
		BaseURL:  cfg.API.BaseURL,
		AppKey:   cfg.API.AppKey,
		Language: cfg.API.Language,
		Timeout:  cfg.API.Timeout,
		Attempts: cfg.API.RetryAttempts,
	}, logger)

	session := auth.NewSession(cache, logger)
	if cfg.Auth.Token != "" {
		if err := session.SetToken(ctx, cfg.Auth.Token, cfg.Auth.UserID); err != nil {
			logger.Warn("Failed to persist bootstrap session", "error", err)
		}
	}

	publisher := openPublisher(cfg.NATSURL, logger)
	defer publisher.Close()

	var onUnread threadsync.UnreadFunc
	if cfg.Alerts.Email != "" {
		provider, err := openEmailProvider(ctx, cfg.Alerts, logger)
		if err != nil {
			return err
		}
		onUnread = email.New(provider, logger, cfg.Alerts.AppURL).Notify(cfg.Alerts.Email)
	}

	loader := fields.NewLoader(fields.NewCache(cache, cfg.Sync.FieldsCacheTTL, logger), client, logger)
	wizard := posting.New(posting.Config{
		Drafts:  draft.NewStore(),
		Fields:  loader,
		Session: session,
		API:     client,
		Store:   cache,
		Events:  publisher,
		Logger:  logger,
	})
	if err := wizard.Restore(ctx); err != nil {
		logger.Warn("Failed to restore wizard state", "error", err)
	}

	engine := threadsync.New(threadsync.Config{
		PollInterval:    cfg.Sync.PollInterval,
		PerPage:         cfg.Sync.PerPage,
		Concurrency:     cfg.Sync.Concurrency,
		ReconcileUnread: cfg.Sync.ReconcileUnread,
		DefaultImage:    cfg.Sync.DefaultImage,
		DefaultAvatar:   cfg.Sync.DefaultAvatar,
		Events:          publisher,
		OnUnread:        onUnread,
	}, client, session, cache, logger)
	engine.Start(ctx)
	defer engine.Stop()

	srv := server.New(&server.Config{
		Threads: engine,
		Posting: wizard,
		Session: session,
		Metrics: engine.Metrics().Registry,
		Logger:  logger,
	})
	return srv.ListenAndServe(ctx, ":"+cfg.Port)
}

// openBackend picks the cache backend: Redis, then MinIO, then a GCS
// bucket, then the local directory.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, func(), error) {
	nop := func() {}
	switch cfg.Backend() {
	case config.BackendRedis:
		b, err := storage.NewRedis(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("Using Redis cache storage", "address", cfg.RedisAddress, "db", cfg.RedisDB)
		return b, func() {
			if err := b.Close(); err != nil {
				logger.Warn("Failed to close Redis client", "error", err)
			}
		}, nil

	case config.BackendMinIO:
		b, err := storage.NewMinIO(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL, logger)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("Using MinIO cache storage", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucket)
		return b, nop, nil

	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("Using Cloud Storage cache", "bucket", cfg.Bucket)
		return storage.NewGCS(client, cfg.Bucket, "cache/", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		b, err := storage.NewLocal(cfg.LocalPath, logger)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("Running with local cache storage", "storage_path", cfg.LocalPath)
		return b, nop, nil
	}
}

// openPublisher connects to NATS when configured. A broker that cannot be
// reached disables events rather than the service.
func openPublisher(url string, logger *slog.Logger) events.Publisher {
	if url == "" {
		return events.Nop{}
	}
	p, err := events.NewNATS(url, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "url", url, "error", err)
		return events.Nop{}
	}
	return p
}

// openEmailProvider prefers Brevo, then Gmail with explicit credentials,
// then Gmail with the Cloud Run service account, and logs emails otherwise.
func openEmailProvider(ctx context.Context, cfg config.AlertsConfig, logger *slog.Logger) (email.Provider, error) {
	switch {
	case cfg.BrevoAPIKey != "":
		logger.Info("Unread alerts via Brevo", "to", cfg.Email)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, "Classifieds", logger), nil
	case cfg.CredentialsJSON != "":
		logger.Info("Unread alerts via Gmail", "to", cfg.Email)
		return email.NewGmailProviderFromJSON(ctx, []byte(cfg.CredentialsJSON), logger)
	case isCloudRun(ctx):
		svc, err := gmail.NewService(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("Unread alerts via Gmail with service account", "to", cfg.Email)
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
		return email.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
