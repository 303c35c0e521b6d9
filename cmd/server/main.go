package main

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun/dialect/pgdialect"

	_ "github.com/lib/pq"

	"github.com/podiumlab/tri-integrations/core"
	"github.com/podiumlab/tri-integrations/httpapi"
	"github.com/podiumlab/tri-integrations/ingest"
	"github.com/podiumlab/tri-integrations/migrations"
	"github.com/podiumlab/tri-integrations/providers/garmin"
	"github.com/podiumlab/tri-integrations/providers/polar"
	"github.com/podiumlab/tri-integrations/providers/strava"
	"github.com/podiumlab/tri-integrations/providers/wahoo"
	"github.com/podiumlab/tri-integrations/queue"
	"github.com/podiumlab/tri-integrations/security"
	sqlstore "github.com/podiumlab/tri-integrations/store/sql"
	"github.com/podiumlab/tri-integrations/transport"
)

type dbConfig struct {
	dsn         string
	serviceName string
}

func (c dbConfig) GetDebug() bool                { return os.Getenv("DB_DEBUG") == "true" }
func (c dbConfig) GetDriver() string             { return "postgres" }
func (c dbConfig) GetServer() string             { return c.dsn }
func (c dbConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c dbConfig) GetOtelIdentifier() string     { return c.serviceName }

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, logger := glog.Resolve("tri-integrations", nil, nil)

	cfg, err := core.LoadConfig(ctx, configFromEnv())
	if err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("open database", "error", err.Error())
		os.Exit(1)
	}

	client, err := persistence.New(dbConfig{dsn: dsn, serviceName: cfg.ServiceName}, sqlDB, pgdialect.New())
	if err != nil {
		logger.Error("persistence client", "error", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	err = migrations.Register(ctx, func(_ context.Context, dialect string, fsys fs.FS) error {
		if dialect != migrations.DialectPostgres {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.DialectPostgres)
	if err != nil {
		logger.Error("register migrations", "error", err.Error())
		os.Exit(1)
	}
	if err := client.Migrate(ctx); err != nil {
		logger.Error("apply migrations", "error", err.Error())
		os.Exit(1)
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		logger.Error("build stores", "error", err.Error())
		os.Exit(1)
	}

	cipher, err := security.NewTokenCipher(cfg.TokenEncryptionKey, cfg.FallbackSecret, logger)
	if err != nil {
		logger.Error("token cipher", "error", err.Error())
		os.Exit(1)
	}
	signer, err := security.NewStateSigner(cfg.StateSigningSecret)
	if err != nil {
		logger.Error("state signer", "error", err.Error())
		os.Exit(1)
	}

	registry := core.NewAdapterRegistry()
	registerAdapters(cfg, registry, logger)

	tokens, err := core.NewTokenManager(cipher, factory.AccountStore(), logger)
	if err != nil {
		logger.Error("token manager", "error", err.Error())
		os.Exit(1)
	}

	normalizer, err := ingest.New(
		factory.WorkoutStore(),
		factory.HealthMetricStore(),
		factory.DailyLogStore(),
		logger,
	)
	if err != nil {
		logger.Error("normalizer", "error", err.Error())
		os.Exit(1)
	}

	service, err := core.NewService(core.ServiceConfig{
		Registry:     registry,
		Signer:       signer,
		Cipher:       cipher,
		Tokens:       tokens,
		Accounts:     factory.AccountStore(),
		Jobs:         factory.WebhookJobStore(),
		History:      factory.SyncHistoryStore(),
		Normalizer:   normalizer,
		Logger:       logger,
		SyncCooldown: cfg.SyncCooldown,
	})
	if err != nil {
		logger.Error("service", "error", err.Error())
		os.Exit(1)
	}

	poller, err := queue.NewPoller(queue.Config{
		Jobs:       factory.WebhookJobStore(),
		Registry:   registry,
		Tokens:     tokens,
		Normalizer: normalizer,
		Accounts:   factory.AccountStore(),
		History:    factory.SyncHistoryStore(),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("queue poller", "error", err.Error())
		os.Exit(1)
	}
	if err := poller.Start(ctx); err != nil {
		logger.Error("start poller", "error", err.Error())
		os.Exit(1)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.ServiceName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	httpapi.NewIntegrationsHandler(service, cfg.FrontendURL, logger).Register(app)
	httpapi.NewWebhookHandler(service, cfg.Strava.VerifyToken, logger).Register(app)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			logger.Error("server stopped", "error", err.Error())
			stop()
		}
	}()
	logger.Info("listening", "port", port, "service", cfg.ServiceName)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err.Error())
	}
	poller.Stop()
	service.WaitDetached()
}

// registerAdapters wires every provider that has credentials configured.
// Garmin is always present so status and connect attempts report the
// pending-approval state instead of provider-not-found.
func registerAdapters(cfg core.Config, registry *core.AdapterRegistry, logger core.Logger) {
	httpClient := transport.NewRetryClient()
	callback := func(provider string) string {
		return cfg.BaseURL + "/integrations/" + provider + "/callback"
	}

	if cfg.Strava.ClientID != "" {
		adapter, err := strava.New(strava.Config{
			ClientID:     cfg.Strava.ClientID,
			ClientSecret: cfg.Strava.ClientSecret,
			RedirectURL:  callback("strava"),
			HTTPClient:   httpClient,
		})
		if err != nil {
			logger.Error("strava adapter", "error", err.Error())
		} else if err := registry.Register(adapter); err != nil {
			logger.Error("register strava", "error", err.Error())
		}
	} else {
		logger.Warn("strava credentials missing, provider disabled")
	}

	if cfg.Polar.ClientID != "" {
		adapter, err := polar.New(polar.Config{
			ClientID:      cfg.Polar.ClientID,
			ClientSecret:  cfg.Polar.ClientSecret,
			RedirectURL:   callback("polar"),
			WebhookSecret: cfg.Polar.WebhookSecret,
			HTTPClient:    httpClient,
		})
		if err != nil {
			logger.Error("polar adapter", "error", err.Error())
		} else if err := registry.Register(adapter); err != nil {
			logger.Error("register polar", "error", err.Error())
		}
	} else {
		logger.Warn("polar credentials missing, provider disabled")
	}

	if cfg.Wahoo.ClientID != "" {
		adapter, err := wahoo.New(wahoo.Config{
			ClientID:     cfg.Wahoo.ClientID,
			ClientSecret: cfg.Wahoo.ClientSecret,
			RedirectURL:  callback("wahoo"),
			WebhookToken: cfg.Wahoo.WebhookSecret,
			HTTPClient:   httpClient,
		})
		if err != nil {
			logger.Error("wahoo adapter", "error", err.Error())
		} else if err := registry.Register(adapter); err != nil {
			logger.Error("register wahoo", "error", err.Error())
		}
	} else {
		logger.Warn("wahoo credentials missing, provider disabled")
	}

	if err := registry.Register(garmin.New()); err != nil {
		logger.Error("register garmin", "error", err.Error())
	}
}

func configFromEnv() map[string]any {
	raw := map[string]any{}
	setEnv(raw, "service_name", "SERVICE_NAME")
	setEnv(raw, "base_url", "BASE_URL")
	setEnv(raw, "frontend_url", "FRONTEND_URL")
	setEnv(raw, "token_encryption_key", "TOKEN_ENCRYPTION_KEY")
	setEnv(raw, "fallback_secret", "APP_SECRET")
	setEnv(raw, "state_signing_secret", "STATE_SIGNING_SECRET")
	if v := os.Getenv("SYNC_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			raw["sync_cooldown"] = d
		}
	}
	raw["strava"] = providerEnv("STRAVA")
	raw["garmin"] = providerEnv("GARMIN")
	raw["polar"] = providerEnv("POLAR")
	raw["wahoo"] = providerEnv("WAHOO")
	return raw
}

func providerEnv(prefix string) map[string]any {
	m := map[string]any{}
	setEnv(m, "client_id", prefix+"_CLIENT_ID")
	setEnv(m, "client_secret", prefix+"_CLIENT_SECRET")
	setEnv(m, "webhook_secret", prefix+"_WEBHOOK_SECRET")
	setEnv(m, "verify_token", prefix+"_VERIFY_TOKEN")
	return m
}

func setEnv(m map[string]any, key, envName string) {
	if v := os.Getenv(envName); v != "" {
		m[key] = v
	}
}
