package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"timenest-backend/internal/auth"
	"timenest-backend/internal/config"
	"timenest-backend/internal/db"
	"timenest-backend/internal/journal"
	"timenest-backend/internal/maintenance"
	"timenest-backend/internal/notify"
	"timenest-backend/internal/observability"
)

const release = "timenest-backend@dev"

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Close   func(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Build wires every dependency from cfg. On error, anything already opened is
// closed before returning.
func Build(ctx context.Context, cfg config.Config) (runtime *Runtime, err error) {
	logger := observability.NewLogger(cfg.LogLevel)

	var closers []func(context.Context) error
	closeAll := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll(context.Background())
		}
	}()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}
	closers = append(closers, func(context.Context) error {
		observability.FlushSentry()
		return nil
	})

	shutdownTracing, err := observability.InitTracing(ctx, cfg.TelemetryEndpoint, cfg.TelemetryInsecure, cfg.ServiceName)
	if err != nil {
		logger.Error("init_tracing_failed", map[string]any{"error": err})
	} else {
		closers = append(closers, shutdownTracing)
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return database.Close() })

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOptions)
	closers = append(closers, func(context.Context) error { return redisClient.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	var events auth.EventRecorder = auth.NopRecorder{}
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoClient, err = journal.Connect(connectCtx, cfg.MongoURI)
		cancel()
		if err != nil {
			return nil, err
		}
		closers = append(closers, mongoClient.Disconnect)

		collection := mongoClient.Database(cfg.MongoDatabase).Collection(journal.CollectionName)
		indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := journal.EnsureIndexes(indexCtx, collection, 0); err != nil {
			logger.Warn("auth_event_indexes_failed", map[string]any{"error": err})
		}
		cancel()
		events = journal.NewRecorder(collection, logger)
	}

	codec, err := auth.NewTokenCodec(auth.TokenCodecConfig{
		AccessSecret:  []byte(cfg.JWT.AccessSecret),
		RefreshSecret: []byte(cfg.JWT.RefreshSecret),
		Algorithm:     cfg.JWT.Algorithm,
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	authRepo := auth.NewRepository(database)
	hasher := auth.NewPasswordHasher(cfg.Security.BcryptCost)
	otpStore := auth.NewRedisOTPStore(redisClient, cfg.Security.OTPMaxAttempts)

	sessions := auth.NewService(auth.ServiceDeps{
		Users:    authRepo,
		Attempts: authRepo,
		Tokens:   authRepo,
		Codec:    codec,
		Hasher:   hasher,
		Events:   events,
		Logger:   logger,
	}, auth.ServiceConfig{
		MaxAttempts:  cfg.Security.LoginMaxAttempts,
		LockDuration: cfg.Security.LoginLockDuration,
		StoreTimeout: cfg.Security.StoreTimeout,
	})

	resets := auth.NewPasswordResetService(auth.PasswordResetDeps{
		Users:    authRepo,
		OTPs:     otpStore,
		Registry: sessions.Registry(),
		Hasher:   hasher,
		Notifier: buildNotifier(cfg, logger),
		Events:   events,
		Logger:   logger,
	}, auth.PasswordResetConfig{
		OTPTTL:              cfg.Security.OTPTTL,
		StoreTimeout:        cfg.Security.StoreTimeout,
		NotificationTimeout: cfg.Security.NotificationTimeout,
	})

	var google auth.OAuthVerifier
	if cfg.GoogleClientID != "" {
		google = auth.NewGoogleVerifier(auth.GoogleVerifierConfig{ClientID: cfg.GoogleClientID})
	}

	authHandler := auth.NewHandler(sessions, resets, google, logger)
	limiter := auth.NewLoginRateLimiter(cfg.Security.LoginRatePerMinute, time.Minute)
	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		cfg.CronSecret,
		cfg.LoginAttemptRetention,
		cfg.CleanupBatchSize,
	)

	checks := map[string]pinger{"postgres": authRepo, "redis": otpStore}
	if mongoClient != nil {
		checks["mongo"] = mongoPinger{client: mongoClient}
	}

	mux := http.NewServeMux()
	authHandler.Routes(mux, limiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(checks))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func(ctx context.Context) error {
			err := closeAll(ctx)
			_ = logger.Sync()
			return err
		},
	}, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// buildNotifier picks the outbound mail channel. Without a relay, development
// logs messages in full; every other environment refuses to send so reset
// codes never reach the logs and callers report the delivery failure.
func buildNotifier(cfg config.Config, logger *observability.Logger) auth.Notifier {
	fallback := func() auth.Notifier {
		if cfg.IsDevelopment() {
			return notify.NewLogSender(logger)
		}
		return notify.NewDisabledSender(logger)
	}

	if !cfg.SMTP.Enabled() {
		if !cfg.IsDevelopment() {
			logger.Warn("smtp_not_configured", map[string]any{"environment": cfg.Environment})
		}
		return fallback()
	}

	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if err != nil {
		logger.Error("init_smtp_failed", map[string]any{"error": err})
		return fallback()
	}
	return sender
}

type mongoPinger struct {
	client *mongo.Client
}

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

func healthHandler(checks map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			components[name] = "ok"
			if err := check.Ping(ctx); err != nil {
				components[name] = "down"
				status = http.StatusServiceUnavailable
			}
		}

		body := map[string]any{
			"status":     "ok",
			"time":       time.Now().UTC().Format(time.RFC3339),
			"components": components,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
