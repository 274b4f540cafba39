package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classifieds/realtime/internal/api"
	"github.com/classifieds/realtime/internal/auth"
	"github.com/classifieds/realtime/internal/config"
	"github.com/classifieds/realtime/internal/dispatch"
	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/internal/fcm"
	"github.com/classifieds/realtime/internal/memstore"
	"github.com/classifieds/realtime/internal/redisstore"
	"github.com/classifieds/realtime/internal/repository"
	"github.com/classifieds/realtime/internal/worker"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting realtime service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Redis.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := initDatabase(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database")

	repo := repository.NewPostgresRepository(db)
	if cfg.Database.AutoMigrate {
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		logger.Info("Database schema applied")
	}

	// Session registry and notification queue
	checks := map[string]api.Check{"postgres": repo.Ping}
	wsManager := api.NewWebSocketManager(logger)
	var (
		registry domain.SessionRegistry
		queue    domain.NotificationQueue
		emitter  domain.Emitter = wsManager
		rdb      *redis.Client
	)
	switch cfg.Redis.Store {
	case "redis":
		rdb, err = redisstore.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		shared := redisstore.NewRegistry(rdb, cfg.Redis.InstanceID, cfg.Redis.SessionTTL, logger)
		if err := shared.Heartbeat(ctx); err != nil {
			logger.Fatal("Failed to register instance", zap.Error(err))
		}
		if removed, err := shared.Reap(ctx); err != nil {
			logger.Warn("Failed to reap dead instances", zap.Error(err))
		} else if removed > 0 {
			logger.Info("Removed sessions of dead instances", zap.Int("sessions", removed))
		}
		go shared.Run(ctx, cfg.Redis.SessionTTL/3)
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shared.Release(releaseCtx); err != nil {
				logger.Warn("Failed to release instance sessions", zap.Error(err))
			}
		}()

		relay := redisstore.NewRelay(rdb, shared, wsManager, logger)
		if err := relay.Start(ctx); err != nil {
			logger.Fatal("Failed to start session relay", zap.Error(err))
		}
		defer relay.Close()

		registry = shared
		emitter = relay
		queue = redisstore.NewQueue(rdb, cfg.Redis.QueueMaxLen)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Connected to redis", zap.String("instance_id", cfg.Redis.InstanceID))
	default:
		registry = memstore.NewRegistry()
		queue = memstore.NewQueue(int(cfg.Redis.QueueMaxLen))
		logger.Warn("Using in-memory session store - state is lost on restart and not shared across instances")
	}

	// Initialize Firebase
	var pushSender domain.PushSender = domain.NoopPushSender{}
	if cfg.Firebase.CredentialsFile == "" {
		logger.Warn("GOOGLE_APPLICATION_CREDENTIALS not set - push notifications are disabled")
	} else if fcmClient, err := fcm.NewClient(ctx, logger, cfg.Firebase.CredentialsFile, cfg.Firebase.PushRatePerSec); err != nil {
		logger.Warn("Failed to initialize Firebase client - push notifications are disabled", zap.Error(err))
	} else {
		pushSender = fcmClient
		logger.Info("Firebase client initialized")
	}

	// Live transport and delivery
	dispatcher := dispatch.NewDispatcher(queue, registry, emitter, dispatch.Config{
		BatchSize:     cfg.Dispatch.BatchSize,
		Block:         cfg.Dispatch.Block,
		RetryAttempts: cfg.Dispatch.RetryAttempts,
		RetryDelay:    cfg.Dispatch.RetryDelay,
		EmitTimeout:   cfg.Dispatch.EmitTimeout,
		PollInterval:  cfg.Dispatch.PollInterval,
	}, logger)
	broadcaster := dispatch.NewBroadcaster(registry, emitter, cfg.Dispatch.EmitTimeout, logger)

	// Initialize services
	pushFallback := domain.NewPushFallback(pushSender, repo, logger)
	notificationService := domain.NewNotificationService(
		repo, repo, repo, repo, queue, pushFallback, cfg.InterestThreshold, logger,
	)
	pool := worker.NewPool(notificationService, cfg.Worker.Count, cfg.Worker.Buffer, cfg.Worker.JobTimeout, logger)
	chatService := domain.NewChatService(repo, repo, registry, broadcaster, pool, logger)
	deviceService := domain.NewDeviceService(repo)

	// Initialize handlers
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessExpiry)
	connectionHandler := api.NewConnectionHandler(wsManager, registry, repo, dispatcher, chatService, logger)
	chatHandler := api.NewChatHandler(chatService, logger)
	notificationHandler := api.NewNotificationHandler(notificationService, deviceService, pool, logger)
	healthHandler := api.NewHealthHandler(wsManager, checks)

	if cfg.Server.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN not set - internal routes are disabled")
	}

	// Initialize router
	router := api.NewRouter(connectionHandler, chatHandler, notificationHandler, healthHandler, jwtManager,
		cfg.Server.InternalToken, cfg.Server.AllowedOrigins, logger)
	r := router.Setup()

	dispatcher.Start(ctx)
	repo.StartCleanupWorker(ctx, cfg.Database.CleanupInterval, cfg.Database.CleanupRetention, logger)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	dispatcher.Stop()
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Error("Notification workers did not drain", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Log.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func initDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
