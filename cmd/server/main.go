package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuomag9/square-bridge/internal/api"
	"github.com/fuomag9/square-bridge/internal/config"
	"github.com/fuomag9/square-bridge/internal/credentials"
	"github.com/fuomag9/square-bridge/internal/database"
	"github.com/fuomag9/square-bridge/internal/gateway"
	"github.com/fuomag9/square-bridge/internal/jobs"
	"github.com/fuomag9/square-bridge/internal/logger"
	"github.com/fuomag9/square-bridge/internal/oauth"
	"github.com/fuomag9/square-bridge/internal/platform"
	"github.com/fuomag9/square-bridge/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	// Application credentials
	var source credentials.Source
	switch cfg.Credentials.Source {
	case "secretsmanager":
		c, err := loadAWS()
		if err != nil {
			return err
		}
		source = credentials.NewSecretsManagerSource(secretsmanager.NewFromConfig(c), cfg.Credentials.SecretID)
	default:
		source = credentials.StaticSource{Credentials: credentials.Credentials{
			ApplicationID:     cfg.Credentials.ApplicationID,
			ApplicationSecret: cfg.Credentials.ApplicationSecret,
			WebhookSigningKey: cfg.Credentials.WebhookKey,
		}}
	}
	creds := credentials.NewProvider(source,
		credentials.WithTTL(cfg.Credentials.TTL),
		credentials.WithLogger(zl.Named("credentials")),
	)

	// Outbound gateway
	buckets := make(map[string]gateway.BucketConfig, len(cfg.RateLimits))
	for category, l := range cfg.RateLimits {
		buckets[category] = gateway.BucketConfig{
			Capacity:          l.Capacity,
			RefillPerInterval: l.RefillPerInterval,
			Interval:          l.Interval,
		}
	}
	gwLog := zl.Named("gateway")
	limiter := gateway.NewRateLimiter(buckets, gateway.WithLimiterLogger(gwLog))
	executor := gateway.NewExecutor(limiter, gateway.WithExecutorLogger(gwLog))
	gw := gateway.New(cfg.Platform.BaseURL, executor,
		gateway.WithTimeout(cfg.HTTPTimeout),
		gateway.WithAPIVersion(cfg.Platform.APIVersion),
		gateway.WithCache(gateway.NewResponseCache(nil, nil)),
		gateway.WithLogger(gwLog),
	)

	// OAuth state storage
	backend, closeBackend, err := openStateBackend(ctx, cfg, zl, loadAWS)
	if err != nil {
		return err
	}
	defer closeBackend()

	states := oauth.NewStateStore(backend,
		oauth.WithStateTTL(cfg.OAuth.StateTTL),
		oauth.WithStateLogger(zl.Named("oauth")),
	)
	tokens := oauth.NewTokenClient(gw, creds, cfg.OAuth.RedirectURL,
		oauth.WithSecretFallback(cfg.OAuth.AllowSecretFallback),
		oauth.WithTokenLogger(zl.Named("oauth")),
	)
	platformClient := platform.NewClient(gw, zl.Named("platform"))
	flow := oauth.NewFlowController(oauth.FlowConfig{
		AuthorizeURL: cfg.Platform.BaseURL + "/oauth2/authorize",
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		AppScheme:    cfg.OAuth.AppScheme,
		PKCE:         cfg.OAuth.PKCEEnabled,
	}, states, tokens, creds, platformClient, zl.Named("oauth"))

	// Redis and DynamoDB expire state natively; the others need a sweep.
	switch cfg.StateStore.Backend {
	case "postgres", "memory":
		scheduler := jobs.NewScheduler(states, cfg.StateStore.CleanupSchedule, zl.Named("jobs"))
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	// Inbound limiter for the auth routes
	authLimiter := api.NewRateLimiter(rate.Every(6*time.Second), 10)
	authLimiter.CleanupOldLimiters(ctx, 5*time.Minute, 10*time.Minute)

	// Setup API router
	router := api.NewRouter(api.Dependencies{
		Config:      cfg,
		Logger:      zl.Named("http"),
		Flow:        flow,
		Tokens:      tokens,
		Platform:    platformClient,
		Webhooks:    webhook.NewVerifier(creds, cfg.WebhookURL, zl.Named("webhook")),
		AuthLimiter: authLimiter,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.String("state_store", cfg.StateStore.Backend),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	zl.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zl.Info("server exited")
	return nil
}

// openStateBackend connects the configured state backend. The returned close
// function is always non-nil.
func openStateBackend(ctx context.Context, cfg *config.Config, zl *zap.Logger, loadAWS func() (aws.Config, error)) (oauth.StateBackend, func(), error) {
	noop := func() {}

	switch cfg.StateStore.Backend {
	case "postgres":
		db, err := database.Connect(cfg.Database, zl.Named("database"))
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, noop, fmt.Errorf("failed to get database connection: %w", err)
		}
		if err := database.RunMigrations(db); err != nil {
			sqlDB.Close()
			return nil, noop, fmt.Errorf("failed to run migrations: %w", err)
		}
		return oauth.NewGormStateStore(db, cfg.StateStore.Table), func() { sqlDB.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return oauth.NewRedisStateStore(client, cfg.StateStore.Table), func() { client.Close() }, nil

	case "dynamodb":
		c, err := loadAWS()
		if err != nil {
			return nil, noop, err
		}
		return oauth.NewDynamoStateStore(dynamodb.NewFromConfig(c), cfg.StateStore.Table), noop, nil

	default:
		zl.Warn("using in-memory OAuth state store; state is lost on restart and not shared between instances")
		return oauth.NewMemoryStateStore(), noop, nil
	}
}
