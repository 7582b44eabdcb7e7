package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arklim/storefront-auth/internal/core/port"
	"github.com/arklim/storefront-auth/internal/infra/config"
	"github.com/arklim/storefront-auth/internal/infra/database"
	kafkainfra "github.com/arklim/storefront-auth/internal/infra/kafka"
	"github.com/arklim/storefront-auth/internal/infra/logger"
	redisinfra "github.com/arklim/storefront-auth/internal/infra/redis"
	"github.com/arklim/storefront-auth/internal/infra/security"
	"github.com/arklim/storefront-auth/internal/infra/telemetry"
	"github.com/arklim/storefront-auth/internal/repository/memory"
	postgresrepo "github.com/arklim/storefront-auth/internal/repository/postgres"
	redisrepo "github.com/arklim/storefront-auth/internal/repository/redis"
	"github.com/arklim/storefront-auth/internal/transport/http/middleware"
	"github.com/arklim/storefront-auth/internal/transport/http/routes"
	"github.com/arklim/storefront-auth/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Application owns the credential services and the infrastructure behind them.
type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	auth     *usecase.AuthService
	sweeper  *usecase.ExpirySweeper
	tracer   *telemetry.TracerProvider
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
}

// New builds the application from cfg. Resources acquired before a failure are released.
func New(ctx context.Context, cfg *config.AppConfig) (_ *Application, err error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.tracer, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry, log.Named("telemetry")); err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	var pruners []usecase.Pruner
	counters, err := a.openCounters(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := counters.(usecase.Pruner); ok {
		pruners = append(pruners, p)
	}

	publisher, err := a.openPublisher()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	authMetrics := telemetry.NewAuthMetrics(registry)
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	signer, err := security.NewTokenSigner(security.TokenSignerConfig{
		Issuer:        cfg.JWT.Issuer,
		AccessSecret:  []byte(cfg.JWT.AccessSecret),
		RefreshSecret: []byte(cfg.JWT.RefreshSecret),
		AccessTTL:     cfg.JWT.AccessTokenTTL,
		RefreshTTL:    cfg.JWT.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}

	totp := security.NewTOTP(security.TOTPConfig{
		Issuer: cfg.TOTP.Issuer,
		Period: cfg.TOTP.Period,
		Skew:   cfg.TOTP.Skew,
		Digits: cfg.TOTP.Digits,
		QRSize: cfg.TOTP.QRSize,
	}, nil)

	policy := security.NewPasswordPolicy(security.PasswordPolicyConfig{
		MinLength:           cfg.Password.MinLength,
		MinCharacterClasses: cfg.Password.MinCharacterClasses,
		MinStrengthScore:    cfg.Password.MinStrengthScore,
	})

	a.auth, err = usecase.NewAuthService(cfg, usecase.AuthDependencies{
		Store:    store,
		Counters: counters,
		Hasher:   hasher,
		Policy:   policy,
		Signer:   signer,
		TOTP:     totp,
		Secrets:  security.NewSecretGenerator(nil),
		Notifier: publisher,
		Audit:    publisher,
		Metrics:  authMetrics,
	}, log.Named("auth"))
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	a.sweeper = usecase.NewExpirySweeper(store, log.Named("sweeper"), pruners...)

	deps := routes.Dependencies{
		Config:   cfg,
		Logger:   log.Named("http"),
		Metrics:  httpMetrics,
		Gatherer: registry,
	}
	if a.pool != nil {
		deps.Database = a.pool
	}
	if a.redis != nil {
		deps.Cache = a.redis
	}
	a.engine = routes.Register(deps)

	return a, nil
}

func (a *Application) openStore(ctx context.Context) (port.CredentialStore, error) {
	if a.cfg.Storage.Driver != "postgres" {
		a.logger.Warn("using in-memory credential store; state is lost on restart")
		return memory.NewStore(), nil
	}

	pool, err := database.NewPostgresPool(ctx, a.cfg.Postgres, a.logger.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	if a.cfg.Storage.RunMigrations {
		if err := database.Migrate(ctx, pool, a.logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return postgresrepo.NewStore(pool), nil
}

func (a *Application) openCounters(ctx context.Context) (port.RateLimitStore, error) {
	if a.cfg.Redis.Enabled {
		client, err := redisinfra.NewClient(ctx, a.cfg.Redis, a.logger.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
	}

	if a.cfg.RateLimit.Backend == "redis" {
		return redisrepo.NewRateLimitRepository(a.redis.Client(), a.redis.KeyPrefix()), nil
	}
	return memory.NewRateLimitStore(), nil
}

type eventPublisher interface {
	port.NotificationDispatcher
	port.AuditSink
}

func (a *Application) openPublisher() (eventPublisher, error) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka brokers not configured; notifications and audit events are logged only")
		return kafkainfra.NewStubPublisher(a.logger.Named("events")), nil
	}

	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger.Named("kafka"))
	if err != nil {
		return nil, fmt.Errorf("init kafka producer: %w", err)
	}
	a.producer = producer
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger.Named("events")), nil
}

// Auth exposes the credential orchestrator to embedding transports.
func (a *Application) Auth() *usecase.AuthService {
	return a.auth
}

// Run serves the operational endpoints and sweeps expired credentials until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting auth service",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("storage", a.cfg.Storage.Driver),
		zap.String("rate_limit_backend", a.cfg.RateLimit.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx, a.cfg.Sweeper.Interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.auth.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every resource the application holds. It is safe to call more than once.
func (a *Application) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
		a.producer = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracer", zap.Error(err))
		}
		cancel()
		a.tracer = nil
	}
	_ = a.logger.Sync()
}
