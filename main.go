package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-tasks/api"
	"prism-tasks/config"
	"prism-tasks/domain"
	"prism-tasks/metrics"
	"prism-tasks/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("shutdown tracer provider")
			}
		}()
	}

	var rc *redis.Client
	if cfg.UsesRedis() {
		opts, err := cfg.RedisOptions()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	st, closeStore := openStorage(ctx, cfg)
	defer closeStore()

	broker := api.NewBroker()
	publishers := storage.Publishers{}
	if rc != nil {
		publishers = append(publishers, storage.NewRedisPublisher(rc, cfg.EventsChannel))
		// Every instance streams what any instance publishes.
		go storage.SubscribeEvents(ctx, rc, cfg.EventsChannel, broker.Deliver)
	} else {
		publishers = append(publishers, broker)
	}
	if cfg.EventsQueue != "" {
		qp, err := storage.NewQueuePublisher(cfg.StorageConnStr, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		publishers = append(publishers, qp)
	}
	dispatcher := storage.NewDispatcher(publishers, storage.DispatcherConfig{
		Workers: cfg.EventWorkers,
		Buffer:  cfg.EventBuffer,
		Handoff: cfg.EventHandoffTimeout,
		Timeout: cfg.EventTimeout,
	})
	defer dispatcher.Close()

	opts := []domain.Option{domain.WithPublisher(dispatcher)}
	switch cfg.CacheBackend {
	case config.CacheMemory:
		opts = append(opts, domain.WithCache(storage.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)))
	case config.CacheRedis:
		opts = append(opts, domain.WithCache(storage.NewRedisCache(rc, cfg.CacheTTL)))
	}
	svc := domain.NewTaskService(st, opts...)

	auth, closeAuth := newAuth(cfg)
	defer closeAuth()

	var idem api.IdempotencyStore
	if rc != nil {
		idem = api.NewRedisIdempotency(rc, cfg.IdempotencyTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.JSONSerializer{}
	e.HTTPErrorHandler = api.HTTPErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		ExposeHeaders: []string{echo.HeaderLocation, echo.HeaderRetryAfter},
	}))
	httpMetrics, err := echoprometheus.MiddlewareConfig{
		Namespace:  "prism_tasks",
		Subsystem:  "http",
		Registerer: metrics.Registry,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/tasks/stream"
		},
	}.ToMiddleware()
	if err != nil {
		log.Fatalf("http metrics: %v", err)
	}
	e.Use(httpMetrics)
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, svc, auth, api.Options{
		Logger:      logger,
		Idempotency: idem,
		RateLimit:   api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Stream:      broker,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithFields(log.Fields{
		"addr":    cfg.ListenAddr,
		"storage": cfg.StorageBackend,
		"cache":   cfg.CacheBackend,
	}).Info("prism-tasks listening")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

func openStorage(ctx context.Context, cfg config.Config) (domain.TaskStorage, func()) {
	switch cfg.StorageBackend {
	case config.StorageTables:
		st, err := storage.NewTables(cfg.StorageConnStr, cfg.TasksTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return st, func() {}
	case config.StoragePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		st, err := storage.OpenPostgres(connectCtx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		if cfg.MigrateOnStartup {
			if err := storage.Migrate(st.DB()); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		return st, func() {
			if err := st.Close(); err != nil {
				log.WithError(err).Warn("close postgres")
			}
		}
	}
	return storage.NewMemory(), func() {}
}

func newAuth(cfg config.Config) (*api.Auth, func()) {
	if cfg.LocalAuthSecret != "" {
		log.Warn("local HS256 auth enabled; do not use in production")
		auth, err := api.NewAuth(api.AuthConfig{
			Audience:     cfg.LocalAuthAudience,
			Issuer:       cfg.LocalAuthIssuer,
			SharedSecret: []byte(cfg.LocalAuthSecret),
		})
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
		return auth, func() {}
	}

	issuer, jwksURL := cfg.AuthIssuerAndJWKS()
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	auth, err := api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.Auth0Audience,
		Issuer:      issuer,
		KeyCacheTTL: cfg.JWKSCacheTTL,
	})
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	return auth, jwks.EndBackground
}
