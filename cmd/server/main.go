package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	api "go.verikey.dev/keygate/api/echo"
	"go.verikey.dev/keygate/cache"
	redisstore "go.verikey.dev/keygate/cache/redis"
	"go.verikey.dev/keygate/config"
	"go.verikey.dev/keygate/domain"
	"go.verikey.dev/keygate/internal/metrics"
	"go.verikey.dev/keygate/keycodec"
	"go.verikey.dev/keygate/mongodb"
	"go.verikey.dev/keygate/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogger(cfg)
	log.Info().
		Str("backend", cfg.StoreBackend).
		Str("httpPort", cfg.HTTPPort).
		Msg("Starting keygate server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records, nonces, pinger, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store backend")
	}
	defer closeStores()

	retry := services.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
	}
	codec := keycodec.New(cfg.MasterSecret)

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	va := api.NewVerificationAPI(
		services.NewRedemptionService(codec, records, retry, cfg.RecordRetention()),
		services.NewNonceService(nonces, retry),
		services.NewRecordService(records, retry),
		services.NewStatsService(records, retry),
		pinger,
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(storeTimeout(cfg.StoreTimeout()))
	va.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		addr := ":" + cfg.HTTPPort
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// buildStores constructs the configured backend. The returned close
// function releases the underlying connections; repositories hold owned
// handles, never package-level connection state.
func buildStores(ctx context.Context, cfg *config.ServerConfig) (
	domain.UsageRecordRepository,
	domain.NonceRepository,
	domain.Pinger,
	func(),
	error,
) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		records, err := mongodb.NewKeyRecordRepository(ctx, client.Database())
		if err != nil {
			client.Close(ctx)
			return nil, nil, nil, nil, err
		}
		nonces, err := mongodb.NewNonceRepository(ctx, client.Database(), cfg.NonceRetention())
		if err != nil {
			client.Close(ctx)
			return nil, nil, nil, nil, err
		}
		closeFn := func() { client.Close(context.Background()) }
		return records, nonces, client, closeFn, nil

	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		records := redisstore.NewKeyRecordStore(rdb, cfg.RedisPrefix, cfg.RecordRetention())
		nonces := redisstore.NewNonceLedger(rdb, cfg.RedisPrefix, cfg.NonceRetention())
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing Redis client")
			}
		}
		return records, nonces, records, closeFn, nil

	case config.BackendMemory:
		records := cache.NewMemoryKeyRecordStore(cfg.RecordRetention())
		nonces := cache.NewMemoryNonceLedger(cfg.NonceRetention())
		closeFn := func() {
			records.Close()
			nonces.Close()
		}
		return records, nonces, nil, closeFn, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// storeTimeout bounds every request context so store operations surface as
// store_timeout errors instead of hanging.
func storeTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
