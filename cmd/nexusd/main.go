// Command nexusd is the process entrypoint for the chat send-message
// pipeline: it loads configuration, wires every component in
// internal/sendmessage's dependency graph, starts the HTTP server and the
// background sweeper, and tears both down in reverse order on SIGINT/SIGTERM.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"nexus/internal/auth"
	"nexus/internal/config"
	"nexus/internal/cryptobox"
	"nexus/internal/httpapi"
	"nexus/internal/idempotency"
	"nexus/internal/keyresolver"
	"nexus/internal/llmrouter"
	"nexus/internal/llmrouter/anthropicadapter"
	"nexus/internal/llmrouter/geminiadapter"
	"nexus/internal/llmrouter/openaiadapter"
	"nexus/internal/observability"
	"nexus/internal/provenance"
	"nexus/internal/ratelimit"
	"nexus/internal/sendmessage"
	"nexus/internal/store"
	"nexus/internal/streamtoken"
	"nexus/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("nexusd.fatal")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var otelShutdown func(context.Context) error
	if cfg.OTLPEndpoint != "" {
		otelShutdown, err = observability.InitOTel(ctx, observability.ObsConfig{
			ServiceName:    "nexus",
			ServiceVersion: "dev",
			Environment:    cfg.Env,
			OTLPEndpoint:   cfg.OTLPEndpoint,
		})
		if err != nil {
			return fmt.Errorf("init otel: %w", err)
		}
	}

	pool, err := connectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	redisClient, err := connectRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	envelope, err := cryptobox.NewFromBase64(cfg.MasterKeyBase64)
	if err != nil {
		return fmt.Errorf("init crypto envelope: %w", err)
	}

	prov := provenance.New(pool)
	keys := keyresolver.New(st, envelope, cfg.OpenAI, cfg.Anthropic, cfg.Gemini)
	idem := idempotency.New(pool)
	limiter := ratelimit.New(redisClient).WithLimits(
		cfg.RateLimit.RequestsPerMinute,
		cfg.RateLimit.MaxConcurrent,
		cfg.RateLimit.DailyTokenBudget,
	)

	router := llmrouter.New()
	router.Register("openai", openaiadapter.New(cfg.OpenAI.BaseURL), cfg.OpenAI.Enabled)
	router.Register("anthropic", anthropicadapter.New(cfg.Anthropic.BaseURL), cfg.Anthropic.Enabled)
	router.Register("gemini", geminiadapter.New(cfg.Gemini.BaseURL), cfg.Gemini.Enabled)

	orchestrator := sendmessage.New(st, idem, prov, keys, limiter, router)
	minter := streamtoken.New(cfg.StreamToken.SigningKey, redisClient)

	bearer := auth.NewBearerVerifier(ctx, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURL)

	handler := httpapi.NewServer(httpapi.Deps{
		Store:          st,
		Provenance:     prov,
		Orchestrator:   orchestrator,
		Minter:         minter,
		Limiter:        limiter,
		Bearer:         bearer,
		InternalSecret: cfg.InternalSharedSecret,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}

	sweep := sweeper.New(st, limiter, cfg.SweepInterval, cfg.SweepStalePending)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweep.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("nexusd.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutErr := otelShutdown(shutdownCtx); shutErr != nil {
			log.Warn().Err(shutErr).Msg("nexusd.otel_shutdown_failed")
		}
	}

	return err
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
