package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/partner-proxy/internal/janitor"
	"github.com/Sternrassler/partner-proxy/internal/partner"
	"github.com/Sternrassler/partner-proxy/pkg/cache"
	"github.com/Sternrassler/partner-proxy/pkg/client"
	"github.com/Sternrassler/partner-proxy/pkg/config"
	"github.com/Sternrassler/partner-proxy/pkg/logging"
	"github.com/Sternrassler/partner-proxy/pkg/metrics"
	"github.com/Sternrassler/partner-proxy/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", getEnv("PARTNER_PROXY_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("partner-proxy failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Setup(cfg.LoggerConfig())
	logger := logging.NewLogger("partner-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.client.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close client")
		}
	}()

	if cfg.Maintenance.Enabled {
		j, err := janitor.New(janitor.Config{
			SweepSchedule: cfg.Maintenance.SweepSchedule,
			PurgeSchedule: cfg.Maintenance.PurgeSchedule,
			Limiter:       app.limiter,
			Purger:        app.purger(),
		})
		if err != nil {
			return err
		}
		j.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := j.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Msg("Janitor did not stop in time")
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newServer(cfg, app.client, logger).routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("partner", cfg.Partner.BaseURL).
			Strs("tiers", app.client.Cache().Available()).
			Msg("Starting partner proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// components holds the wired parts of the proxy.
type components struct {
	client     *client.Client
	limiter    *ratelimit.Limiter
	persistent *cache.PersistentTier
}

func (a *components) purger() janitor.Purger {
	if a.persistent == nil {
		return nil
	}
	return a.persistent
}

// build wires the cache tiers, limiter, partner client and facade. Components
// log through their own component loggers; logger is used for wiring warnings.
func build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*components, error) {
	agg := metrics.NewAggregator(cfg.AggregatorConfig())

	memoryCfg := cfg.MemoryConfig()
	memoryCfg.Metrics = agg
	tiers := []cache.Tier{cache.NewMemoryTier(memoryCfg)}

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCfg := cfg.RedisTierConfig()
		redisTier, err := cache.NewRedisTier(redisClient, redisCfg)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, redisTier)
	}

	a := &components{}
	if cfg.Persistent.Enabled {
		persistentCfg := cfg.PersistentTierConfig()
		persistent, err := cache.OpenPersistentTier(ctx, persistentCfg)
		if err != nil {
			// The proxy still works from the remaining tiers.
			logger.Warn().Err(err).Str("path", persistentCfg.Path).Msg("Persistent tier disabled")
		} else {
			a.persistent = persistent
			tiers = append(tiers, persistent)
		}
	}

	tiered := cache.New(ctx, cache.Config{
		Tiers:       tiers,
		TierTimeout: cfg.Cache.TierTimeout,
		Metrics:     agg,
	})

	remote, err := partner.New(partner.Config{
		BaseURL:      cfg.Partner.BaseURL,
		APIKey:       cfg.Partner.APIKey,
		APIKeyHeader: cfg.Partner.APIKeyHeader,
		UserAgent:    cfg.Partner.UserAgent,
		Timeout:      cfg.Partner.Timeout,
	})
	if err != nil {
		tiered.Close()
		return nil, err
	}

	limiterCfg := cfg.LimiterConfig()
	limiterCfg.Metrics = agg
	a.limiter = ratelimit.NewLimiter(limiterCfg)

	a.client, err = client.New(client.Config{
		Remote:     remote.Call,
		Limiter:    a.limiter,
		Cache:      tiered,
		Policy:     cfg.Retry,
		Categories: cfg.Cache.Categories,
		CallCost:   cfg.RateLimit.CallCost,
		Metrics:    agg,
	})
	if err != nil {
		tiered.Close()
		return nil, err
	}
	return a, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
