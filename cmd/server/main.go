package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"armadaledger/backend/internal/cache"
	"armadaledger/backend/internal/config"
	"armadaledger/backend/internal/httpapi"
	"armadaledger/backend/internal/sequence"
	"armadaledger/backend/internal/service"
	"armadaledger/backend/internal/store"
	"armadaledger/backend/internal/store/memory"
	pgstore "armadaledger/backend/internal/store/postgres"
	"armadaledger/backend/internal/variance"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	cacheStore := cache.AnomalyCache(cache.NoopAnomalyCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisAnomalyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop cache")
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	allocator := sequence.New(repo, log.With().Str("component", "allocator").Logger())
	varianceEngine := variance.NewEngine(cacheStore, time.Duration(cfg.AnomalyCacheTTLSeconds)*time.Second)
	svc := service.New(repo, allocator, varianceEngine, log.With().Str("component", "service").Logger())
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	scheduler := startAuditScheduler(svc, cfg.AuditSchedule)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
}

// startAuditScheduler runs the nightly balance audit. A bad schedule
// expression disables the job rather than blocking startup.
func startAuditScheduler(svc *service.Service, schedule string) *cron.Cron {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		results, audited, err := svc.RecomputeAllBalances(ctx)
		if err != nil {
			log.Error().Err(err).Msg("nightly balance audit failed")
			return
		}
		log.Info().Int("audited", audited).Int("repaired", len(results)).Msg("nightly balance audit complete")
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule).Msg("invalid audit schedule, nightly audit disabled")
		return nil
	}
	scheduler.Start()
	return scheduler
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
