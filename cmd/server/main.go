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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/checkout"
	"tillpoint/backend/internal/config"
	"tillpoint/backend/internal/discount"
	"tillpoint/backend/internal/fraud"
	"tillpoint/backend/internal/httpapi"
	"tillpoint/backend/internal/metrics"
	"tillpoint/backend/internal/payment"
	"tillpoint/backend/internal/publish"
	"tillpoint/backend/internal/service"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/store/memory"
	pgstore "tillpoint/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	bogo, err := discount.StrategyByName(cfg.BOGOPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid BOGO_POLICY")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

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

	m := metrics.New(prometheus.NewRegistry())

	var catalog store.Catalog = repo
	var invalidator cache.Invalidator = cache.NoopInvalidator{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(repo, cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.RuleCacheTTL())
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, reading rules from the repository")
			_ = redisCache.Close()
		} else {
			catalog = redisCache
			invalidator = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Dur("ttl", cfg.RuleCacheTTL()).Msg("rule cache: redis")
		}
	} else {
		log.Info().Msg("rule cache: disabled")
	}

	var events store.EventLog = repo
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		mirrored := publish.NewMirroredLog(repo, publish.NewKafkaWriter(brokers), cfg.KafkaEventTopic, cfg.KafkaAlertTopic)
		events = mirrored
		closers = append([]func() error{mirrored.Close}, closers...)
		log.Info().Strs("brokers", brokers).Msg("event mirror: kafka")
	}

	payments := buildPayments(cfg)
	log.Info().Strs("methods", payments.Methods()).Msg("payment methods")

	engine := fraud.NewEngine(events, fraudThresholds(cfg), m)
	tills := checkout.New(checkout.Deps{
		Catalog:   catalog,
		Events:    events,
		Orders:    repo,
		Payments:  payments,
		Fraud:     engine,
		Evaluator: discount.NewEvaluator(bogo),
		Metrics:   m,
	}, checkout.Config{
		TaxRatePercent: cfg.TaxRatePercent,
		Currency:       cfg.Currency,
		PaymentTimeout: cfg.PaymentTimeout(),
		Location:       cfg.Location(),
	})

	svc := service.New(repo, invalidator, payments)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo)
	api := httpapi.New(svc, tills, auth, m.Handler(), cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.PaymentTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("tillpoint backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func buildPayments(cfg config.Config) payment.Registry {
	payments := payment.Registry{"cash": payment.CashProcessor{}}
	if cfg.PaymentServiceURL != "" {
		payments["card"] = payment.NewHTTPProcessor(cfg.PaymentServiceURL, cfg.PaymentTimeout())
	}
	return payments
}

func fraudThresholds(cfg config.Config) fraud.Thresholds {
	return fraud.Thresholds{
		HighValueCents:                cfg.FraudHighValueCents,
		QuickRemovalWindow:            time.Duration(cfg.FraudQuickRemovalSeconds) * time.Second,
		MaxRemovalCount:               cfg.FraudMaxRemovals,
		RepeatedCancellationThreshold: cfg.FraudRepeatedCancellations,
		ItemLookback:                  time.Duration(cfg.FraudItemLookbackHours) * time.Hour,
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "159753": true, "102030": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
