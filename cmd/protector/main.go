// Command protector is StormGate's reverse-proxy DDoS protection process:
// it composes the identity resolver, sliding-window feature extractor,
// ML+heuristic detection engine, mitigation controller, and upstream
// forwarder into one HTTP server sitting in front of a protected backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormgate/internal/admin"
	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/features"
	"github.com/skywalker-88/stormgate/internal/handler"
	"github.com/skywalker-88/stormgate/internal/httpserver"
	"github.com/skywalker-88/stormgate/internal/identity"
	"github.com/skywalker-88/stormgate/internal/mitigate"
	"github.com/skywalker-88/stormgate/internal/predict"
	"github.com/skywalker-88/stormgate/internal/telemetry"
	"github.com/skywalker-88/stormgate/internal/upstream"
	"github.com/skywalker-88/stormgate/internal/window"
	"github.com/skywalker-88/stormgate/pkg/config"
	"github.com/skywalker-88/stormgate/pkg/metrics"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	metrics.RegisterDDoSMetrics(prometheus.DefaultRegisterer)

	store, err := window.New(cfg.FeatureWindowSeconds)
	if err != nil {
		log.Fatal().Err(err).Msg("build sliding-window store")
	}
	store.StartSweeper(time.Minute)

	resolver := identity.New(cfg.TrustedProxies, cfg.HonorXForwardedFor, "X-Forwarded-For")
	extractor := features.New(store, cfg.FeatureWindowSeconds)

	model, err := predict.LoadLinearModel(cfg.ModelPath)
	if err != nil {
		log.Warn().Err(err).Str("model_path", cfg.ModelPath).Msg("no usable classifier, degrading to heuristics-only")
		model = nil
	}

	cache := predict.NewCache(cfg.ModelCacheMaxSize, time.Duration(cfg.ModelCacheTTLSeconds)*time.Second)
	service := predict.NewService(asModel(model), cache, cfg.BatchPredictionSize, cfg.BatchPredictionSize*4, 10*time.Millisecond, 50*time.Millisecond).
		WithBurstMultiplier(cfg.BurstMultiplier)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis not reachable yet; shared cache and block mirror degrade to local-only")
		} else {
			log.Info().Msg("redis reachable")
			service.WithSharedCache(predict.NewRedisCache(rdb))
		}
		cancel()
	}

	blocklist := detect.NewBlocklist(cfg.BlocklistIPs)
	thresholds := detect.DefaultThresholds()
	thresholds.Burst *= cfg.BurstMultiplier
	engine := detect.New(blocklist, detect.DefaultSuspiciousUserAgents(), thresholds).WithAllowlist(cfg.WhitelistIPs)

	mitCfg := mitigate.Config{
		RequestRateLimit:         cfg.RequestRateLimit,
		SlidingWindowSeconds:     cfg.SlidingWindowSeconds,
		BlockDurationMinutes:     cfg.BlockDurationMinutes,
		BlockThresholdViolations: cfg.BlockThresholdViolations,
		ProgressiveBlocking:      cfg.ProgressiveBlocking,
		MaxBlockDurationHours:    cfg.MaxBlockDurationHours,
	}
	controller := mitigate.New(mitCfg)
	if rdb != nil {
		controller.WithMirror(mitigate.NewRedisMirror(rdb))
	}
	controller.StartSweeper(time.Minute)

	up, err := upstream.New(cfg.UpstreamBaseURL, 10*time.Second, 2, 100*time.Millisecond)
	if err != nil {
		log.Fatal().Err(err).Str("upstream_base_url", cfg.UpstreamBaseURL).Msg("invalid upstream_base_url")
	}

	sink := telemetry.New(200)

	proxy := &handler.Handler{
		Resolver:        resolver,
		Extractor:       extractor,
		Prediction:      service,
		Detector:        engine,
		Mitigation:      controller,
		Upstream:        up,
		Telemetry:       sink,
		SensitivityTag:  cfg.SensitivityTag,
		MaxRequestBytes: int64(cfg.MaxRequestSizeKB) * 1024,
	}

	adminHandler := &admin.Handler{
		APIKey:               cfg.AdminAPIKey,
		Blocklist:            blocklist,
		Store:                store,
		Telemetry:            sink,
		RequestRateLimit:     cfg.RequestRateLimit,
		SlidingWindowSeconds: cfg.SlidingWindowSeconds,
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{Proxy: proxy, Admin: adminHandler})

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("upstream", cfg.UpstreamBaseURL).
		Str("sensitivity", cfg.SensitivityTag).
		Bool("model_loaded", model != nil).
		Bool("redis_enabled", rdb != nil).
		Msg("stormgate starting")

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpserver.EnableDrainFlag(true)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	httpserver.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	} else {
		log.Info().Msg("http server shut down cleanly")
	}

	service.Close()
	controller.Close()
	store.Close()
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}

	log.Info().Msg("stormgate exited")
}

// asModel adapts a possibly-nil *predict.LinearModel to the predict.Model
// interface without handing Service a non-nil interface wrapping a nil
// pointer — Go's classic "typed nil" trap.
func asModel(m *predict.LinearModel) predict.Model {
	if m == nil {
		return nil
	}
	return m
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
