package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"quotagate/internal/config"
	hhttp "quotagate/internal/handler/http"
	"quotagate/internal/handler/http/middleware"
	"quotagate/internal/handler/http/requestid"
	"quotagate/internal/handler/http/respond"
	"quotagate/internal/identify"
	"quotagate/internal/match"
	"quotagate/internal/observability/logging"
	"quotagate/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := initLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// initLogger builds the process logger and installs it as the default.
// LOG_FORMAT=text switches to the development-friendly handler.
func initLogger() *slog.Logger {
	var logger *slog.Logger
	if os.Getenv("LOG_FORMAT") == "text" {
		logger = logging.NewTextLogger()
	} else {
		logger = logging.NewLogger()
	}
	slog.SetDefault(logger)
	return logger
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := ratelimit.NewPrometheusMetrics()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("failed to close store", slog.Any("error", cerr))
		}
	}()

	breakerCfg := cfg.BreakerSettings()
	breakerCfg.Metrics = metrics
	breakerCfg.Logger = logger
	breaker := ratelimit.NewBreaker(breakerCfg)

	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Store:       store,
		Breaker:     breaker,
		FailureMode: ratelimit.FailureMode(cfg.FailureMode),
		OpTimeout:   cfg.OpTimeout.Std(),
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build limiter: %w", err)
	}

	matcher, err := match.NewMatcher(cfg.MatcherConfig())
	if err != nil {
		return fmt.Errorf("build matcher: %w", err)
	}
	exemptions, err := match.NewExemptions(cfg.ExemptionsConfig())
	if err != nil {
		return fmt.Errorf("build exemptions: %w", err)
	}
	resolver := identify.NewResolver(identify.ResolverConfig{
		TrustedProxyDepth: cfg.TrustedProxyDepth,
		JWTSecret:         cfg.JWTSecret,
		TierClaim:         cfg.TierClaim,
		Logger:            logger,
	})

	enforce, err := middleware.NewRateLimit(middleware.RateLimitConfig{
		Limiter:    limiter,
		Resolver:   resolver,
		Matcher:    matcher,
		Exemptions: exemptions,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build middleware: %w", err)
	}

	upstream, err := buildUpstream(cfg, logger)
	if err != nil {
		return fmt.Errorf("build upstream: %w", err)
	}

	prober := ratelimit.NewProber(store, breaker, metrics, logger)

	apiServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           requestid.Middleware(enforce.Middleware(upstream)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opsServer := &http.Server{
		Addr:              cfg.OpsListen,
		Handler:           opsMux(metrics, prober, breaker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := buildScheduler(ctx, cfg, store, prober, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api server listening",
			slog.String("addr", cfg.Listen),
			slog.String("backend", cfg.Backend.Kind),
			slog.String("failure_mode", cfg.FailureMode))
		if serr := apiServer.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", serr)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsListen))
		if serr := opsServer.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", serr)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("api server shutdown", slog.Any("error", serr))
		}
		if serr := opsServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("ops server shutdown", slog.Any("error", serr))
		}
		return nil
	})

	return g.Wait()
}

// buildStore constructs the configured backend.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Store, error) {
	switch cfg.Backend.Kind {
	case "memory":
		logger.Warn("memory backend selected: limits are per instance, not shared")
		return ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{MaxKeys: cfg.Backend.MaxKeys}), nil
	case "redis":
		return ratelimit.NewRedisStore(ctx, cfg.RedisStoreConfig())
	case "postgres":
		return ratelimit.NewSQLStore(ctx, cfg.SQLStoreConfig())
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ratelimit.ErrInvalidConfig, cfg.Backend.Kind)
	}
}

// buildUpstream returns the handler behind the limiter: a reverse proxy
// to the configured origin, or a plain echo handler when none is set.
func buildUpstream(cfg *config.Config, logger *slog.Logger) (http.Handler, error) {
	if cfg.Upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respond.JSON(w, http.StatusOK, map[string]string{"status": "ok", "path": r.URL.Path})
		}), nil
	}

	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, perr error) {
		logger.Error("upstream request failed",
			slog.String("upstream", target.Host),
			slog.Any("error", perr))
		respond.Error(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}

// opsMux serves the operational surface: metrics and probe endpoints.
func opsMux(metrics *ratelimit.PrometheusMetrics, prober *ratelimit.Prober, breaker *ratelimit.Breaker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", hhttp.LivenessHandler())
	mux.Handle("/readyz", hhttp.ReadinessHandler(prober, breaker))
	return mux
}

// buildScheduler wires the periodic jobs: store health probes, and TTL
// sweeps for stores without native expiry.
func buildScheduler(ctx context.Context, cfg *config.Config, store ratelimit.Store, prober *ratelimit.Prober, logger *slog.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.ProbeInterval.Std()), func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = prober.Probe(probeCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule probe: %w", err)
	}

	if sweeper, ok := store.(ratelimit.Sweeper); ok {
		_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval.Std()), func() {
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			removed, serr := sweeper.Sweep(sweepCtx)
			if serr != nil {
				logger.Warn("store sweep failed", slog.Any("error", serr))
				return
			}
			logger.Debug("store sweep completed", slog.Int("removed", removed))
		})
		if err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}
	return scheduler, nil
}
