package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/passport-registry/internal/adapters/cache"
	"github.com/okian/passport-registry/internal/adapters/ceramic"
	"github.com/okian/passport-registry/internal/adapters/http/api"
	"github.com/okian/passport-registry/internal/adapters/http/swagger"
	"github.com/okian/passport-registry/internal/adapters/repository"
	"github.com/okian/passport-registry/internal/adapters/verifier"
	app "github.com/okian/passport-registry/internal/app"
	"github.com/okian/passport-registry/internal/config"
	"github.com/okian/passport-registry/internal/domain/dedupe"
	"github.com/okian/passport-registry/pkg/logger"
	"github.com/okian/passport-registry/pkg/metrics"
	"github.com/okian/passport-registry/pkg/tracing"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 75 * time.Second
	requestTimeout            = 60 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "registry exited", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := configureLogging(cfg); err != nil {
		return err
	}
	log := logger.Get()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn(ctx, "tracer shutdown failed", logger.Error(err))
		}
	}()

	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL,
		repository.WithMigrations(cfg.MigrateOnStart),
		repository.WithReadReplica(cfg.ReadReplicaURL),
		repository.WithSQLLogger(log.Named("store")),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	scoreCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer scoreCache.Close()

	svc, err := newService(cfg, store, scoreCache, log)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	if cfg.BootstrapAPIKey != "" {
		if _, err := svc.Bootstrap(ctx, cfg.BootstrapAddress, cfg.BootstrapAPIKey); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store_driver", cfg.StoreDriver),
			logger.String("dedup_policy", cfg.DedupPolicy),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// configureLogging applies the configured format and level. An invalid level
// falls back to info.
func configureLogging(cfg *config.Config) error {
	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.WithFormat(format)); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(context.Background(), "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return nil
}

func openCache(ctx context.Context, cfg *config.Config) (cache.ScoreCache, error) {
	if cfg.RedisURL == "" {
		return cache.Noop{}, nil
	}
	c, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.ScoreCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("open score cache: %w", err)
	}
	return c, nil
}

func newService(cfg *config.Config, store repository.Store, scoreCache cache.ScoreCache, log logger.Logger) (*app.Service, error) {
	fetcher, err := ceramic.New(cfg.CeramicURL,
		ceramic.WithTimeout(cfg.FetchTimeout),
		ceramic.WithMissTTL(cfg.FetchMissTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("ceramic client: %w", err)
	}
	opts := []app.Option{
		app.WithLogger(log.Named("service")),
		app.WithStore(store),
		app.WithScoreCache(scoreCache),
		app.WithFetcher(fetcher),
		app.WithSigningMessage(cfg.SigningMessage),
		app.WithIssuers(cfg.TrustedIAMIssuer, cfg.StampIssuers()),
		app.WithDedupPolicy(dedupe.Policy(cfg.DedupPolicy)),
		app.WithWorkerCount(cfg.RescoreWorkerCount),
		app.WithQueueSize(cfg.RescoreQueueSize),
		app.WithAPIKeyCacheTTL(cfg.APIKeyCacheTTL),
	}
	if cfg.VerifierURL != "" {
		opts = append(opts, app.WithVerifier(verifier.New(cfg.VerifierURL, cfg.VerifyTimeout)))
	}
	return app.New(opts...), nil
}

func newRouter(cfg *config.Config, svc *app.Service) chi.Router {
	opts := []api.Option{
		api.WithLogger(logger.Get().Named("http")),
		api.WithRequestTimeout(requestTimeout),
	}
	if cfg.RateLimitEnable {
		opts = append(opts, api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	r := api.NewServer(svc, opts...).Router()
	swagger.Register(r)
	return r
}

// startSystemMetricsUpdater refreshes process metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the rescore backlog until ctx is done.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
	if m.NumGC > 0 {
		metrics.RecordSystemGCPauseTime(float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond)
	}
}

func updateServiceMetrics(svc *app.Service) {
	metrics.UpdateQueueSize(svc.QueueLen())
}
