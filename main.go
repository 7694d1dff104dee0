package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sendwealth/claw-ai-backend/config"
	"github.com/sendwealth/claw-ai-backend/internal/bucket"
	"github.com/sendwealth/claw-ai-backend/internal/handler"
	"github.com/sendwealth/claw-ai-backend/internal/limiter"
	"github.com/sendwealth/claw-ai-backend/internal/logger"
	"github.com/sendwealth/claw-ai-backend/internal/metrics"
	"github.com/sendwealth/claw-ai-backend/internal/middleware"
	"github.com/sendwealth/claw-ai-backend/internal/storage/memory"
	redisstore "github.com/sendwealth/claw-ai-backend/internal/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	store, ping, closeStore, err := initStorage(ctx, cfg, log, g)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	l := limiter.New(store, limiter.NewPolicy(cfg.RateLimit),
		limiter.WithLogger(log.With(logger.Component("limiter"))),
		limiter.WithRecorder(m),
		limiter.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		limiter.WithBucketTTL(cfg.RateLimit.BucketTTL),
		limiter.WithMonitoring(cfg.RateLimit.Monitoring),
	)

	rateLimitMW := middleware.NewRateLimitMiddleware(l, log.With(logger.Component("middleware")),
		middleware.WithSkipPaths(cfg.RateLimit.SkipPaths...),
		middleware.WithEnabled(cfg.RateLimit.Enabled),
	)

	api, err := apiHandler(cfg, log)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", handler.HealthHandler(ping))
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("/", rateLimitMW.Handler(api))

	adminPolicy := limiter.RoutePolicy{KeyPrefix: "admin", Limit: cfg.AdminRateLimit, Window: time.Minute}
	handler.NewAdminHandler(l, log.With(logger.Component("admin")), cfg.AdminToken).Register(mux,
		func(next http.Handler) http.Handler { return rateLimitMW.Route(adminPolicy, next.ServeHTTP) },
	)

	var root http.Handler = mux
	if cfg.TrustIdentityHeaders {
		root = middleware.IdentityHeaders(mux)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		log.Info("starting HTTP server",
			slog.String("addr", httpServer.Addr),
			slog.String("storage", cfg.StorageType),
			slog.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func initStorage(ctx context.Context, cfg config.Config, log *slog.Logger, g *errgroup.Group) (bucket.Store, func(context.Context) error, func(), error) {
	switch cfg.StorageType {
	case "memory":
		log.Info("using in-memory storage")
		s := memory.NewMemoryStore()
		g.Go(s.Run(ctx))
		return s, s.Ping, func() {}, nil

	default:
		log.Info("connecting to Redis")
		client, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("successfully connected to Redis")
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn("failed to close redis client", logger.Error(err))
			}
		}
		return redisstore.NewRedisStore(client), redisstore.Healthcheck(client), closeFn, nil
	}
}

func apiHandler(cfg config.Config, log *slog.Logger) (http.Handler, error) {
	if cfg.UpstreamURL == "" {
		return http.HandlerFunc(handler.EchoHandler), nil
	}

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.ErrorContext(r.Context(), "upstream request failed", logger.Error(err), logger.Path(r.URL.Path))
		w.WriteHeader(http.StatusBadGateway)
	}
	log.Info("proxying to upstream", slog.String("upstream", target.Redacted()))
	return proxy, nil
}
