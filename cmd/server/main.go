package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"poe/internal/blocks"
	"poe/internal/claims"
	claimsmetrics "poe/internal/claims/metrics"
	"poe/internal/claims/service"
	jwttoken "poe/internal/jwt_token"
	"poe/internal/platform/config"
	"poe/internal/platform/httpserver"
	"poe/internal/platform/logger"
	platformmetrics "poe/internal/platform/metrics"
	"poe/internal/platform/tracing"
	ratelimitmetrics "poe/internal/ratelimit/metrics"
	ratelimitmw "poe/internal/ratelimit/middleware"
	ratelimitmodels "poe/internal/ratelimit/models"
	"poe/pkg/platform/httputil"
	"poe/pkg/platform/middleware/auth"
	"poe/pkg/platform/middleware/metadata"
	"poe/pkg/platform/middleware/request"
	"poe/pkg/platform/middleware/requesttime"
	"poe/pkg/requestcontext"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(tp, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	claimMetrics := claimsmetrics.New(reg)

	infra, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close(log)

	claimTx, highWater, err := buildClaimTx(cfg, infra)
	if err != nil {
		return err
	}
	publisher, relay, err := buildPublisher(cfg, infra, log, claimMetrics)
	if err != nil {
		return err
	}

	ticker, err := newBlockTicker(ctx, cfg, highWater,
		blocks.WithLogger(log),
		blocks.WithGauge(claimMetrics),
	)
	if err != nil {
		return fmt.Errorf("resume block counter: %w", err)
	}

	claimService, err := claims.NewService(claimTx, ticker, publisher,
		service.WithLogger(log),
		service.WithMetrics(claimMetrics),
		service.WithMaxLength(cfg.Claims.MaxLength),
	)
	if err != nil {
		return fmt.Errorf("init claim service: %w", err)
	}

	limiter := ratelimitmw.New(buildBucketStore(infra), log,
		ratelimitmw.WithDisabled(!cfg.RateLimit.Enabled),
		ratelimitmw.WithMetrics(ratelimitmetrics.New(reg)),
		ratelimitmw.WithLimit(ratelimitmodels.ClassRead, ratelimitmodels.Limit{Requests: cfg.RateLimit.ReadLimit, Window: cfg.RateLimit.Window}),
		ratelimitmw.WithLimit(ratelimitmodels.ClassWrite, ratelimitmodels.Limit{Requests: cfg.RateLimit.WriteLimit, Window: cfg.RateLimit.Window}),
	)

	jwtValidator := jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer))
	router := newRouter(routerDeps{
		logger:         log,
		registry:       reg,
		httpMetrics:    platformmetrics.New(reg),
		validator:      jwtValidator,
		limiter:        limiter,
		claimHandler:   claims.NewHandler(claimService, log),
		requestTimeout: cfg.Server.RequestTimeout,
		health:         infra.Health,
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ticker.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("starting poe",
			"addr", cfg.Server.Addr,
			"store", cfg.Store.Type,
			"sink", cfg.Events.Sink,
			"max_length", claimService.MaxLength(),
		)
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("poe stopped")
	return nil
}

type routerDeps struct {
	logger         *slog.Logger
	registry       *prometheus.Registry
	httpMetrics    *platformmetrics.Metrics
	validator      auth.JWTValidator
	limiter        *ratelimitmw.Middleware
	claimHandler   *claims.Handler
	requestTimeout time.Duration
	health         func(ctx context.Context) error
}

func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(deps.logger))
	r.Use(request.Recovery(deps.logger))
	r.Use(deps.httpMetrics.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.health(r.Context()); err != nil {
			deps.logger.WarnContext(r.Context(), "health check failed",
				"error", err,
				"request_id", requestcontext.RequestID(r.Context()),
			)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{Registry: deps.registry}))

	r.Group(func(r chi.Router) {
		if deps.requestTimeout > 0 {
			r.Use(request.Timeout(deps.requestTimeout))
		}
		r.Use(auth.RequireAuth(deps.validator, deps.logger))
		r.Use(deps.limiter.RateLimitAuthenticated)
		deps.claimHandler.Register(r)
	})
	return r
}

func shutdownTracing(tp *tracing.Provider, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Error("failed to flush traces", "error", err)
	}
}
