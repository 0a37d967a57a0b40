// Command api runs the bid pipeline relay: it reads pipeline state from
// Temporal and serves snapshots, the SSE event stream and recovery requests.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.temporal.io/sdk/client"

	"github.com/bidopsai/bidops-go/internal/api"
	"github.com/bidopsai/bidops-go/internal/config"
	"github.com/bidopsai/bidops-go/internal/eventsource"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/temporal/codecs"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := observability.InitLogger(cfg.LogLevel)
	temporalLogger := observability.NewTemporalSlogAdapter(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		shutdown, err := observability.InitTracer(ctx, "bidops-api", version)
		if err != nil {
			logger.Error("otel init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	metricsHandler, shutdownMetrics, err := observability.InitMeterProvider()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	c, err := client.Dial(client.Options{
		HostPort:      cfg.TemporalHost,
		Namespace:     cfg.TemporalNamespace,
		Logger:        temporalLogger,
		DataConverter: codecs.DataConverter(),
	})
	if err != nil {
		logger.Error("unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	q := querier.New(c, logger)

	oidcCfg := api.OIDCConfig{
		IssuerURL: cfg.OIDCIssuer,
		Audience:  cfg.OIDCAudience,
		Enabled:   cfg.OIDCEnabled(),
	}
	srv, err := api.New(ctx, q, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		OIDC:        oidcCfg,
		Stream: eventsource.StreamConfig{
			PollInterval: cfg.StreamPollInterval,
			MaxDuration:  cfg.StreamMaxDuration,
			RetryHint:    int(cfg.ReconnectInitialBackoff / time.Millisecond),
		},
		Limiter:   ratelimit.NewOperationLimiter(cfg.Rates),
		Metrics:   metricsHandler,
		TaskQueue: cfg.TaskQueue,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("api init failed", "error", err)
		os.Exit(1)
	}

	var handler http.Handler = srv
	if cfg.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "bidops-api")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Open streams end with the process context.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("starting API server", "addr", httpSrv.Addr, "oidc_enabled", oidcCfg.Enabled, "version", version)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
