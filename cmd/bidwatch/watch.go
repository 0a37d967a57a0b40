package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bidopsai/bidops-go/internal/backend"
	"github.com/bidopsai/bidops-go/internal/config"
	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/session"
	"github.com/bidopsai/bidops-go/internal/stream"
)

func watchCmd(f *flags) *cobra.Command {
	var keepOpen bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream workflow events and print notifications until the workflow completes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := f.target()
			if err := target.Validate(); err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, target, keepOpen)
		},
	}
	cmd.Flags().BoolVar(&keepOpen, "keep-open", false, "keep watching after the workflow completes")
	return cmd
}

// printer renders toasts and calls to action as terminal lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	// onComplete runs once when the completion toast arrives.
	onComplete func()
}

func (p *printer) Notify(t session.Toast) {
	p.mu.Lock()
	fmt.Fprintf(p.out, "[%s] %s: %s\n", t.Variant, t.Title, t.Description)
	p.mu.Unlock()
	if t.Variant == session.VariantSuccess && p.onComplete != nil {
		p.onComplete()
	}
}

func (p *printer) RequireManual(a domain.WorkflowErrorAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hint := ""
	switch a.Type {
	case domain.ActionSkip:
		hint = fmt.Sprintf(" (bidwatch recover --action skip --agent %s)", a.Agent)
	case domain.ActionRestart:
		hint = " (bidwatch recover --action restart)"
	}
	fmt.Fprintf(p.out, ">>> action required: %s%s\n", a.Message, hint)
}

func (p *printer) connection(st stream.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch st.Status {
	case stream.StatusConnected:
		fmt.Fprintln(p.out, "--- connected")
	case stream.StatusReconnecting:
		fmt.Fprintf(p.out, "--- reconnecting in %s (attempt %d)\n", st.NextRetry, st.Attempts)
	}
}

func watch(ctx context.Context, out, errOut io.Writer, cfg config.Config, target stream.Target, keepOpen bool) error {
	logger := observability.InitLoggerTo(errOut, cfg.LogLevel)

	metricsHandler, shutdownMetrics, err := observability.InitMeterProvider()
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &printer{out: out}
	if !keepOpen {
		p.onComplete = cancel
	}

	bc := backend.New(cfg.APIBaseURL, cfg.APIToken,
		backend.WithLimiter(ratelimit.NewOperationLimiter(cfg.Rates)),
		backend.WithLogger(logger),
	)
	conn := stream.NewHTTPConnector(cfg.APIBaseURL, cfg.APIToken, nil, logger)

	s, err := session.New(session.Config{
		Target:            target,
		Policy:            cfg.Policy,
		MaxLoopIterations: cfg.MaxLoopIterations,
		HistorySize:       cfg.HistorySize,
	},
		session.WithConnector(conn,
			stream.WithMaxAttempts(cfg.ReconnectMaxAttempts),
			stream.WithBackoff(cfg.ReconnectInitialBackoff, cfg.ReconnectMaxBackoff),
		),
		session.WithRequester(bc),
		session.WithSnapshotLoader(bc),
		session.WithNotifier(p),
		session.WithManualTrigger(p),
		session.WithStateListener(p.connection),
		session.WithMetrics(metrics),
		session.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Resync(gctx); err != nil {
			// The stream replays state on connect, so a missing snapshot is
			// not fatal.
			logger.Warn("initial snapshot unavailable", "error", err)
		}
		if err := s.Start(); err != nil {
			return err
		}
		select {
		case <-gctx.Done():
			return nil
		case <-s.Done():
			return s.Err()
		}
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, metricsHandler, logger) })
	}

	err = g.Wait()
	snap := s.Snapshot()
	fmt.Fprintf(out, "progress %d%% (current step %s)\n", s.State().ProgressPercentage(), snap.CurrentStep)
	return err
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
