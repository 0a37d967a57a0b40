// Command worker-bidops runs the Temporal workers for the bid pipeline.
// Stub mode completes every agent immediately; production mode calls the
// agent service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/bidopsai/bidops-go/internal/config"
	"github.com/bidopsai/bidops-go/internal/connectors/agentsvc"
	awsauth "github.com/bidopsai/bidops-go/internal/connectors/aws"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/temporal/activities"
	"github.com/bidopsai/bidops-go/internal/temporal/codecs"
	"github.com/bidopsai/bidops-go/internal/temporal/queues"
	"github.com/bidopsai/bidops-go/internal/temporal/versioning"
	"github.com/bidopsai/bidops-go/internal/temporal/workflows"
	"github.com/bidopsai/bidops-go/internal/testutil"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := observability.InitLogger(cfg.LogLevel)

	names, err := queues.ParseQueues(cfg.WorkerQueues)
	if err != nil {
		logger.Error("invalid BIDOPS_WORKER_QUEUES", "error", err)
		os.Exit(1)
	}

	runner, err := newRunner(context.Background(), cfg)
	if err != nil {
		logger.Error("agent runner init failed", "error", err)
		os.Exit(1)
	}

	c, err := client.Dial(client.Options{
		HostPort:      cfg.TemporalHost,
		Namespace:     cfg.TemporalNamespace,
		Logger:        observability.NewTemporalSlogAdapter(logger),
		DataConverter: codecs.DataConverter(),
	})
	if err != nil {
		logger.Error("unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	acts := &activities.Activities{
		Runner: runner,
		Budget: ratelimit.NewReportBudget(cfg.AgentRunBudget, cfg.AgentRunWindow),
		Logger: logger,
	}

	configs := queues.DefaultConfigs()
	var workers []worker.Worker
	for _, name := range names {
		w := worker.New(c, name, configs[name].Options)
		switch name {
		case versioning.QueuePipeline:
			w.RegisterWorkflow(workflows.BidPipelineWorkflow)
		case versioning.QueueAgents:
			w.RegisterActivity(acts)
		}
		if err := w.Start(); err != nil {
			logger.Error("worker start failed", "queue", name, "error", err)
			os.Exit(1)
		}
		logger.Info("worker started", "queue", name, "mode", cfg.Mode)
		workers = append(workers, w)
	}

	<-worker.InterruptCh()
	for _, w := range workers {
		w.Stop()
	}
	logger.Info("workers stopped")
}

func newRunner(ctx context.Context, cfg config.Config) (activities.AgentRunner, error) {
	if cfg.Mode != config.ModeProduction {
		return &testutil.StubRunner{}, nil
	}

	var base http.RoundTripper
	if cfg.AgentAuth == config.AgentAuthSigV4 {
		awsCfg, err := awsauth.NewAWSConfig(ctx, cfg.AWSRegion, cfg.AWSProfile, cfg.AgentRoleARN)
		if err != nil {
			return nil, err
		}
		base = awsauth.NewSigningTransport(nil, awsCfg, awsauth.ServiceExecuteAPI)
	}
	return agentsvc.New(cfg.AgentEndpoint, cfg.AgentToken, base), nil
}
