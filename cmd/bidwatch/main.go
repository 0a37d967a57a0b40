// Command bidwatch follows a bid pipeline workflow from the terminal.
//
// Usage:
//
//	bidwatch start   --project P --document s3://bids/P/rfp.pdf
//	bidwatch watch   --project P --workflow W
//	bidwatch status  --workflow W
//	bidwatch recover --project P --workflow W --action retry --agent CONTENT
//	bidwatch version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/bidopsai/bidops-go/internal/backend"
	"github.com/bidopsai/bidops-go/internal/config"
	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/stream"
	"github.com/bidopsai/bidops-go/internal/temporal/codecs"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
	"github.com/bidopsai/bidops-go/internal/temporal/workflows"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	projectID  string
	workflowID string
}

func (f flags) target() stream.Target {
	return stream.Target{ProjectID: f.projectID, WorkflowID: f.workflowID}
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "bidwatch",
		Short:         "Follow bid pipeline workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&f.projectID, "project", "", "project ID")
	cmd.PersistentFlags().StringVar(&f.workflowID, "workflow", "", "workflow execution ID")

	cmd.AddCommand(startCmd(&f), watchCmd(&f), statusCmd(&f), recoverCmd(&f))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bidwatch version %s\n", version)
		},
	})
	return cmd
}

func statusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the pipeline snapshot read from Temporal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.workflowID == "" {
				return fmt.Errorf("--workflow is required")
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := observability.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)

			c, err := dialTemporal(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			snap, err := querier.New(c, logger).GetPipelineState(cmd.Context(), f.workflowID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func recoverCmd(f *flags) *cobra.Command {
	var agent, action, reason string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Ask the workflow to retry or skip an agent, or restart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := f.target()
			if err := target.Validate(); err != nil {
				return err
			}
			req := domain.RecoveryRequest{
				RequestID: uuid.NewString(),
				Agent:     domain.AgentType(agent),
				Action:    domain.ErrorActionType(action),
				Reason:    reason,
			}
			if err := domain.ValidateRecoveryRequest(req); err != nil {
				return err
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := observability.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)

			bc := backend.New(cfg.APIBaseURL, cfg.APIToken,
				backend.WithLimiter(ratelimit.NewOperationLimiter(cfg.Rates)),
				backend.WithLogger(logger),
			)
			if err := bc.RequestRecovery(cmd.Context(), target, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovery requested: %s %s (request %s)\n", req.Action, req.Agent, req.RequestID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent to recover (omit for restart)")
	cmd.Flags().StringVar(&action, "action", "", "retry, skip or restart")
	cmd.Flags().StringVar(&reason, "reason", "requested from bidwatch", "reason recorded with the request")
	return cmd
}

func startCmd(f *flags) *cobra.Command {
	var (
		documents []string
		maxLoops  int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a bid pipeline workflow for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.projectID == "" {
				return fmt.Errorf("--project is required")
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := observability.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)

			c, err := dialTemporal(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			id := f.workflowID
			if id == "" {
				id = "bid-" + f.projectID + "-" + uuid.NewString()[:8]
			}
			run, err := c.ExecuteWorkflow(cmd.Context(), client.StartWorkflowOptions{
				ID:        id,
				TaskQueue: cfg.TaskQueue,
				TypedSearchAttributes: temporal.NewSearchAttributes(
					workflows.SearchAttrProjectID.ValueSet(f.projectID),
				),
			}, workflows.BidPipelineWorkflow, workflows.PipelineInput{
				ProjectID:      f.projectID,
				Documents:      documents,
				MaxReviewLoops: maxLoops,
			})
			if err != nil {
				return fmt.Errorf("start workflow: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s (run %s)\n", run.GetID(), run.GetRunID())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&documents, "document", nil, "source document URI (repeatable)")
	cmd.Flags().IntVar(&maxLoops, "max-review-loops", workflows.DefaultMaxReviewLoops, "resets allowed per reason before a step stalls")
	return cmd
}

func dialTemporal(cfg config.Config, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:      cfg.TemporalHost,
		Namespace:     cfg.TemporalNamespace,
		Logger:        observability.NewTemporalSlogAdapter(logger),
		DataConverter: codecs.DataConverter(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
