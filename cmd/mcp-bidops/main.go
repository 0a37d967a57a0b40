// Command mcp-bidops runs the MCP tool server for bid pipeline workflows.
// Uses stdio transport for integration with AI assistants.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.temporal.io/sdk/client"

	"github.com/bidopsai/bidops-go/internal/config"
	"github.com/bidopsai/bidops-go/internal/mcpserver"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/temporal/codecs"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

var version = "dev"

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol, so logs go to stderr.
	logger := observability.InitLoggerTo(os.Stderr, cfg.LogLevel)

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

	q := querier.New(c, logger)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "bidops",
		Version: version,
	}, nil)
	mcpserver.RegisterTools(server, q, mcpserver.Options{TaskQueue: cfg.TaskQueue})

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
