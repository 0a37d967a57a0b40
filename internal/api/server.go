// Package api serves the workflow relay: pipeline snapshots, the event
// stream and recovery requests, backed by Temporal.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/bidopsai/bidops-go/internal/eventsource"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

// Options configures a Server.
type Options struct {
	CORSOrigins []string
	OIDC        OIDCConfig
	Stream      eventsource.StreamConfig
	// Limiter throttles Temporal calls. Nil means unlimited.
	Limiter *ratelimit.OperationLimiter
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// TaskQueue scopes workflow listings.
	TaskQueue string
	Logger    *slog.Logger
}

// Server is the HTTP API server for the bid pipeline relay.
type Server struct {
	querier querier.PipelineQuerier
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server. With OIDC enabled it performs issuer discovery, so
// ctx bounds that network call.
func New(ctx context.Context, q querier.PipelineQuerier, opts Options) (*Server, error) {
	if opts.Stream.PollInterval <= 0 {
		opts.Stream = eventsource.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{querier: q, opts: opts, logger: logger, mux: http.NewServeMux()}
	s.routes()

	var h http.Handler = s.mux
	if opts.OIDC.Enabled {
		provider, err := oidc.NewProvider(ctx, opts.OIDC.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		h = oidcAuth(provider, opts.OIDC.Audience)(h)
	}
	s.handler = requestID(logging(logger, cors(opts.CORSOrigins, h)))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
	s.mux.HandleFunc("GET /api/v1/projects/{project}/workflows", s.project(s.handleListWorkflows))
	s.mux.HandleFunc("GET /api/v1/projects/{project}/workflows/{id}", s.project(s.handleGetWorkflow))
	s.mux.HandleFunc("GET /api/v1/projects/{project}/workflows/{id}/snapshot", s.project(s.handleGetSnapshot))
	s.mux.HandleFunc("POST /api/v1/projects/{project}/workflows/{id}/recovery", s.project(s.handleRecovery))
	s.mux.HandleFunc("GET /api/v1/projects/{project}/workflows/{id}/stream",
		s.project(eventsource.StreamHandler(s.querier, s.opts.Limiter, s.opts.Stream, s.logger)))
}
