// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bidopsai/bidops-go/internal/navigation"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/recovery"
	"github.com/bidopsai/bidops-go/internal/stream"
	"github.com/bidopsai/bidops-go/internal/temporal/versioning"
)

// Mode determines whether the worker runs agents against scripted stubs or
// the real agent service.
type Mode string

const (
	ModeStub       Mode = "stub"
	ModeProduction Mode = "production"
)

// Agent service authentication schemes.
const (
	AgentAuthBearer = "bearer"
	AgentAuthSigV4  = "sigv4"
)

// Config holds all application configuration.
type Config struct {
	// Workflow API the client side talks to.
	APIBaseURL string
	APIToken   string

	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	LogLevel    string
	OTelEnabled bool
	MetricsAddr string

	// Relay server settings.
	APIPort            string
	CORSOrigins        []string
	OIDCIssuer         string
	OIDCAudience       string
	StreamPollInterval time.Duration
	StreamMaxDuration  time.Duration

	ReconnectMaxAttempts    int
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration

	MaxLoopIterations int
	HistorySize       int

	Rates      ratelimit.OperationRates
	PolicyFile string
	Policy     recovery.Policy

	// Worker settings.
	Mode           Mode
	WorkerQueues   string
	AgentEndpoint  string
	AgentToken     string
	AgentAuth      string
	AWSRegion      string
	AWSProfile     string
	AgentRoleARN   string
	AgentRunBudget int
	AgentRunWindow time.Duration
}

// LoadFromEnv reads configuration from environment variables with sensible defaults.
func LoadFromEnv() (Config, error) {
	p := &parser{}
	defaults := ratelimit.DefaultOperationRates()
	cfg := Config{
		APIBaseURL:        envOr("BIDOPS_API_BASE_URL", "http://localhost:8080"),
		APIToken:          os.Getenv("BIDOPS_API_TOKEN"),
		TemporalHost:      envOr("TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: envOr("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         envOr("BIDOPS_TASK_QUEUE", versioning.QueuePipeline),
		LogLevel:          envOr("BIDOPS_LOG_LEVEL", "info"),
		OTelEnabled:       p.boolOf("BIDOPS_OTEL_ENABLED", false),
		MetricsAddr:       os.Getenv("BIDOPS_METRICS_ADDR"),

		APIPort:            envOr("BIDOPS_API_PORT", "8080"),
		CORSOrigins:        parseCORSOrigins(os.Getenv("BIDOPS_CORS_ORIGINS")),
		OIDCIssuer:         os.Getenv("BIDOPS_OIDC_ISSUER"),
		OIDCAudience:       os.Getenv("BIDOPS_OIDC_AUDIENCE"),
		StreamPollInterval: p.durationOf("BIDOPS_STREAM_POLL_INTERVAL", 2*time.Second),
		StreamMaxDuration:  p.durationOf("BIDOPS_STREAM_MAX_DURATION", 30*time.Minute),

		ReconnectMaxAttempts:    p.intOf("BIDOPS_RECONNECT_MAX_ATTEMPTS", stream.DefaultMaxAttempts),
		ReconnectInitialBackoff: p.durationOf("BIDOPS_RECONNECT_INITIAL_BACKOFF", stream.DefaultInitialBackoff),
		ReconnectMaxBackoff:     p.durationOf("BIDOPS_RECONNECT_MAX_BACKOFF", stream.DefaultMaxBackoff),

		MaxLoopIterations: p.intOf("BIDOPS_MAX_LOOP_ITERATIONS", navigation.DefaultMaxLoopIterations),
		HistorySize:       p.intOf("BIDOPS_HISTORY_SIZE", navigation.DefaultHistorySize),

		Rates: ratelimit.OperationRates{
			Recovery: p.floatOf("BIDOPS_RECOVERY_RPS", defaults.Recovery),
			Snapshot: p.floatOf("BIDOPS_SNAPSHOT_RPS", defaults.Snapshot),
		},
		PolicyFile: os.Getenv("BIDOPS_POLICY_FILE"),

		Mode:           Mode(envOr("BIDOPS_WORKER_MODE", string(ModeStub))),
		WorkerQueues:   os.Getenv("BIDOPS_WORKER_QUEUES"),
		AgentEndpoint:  os.Getenv("BIDOPS_AGENT_ENDPOINT"),
		AgentToken:     os.Getenv("BIDOPS_AGENT_TOKEN"),
		AgentAuth:      envOr("BIDOPS_AGENT_AUTH", AgentAuthBearer),
		AWSRegion:      envOr("AWS_REGION", "us-east-1"),
		AWSProfile:     os.Getenv("AWS_PROFILE"),
		AgentRoleARN:   os.Getenv("BIDOPS_AGENT_ROLE_ARN"),
		AgentRunBudget: p.intOf("BIDOPS_AGENT_RUN_BUDGET", 20),
		AgentRunWindow: p.durationOf("BIDOPS_AGENT_RUN_WINDOW", time.Hour),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	switch {
	case cfg.ReconnectMaxAttempts < 0:
		return Config{}, fmt.Errorf("config: BIDOPS_RECONNECT_MAX_ATTEMPTS must be >= 0")
	case cfg.MaxLoopIterations < 1:
		return Config{}, fmt.Errorf("config: BIDOPS_MAX_LOOP_ITERATIONS must be >= 1")
	case cfg.HistorySize < 1:
		return Config{}, fmt.Errorf("config: BIDOPS_HISTORY_SIZE must be >= 1")
	case cfg.StreamPollInterval <= 0:
		return Config{}, fmt.Errorf("config: BIDOPS_STREAM_POLL_INTERVAL must be positive")
	}
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience == "" {
		return Config{}, fmt.Errorf("config: BIDOPS_OIDC_AUDIENCE required when BIDOPS_OIDC_ISSUER is set")
	}
	if err := cfg.validateWorker(); err != nil {
		return Config{}, err
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy
	return cfg, nil
}

// LoadPolicy overlays the YAML file at path on the default recovery policy.
// An empty path returns the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (recovery.Policy, error) {
	policy := recovery.DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return recovery.Policy{}, fmt.Errorf("config: policy file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return recovery.Policy{}, fmt.Errorf("config: policy file %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return recovery.Policy{}, fmt.Errorf("config: policy file %s: %w", path, err)
	}
	return policy, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parser keeps the first conversion error so LoadFromEnv can read every
// variable in one literal.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
}

func (p *parser) intOf(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return n
}

func (p *parser) floatOf(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return f
}

func (p *parser) durationOf(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return d
}

func (p *parser) boolOf(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return b
}

func parseCORSOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(o); t != "" {
			origins = append(origins, t)
		}
	}
	return origins
}

func (c Config) validateWorker() error {
	switch c.Mode {
	case ModeStub, ModeProduction:
	default:
		return fmt.Errorf("config: invalid BIDOPS_WORKER_MODE %q (must be stub or production)", c.Mode)
	}
	switch c.AgentAuth {
	case AgentAuthBearer, AgentAuthSigV4:
	default:
		return fmt.Errorf("config: invalid BIDOPS_AGENT_AUTH %q (must be bearer or sigv4)", c.AgentAuth)
	}
	if c.Mode == ModeProduction && c.AgentEndpoint == "" {
		return fmt.Errorf("config: BIDOPS_AGENT_ENDPOINT required in production mode")
	}
	if c.AgentRunBudget < 0 {
		return fmt.Errorf("config: BIDOPS_AGENT_RUN_BUDGET must be >= 0")
	}
	return nil
}

// OIDCEnabled reports whether relay requests must carry a bearer token.
func (c Config) OIDCEnabled() bool {
	return c.OIDCIssuer != ""
}
