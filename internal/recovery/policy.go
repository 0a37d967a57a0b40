// Package recovery is the policy layer above navigation: it decides per
// agent class how aggressively to auto-recover, attaches user-facing
// messages, reports to monitoring and fans actions out to subscribers.
package recovery

import (
	"fmt"
	"time"
)

// Policy holds the recovery limits and delays.
type Policy struct {
	// MaxRetries is how many automatic retries an agent gets before the
	// class-specific fallback applies.
	MaxRetries int `yaml:"max_retries"`

	ParserRetryDelay     time.Duration `yaml:"parser_retry_delay"`
	ContentRetryDelay    time.Duration `yaml:"content_retry_delay"`
	ReviewRetryDelay     time.Duration `yaml:"review_retry_delay"`
	GenericRetryDelay    time.Duration `yaml:"generic_retry_delay"`
	ConnectionRetryDelay time.Duration `yaml:"connection_retry_delay"`

	// ConnectionRestarts bounds how often a session restarts its stream
	// consumer after the consumer itself gave up.
	ConnectionRestarts int `yaml:"connection_restarts"`

	// ReportsPerWindow caps monitoring reports per (workflow, agent) within
	// ReportWindow. Zero disables the cap.
	ReportsPerWindow int           `yaml:"reports_per_window"`
	ReportWindow     time.Duration `yaml:"report_window"`
}

// DefaultPolicy returns the standard recovery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           3,
		ParserRetryDelay:     3 * time.Second,
		ContentRetryDelay:    time.Second,
		ReviewRetryDelay:     time.Second,
		GenericRetryDelay:    time.Second,
		ConnectionRetryDelay: 2 * time.Second,
		ConnectionRestarts:   1,
		ReportsPerWindow:     20,
		ReportWindow:         time.Minute,
	}
}

// Validate rejects negative limits and delays.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.ConnectionRestarts < 0 {
		return fmt.Errorf("connection_restarts must be >= 0, got %d", p.ConnectionRestarts)
	}
	if p.ReportsPerWindow < 0 {
		return fmt.Errorf("reports_per_window must be >= 0, got %d", p.ReportsPerWindow)
	}
	for name, d := range map[string]time.Duration{
		"parser_retry_delay":     p.ParserRetryDelay,
		"content_retry_delay":    p.ContentRetryDelay,
		"review_retry_delay":     p.ReviewRetryDelay,
		"generic_retry_delay":    p.GenericRetryDelay,
		"connection_retry_delay": p.ConnectionRetryDelay,
		"report_window":          p.ReportWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, d)
		}
	}
	return nil
}
