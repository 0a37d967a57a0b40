// Package queues defines per-queue worker configuration for task-queue partitioning.
package queues

import (
	"fmt"
	"strings"

	"go.temporal.io/sdk/worker"

	"github.com/bidopsai/bidops-go/internal/temporal/versioning"
)

// QueueConfig holds worker options for a single task queue.
type QueueConfig struct {
	Name    string
	Options worker.Options
}

// DefaultConfigs returns the standard per-queue worker options.
//
//   - QueuePipeline: orchestration only, many cheap workflow tasks
//   - QueueAgents: long agent runs, concurrency bounded by the agent service
func DefaultConfigs() map[string]QueueConfig {
	return map[string]QueueConfig{
		versioning.QueuePipeline: {
			Name: versioning.QueuePipeline,
			Options: worker.Options{
				MaxConcurrentWorkflowTaskExecutionSize: 20,
				MaxConcurrentActivityExecutionSize:     1,
			},
		},
		versioning.QueueAgents: {
			Name: versioning.QueueAgents,
			Options: worker.Options{
				MaxConcurrentActivityExecutionSize:     4,
				MaxConcurrentWorkflowTaskExecutionSize: 1,
			},
		},
	}
}

var shortNames = map[string]string{
	"pipeline": versioning.QueuePipeline,
	"agents":   versioning.QueueAgents,
}

// ParseQueues turns a comma-separated list such as "pipeline,agents" into
// full queue names. Short and full names are both accepted; an empty list
// means every queue.
func ParseQueues(raw string) ([]string, error) {
	all := []string{versioning.QueuePipeline, versioning.QueueAgents}
	known := DefaultConfigs()

	seen := make(map[string]bool)
	var result []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if full, ok := shortNames[name]; ok {
			name = full
		}
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("unknown queue %q", name)
		}
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	if len(result) == 0 {
		return all, nil
	}
	return result, nil
}
