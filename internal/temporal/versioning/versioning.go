// Package versioning defines workflow versions and task queue names.
package versioning

const (
	// Workflow versions for determinism tracking.
	BidPipelineV1 = "bid-pipeline-v1"

	// Task queues. Workflow tasks stay on QueuePipeline; agent runs go to
	// QueueAgents so model-heavy work can scale on its own workers.
	QueuePipeline = "bidops-pipeline"
	QueueAgents   = "bidops-agents"
)
