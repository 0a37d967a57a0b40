package domain

// EntityType names a cached server entity that stream events invalidate.
type EntityType string

const (
	EntityWorkflowExecution EntityType = "workflowExecution"
	EntityProject           EntityType = "project"
	EntityArtifacts         EntityType = "artifacts"
)

// EntityKey identifies one cached entity.
type EntityKey struct {
	Type EntityType
	ID   string
}

func (k EntityKey) String() string {
	return string(k.Type) + ":" + k.ID
}
