package model

import "time"

// Worker roles.
const (
	RoleCoordinator = "coordinator"
	RoleSpecialist  = "specialist"
)

// Worker sources.
const (
	SourceStatic  = "static"
	SourceDynamic = "dynamic"
)

// Worker is a callable specialization that can answer a request, request a
// tool, or hand off to another worker.
type Worker struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Role               string   `json:"role" yaml:"role"`
	ModelRef           string   `json:"model_ref" yaml:"model"`
	Instructions       string   `json:"instructions,omitempty" yaml:"instructions"`
	Capabilities       []string `json:"capabilities,omitempty" yaml:"capabilities"`
	DelegationTargets  []string `json:"delegation_targets,omitempty" yaml:"delegates"`
	SpecializationTags []string `json:"specialization_tags,omitempty" yaml:"tags"`
	ParentWorkerID     string   `json:"parent_worker_id,omitempty" yaml:"parent"`
	Source             string   `json:"source" yaml:"-"`
	OwnerID            string   `json:"owner_id,omitempty" yaml:"-"`
}

// IsCoordinator reports whether the worker coordinates other workers.
func (w *Worker) IsCoordinator() bool {
	return w.Role == RoleCoordinator
}

// CanDelegateTo reports whether id is one of the worker's declared delegation
// targets. A worker with no declared targets may hand off to any worker.
func (w *Worker) CanDelegateTo(id string) bool {
	if len(w.DelegationTargets) == 0 {
		return true
	}
	for _, t := range w.DelegationTargets {
		if t == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with w.
func (w Worker) Clone() Worker {
	w.Capabilities = append([]string(nil), w.Capabilities...)
	w.DelegationTargets = append([]string(nil), w.DelegationTargets...)
	w.SpecializationTags = append([]string(nil), w.SpecializationTags...)
	return w
}

// WorkerRecord is a dynamic worker as stored by the persistence layer. List
// fields are comma-separated.
type WorkerRecord struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Instructions string    `json:"instructions"`
	Tools        string    `json:"tools"`
	Delegates    string    `json:"delegates"`
	Tags         string    `json:"tags"`
	ParentID     string    `json:"parent_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}
