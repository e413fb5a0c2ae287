// pkg/registry/registry.go
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is a concurrency-safe catalogue of activities keyed by task type.
type Registry struct {
	version string

	mu         sync.RWMutex
	activities map[string]Activity
	updated    time.Time
}

func New(version string) *Registry {
	return &Registry{version: version, activities: make(map[string]Activity)}
}

// Add records a. Task types must be unique.
func (r *Registry) Add(a Activity) error {
	if a.TaskType == "" {
		return fmt.Errorf("activity %q has no task type", a.ID)
	}
	if a.ID == "" {
		a.ID = a.TaskType
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.activities[a.TaskType]; dup {
		return fmt.Errorf("task type %q already registered", a.TaskType)
	}
	r.activities[a.TaskType] = a
	r.updated = time.Now().UTC()
	return nil
}

// SetStatus updates the implementation status of a registered task type.
func (r *Registry) SetStatus(taskType, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[taskType]
	if !ok {
		return false
	}
	a.ImplementationStatus = status
	r.activities[taskType] = a
	r.updated = time.Now().UTC()
	return true
}

// Snapshot returns the catalogue sorted by task type.
func (r *Registry) Snapshot() ActivityRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := ActivityRegistry{
		Version:    r.version,
		Activities: make([]Activity, 0, len(r.activities)),
	}
	if !r.updated.IsZero() {
		out.LastUpdated = r.updated.Format(time.RFC3339)
	}
	for _, a := range r.activities {
		out.Activities = append(out.Activities, a)
	}
	sort.Slice(out.Activities, func(i, j int) bool {
		return out.Activities[i].TaskType < out.Activities[j].TaskType
	})
	return out
}
