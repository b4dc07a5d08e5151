package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/switchyard/internal/model"
)

var (
	// ErrNotFound is returned when no execution has the given id.
	ErrNotFound = errors.New("execution not found")

	// errFinished is returned by Registry.update once the execution is
	// terminal. The owning task treats it as a signal to stop.
	errFinished = errors.New("execution already finished")
)

// Registry is the process-wide store of in-flight and recently finished
// executions. Readers always receive deep copies.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]*model.Execution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]*model.Execution)}
}

func (r *Registry) add(e *model.Execution) {
	r.mu.Lock()
	r.execs[e.ID] = e
	r.mu.Unlock()
}

// Get returns a snapshot of the execution.
func (r *Registry) Get(id string) (*model.Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Active returns snapshots of running executions, oldest first.
func (r *Registry) Active() []*model.Execution {
	r.mu.RLock()
	out := make([]*model.Execution, 0, len(r.execs))
	for _, e := range r.execs {
		if e.Status == model.StatusRunning {
			out = append(out, e.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// update applies fn to a running execution under the write lock.
func (r *Registry) update(id string, fn func(e *model.Execution)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	if !ok {
		return ErrNotFound
	}
	if model.IsTerminal(e.Status) {
		return errFinished
	}
	fn(e)
	return nil
}

// finish moves a running execution to a terminal status, applying fn first.
// It returns a snapshot of the finished record, or errFinished if another
// caller already finalized it.
func (r *Registry) finish(id, status string, at time.Time, fn func(e *model.Execution)) (*model.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !model.ValidTransition(e.Status, status) {
		return nil, errFinished
	}
	if fn != nil {
		fn(e)
	}
	if err := e.Transition(status, at); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (r *Registry) status(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.execs[id]; ok {
		return e.Status
	}
	return ""
}

// expired returns snapshots of terminal executions that ended before cutoff.
func (r *Registry) expired(cutoff time.Time) []*model.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Execution
	for _, e := range r.execs {
		if model.IsTerminal(e.Status) && e.EndTime != nil && e.EndTime.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.execs, id)
	r.mu.Unlock()
}

// summary aggregates the in-memory executions.
type summary struct {
	byStatus  map[string]int
	partial   int
	finished  int
	elapsedMS int64
}

func (r *Registry) summarize() summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := summary{byStatus: make(map[string]int)}
	for _, e := range r.execs {
		s.byStatus[e.Status]++
		if e.Partial {
			s.partial++
		}
		if model.IsTerminal(e.Status) {
			s.finished++
			s.elapsedMS += e.Metrics.ElapsedMS
		}
	}
	return s
}
