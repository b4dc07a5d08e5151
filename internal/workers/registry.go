package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/switchyard/internal/model"
)

// DefaultCacheTTL is how long an owner's dynamic workers are served from cache.
const DefaultCacheTTL = 30 * time.Second

var (
	// ErrWorkerNotFound is returned when no static or dynamic worker has the id.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrDuplicateWorker is returned when the static catalog repeats an id.
	ErrDuplicateWorker = errors.New("duplicate worker id")
)

// Fetcher loads an owner's dynamic worker records from persistence.
type Fetcher interface {
	FetchDynamicWorkers(ctx context.Context, ownerID string) ([]model.WorkerRecord, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the dynamic cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces time.Now for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

type cacheEntry struct {
	workers   []model.Worker
	byID      map[string]int
	fetchedAt time.Time
}

// Registry is the hybrid worker catalog. It is safe for concurrent use.
type Registry struct {
	static      map[string]model.Worker
	staticOrder []string
	coordinator string

	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	generation map[string]uint64
}

// NewRegistry creates a registry over the given static workers. The first
// coordinator in the list is the default coordinator. fetcher may be nil, in
// which case owners have no dynamic workers.
func NewRegistry(static []model.Worker, fetcher Fetcher, opts ...Option) (*Registry, error) {
	r := &Registry{
		static:     make(map[string]model.Worker, len(static)),
		fetcher:    fetcher,
		ttl:        DefaultCacheTTL,
		now:        time.Now,
		logger:     slog.Default(),
		cache:      make(map[string]*cacheEntry),
		generation: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, w := range static {
		if w.ID == "" {
			return nil, fmt.Errorf("static worker %q has no id", w.Name)
		}
		if _, dup := r.static[w.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID)
		}
		w = w.Clone()
		w.Source = model.SourceStatic
		w.OwnerID = ""
		if w.Role == "" {
			w.Role = model.RoleSpecialist
		}
		r.static[w.ID] = w
		r.staticOrder = append(r.staticOrder, w.ID)
		if r.coordinator == "" && w.Role == model.RoleCoordinator {
			r.coordinator = w.ID
		}
	}
	if r.coordinator == "" {
		return nil, errors.New("static catalog has no coordinator")
	}
	return r, nil
}

// DefaultCoordinator returns the id of the default coordinator.
func (r *Registry) DefaultCoordinator() string {
	return r.coordinator
}

// GetWorker resolves id against the static catalog first, then against the
// owner's dynamic workers. The returned worker is a copy.
func (r *Registry) GetWorker(ctx context.Context, id, ownerID string) (*model.Worker, error) {
	if w, ok := r.static[id]; ok {
		c := w.Clone()
		return &c, nil
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	entry, err := r.dynamic(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	i, ok := entry.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	c := entry.workers[i].Clone()
	return &c, nil
}

// GetAllWorkers returns the static workers followed by the owner's dynamic
// workers, each group in a stable order.
func (r *Registry) GetAllWorkers(ctx context.Context, ownerID string) ([]model.Worker, error) {
	out := make([]model.Worker, 0, len(r.staticOrder))
	for _, id := range r.staticOrder {
		out = append(out, r.static[id].Clone())
	}
	if ownerID == "" {
		return out, nil
	}

	entry, err := r.dynamic(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, w := range entry.workers {
		out = append(out, w.Clone())
	}
	return out, nil
}

// GetSubWorkers returns the workers whose parent is parentID.
func (r *Registry) GetSubWorkers(ctx context.Context, parentID, ownerID string) ([]model.Worker, error) {
	all, err := r.GetAllWorkers(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var subs []model.Worker
	for _, w := range all {
		if w.ParentWorkerID == parentID {
			subs = append(subs, w)
		}
	}
	return subs, nil
}

// Invalidate drops the owner's cached dynamic workers. The next read fetches
// again regardless of TTL, and a fetch already in flight is not cached.
func (r *Registry) Invalidate(ownerID string) {
	r.mu.Lock()
	delete(r.cache, ownerID)
	r.generation[ownerID]++
	r.mu.Unlock()

	r.group.Forget(ownerID)
	r.logger.Debug("worker cache invalidated", "owner_id", ownerID)
}

// dynamic returns the owner's cache entry, fetching it when missing or
// expired. Concurrent misses for one owner share a single fetch.
func (r *Registry) dynamic(ctx context.Context, ownerID string) (*cacheEntry, error) {
	r.mu.Lock()
	entry, ok := r.cache[ownerID]
	gen := r.generation[ownerID]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return entry, nil
	}

	if r.fetcher == nil {
		return &cacheEntry{byID: map[string]int{}}, nil
	}

	v, err, shared := r.group.Do(ownerID, func() (any, error) {
		records, err := r.fetcher.FetchDynamicWorkers(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("fetch dynamic workers: %w", err)
		}
		entry := r.buildEntry(ownerID, records)

		r.mu.Lock()
		if r.generation[ownerID] == gen {
			r.cache[ownerID] = entry
		}
		r.mu.Unlock()

		r.logger.Debug("dynamic workers fetched", "owner_id", ownerID, "count", len(entry.workers))
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("dynamic worker fetch shared", "owner_id", ownerID)
	}
	return v.(*cacheEntry), nil
}

func (r *Registry) buildEntry(ownerID string, records []model.WorkerRecord) *cacheEntry {
	entry := &cacheEntry{
		byID:      make(map[string]int, len(records)),
		fetchedAt: r.now(),
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	for _, rec := range records {
		if _, shadowed := r.static[rec.ID]; shadowed {
			r.logger.Warn("dynamic worker shadows static worker, skipping", "owner_id", ownerID, "worker_id", rec.ID)
			continue
		}
		if _, dup := entry.byID[rec.ID]; dup {
			continue
		}
		entry.byID[rec.ID] = len(entry.workers)
		entry.workers = append(entry.workers, FromRecord(rec))
	}
	return entry
}

// FromRecord transforms a persistence record into a dynamic Worker.
func FromRecord(rec model.WorkerRecord) model.Worker {
	role := model.RoleSpecialist
	if strings.EqualFold(rec.Kind, model.RoleCoordinator) || strings.EqualFold(rec.Kind, "supervisor") {
		role = model.RoleCoordinator
	}
	name := rec.Name
	if name == "" {
		name = rec.ID
	}
	return model.Worker{
		ID:                 rec.ID,
		Name:               name,
		Role:               role,
		ModelRef:           rec.Model,
		Instructions:       rec.Instructions,
		Capabilities:       splitList(rec.Tools),
		DelegationTargets:  splitList(rec.Delegates),
		SpecializationTags: splitList(rec.Tags),
		ParentWorkerID:     rec.ParentID,
		Source:             model.SourceDynamic,
		OwnerID:            rec.OwnerID,
	}
}

// ToRecord is the inverse of FromRecord.
func ToRecord(w model.Worker) model.WorkerRecord {
	return model.WorkerRecord{
		ID:           w.ID,
		OwnerID:      w.OwnerID,
		Name:         w.Name,
		Kind:         w.Role,
		Model:        w.ModelRef,
		Instructions: w.Instructions,
		Tools:        strings.Join(w.Capabilities, ","),
		Delegates:    strings.Join(w.DelegationTargets, ","),
		Tags:         strings.Join(w.SpecializationTags, ","),
		ParentID:     w.ParentWorkerID,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
