package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/switchyard/internal/llm"
	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/router"
	"github.com/seantiz/switchyard/internal/store"
	"github.com/seantiz/switchyard/internal/tools"
)

var (
	// ErrEmptyRequest is returned by Submit when the request has no text.
	ErrEmptyRequest = errors.New("request text is empty")

	// ErrNotRunning is returned by Cancel for an execution that already
	// reached a terminal status.
	ErrNotRunning = errors.New("execution is not running")
)

// Config holds the engine limits.
type Config struct {
	// MaxDelegationDepth bounds the number of handoffs per execution.
	MaxDelegationDepth int

	// MaxToolRounds bounds the tool calls within one worker turn.
	MaxToolRounds int

	// CoordinatorTimeout and SpecialistTimeout are the per-execution
	// deadlines, chosen by the role of the first worker invoked.
	CoordinatorTimeout time.Duration
	SpecialistTimeout  time.Duration

	// HistoryLimit is how many prior thread messages are replayed.
	HistoryLimit int

	// Retry is applied to every model, tool and thread call.
	Retry resilience.RetryOptions

	// Retention is how long terminal executions stay in memory.
	Retention time.Duration

	// JanitorInterval is how often expired executions are archived.
	JanitorInterval time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxDelegationDepth: 6,
		MaxToolRounds:      8,
		CoordinatorTimeout: 2 * time.Minute,
		SpecialistTimeout:  45 * time.Second,
		HistoryLimit:       20,
		Retry:              resilience.DefaultRetryOptions(),
		Retention:          15 * time.Minute,
		JanitorInterval:    time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = d.MaxDelegationDepth
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = d.MaxToolRounds
	}
	if c.CoordinatorTimeout <= 0 {
		c.CoordinatorTimeout = d.CoordinatorTimeout
	}
	if c.SpecialistTimeout <= 0 {
		c.SpecialistTimeout = d.SpecialistTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	return c
}

// WorkerResolver looks up workers by id.
type WorkerResolver interface {
	GetWorker(ctx context.Context, id, ownerID string) (*model.Worker, error)
	DefaultCoordinator() string
}

// ToolRunner runs capabilities and describes them to model providers.
type ToolRunner interface {
	tools.Invoker
	Definitions(names []string) []tools.Definition
}

// Deps are the collaborators an Engine calls. Threads and Archive are
// optional.
type Deps struct {
	Workers  WorkerResolver
	Router   *router.Router
	Model    llm.Invoker
	Tools    ToolRunner
	Threads  store.ThreadStore
	Archive  store.ExecutionArchive
	Breakers *resilience.BreakerRegistry
	Logger   *slog.Logger
}

// Engine orchestrates asynchronous executions.
type Engine struct {
	cfg      Config
	workers  WorkerResolver
	router   *router.Router
	model    llm.Invoker
	tools    ToolRunner
	threads  store.ThreadStore
	archive  store.ExecutionArchive
	breakers *resilience.BreakerRegistry
	logger   *slog.Logger

	registry *Registry
	broker   *Broker
	wg       sync.WaitGroup
	now      func() time.Time

	hooksMu  sync.RWMutex
	hooks    map[uint64]func(*model.Execution)
	nextHook uint64
}

// NewEngine creates a new execution engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	}
	rt := deps.Router
	if rt == nil {
		rt = router.New(router.DefaultTable(), logger)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		workers:  deps.Workers,
		router:   rt,
		model:    deps.Model,
		tools:    deps.Tools,
		threads:  deps.Threads,
		archive:  deps.Archive,
		breakers: breakers,
		logger:   logger,
		registry: NewRegistry(),
		broker:   NewBroker(),
		now:      time.Now,
		hooks:    make(map[uint64]func(*model.Execution)),
	}
}

// Request is a unit of work submitted by a caller.
type Request struct {
	Text           string `json:"text"`
	TargetWorkerID string `json:"target_worker_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	RequesterID    string `json:"requester_id,omitempty"`
}

// Submit registers a new execution and starts it in the background. It
// returns as soon as the execution is registered as running.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrEmptyRequest
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := e.now()
	exec := &model.Execution{
		ID:             model.NewID(),
		RequesterID:    req.RequesterID,
		ThreadID:       req.ThreadID,
		TargetWorkerID: req.TargetWorkerID,
		Input:          req.Text,
		Status:         model.StatusPending,
		StartTime:      now,
		Messages:       model.Messages{model.HumanMessage{Content: req.Text, SentAt: now}},
		Steps:          []model.Step{},
		Delegations:    []model.DelegationProgress{},
	}
	if err := exec.Transition(model.StatusRunning, now); err != nil {
		return "", fmt.Errorf("start execution: %w", err)
	}
	e.registry.add(exec)
	activeExecutions.Inc()

	e.broker.Publish(Event{Type: EventStarted, ExecutionID: exec.ID, Timestamp: now, Status: exec.Status})
	e.logger.Info("execution submitted",
		"execution_id", exec.ID,
		"thread_id", req.ThreadID,
		"requester_id", req.RequesterID,
		"target_worker_id", req.TargetWorkerID,
	)

	id := exec.ID
	e.wg.Go(func() {
		e.execute(id, req)
	})
	return id, nil
}

// Wait blocks until all in-flight executions finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// GetStatus returns a point-in-time snapshot of an execution. Executions
// evicted from memory are read back from the archive.
func (e *Engine) GetStatus(ctx context.Context, id string) (*model.Execution, error) {
	if exec, ok := e.registry.Get(id); ok {
		return exec, nil
	}
	if e.archive == nil {
		return nil, ErrNotFound
	}
	exec, err := e.archive.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return exec, nil
}

// GetActive returns snapshots of running executions.
func (e *Engine) GetActive() []*model.Execution {
	return e.registry.Active()
}

// Cancel marks a running execution cancelled. The background task notices
// between phases and stops scheduling further work.
func (e *Engine) Cancel(id string) error {
	exec, err := e.registry.finish(id, model.StatusCancelled, e.now(), func(x *model.Execution) {
		x.Error = "cancelled by caller"
	})
	if errors.Is(err, errFinished) {
		return ErrNotRunning
	}
	if err != nil {
		return err
	}
	e.finalized(exec)
	e.logger.Info("execution cancelled", "execution_id", id)
	return nil
}

// Subscribe streams events for one execution until it finishes.
func (e *Engine) Subscribe(id string) (<-chan Event, func()) {
	return e.broker.Subscribe(id)
}

// SubscribeAll streams events for every execution.
func (e *Engine) SubscribeAll() (<-chan Event, func()) {
	return e.broker.SubscribeAll()
}

// OnEvent calls fn for every event on a dedicated goroutine until stop is
// called. fn must not block for long; events queue behind it and are dropped
// once the buffer fills. Use OnFinished when every terminal execution matters.
func (e *Engine) OnEvent(fn func(Event)) (stop func()) {
	ch, unsubscribe := e.broker.SubscribeAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fn(ev)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// OnFinished registers fn to be called once for every execution that reaches
// a terminal status, with a snapshot of that execution. Unlike OnEvent no
// call is ever dropped. fn runs on the finishing goroutine and must not
// block. After remove returns fn is not called again.
func (e *Engine) OnFinished(fn func(*model.Execution)) (remove func()) {
	e.hooksMu.Lock()
	id := e.nextHook
	e.nextHook++
	e.hooks[id] = fn
	e.hooksMu.Unlock()

	return func() {
		e.hooksMu.Lock()
		delete(e.hooks, id)
		e.hooksMu.Unlock()
	}
}

// Breakers returns a snapshot of every circuit breaker.
func (e *Engine) Breakers() []resilience.CircuitState {
	return e.breakers.Snapshot()
}

// Stats summarizes in-memory and archived executions.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	Active        int            `json:"active"`
	Partial       int            `json:"partial"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Stats returns execution statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	mem := e.registry.summarize()
	st := &Stats{ByStatus: make(map[string]int), Partial: mem.partial}
	for status, n := range mem.byStatus {
		st.ByStatus[status] += n
		st.Total += n
	}
	st.Active = mem.byStatus[model.StatusRunning]

	finished := mem.finished
	elapsed := float64(mem.elapsedMS)
	if e.archive != nil {
		arch, err := e.archive.GetExecutionStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive stats: %w", err)
		}
		for status, n := range arch.CountByStatus {
			st.ByStatus[status] += n
		}
		st.Total += arch.Total
		st.Partial += arch.Partial
		finished += arch.Total
		elapsed += arch.AvgDurationMS * float64(arch.Total)
	}
	if finished > 0 {
		st.AvgDurationMS = elapsed / float64(finished)
	}
	return st, nil
}

// Sweep archives and evicts terminal executions that finished more than the
// retention window before now. Executions that fail to archive stay in
// memory until the next sweep.
func (e *Engine) Sweep(ctx context.Context) int {
	return e.evictBefore(ctx, e.now().Add(-e.cfg.Retention))
}

// Flush archives and evicts every terminal execution regardless of age. It
// runs at shutdown so finished executions stay readable after a restart.
func (e *Engine) Flush(ctx context.Context) int {
	return e.evictBefore(ctx, e.now().Add(time.Second))
}

func (e *Engine) evictBefore(ctx context.Context, cutoff time.Time) int {
	evicted := 0
	for _, exec := range e.registry.expired(cutoff) {
		if e.archive != nil {
			if err := e.archive.ArchiveExecution(ctx, exec); err != nil {
				e.logger.Error("failed to archive execution", "execution_id", exec.ID, "error", err)
				continue
			}
		}
		e.registry.remove(exec.ID)
		e.broker.Forget(exec.ID)
		evicted++
	}
	if evicted > 0 {
		e.logger.Debug("evicted finished executions", "count", evicted)
	}
	return evicted
}

// RunJanitor sweeps on every JanitorInterval until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// finalized records metrics and notifies subscribers for a terminal record.
func (e *Engine) finalized(exec *model.Execution) {
	activeExecutions.Dec()
	executionsTotal.WithLabelValues(exec.Status).Inc()
	executionDuration.Observe(float64(exec.Metrics.ElapsedMS) / 1000)

	ev := Event{
		ExecutionID: exec.ID,
		Timestamp:   e.now(),
		Status:      exec.Status,
		Error:       exec.Error,
		Partial:     exec.Partial,
	}
	switch exec.Status {
	case model.StatusCompleted:
		ev.Type = EventCompleted
	case model.StatusFailed:
		ev.Type = EventFailed
	default:
		ev.Type = EventCancelled
	}
	e.broker.Publish(ev)
	e.broker.Close(exec.ID)

	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	for _, fn := range e.hooks {
		fn(exec.Clone())
	}
}
