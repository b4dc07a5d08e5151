package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/llm"
	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/router"
	"github.com/seantiz/switchyard/internal/store"
	"github.com/seantiz/switchyard/internal/tools"
	"github.com/seantiz/switchyard/internal/workers"
)

type testEnv struct {
	cfg     engine.Config
	catalog []model.Worker
	deps    engine.Deps
}

func newTestEngine(t *testing.T, inv llm.Invoker, opts ...func(*testEnv)) (*engine.Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tr := tools.NewRegistry()
	tools.RegisterBuiltins(tr, nil)

	env := &testEnv{
		cfg:     engine.DefaultConfig(),
		catalog: workers.DefaultCatalog().Workers,
		deps: engine.Deps{
			Model:   inv,
			Tools:   tr,
			Threads: s,
			Archive: s,
			Router:  router.New(router.DefaultTable(), logger),
			Logger:  logger,
		},
	}
	env.cfg.Retry.MaxRetries = 0
	env.cfg.Retry.BaseDelay = time.Millisecond
	for _, opt := range opts {
		opt(env)
	}

	reg, err := workers.NewRegistry(env.catalog, s, workers.WithLogger(logger))
	if err != nil {
		t.Fatalf("workers.NewRegistry: %v", err)
	}
	env.deps.Workers = reg

	eng := engine.NewEngine(env.cfg, env.deps)
	t.Cleanup(eng.Wait)
	return eng, s
}

// waitForStatus polls the engine until the execution reaches the expected status.
func waitForStatus(t *testing.T, eng *engine.Engine, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		exec, err := eng.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if exec.Status == expected {
			return exec
		}
		last = exec.Status
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v (last %q)", id, expected, timeout, last)
	return nil
}

func submit(t *testing.T, eng *engine.Engine, req engine.Request) string {
	t.Helper()
	id, err := eng.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func TestSubmitEcho(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	id := submit(t, eng, engine.Request{Text: "hello there"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if len(exec.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(exec.Messages))
	}
	if exec.Messages[0].Role() != model.RoleHuman || exec.Messages[0].Text() != "hello there" {
		t.Errorf("first message = %s %q", exec.Messages[0].Role(), exec.Messages[0].Text())
	}
	if exec.Messages[1].Role() != model.RoleAI || exec.Messages[1].Text() != "hello there" {
		t.Errorf("second message = %s %q", exec.Messages[1].Role(), exec.Messages[1].Text())
	}
	if exec.Result != "hello there" {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.EndTime == nil {
		t.Error("end_time is nil")
	}
	if exec.Partial {
		t.Error("partial = true, want false")
	}
}

func TestSubmitReturnsRunning(t *testing.T) {
	release := make(chan struct{})
	inv := llm.NewScripted(func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &llm.Response{Content: "done"}, nil
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "slow question"})

	exec, err := eng.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if exec.Status != model.StatusRunning {
		t.Errorf("initial status = %q, want running", exec.Status)
	}
	if active := eng.GetActive(); len(active) != 1 || active[0].ID != id {
		t.Errorf("active = %v, want [%s]", active, id)
	}

	close(release)
	waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if active := eng.GetActive(); len(active) != 0 {
		t.Errorf("active after completion = %d, want 0", len(active))
	}
}

func TestSubmitEmptyText(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	if _, err := eng.Submit(context.Background(), engine.Request{Text: "   "}); !errors.Is(err, engine.ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
}

func TestSimpleQuestionNoDelegation(t *testing.T) {
	inv := llm.Answer("4")
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "What's 2+2?"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "4" {
		t.Errorf("result = %q, want 4", exec.Result)
	}
	if len(exec.Delegations) != 0 {
		t.Errorf("delegations = %d, want 0", len(exec.Delegations))
	}
	if exec.Metrics.Handoffs != 0 {
		t.Errorf("handoffs = %d, want 0", exec.Metrics.Handoffs)
	}
	reqs := inv.Requests()
	if len(reqs) != 1 || reqs[0].Worker.ID != workers.DefaultCoordinatorID {
		t.Errorf("requests = %d, want one to the coordinator", len(reqs))
	}
	if exec.TargetWorkerID != workers.DefaultCoordinatorID {
		t.Errorf("target worker = %q", exec.TargetWorkerID)
	}
}

func TestExplicitTargetWorker(t *testing.T) {
	inv := llm.Answer("researched")
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "tell me about go", TargetWorkerID: router.WorkerResearch})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if got := inv.Requests()[0].Worker.ID; got != router.WorkerResearch {
		t.Errorf("invoked worker = %q, want %q", got, router.WorkerResearch)
	}
	if exec.Steps[0].Action != model.ActionRouting || exec.Steps[0].Metadata["route"] != "explicit" {
		t.Errorf("first step = %+v, want explicit routing", exec.Steps[0])
	}
}

func TestUnknownWorkerFails(t *testing.T) {
	inv := llm.Echo()
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "hi", TargetWorkerID: "nobody"})

	exec := waitForStatus(t, eng, id, model.StatusFailed, 5*time.Second)
	if !strings.Contains(exec.Error, "worker not found") {
		t.Errorf("error = %q, want worker not found", exec.Error)
	}
	if inv.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", inv.Calls())
	}
}

func TestModelErrorFails(t *testing.T) {
	inv := llm.NewScripted(func(context.Context, int, llm.Request) (*llm.Response, error) {
		return nil, resilience.Permanent(errors.New("bad request"))
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "hello"})

	exec := waitForStatus(t, eng, id, model.StatusFailed, 5*time.Second)
	if !strings.Contains(exec.Error, "bad request") {
		t.Errorf("error = %q", exec.Error)
	}
}

func TestTransientModelErrorRetried(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, call int, _ llm.Request) (*llm.Response, error) {
		if call < 3 {
			return nil, &resilience.StatusError{Code: 503, Err: errors.New("overloaded")}
		}
		return &llm.Response{Content: "finally"}, nil
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.cfg.Retry.MaxRetries = 3
	})

	id := submit(t, eng, engine.Request{Text: "hello"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "finally" {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.Metrics.Retries != 2 {
		t.Errorf("retries = %d, want 2", exec.Metrics.Retries)
	}
}

func TestBreakerOpenFailsFast(t *testing.T) {
	inv := llm.NewScripted(func(context.Context, int, llm.Request) (*llm.Response, error) {
		return nil, &resilience.StatusError{Code: 500, Err: errors.New("boom")}
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.deps.Breakers = resilience.NewBreakerRegistry(resilience.BreakerConfig{
			FailureThreshold: 1,
			Cooldown:         time.Minute,
		})
	})

	first := submit(t, eng, engine.Request{Text: "hello"})
	waitForStatus(t, eng, first, model.StatusFailed, 5*time.Second)

	second := submit(t, eng, engine.Request{Text: "hello again"})
	exec := waitForStatus(t, eng, second, model.StatusFailed, 5*time.Second)
	if !strings.Contains(exec.Error, "circuit breaker") {
		t.Errorf("error = %q, want circuit breaker rejection", exec.Error)
	}
	if inv.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", inv.Calls())
	}

	open := false
	for _, st := range eng.Breakers() {
		if strings.HasPrefix(st.Name, "model:") && st.State == resilience.StateOpen.String() {
			open = true
		}
	}
	if !open {
		t.Errorf("breakers = %+v, want an open model breaker", eng.Breakers())
	}
}

func TestToolRoundTrip(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, call int, req llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolRequest: &llm.ToolRequest{ID: "call-1", Name: "echo", Args: map[string]any{"text": "ping"}}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		return &llm.Response{Content: "tool said " + last.Text()}, nil
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "please echo ping"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "tool said ping" {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", exec.Metrics.ToolCalls)
	}
	var roles []string
	for _, m := range exec.Messages {
		roles = append(roles, m.Role())
	}
	want := []string{model.RoleHuman, model.RoleAI, model.RoleTool, model.RoleAI}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Errorf("roles = %v, want %v", roles, want)
	}
	ai := exec.Messages[1].(model.AIMessage)
	if len(ai.ToolCalls) != 1 || ai.ToolCalls[0].Result != "ping" {
		t.Errorf("tool calls = %+v", ai.ToolCalls)
	}
}

func TestToolErrorFedBack(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolRequest: &llm.ToolRequest{Name: "no_such_tool"}}, nil
		}
		return &llm.Response{Content: "recovered"}, nil
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "do a thing"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "recovered" {
		t.Errorf("result = %q", exec.Result)
	}
	if exec.Metrics.Errors != 1 {
		t.Errorf("errors = %d, want 1", exec.Metrics.Errors)
	}
	tm, ok := exec.Messages[2].(model.ToolMessage)
	if !ok || !tm.IsError {
		t.Errorf("message 2 = %#v, want an error tool message", exec.Messages[2])
	}
}

func TestToolRoundLimitCompletesPartial(t *testing.T) {
	inv := llm.NewScripted(func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolRequest: &llm.ToolRequest{Name: "echo", Args: map[string]any{"text": "again"}}}, nil
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.cfg.MaxToolRounds = 2
	})

	id := submit(t, eng, engine.Request{Text: "loop forever"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if !exec.Partial {
		t.Error("partial = false, want true")
	}
	if inv.Calls() != 3 {
		t.Errorf("model calls = %d, want 3", inv.Calls())
	}
	if !strings.Contains(exec.Result, "again") {
		t.Errorf("result = %q, want captured tool output", exec.Result)
	}
}

func TestTimeoutWithToolResultIsPartial(t *testing.T) {
	inv := llm.NewScripted(func(ctx context.Context, call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolRequest: &llm.ToolRequest{Name: "echo", Args: map[string]any{"text": "found it"}}}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.cfg.CoordinatorTimeout = 200 * time.Millisecond
	})

	id := submit(t, eng, engine.Request{Text: "dig around"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if !exec.Partial {
		t.Error("partial = false, want true")
	}
	if !strings.Contains(exec.Result, "found it") {
		t.Errorf("result = %q, want captured tool output", exec.Result)
	}
	if last := exec.Messages[len(exec.Messages)-1]; last.Role() != model.RoleAI {
		t.Errorf("last message role = %s, want ai", last.Role())
	}
}

func TestTimeoutWithoutToolResultFails(t *testing.T) {
	inv := llm.NewScripted(func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.cfg.CoordinatorTimeout = 100 * time.Millisecond
	})

	id := submit(t, eng, engine.Request{Text: "think hard"})

	exec := waitForStatus(t, eng, id, model.StatusFailed, 5*time.Second)
	if !strings.Contains(exec.Error, "timed out") {
		t.Errorf("error = %q, want timeout", exec.Error)
	}
	if exec.Partial {
		t.Error("partial = true, want false")
	}
}

func chainCatalog(n int) []model.Worker {
	ws := make([]model.Worker, n)
	for i := range ws {
		ws[i] = model.Worker{
			ID:       fmt.Sprintf("chain-%d", i),
			Name:     fmt.Sprintf("Chain %d", i),
			Role:     model.RoleSpecialist,
			ModelRef: "scripted:test",
		}
		if i+1 < n {
			ws[i].DelegationTargets = []string{fmt.Sprintf("chain-%d", i+1)}
		}
	}
	ws[0].Role = model.RoleCoordinator
	return ws
}

func TestDelegationDepthLimit(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, _ int, req llm.Request) (*llm.Response, error) {
		var n int
		fmt.Sscanf(req.Worker.ID, "chain-%d", &n)
		return &llm.Response{
			Content: fmt.Sprintf("reached depth %d", n),
			Delegation: &llm.DelegationRequest{
				TargetWorkerID: fmt.Sprintf("chain-%d", n+1),
				Task:           "keep going",
			},
		}, nil
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.catalog = chainCatalog(8)
		env.deps.Router = router.New(emptyTable(t), nil)
	})

	id := submit(t, eng, engine.Request{Text: "go deep"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "reached depth 6" {
		t.Errorf("result = %q, want content from depth 6", exec.Result)
	}
	if len(exec.Delegations) != 6 {
		t.Fatalf("delegations = %d, want 6", len(exec.Delegations))
	}
	for i, d := range exec.Delegations {
		if d.Depth != i+1 {
			t.Errorf("delegation %d depth = %d, want %d", i, d.Depth, i+1)
		}
		if d.Status != model.DelegationCompleted {
			t.Errorf("delegation %d status = %q, want completed", i, d.Status)
		}
	}
	if exec.Metrics.Handoffs != 6 {
		t.Errorf("handoffs = %d, want 6", exec.Metrics.Handoffs)
	}
	if inv.Calls() != 7 {
		t.Errorf("model calls = %d, want 7", inv.Calls())
	}
}

func TestHandoffCarriesContext(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, call int, req llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{Delegation: &llm.DelegationRequest{
				TargetWorkerID: "chain-1",
				Task:           "summarize",
				Context:        "user likes brevity",
			}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		return &llm.Response{Content: last.Text()}, nil
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.catalog = chainCatalog(2)
		env.deps.Router = router.New(emptyTable(t), nil)
	})

	id := submit(t, eng, engine.Request{Text: "summarize this"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if !strings.Contains(exec.Result, "Task: summarize") || !strings.Contains(exec.Result, "user likes brevity") {
		t.Errorf("handoff note = %q", exec.Result)
	}
	if ai, ok := exec.Messages[len(exec.Messages)-1].(model.AIMessage); !ok || ai.WorkerID != "chain-1" {
		t.Errorf("final message = %#v, want answer from chain-1", exec.Messages[len(exec.Messages)-1])
	}
}

func TestRejectedHandoffUsesBestContent(t *testing.T) {
	inv := llm.NewScripted(func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Content:    "partial thoughts",
			Delegation: &llm.DelegationRequest{TargetWorkerID: "ghost", Task: "haunt"},
		}, nil
	})
	eng, _ := newTestEngine(t, inv, func(env *testEnv) {
		env.catalog = chainCatalog(2)
		env.deps.Router = router.New(emptyTable(t), nil)
	})

	id := submit(t, eng, engine.Request{Text: "anything"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if exec.Result != "partial thoughts" {
		t.Errorf("result = %q", exec.Result)
	}
}

func TestFastPathTool(t *testing.T) {
	inv := llm.Echo()
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "What time is it?"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if inv.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", inv.Calls())
	}
	if exec.Result == "" {
		t.Error("result is empty")
	}
	if exec.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", exec.Metrics.ToolCalls)
	}
	if exec.Steps[0].Metadata["tool"] != "current_time" {
		t.Errorf("routing step = %+v", exec.Steps[0])
	}
}

func TestFastPathDelegate(t *testing.T) {
	inv := llm.Answer("you have 3 orders")
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "Where are my orders?"})

	exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	if got := inv.Requests()[0].Worker.ID; got != router.WorkerEcommerce {
		t.Errorf("invoked worker = %q, want %q", got, router.WorkerEcommerce)
	}
	if len(exec.Delegations) != 1 {
		t.Fatalf("delegations = %d, want 1", len(exec.Delegations))
	}
	d := exec.Delegations[0]
	if d.SourceWorkerID != workers.DefaultCoordinatorID || d.TargetWorkerID != router.WorkerEcommerce {
		t.Errorf("delegation = %s -> %s", d.SourceWorkerID, d.TargetWorkerID)
	}
	if d.Status != model.DelegationCompleted || d.ProgressPct != 100 {
		t.Errorf("delegation status = %q (%d%%)", d.Status, d.ProgressPct)
	}
}

func TestCancel(t *testing.T) {
	release := make(chan struct{})
	inv := llm.NewScripted(func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		<-release
		return &llm.Response{Content: "too late"}, nil
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "long job"})
	if err := eng.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := eng.Cancel(id); !errors.Is(err, engine.ErrNotRunning) {
		t.Errorf("second Cancel = %v, want ErrNotRunning", err)
	}
	if err := eng.Cancel("missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrNotFound", err)
	}

	close(release)
	eng.Wait()

	exec := waitForStatus(t, eng, id, model.StatusCancelled, time.Second)
	if exec.Result != "" {
		t.Errorf("result = %q, want empty", exec.Result)
	}
	for _, m := range exec.Messages {
		if m.Role() == model.RoleAI {
			t.Errorf("unexpected ai message after cancel: %q", m.Text())
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	inv := llm.NewScripted(func(context.Context, int, llm.Request) (*llm.Response, error) {
		panic("kaboom")
	})
	eng, _ := newTestEngine(t, inv)

	id := submit(t, eng, engine.Request{Text: "hello"})

	exec := waitForStatus(t, eng, id, model.StatusFailed, 5*time.Second)
	if !strings.Contains(exec.Error, "kaboom") {
		t.Errorf("error = %q", exec.Error)
	}
}

func TestThreadHistoryReplayed(t *testing.T) {
	inv := llm.Echo()
	eng, s := newTestEngine(t, inv)

	first := submit(t, eng, engine.Request{Text: "one", ThreadID: "thread-1"})
	waitForStatus(t, eng, first, model.StatusCompleted, 5*time.Second)
	second := submit(t, eng, engine.Request{Text: "two", ThreadID: "thread-1"})
	waitForStatus(t, eng, second, model.StatusCompleted, 5*time.Second)

	reqs := inv.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	msgs := reqs[1].Messages
	if len(msgs) != 2 || msgs[0].Text() != "one" || msgs[1].Text() != "two" {
		t.Errorf("second request messages = %v", msgs)
	}

	stored, err := s.ReadRecentMessages(context.Background(), "thread-1", 0)
	if err != nil {
		t.Fatalf("ReadRecentMessages: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored messages = %d, want 2", len(stored))
	}
}

func TestEventsStream(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	ch, unsubscribe := eng.SubscribeAll()
	defer unsubscribe()

	id := submit(t, eng, engine.Request{Text: "stream me"})

	var types []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.ExecutionID != id {
				continue
			}
			types = append(types, ev.Type)
			done = ev.Type == engine.EventCompleted
		case <-timeout:
			t.Fatalf("no completion event, got %v", types)
		}
	}
	if types[0] != engine.EventStarted {
		t.Errorf("first event = %q, want %q", types[0], engine.EventStarted)
	}
	steps := 0
	for _, typ := range types {
		if typ == engine.EventStepAppended {
			steps++
		}
	}
	if steps == 0 {
		t.Errorf("events = %v, want step events", types)
	}
}

func TestOnEventDeliversCompletion(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	completed := make(chan string, 1)
	stop := eng.OnEvent(func(ev engine.Event) {
		if ev.Type == engine.EventCompleted {
			select {
			case completed <- ev.ExecutionID:
			default:
			}
		}
	})
	defer stop()

	id := submit(t, eng, engine.Request{Text: "push me"})
	select {
	case got := <-completed:
		if got != id {
			t.Errorf("completed id = %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion callback")
	}
}

func TestSubscribeAfterFinishCloses(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	id := submit(t, eng, engine.Request{Text: "quick"})
	waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)

	ch, unsubscribe := eng.Subscribe(id)
	defer unsubscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed for finished execution")
	}
}

func TestSweepArchives(t *testing.T) {
	eng, s := newTestEngine(t, llm.Echo(), func(env *testEnv) {
		env.cfg.Retention = time.Millisecond
	})

	id := submit(t, eng, engine.Request{Text: "archive me"})
	waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
	time.Sleep(5 * time.Millisecond)

	if n := eng.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}

	archived, err := s.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if archived.Status != model.StatusCompleted {
		t.Errorf("archived status = %q", archived.Status)
	}

	exec, err := eng.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus after sweep: %v", err)
	}
	if exec.Result != "archive me" {
		t.Errorf("result = %q", exec.Result)
	}

	if _, err := eng.GetStatus(context.Background(), "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("GetStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestFlushArchivesRegardlessOfAge(t *testing.T) {
	eng, s := newTestEngine(t, llm.Echo())

	id := submit(t, eng, engine.Request{Text: "keep me"})
	waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)

	if n := eng.Sweep(context.Background()); n != 0 {
		t.Fatalf("Sweep = %d, want 0 inside the retention window", n)
	}
	if n := eng.Flush(context.Background()); n != 1 {
		t.Fatalf("Flush = %d, want 1", n)
	}
	if _, err := s.GetExecution(context.Background(), id); err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if len(eng.GetActive()) != 0 {
		t.Errorf("active = %d, want 0", len(eng.GetActive()))
	}
}

func TestStats(t *testing.T) {
	inv := llm.NewScripted(func(_ context.Context, _ int, req llm.Request) (*llm.Response, error) {
		if req.Messages[len(req.Messages)-1].Text() == "fail" {
			return nil, resilience.Permanent(errors.New("nope"))
		}
		return &llm.Response{Content: "ok"}, nil
	})
	eng, _ := newTestEngine(t, inv)

	a := submit(t, eng, engine.Request{Text: "fine"})
	b := submit(t, eng, engine.Request{Text: "fail"})
	waitForStatus(t, eng, a, model.StatusCompleted, 5*time.Second)
	waitForStatus(t, eng, b, model.StatusFailed, 5*time.Second)

	st, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
	if st.ByStatus[model.StatusCompleted] != 1 || st.ByStatus[model.StatusFailed] != 1 {
		t.Errorf("by status = %v", st.ByStatus)
	}
	if st.Active != 0 {
		t.Errorf("active = %d, want 0", st.Active)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			id, err := eng.Submit(context.Background(), engine.Request{Text: fmt.Sprintf("request %d", i)})
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			ids[i] = id
		})
	}
	wg.Wait()

	for i, id := range ids {
		if id == "" {
			continue
		}
		exec := waitForStatus(t, eng, id, model.StatusCompleted, 5*time.Second)
		if want := fmt.Sprintf("request %d", i); exec.Result != want {
			t.Errorf("execution %d result = %q, want %q", i, exec.Result, want)
		}
	}
}

func TestOnFinishedSeesEveryTerminalExecution(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
	)
	remove := eng.OnFinished(func(exec *model.Execution) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[exec.ID]; ok {
			t.Errorf("execution %s finished twice (%s, %s)", exec.ID, prev, exec.Status)
		}
		seen[exec.ID] = exec.Status
	})

	const n = 500
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			if _, err := eng.Submit(context.Background(), engine.Request{Text: fmt.Sprintf("request %d", i)}); err != nil {
				t.Errorf("Submit %d: %v", i, err)
			}
		})
	}
	wg.Wait()
	eng.Wait()
	remove()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("hook saw %d executions, want %d", len(seen), n)
	}
	for id, status := range seen {
		if status != model.StatusCompleted {
			t.Errorf("execution %s status = %q, want completed", id, status)
		}
	}
}

func TestOnFinishedRemoved(t *testing.T) {
	eng, _ := newTestEngine(t, llm.Echo())

	calls := 0
	var mu sync.Mutex
	remove := eng.OnFinished(func(*model.Execution) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	remove()

	id := submit(t, eng, engine.Request{Text: "hello"})
	eng.Wait()
	waitForStatus(t, eng, id, model.StatusCompleted, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("removed hook called %d times", calls)
	}
}

func emptyTable(t *testing.T) *router.Table {
	t.Helper()
	tbl, err := router.NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}
