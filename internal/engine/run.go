package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/seantiz/switchyard/internal/llm"
	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/router"
	"github.com/seantiz/switchyard/internal/tools"
)

// task is the single writer of one execution.
type task struct {
	e      *Engine
	id     string
	req    Request
	logger *slog.Logger

	// convo is the context handed to the model: compacted thread history,
	// the request, handoff notes and the current turn's tool exchange.
	convo model.Messages

	// captured holds successful tool results, used for partial completion.
	captured []model.ToolCall

	// best is the most recent non-empty model content.
	best string

	depth int
}

// outcome is the interpreted end of one worker turn.
type outcome struct {
	content    string
	delegation *llm.DelegationRequest

	// exhausted is set when the tool round cap was hit.
	exhausted bool
}

func (e *Engine) execute(id string, req Request) {
	t := &task{
		e:      e,
		id:     id,
		req:    req,
		logger: e.logger.With("execution_id", id),
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("execution panicked", "panic", r, "stack", string(debug.Stack()))
			t.fail(fmt.Errorf("internal error: %v", r))
		}
	}()

	t.run()
}

func (t *task) run() {
	e := t.e

	worker, directive, err := t.resolve()
	if err != nil {
		t.fail(err)
		return
	}

	timeout := e.cfg.SpecialistTimeout
	if worker.IsCoordinator() || directive != nil {
		timeout = e.cfg.CoordinatorTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t.convo = t.loadHistory(ctx)
	t.convo = append(t.convo, model.HumanMessage{Content: t.req.Text, SentAt: e.now()})

	if directive != nil && directive.Action == router.ActionTool {
		if t.fastTool(ctx, *directive) {
			return
		}
		coordinator, err := t.worker(ctx, e.workers.DefaultCoordinator())
		if err != nil {
			t.fail(err)
			return
		}
		worker = coordinator
	}

	var delegationID string
	if directive != nil && directive.Action == router.ActionDelegate {
		source := e.workers.DefaultCoordinator()
		delegationID = t.beginDelegation(source, worker.ID, t.req.Text, 0, "fast path")
		t.depth = 1
	}

	for {
		if t.stopped() {
			return
		}
		if err := t.mutate(func(x *model.Execution) { x.TargetWorkerID = worker.ID }); err != nil {
			return
		}
		if delegationID != "" {
			t.advanceDelegation(delegationID, model.DelegationInProgress, "worker invoked")
		}

		out, err := t.turn(ctx, worker)
		if err != nil {
			if delegationID != "" {
				status := model.DelegationFailed
				if ctx.Err() != nil {
					status = model.DelegationTimeout
				}
				t.advanceDelegation(delegationID, status, err.Error())
			}
			t.failOrPartial(ctx, err, timeout)
			return
		}

		if out.delegation == nil {
			if delegationID != "" {
				t.advanceDelegation(delegationID, model.DelegationCompleted, "answer produced")
			}
			if out.exhausted {
				t.bestEffort(fmt.Sprintf("tool round limit of %d reached", e.cfg.MaxToolRounds), true)
				return
			}
			t.complete(worker.ID, out.content)
			return
		}

		if delegationID != "" {
			t.advanceDelegation(delegationID, model.DelegationCompleted, "handed off onward")
		}

		req := out.delegation
		if t.depth >= e.cfg.MaxDelegationDepth {
			t.logger.Warn("delegation depth limit reached",
				"worker_id", worker.ID, "target_worker_id", req.TargetWorkerID, "depth", t.depth)
			t.step(worker.ID, model.ActionCompleting,
				fmt.Sprintf("Delegation limit of %d reached; finalizing with available content", e.cfg.MaxDelegationDepth),
				95, map[string]string{"reason": "max_depth"})
			t.bestEffort(fmt.Sprintf("delegation depth limit of %d reached", e.cfg.MaxDelegationDepth), true)
			return
		}

		next, err := t.worker(ctx, req.TargetWorkerID)
		if err == nil && !worker.CanDelegateTo(next.ID) {
			err = fmt.Errorf("worker %s may not delegate to %s", worker.ID, next.ID)
		}
		if err != nil {
			t.logger.Warn("handoff rejected", "worker_id", worker.ID, "target_worker_id", req.TargetWorkerID, "error", err)
			t.bestEffort(fmt.Sprintf("handoff to %s rejected: %v", req.TargetWorkerID, err), false)
			return
		}

		t.depth++
		delegationID = t.beginDelegation(worker.ID, next.ID, req.Task, t.depth, "handoff")
		t.convo = compact(t.convo)
		note := fmt.Sprintf("Handoff from %s to %s. Task: %s", worker.ID, next.ID, req.Task)
		if req.Context != "" {
			note += "\nContext: " + req.Context
		}
		t.convo = append(t.convo, model.SystemMessage{Content: note, SentAt: e.now()})
		worker = next
	}
}

// resolve picks the first worker: the explicit target, a fast-path
// directive, or the default coordinator.
func (t *task) resolve() (*model.Worker, *router.Directive, error) {
	e := t.e
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SpecialistTimeout)
	defer cancel()

	if t.req.TargetWorkerID != "" {
		w, err := t.worker(ctx, t.req.TargetWorkerID)
		if err != nil {
			return nil, nil, err
		}
		t.step(w.ID, model.ActionRouting, "Routing to requested worker "+w.Name, 5,
			map[string]string{"route": "explicit"})
		return w, nil, nil
	}

	if d, ok := e.router.Route(t.req.Text); ok {
		switch d.Action {
		case router.ActionDelegate:
			w, err := t.worker(ctx, d.TargetWorkerID)
			if err == nil {
				t.step(w.ID, model.ActionRouting, "Fast path matched "+w.Name, 5,
					map[string]string{"route": "fast_path", "rule": d.Rule})
				return w, &d, nil
			}
			t.logger.Warn("fast path target unavailable", "target_worker_id", d.TargetWorkerID, "error", err)
		case router.ActionTool:
			w, err := t.worker(ctx, e.workers.DefaultCoordinator())
			if err != nil {
				return nil, nil, err
			}
			t.step(w.ID, model.ActionRouting, "Fast path matched tool "+d.ToolName, 5,
				map[string]string{"route": "fast_path", "rule": d.Rule, "tool": d.ToolName})
			return w, &d, nil
		}
	}

	w, err := t.worker(ctx, e.workers.DefaultCoordinator())
	if err != nil {
		return nil, nil, err
	}
	t.step(w.ID, model.ActionRouting, "Routing to "+w.Name, 5, map[string]string{"route": "default"})
	return w, nil, nil
}

func (t *task) worker(ctx context.Context, id string) (*model.Worker, error) {
	w, err := t.e.workers.GetWorker(ctx, id, t.req.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("resolve worker %s: %w", id, err)
	}
	return w, nil
}

// fastTool runs a fast-path tool directive directly. It reports whether the
// execution was finalized.
func (t *task) fastTool(ctx context.Context, d router.Directive) bool {
	if t.e.tools == nil {
		return false
	}
	coordinator := t.e.workers.DefaultCoordinator()
	if err := t.mutate(func(x *model.Execution) { x.TargetWorkerID = coordinator }); err != nil {
		return true
	}
	t.step(coordinator, model.ActionExecuting, "Running "+d.ToolName, 40, map[string]string{"tool": d.ToolName})

	var args map[string]any
	if d.Args != "" {
		if err := json.Unmarshal([]byte(d.Args), &args); err != nil {
			t.logger.Warn("fast path tool has malformed args", "tool", d.ToolName, "error", err)
			return false
		}
	}
	call := model.ToolCall{ID: model.NewEventID(), Name: d.ToolName, Args: args}
	result, err := t.invokeTool(ctx, call)
	if err != nil {
		t.logger.Warn("fast path tool failed, falling back to coordinator", "tool", d.ToolName, "error", err)
		t.mutate(func(x *model.Execution) { x.Metrics.Errors++ })
		return false
	}
	call.Result = result
	t.captured = append(t.captured, call)
	t.complete(coordinator, result, call)
	return true
}

// turn drives one worker until it answers, hands off, or exhausts its tool
// rounds.
func (t *task) turn(ctx context.Context, w *model.Worker) (outcome, error) {
	e := t.e
	var defs []tools.Definition
	if e.tools != nil {
		defs = e.tools.Definitions(w.Capabilities)
	}

	for round := 0; ; round++ {
		if t.stopped() {
			return outcome{}, errFinished
		}

		t.step(w.ID, model.ActionAnalyzing, w.Name+" is analyzing the request", 20+min(round*5, 30), nil)
		resp, err := t.invokeModel(ctx, llm.Request{Worker: *w, Messages: t.convo.Clone(), Tools: defs})
		if err != nil {
			return outcome{}, err
		}
		if resp.Content != "" {
			t.best = resp.Content
		}
		t.mutate(func(x *model.Execution) { x.Metrics.Tokens += int(resp.InputTokens + resp.OutputTokens) })

		switch {
		case resp.Delegation != nil:
			t.step(w.ID, model.ActionDelegating, fmt.Sprintf("%s is handing off to %s", w.Name, resp.Delegation.TargetWorkerID), 40,
				map[string]string{"target_worker_id": resp.Delegation.TargetWorkerID})
			return outcome{delegation: resp.Delegation, content: resp.Content}, nil

		case resp.ToolRequest == nil:
			t.step(w.ID, model.ActionCompleting, w.Name+" produced an answer", 95, nil)
			return outcome{content: resp.Content}, nil
		}

		if round >= e.cfg.MaxToolRounds {
			t.logger.Warn("tool round limit reached", "worker_id", w.ID, "rounds", round)
			return outcome{exhausted: true}, nil
		}

		call := model.ToolCall{ID: resp.ToolRequest.ID, Name: resp.ToolRequest.Name, Args: resp.ToolRequest.Args}
		if call.ID == "" {
			call.ID = model.NewEventID()
		}
		t.step(w.ID, model.ActionExecuting, fmt.Sprintf("%s is running %s", w.Name, call.Name), 60,
			map[string]string{"tool": call.Name})

		var toolMsg model.ToolMessage
		result, err := t.invokeTool(ctx, call)
		if err != nil {
			call.Error = err.Error()
			toolMsg = model.ToolMessage{CallID: call.ID, ToolName: call.Name, Content: "error: " + err.Error(), IsError: true, SentAt: e.now()}
			t.logger.Warn("tool call failed", "worker_id", w.ID, "tool", call.Name, "error", err)
		} else {
			call.Result = result
			toolMsg = model.ToolMessage{CallID: call.ID, ToolName: call.Name, Content: result, SentAt: e.now()}
			t.captured = append(t.captured, call)
		}

		ai := model.AIMessage{Content: resp.Content, WorkerID: w.ID, ToolCalls: []model.ToolCall{call}, SentAt: e.now()}
		t.convo = append(t.convo, ai, toolMsg)
		if err := t.mutate(func(x *model.Execution) {
			x.Messages = append(x.Messages, ai, toolMsg)
			x.Metrics.ToolCalls++
			if call.Error != "" {
				x.Metrics.Errors++
			}
		}); err != nil {
			return outcome{}, errFinished
		}
		t.step(w.ID, model.ActionResponding, fmt.Sprintf("%s finished", call.Name), 70,
			map[string]string{"tool": call.Name, "ok": fmt.Sprint(call.Error == "")})
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
	}
}

func (t *task) invokeModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	b := t.e.breakers.Get("model:" + llm.ProviderOf(req.Worker.ModelRef))
	opts := t.retryOptions(b.Name())
	return resilience.Call(ctx, b, func(ctx context.Context) (*llm.Response, error) {
		return resilience.WithRetry(ctx, opts, func(ctx context.Context) (*llm.Response, error) {
			resp, err := t.e.model.Invoke(ctx, req)
			if err == nil && resp == nil {
				return nil, resilience.Permanent(errors.New("model returned no response"))
			}
			return resp, err
		})
	})
}

func (t *task) invokeTool(ctx context.Context, call model.ToolCall) (string, error) {
	if t.e.tools == nil {
		return "", resilience.Permanent(fmt.Errorf("no tool runner for %s", call.Name))
	}
	args, err := json.Marshal(call.Args)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("encode args: %w", err))
	}
	if call.Args == nil {
		args = nil
	}
	b := t.e.breakers.Get("tool:" + call.Name)
	opts := t.retryOptions(b.Name())
	return resilience.Call(ctx, b, func(ctx context.Context) (string, error) {
		return resilience.WithRetry(ctx, opts, func(ctx context.Context) (string, error) {
			return t.e.tools.Invoke(ctx, call.Name, args)
		})
	})
}

func (t *task) retryOptions(name string) resilience.RetryOptions {
	opts := t.e.cfg.Retry
	opts.Name = name
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		t.logger.Info("retrying call", "dependency", name, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		t.mutate(func(x *model.Execution) { x.Metrics.Retries++ })
	}
	return opts
}

// loadHistory reads prior thread messages, compacts them and records the
// new request in the thread. Persistence failures degrade to an empty
// history.
func (t *task) loadHistory(ctx context.Context) model.Messages {
	if t.e.threads == nil || t.req.ThreadID == "" {
		return nil
	}
	opts := t.retryOptions("thread")

	history, err := resilience.WithRetry(ctx, opts, func(ctx context.Context) (model.Messages, error) {
		return t.e.threads.ReadRecentMessages(ctx, t.req.ThreadID, t.e.cfg.HistoryLimit)
	})
	if err != nil {
		t.logger.Warn("failed to read thread history", "thread_id", t.req.ThreadID, "error", err)
		history = nil
	}

	_, err = resilience.WithRetry(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.e.threads.AppendMessage(ctx, t.req.ThreadID, model.HumanMessage{Content: t.req.Text, SentAt: t.e.now()})
	})
	if err != nil {
		t.logger.Warn("failed to record request in thread", "thread_id", t.req.ThreadID, "error", err)
	}
	return compact(history)
}

func (t *task) beginDelegation(source, target, taskText string, depth int, stage string) string {
	now := t.e.now()
	d := model.DelegationProgress{
		ID:             model.NewEventID(),
		SourceWorkerID: source,
		TargetWorkerID: target,
		Task:           taskText,
		Depth:          depth,
	}
	d.Advance(model.DelegationRequested, stage, now)
	d.Advance(model.DelegationAccepted, "target resolved", now)
	if err := t.mutate(func(x *model.Execution) {
		x.Delegations = append(x.Delegations, d)
		x.Metrics.Handoffs++
	}); err == nil {
		t.publishDelegation(d)
	}
	return d.ID
}

func (t *task) advanceDelegation(id, status, stage string) {
	var snapshot model.DelegationProgress
	found := false
	err := t.mutate(func(x *model.Execution) {
		if d := x.Delegation(id); d != nil {
			d.Advance(status, stage, t.e.now())
			snapshot = *d
			snapshot.Timeline = append([]model.StageEvent(nil), d.Timeline...)
			found = true
		}
	})
	if err == nil && found {
		t.publishDelegation(snapshot)
	}
}

func (t *task) publishDelegation(d model.DelegationProgress) {
	t.e.broker.Publish(Event{
		Type:        EventDelegationUpdated,
		ExecutionID: t.id,
		Timestamp:   t.e.now(),
		Status:      model.StatusRunning,
		Delegation:  &d,
	})
}

// step appends a progress step and publishes it.
func (t *task) step(workerID, action, narrative string, progress int, metadata map[string]string) {
	s := model.Step{
		ID:        model.NewEventID(),
		Timestamp: t.e.now(),
		WorkerID:  workerID,
		Action:    action,
		Narrative: narrative,
		Progress:  progress,
		Metadata:  metadata,
	}
	if err := t.mutate(func(x *model.Execution) { x.Steps = append(x.Steps, s) }); err != nil {
		return
	}
	t.e.broker.Publish(Event{Type: EventStepAppended, ExecutionID: t.id, Timestamp: s.Timestamp, Status: model.StatusRunning, Step: &s})
}

func (t *task) mutate(fn func(x *model.Execution)) error {
	return t.e.registry.update(t.id, fn)
}

// stopped reports whether the execution was finalized by someone else,
// which only happens through Cancel.
func (t *task) stopped() bool {
	if model.IsTerminal(t.e.registry.status(t.id)) {
		t.logger.Info("execution no longer running, stopping")
		return true
	}
	return false
}

// complete finalizes the execution with content as the answer.
func (t *task) complete(workerID, content string, calls ...model.ToolCall) {
	now := t.e.now()
	ai := model.AIMessage{Content: content, WorkerID: workerID, ToolCalls: calls, SentAt: now}
	exec, err := t.e.registry.finish(t.id, model.StatusCompleted, now, func(x *model.Execution) {
		x.Messages = append(x.Messages, ai)
		x.Result = content
		if len(calls) > 0 {
			x.Metrics.ToolCalls += len(calls)
		}
		x.Steps = append(x.Steps, model.Step{
			ID: model.NewEventID(), Timestamp: now, WorkerID: workerID,
			Action: model.ActionResponding, Narrative: "Answer ready", Progress: 100,
		})
	})
	if err != nil {
		return
	}
	t.e.finalized(exec)
	t.logger.Info("execution completed", "worker_id", workerID, "elapsed_ms", exec.Metrics.ElapsedMS)
}

// bestEffort finalizes without a direct answer: with the latest model
// content, else a summary of captured tool results, else a notice when
// allowNotice is set, else as failed.
func (t *task) bestEffort(reason string, allowNotice bool) {
	workerID := t.currentWorker()
	switch {
	case t.best != "":
		t.complete(workerID, t.best)
	case len(t.captured) > 0:
		t.partial(reason)
	case allowNotice:
		t.complete(workerID, "I could not finish this request: "+reason+".")
	default:
		t.fail(errors.New(reason))
	}
}

// failOrPartial handles an unrecoverable error or an elapsed deadline.
func (t *task) failOrPartial(ctx context.Context, err error, timeout time.Duration) {
	if errors.Is(err, errFinished) {
		return
	}
	reason := err.Error()
	if ctx.Err() == context.DeadlineExceeded {
		reason = fmt.Sprintf("execution timed out after %s", timeout)
	}
	if len(t.captured) > 0 {
		t.partial(reason)
		return
	}
	t.fail(errors.New(reason))
}

// partial completes the execution with a summary of the captured tool
// results and partial=true.
func (t *task) partial(reason string) {
	var b strings.Builder
	b.WriteString("I was not able to finish (" + reason + "). Here is what I found so far:")
	for _, c := range t.captured {
		fmt.Fprintf(&b, "\n- %s: %s", c.Name, truncate(c.Result, 500))
	}
	summary := b.String()

	now := t.e.now()
	workerID := t.currentWorker()
	exec, err := t.e.registry.finish(t.id, model.StatusCompleted, now, func(x *model.Execution) {
		x.Messages = append(x.Messages, model.AIMessage{Content: summary, WorkerID: workerID, SentAt: now})
		x.Result = summary
		x.Partial = true
		x.Error = reason
	})
	if err != nil {
		return
	}
	t.e.finalized(exec)
	t.logger.Warn("execution completed with partial results", "reason", reason, "tool_results", len(t.captured))
}

func (t *task) fail(err error) {
	now := t.e.now()
	exec, ferr := t.e.registry.finish(t.id, model.StatusFailed, now, func(x *model.Execution) {
		x.Error = err.Error()
		x.Metrics.Errors++
	})
	if ferr != nil {
		return
	}
	t.e.finalized(exec)
	t.logger.Error("execution failed", "error", err)
}

func (t *task) currentWorker() string {
	if exec, ok := t.e.registry.Get(t.id); ok {
		return exec.TargetWorkerID
	}
	return ""
}

// compact replaces tool exchanges with a short breadcrumb. A tool result is
// only valid directly after the model turn that requested it, so earlier
// results are summarized instead of replayed.
func compact(msgs model.Messages) model.Messages {
	out := make(model.Messages, 0, len(msgs))
	var crumbs []string
	flush := func() {
		if len(crumbs) > 0 {
			out = append(out, model.SystemMessage{Content: "Earlier tool results: " + strings.Join(crumbs, "; ")})
			crumbs = nil
		}
	}
	for _, m := range msgs {
		switch v := m.(type) {
		case model.ToolMessage:
			status := "returned"
			if v.IsError {
				status = "failed with"
			}
			crumbs = append(crumbs, fmt.Sprintf("%s %s %q", v.ToolName, status, truncate(v.Content, 160)))
		case model.AIMessage:
			if len(v.ToolCalls) == 0 {
				flush()
				out = append(out, v)
				continue
			}
			if v.Content != "" {
				flush()
				out = append(out, model.AIMessage{Content: v.Content, WorkerID: v.WorkerID, SentAt: v.SentAt})
			}
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
