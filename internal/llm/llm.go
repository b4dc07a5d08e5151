// Package llm adapts language model providers to the single model invocation
// call the execution engine makes per worker turn.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/tools"
)

// HandoffToolName is the tool a model calls to transfer the request to
// another worker.
const HandoffToolName = "transfer_to_worker"

// ErrNoProvider is returned when a model reference names an unregistered
// provider.
var ErrNoProvider = errors.New("no provider for model")

// Invoker produces the next worker turn for a conversation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Request is one model invocation.
type Request struct {
	Worker   model.Worker
	Messages model.Messages
	Tools    []tools.Definition
}

// ToolRequest asks the engine to run a capability and continue the turn.
type ToolRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// DelegationRequest asks the engine to hand the request to another worker.
type DelegationRequest struct {
	TargetWorkerID string `json:"target_worker_id"`
	Task           string `json:"task"`
	Context        string `json:"context,omitempty"`
}

// Response is the interpreted result of a model invocation. At most one of
// ToolRequest and Delegation is set; a delegation wins over a tool request.
type Response struct {
	Content      string
	ToolRequest  *ToolRequest
	Delegation   *DelegationRequest
	InputTokens  int64
	OutputTokens int64
}

// HandoffDefinition describes the handoff tool to providers.
func HandoffDefinition(targets []string) tools.Definition {
	desc := "Transfer the request to another worker better suited to handle it."
	if len(targets) > 0 {
		desc += " Valid worker ids: " + strings.Join(targets, ", ") + "."
	}
	return tools.Definition{
		Name:        HandoffToolName,
		Description: desc,
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"worker_id", "task"},
			"properties": map[string]any{
				"worker_id": map[string]any{"type": "string", "description": "Id of the worker to transfer to."},
				"task":      map[string]any{"type": "string", "description": "What the worker should do."},
				"context":   map[string]any{"type": "string", "description": "Anything the worker needs to know."},
			},
		},
	}
}

// ProviderOf returns the provider prefix of a model reference such as
// "anthropic:claude-sonnet-4-5". A reference without a prefix belongs to the
// "default" provider.
func ProviderOf(modelRef string) string {
	if i := strings.IndexByte(modelRef, ':'); i > 0 {
		return modelRef[:i]
	}
	return "default"
}

// ModelName strips the provider prefix from a model reference.
func ModelName(modelRef string) string {
	if i := strings.IndexByte(modelRef, ':'); i > 0 {
		return modelRef[i+1:]
	}
	return modelRef
}

// toolsFor returns the worker's tool list plus the handoff tool when the
// worker may delegate.
func toolsFor(req Request) []tools.Definition {
	defs := append([]tools.Definition(nil), req.Tools...)
	if req.Worker.IsCoordinator() || len(req.Worker.DelegationTargets) > 0 {
		defs = append(defs, HandoffDefinition(req.Worker.DelegationTargets))
	}
	return defs
}

// interpretCall turns a provider tool call into either a delegation or a tool
// request on resp.
func interpretCall(resp *Response, id, name string, rawArgs []byte) error {
	args := map[string]any{}
	if len(rawArgs) > 0 && string(rawArgs) != "null" {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return resilience.Permanent(fmt.Errorf("malformed arguments for %s: %w", name, err))
		}
	}

	if name == HandoffToolName {
		target, _ := args["worker_id"].(string)
		if target == "" {
			return resilience.Permanent(fmt.Errorf("%s without worker_id", HandoffToolName))
		}
		task, _ := args["task"].(string)
		note, _ := args["context"].(string)
		resp.Delegation = &DelegationRequest{TargetWorkerID: target, Task: task, Context: note}
		resp.ToolRequest = nil
		return nil
	}
	if resp.Delegation == nil && resp.ToolRequest == nil {
		resp.ToolRequest = &ToolRequest{ID: id, Name: name, Args: args}
	}
	return nil
}

// splitSystem separates the system prompt (worker instructions plus any
// system messages) from the conversational messages.
func splitSystem(req Request) (string, model.Messages) {
	var sys []string
	if req.Worker.Instructions != "" {
		sys = append(sys, req.Worker.Instructions)
	}
	rest := make(model.Messages, 0, len(req.Messages))
	for _, m := range req.Messages {
		if s, ok := m.(model.SystemMessage); ok {
			sys = append(sys, s.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

func argsJSON(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
