package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/switchyard/internal/model"
)

// DemoDelay is how long Demo stalls on requests mentioning "slow".
const DemoDelay = 2 * time.Second

// Demo returns a keyword-driven invoker for the test server. A coordinator
// hands requests mentioning "research" or "utility" to the matching
// specialist. A worker offered the echo tool calls it once, and a turn that
// follows a tool result reports that result. Everything else is answered with
// the worker id and the request text.
func Demo() *Scripted {
	return NewScripted(func(ctx context.Context, _ int, req Request) (*Response, error) {
		text := lastHuman(req.Messages)
		lower := strings.ToLower(text)

		if strings.Contains(lower, "slow") {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(DemoDelay):
			}
		}

		if n := len(req.Messages); n > 0 {
			if tm, ok := req.Messages[n-1].(model.ToolMessage); ok {
				return &Response{Content: fmt.Sprintf("%s returned %q", tm.ToolName, tm.Content)}, nil
			}
		}

		w := req.Worker
		if w.IsCoordinator() {
			for keyword, target := range map[string]string{
				"research": "research-specialist",
				"utility":  "utility-specialist",
			} {
				if strings.Contains(lower, keyword) && w.CanDelegateTo(target) {
					return &Response{Delegation: &DelegationRequest{
						TargetWorkerID: target,
						Task:           text,
						Context:        "requested by the demo coordinator",
					}}, nil
				}
			}
		}

		for _, d := range req.Tools {
			if d.Name == "echo" {
				return &Response{ToolRequest: &ToolRequest{
					Name: "echo",
					Args: map[string]any{"text": text},
				}}, nil
			}
		}

		return &Response{
			Content:      fmt.Sprintf("%s: %s", w.ID, text),
			InputTokens:  int64(len(text)),
			OutputTokens: int64(len(text) + len(w.ID) + 2),
		}, nil
	})
}

func lastHuman(msgs model.Messages) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == model.RoleHuman {
			return msgs[i].Text()
		}
	}
	return ""
}
