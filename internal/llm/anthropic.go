package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/tools"
)

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	APIKey      string
	BaseURL     string
	MaxTokens   int64
	Temperature float64
}

// Anthropic invokes workers through the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates an adapter. SDK-level retries are disabled; the
// engine's retry layer owns retry policy.
func NewAnthropic(opts AnthropicOptions) *Anthropic {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client, opts: opts}
}

// Invoke implements Invoker.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	system, history := splitSystem(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ModelName(req.Worker.ModelRef)),
		Messages:  anthropicMessages(history),
		MaxTokens: a.opts.MaxTokens,
	}
	if a.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(a.opts.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if defs := toolsFor(req); len(defs) > 0 {
		params.Tools = anthropicTools(defs)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err)
	}

	resp := &Response{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			if err := interpretCall(resp, tu.ID, tu.Name, tu.Input); err != nil {
				return nil, err
			}
		}
	}
	resp.Content = strings.TrimSpace(text.String())
	return resp, nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &resilience.StatusError{Code: apiErr.StatusCode, Err: fmt.Errorf("anthropic: %w", err)}
	}
	return fmt.Errorf("anthropic: %w", err)
}

// anthropicMessages converts history into alternating user/assistant turns.
// Tool results become tool_result blocks in the user turn that follows the
// assistant tool_use turn.
func anthropicMessages(history model.Messages) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range history {
		switch v := m.(type) {
		case model.HumanMessage:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(v.Content)))
		case model.AIMessage:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if v.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(v.Content))
			}
			for _, tc := range v.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argsJSON(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case model.ToolMessage:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(v.CallID, v.Content, v.IsError))
		}
	}
	flush()
	return out
}

func anthropicTools(defs []tools.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := d.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := d.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			out[i].OfTool.Description = anthropic.String(d.Description)
		}
	}
	return out
}
