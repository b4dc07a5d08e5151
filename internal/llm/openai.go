package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/resilience"
	"github.com/seantiz/switchyard/internal/tools"
)

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	APIKey              string
	BaseURL             string
	MaxCompletionTokens int64
	Temperature         float64
}

// OpenAI invokes workers through the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an adapter with SDK-level retries disabled.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.MaxCompletionTokens <= 0 {
		opts.MaxCompletionTokens = 4096
	}
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, opts: opts}
}

// Invoke implements Invoker.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	system, history := splitSystem(req)

	params := openai.ChatCompletionNewParams{
		Model:               ModelName(req.Worker.ModelRef),
		Messages:            openaiMessages(system, history),
		MaxCompletionTokens: openai.Int(o.opts.MaxCompletionTokens),
	}
	if o.opts.Temperature > 0 {
		params.Temperature = openai.Float(o.opts.Temperature)
	}
	if defs := toolsFor(req); len(defs) > 0 {
		params.Tools = openaiTools(defs)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, openaiError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, resilience.Permanent(errors.New("openai: no choices returned"))
	}

	choice := completion.Choices[0]
	resp := &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		if err := interpretCall(resp, tc.ID, tc.Function.Name, []byte(tc.Function.Arguments)); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func openaiError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &resilience.StatusError{Code: apiErr.StatusCode, Err: fmt.Errorf("openai: %w", err)}
	}
	return fmt.Errorf("openai: %w", err)
}

func openaiMessages(system string, history model.Messages) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range history {
		switch v := m.(type) {
		case model.HumanMessage:
			out = append(out, openai.UserMessage(v.Content))
		case model.AIMessage:
			if len(v.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(v.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(v.ToolCalls))
			for i, tc := range v.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON(tc.Args)),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if v.Content != "" {
				assistant.Content.OfString = openai.String(v.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.ToolMessage:
			out = append(out, openai.ToolMessage(v.Content, v.CallID))
		}
	}
	return out
}

func openaiTools(defs []tools.Definition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i, d := range defs {
		out[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Parameters),
			},
		}
	}
	return out
}
