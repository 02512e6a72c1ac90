// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Claude Messages API. Structured output is obtained by forcing a
// single tool call whose input_schema is the Broker's JSON schema for the
// request, since the Messages API has no native "response_format" knob the
// way some other providers do; the tool's input *is* the schema-constrained
// payload the Broker decodes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convoclassify/agent/internal/llm"
)

const respondToolName = "respond"

// MessagesClient captures the subset of the Anthropic SDK client the
// adapter depends on, satisfied by *sdk.MessageService or a test mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int64
	Temperature  float64
}

// Client implements llm.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int64
	temperature  float64
}

// New builds an Anthropic-backed llm.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY conventions via the SDK's option helpers.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New call, forcing use of the
// respond tool when req.ResponseSchema is set, and returns the tool's raw
// JSON input as Response.Text. When no schema is requested, the first text
// block is returned instead.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(temp),
		Messages:    toAnthropicMessages(req.Messages),
	}
	if req.ResponseSchema != "" {
		var schema any
		if err := json.Unmarshal([]byte(req.ResponseSchema), &schema); err != nil {
			return llm.Response{}, fmt.Errorf("anthropic: invalid response schema: %w", err)
		}
		params.Tools = []sdk.ToolUnionParam{
			{
				OfTool: &sdk.ToolParam{
					Name:        respondToolName,
					InputSchema: schema,
				},
			},
		}
		params.ToolChoice = sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: respondToolName},
		}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	return translateResponse(msg, req.ResponseSchema != "")
}

func toAnthropicMessages(messages []llm.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			// System-role content is folded into a user message: the
			// Messages API takes system prompts via a dedicated top-level
			// field, not as a message role, which the Broker's caller sets
			// separately when needed.
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

func translateResponse(msg *sdk.Message, expectToolUse bool) (llm.Response, error) {
	usage := llm.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	if expectToolUse {
		for _, block := range msg.Content {
			if toolUse := block.AsToolUse(); toolUse.Name == respondToolName {
				raw, err := json.Marshal(toolUse.Input)
				if err != nil {
					return llm.Response{}, fmt.Errorf("anthropic: encoding tool input: %w", err)
				}
				return llm.Response{Text: string(raw), Usage: usage}, nil
			}
		}
		return llm.Response{}, errors.New("anthropic: no respond tool_use block in reply")
	}
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			return llm.Response{Text: text.Text, Usage: usage}, nil
		}
	}
	return llm.Response{Usage: usage}, nil
}

func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		return llm.NewProviderError("anthropic", "messages.new", status, llm.ClassifyHTTPStatus(status), apiErr.Message, err)
	}
	return llm.NewProviderError("anthropic", "messages.new", 0, llm.ProviderServerError, err.Error(), err)
}
