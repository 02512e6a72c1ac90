// Package openai provides an llm.Client implementation backed by the OpenAI
// Chat Completions API, using its native JSON-schema response_format for
// structured output rather than Anthropic's forced-tool-call workaround.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/convoclassify/agent/internal/llm"
)

// ChatClient captures the subset of the OpenAI SDK client the adapter
// depends on, satisfied by the real client's Chat.Completions service or a
// test mock.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	Temperature  float64
}

// Client implements llm.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	temperature  float64
}

// New builds an OpenAI-backed llm.Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client,
// reading OPENAI_API_KEY conventions via the SDK's option helpers.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat.completions.create call. When
// req.ResponseSchema is set, it is attached as a strict JSON schema
// response_format so the provider itself enforces structural conformance
// before the Broker re-validates it.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Temperature: openai.Float(temp),
		Messages:    toOpenAIMessages(req.Messages),
	}
	if req.ResponseSchema != "" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "respond",
					Schema: rawSchema(req.ResponseSchema),
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	return translateResponse(resp)
}

func toOpenAIMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func translateResponse(resp *openai.ChatCompletion) (llm.Response, error) {
	usage := llm.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: empty choices in chat completion")
	}
	return llm.Response{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		return llm.NewProviderError("openai", "chat.completions.new", status, llm.ClassifyHTTPStatus(status), apiErr.Message, err)
	}
	return llm.NewProviderError("openai", "chat.completions.new", 0, llm.ProviderServerError, err.Error(), err)
}

// rawSchema parses the schema text into a generic map so the SDK can embed
// it as-is; the Broker owns the source of truth for the schema, this
// adapter only forwards it.
func rawSchema(schemaJSON string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
