// Package llm is the LLM Broker (component E): it wraps provider completion
// calls with JSON-schema constrained output, isolates provider errors behind
// a Result type, and never lets a provider error cross the Runtime boundary
// as a panic or an unchecked error return.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/convoclassify/agent/internal/classifier"
	"github.com/convoclassify/agent/internal/telemetry"
)

// Result isolates a provider call's outcome from its error, per §4.5: the
// Runtime branches on Success rather than on a Go error return, since a
// well-formed provider failure (4xx/5xx) is expected, routine control flow,
// not an exceptional condition.
type Result[T any] struct {
	Success    bool
	Data       T
	FailureLog string
}

// Broker encapsulates provider-agnostic LLM orchestration: schema
// validation, rate limiting, and Result-wrapping. It holds no state across
// calls beyond its configuration.
type Broker struct {
	client     Client
	limiter    *rate.Limiter
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	planSchema *jsonschema.Schema
	classSchema *jsonschema.Schema
	retrievalSchema *jsonschema.Schema
}

// Options configures a Broker.
type Options struct {
	Client          Client
	Logger          telemetry.Logger
	Metrics         telemetry.Metrics
	RateLimitPerSec float64 // 0 disables rate limiting
}

// New constructs a Broker, compiling the fixed schema set once.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("llm: client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	planSchema, err := compileSchema("planning.json", PlanningSchema)
	if err != nil {
		return nil, err
	}
	classSchema, err := compileSchema("classification.json", ClassificationSchema)
	if err != nil {
		return nil, err
	}
	retrievalSchema, err := compileSchema("retrieval.json", RetrievalDecisionSchema)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), 1)
	}
	return &Broker{
		client:          opts.Client,
		limiter:         limiter,
		logger:          logger,
		metrics:         metrics,
		planSchema:      planSchema,
		classSchema:     classSchema,
		retrievalSchema: retrievalSchema,
	}, nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, err
	}
	if err := c.AddResource(name, doc); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

func (b *Broker) await(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// planResponse is the on-wire shape the planning completion must conform to.
type planResponse struct {
	TargetSampleSize       int            `json:"targetSampleSize"`
	StopRequested          bool           `json:"stopRequested"`
	AdditionalInstructions string         `json:"additionalInstructions"`
	QueryMap               map[string]any `json:"queryMap"`
	PlanDetails            string         `json:"planDetails"`
}

// RequestPlan issues a planning completion and validates it against
// PlanningSchema before decoding into a ConvClassificationPlan.
func (b *Broker) RequestPlan(ctx context.Context, model string, messages []Message, serialize func(map[string]any) (string, error)) Result[*classifier.ConvClassificationPlan] {
	resp, err := b.complete(ctx, model, messages, PlanningSchema)
	if err != nil {
		return Result[*classifier.ConvClassificationPlan]{FailureLog: err.Error()}
	}
	if err := b.validate(b.planSchema, resp.Text); err != nil {
		return Result[*classifier.ConvClassificationPlan]{FailureLog: "plan failed schema validation: " + err.Error()}
	}
	var parsed planResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return Result[*classifier.ConvClassificationPlan]{FailureLog: "plan JSON decode failed: " + err.Error()}
	}
	serialized, err := serialize(parsed.QueryMap)
	if err != nil {
		return Result[*classifier.ConvClassificationPlan]{FailureLog: "query map serialization failed: " + err.Error()}
	}
	plan := &classifier.ConvClassificationPlan{
		TargetSampleSize:       parsed.TargetSampleSize,
		StopRequested:          parsed.StopRequested,
		AdditionalInstructions: parsed.AdditionalInstructions,
		QueryMapSerialized:     serialized,
		PlanDetails:            parsed.PlanDetails,
	}
	if plan.TargetSampleSize == 0 {
		plan.TargetSampleSize = 20
	}
	return Result[*classifier.ConvClassificationPlan]{Success: true, Data: plan}
}

type classificationResponse struct {
	Outputs []struct {
		ConversationID string `json:"conversationId"`
		Classification string `json:"classification"`
	} `json:"outputs"`
}

// RequestClassification issues a classification completion over a batch.
func (b *Broker) RequestClassification(ctx context.Context, model string, messages []Message) Result[[]classifier.ClassificationOutput] {
	resp, err := b.complete(ctx, model, messages, ClassificationSchema)
	if err != nil {
		return Result[[]classifier.ClassificationOutput]{FailureLog: err.Error()}
	}
	if err := b.validate(b.classSchema, resp.Text); err != nil {
		return Result[[]classifier.ClassificationOutput]{FailureLog: "classification failed schema validation: " + err.Error()}
	}
	var parsed classificationResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return Result[[]classifier.ClassificationOutput]{FailureLog: "classification JSON decode failed: " + err.Error()}
	}
	outputs := make([]classifier.ClassificationOutput, 0, len(parsed.Outputs))
	for _, o := range parsed.Outputs {
		outputs = append(outputs, classifier.ClassificationOutput{
			ConversationID: o.ConversationID,
			Classification: classifier.Classification(o.Classification),
		})
	}
	return Result[[]classifier.ClassificationOutput]{Success: true, Data: outputs}
}

// RequestSummary issues a free-text (unconstrained) completion for the
// final run summary.
func (b *Broker) RequestSummary(ctx context.Context, model string, messages []Message) Result[string] {
	resp, err := b.complete(ctx, model, messages, "")
	if err != nil {
		return Result[string]{FailureLog: err.Error()}
	}
	return Result[string]{Success: true, Data: resp.Text}
}

// RequestRetrievalDecision issues the agentic retrieval loop's per-iteration
// TERMINATE/NEXT_QUERY decision. temperature lets the retrieval loop's
// self-tuning formulas steer exploration vs. exploitation call by call; pass
// 0 to use the provider's default.
func (b *Broker) RequestRetrievalDecision(ctx context.Context, model string, messages []Message, temperature float64) Result[RetrievalDecision] {
	resp, err := b.completeAt(ctx, model, messages, RetrievalDecisionSchema, temperature)
	if err != nil {
		return Result[RetrievalDecision]{FailureLog: err.Error()}
	}
	if err := b.validate(b.retrievalSchema, resp.Text); err != nil {
		return Result[RetrievalDecision]{FailureLog: "retrieval decision failed schema validation: " + err.Error()}
	}
	var d RetrievalDecision
	if err := json.Unmarshal([]byte(resp.Text), &d); err != nil {
		return Result[RetrievalDecision]{FailureLog: "retrieval decision JSON decode failed: " + err.Error()}
	}
	return Result[RetrievalDecision]{Success: true, Data: d}
}

// RetrievalDecision is the parsed per-iteration decision from the retrieval
// loop's LLM call.
type RetrievalDecision struct {
	Decision string         `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
	Query    string         `json:"query,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
	Memory   string         `json:"memory,omitempty"`
}

func (b *Broker) complete(ctx context.Context, model string, messages []Message, schema string) (Response, error) {
	return b.completeAt(ctx, model, messages, schema, 0)
}

func (b *Broker) completeAt(ctx context.Context, model string, messages []Message, schema string, temperature float64) (Response, error) {
	if err := b.await(ctx); err != nil {
		return Response{}, NewProviderError("broker", "rate_limit_wait", 0, ProviderServerError, "rate limiter wait canceled", err)
	}
	resp, err := b.client.Complete(ctx, Request{
		Model:          model,
		Messages:       messages,
		ResponseSchema: schema,
		Temperature:    temperature,
	})
	if err != nil {
		return Response{}, err
	}
	b.metrics.IncCounter("llm.broker.calls", 1, "model", model)
	return resp, nil
}

func (b *Broker) validate(schema *jsonschema.Schema, text string) error {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
