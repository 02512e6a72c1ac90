package llm

import (
	"context"
	"testing"
)

type stubClient struct {
	resp     Response
	err      error
	lastReq  Request
	callCount int
}

func (s *stubClient) Complete(_ context.Context, req Request) (Response, error) {
	s.lastReq = req
	s.callCount++
	return s.resp, s.err
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New with no Client should error")
	}
}

func TestRequestPlanSuccess(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{
		"targetSampleSize": 15,
		"stopRequested": false,
		"additionalInstructions": "",
		"queryMap": {"category": "billing"},
		"planDetails": "sample billing conversations"
	}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result := broker.RequestPlan(context.Background(), "test-model", []Message{{Role: RoleUser, Content: "plan"}}, func(m map[string]any) (string, error) {
		return `{"category":"billing"}`, nil
	})
	if !result.Success {
		t.Fatalf("expected success, got failure log: %s", result.FailureLog)
	}
	if result.Data.TargetSampleSize != 15 {
		t.Errorf("TargetSampleSize = %d, want 15", result.Data.TargetSampleSize)
	}
	if result.Data.QueryMapSerialized != `{"category":"billing"}` {
		t.Errorf("QueryMapSerialized = %q", result.Data.QueryMapSerialized)
	}
}

func TestRequestPlanSchemaViolationFails(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{"targetSampleSize": "not-a-number"}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestPlan(context.Background(), "test-model", nil, func(map[string]any) (string, error) { return "", nil })
	if result.Success {
		t.Fatal("expected schema validation failure, got success")
	}
	if result.FailureLog == "" {
		t.Error("expected a non-empty FailureLog on schema violation")
	}
}

func TestRequestPlanDefaultsTargetSampleSize(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{
		"targetSampleSize": 0,
		"stopRequested": false,
		"additionalInstructions": "",
		"queryMap": {},
		"planDetails": "no explicit target"
	}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestPlan(context.Background(), "test-model", nil, func(map[string]any) (string, error) { return "{}", nil })
	if !result.Success {
		t.Fatalf("expected success, got failure log: %s", result.FailureLog)
	}
	if result.Data.TargetSampleSize != 20 {
		t.Errorf("TargetSampleSize = %d, want the default of 20", result.Data.TargetSampleSize)
	}
}

func TestRequestClassificationSuccess(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{"outputs":[{"conversationId":"c1","classification":"RESOLVED"}]}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestClassification(context.Background(), "test-model", nil)
	if !result.Success {
		t.Fatalf("expected success, got failure log: %s", result.FailureLog)
	}
	if len(result.Data) != 1 || result.Data[0].ConversationID != "c1" {
		t.Errorf("Data = %+v", result.Data)
	}
}

func TestRequestClassificationInvalidEnumFails(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{"outputs":[{"conversationId":"c1","classification":"MAYBE"}]}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestClassification(context.Background(), "test-model", nil)
	if result.Success {
		t.Fatal("expected schema validation to reject an out-of-enum classification")
	}
}

func TestRequestRetrievalDecisionThreadsTemperature(t *testing.T) {
	client := &stubClient{resp: Response{Text: `{"decision":"NEXT_QUERY","query":"try again"}`}}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestRetrievalDecision(context.Background(), "test-model", nil, 0.42)
	if !result.Success {
		t.Fatalf("expected success, got failure log: %s", result.FailureLog)
	}
	if client.lastReq.Temperature != 0.42 {
		t.Errorf("Request.Temperature = %v, want 0.42", client.lastReq.Temperature)
	}
}

func TestRequestSummaryPassesThroughProviderError(t *testing.T) {
	client := &stubClient{err: NewProviderError("openai", "complete", 503, ProviderServerError, "upstream unavailable", nil)}
	broker, err := New(Options{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := broker.RequestSummary(context.Background(), "test-model", nil)
	if result.Success {
		t.Fatal("expected failure when the client returns a provider error")
	}
	if result.FailureLog == "" {
		t.Error("expected a non-empty FailureLog")
	}
}
