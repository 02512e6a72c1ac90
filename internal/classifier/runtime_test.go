package classifier

import (
	"context"
	"testing"

	checkpointinmem "github.com/convoclassify/agent/internal/checkpoint/inmem"
	"github.com/convoclassify/agent/internal/convstore"
	convstoreinmem "github.com/convoclassify/agent/internal/convstore/inmem"
	convstoremongo "github.com/convoclassify/agent/internal/convstore/mongo"
	"github.com/convoclassify/agent/internal/llm"
	"github.com/convoclassify/agent/internal/stream"
)

// fakeClient implements llm.Client over a queue of canned responses, one per
// call, so handler tests don't need a live provider. The last queued
// response repeats once the queue is exhausted.
type fakeClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (c *fakeClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return c.responses[i], err
}

func planJSON(target int, details string) string {
	return `{"targetSampleSize":` + itoa(target) + `,"stopRequested":false,"additionalInstructions":"","queryMap":{},"planDetails":"` + details + `"}`
}

func classificationJSON(ids ...string) string {
	out := `{"outputs":[`
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += `{"conversationId":"` + id + `","classification":"RESOLVED"}`
	}
	out += `]}`
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func newTestRuntime(t *testing.T, client llm.Client, maxBatch int) (*Runtime, *checkpointinmem.Store, *convstoreinmem.Store) {
	t.Helper()
	broker, err := llm.New(llm.Options{Client: client})
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	cp := checkpointinmem.New()
	conv := convstoreinmem.New()
	runtime := New(Deps{
		Checkpoint:    cp,
		Conversations: conv,
		Translator:    convstoremongo.JSONTranslator{},
		Broker:        broker,
		MaxPlans:      3,
		MaxModelCalls: 5,
		MaxBatch:      maxBatch,
		Model:         "test-model",
	})
	return runtime, cp, conv
}

func TestStartRunStopsAtFetchApproval(t *testing.T) {
	conv := convstoreinmem.New()
	conv.Seed(convstore.Conversation{ID: "c1"}, convstore.Conversation{ID: "c2"})

	client := &fakeClient{responses: []llm.Response{{Text: planJSON(2, "plan")}}}
	broker, err := llm.New(llm.Options{Client: client})
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	cp := checkpointinmem.New()
	runtime := New(Deps{
		Checkpoint:    cp,
		Conversations: conv,
		Translator:    convstoremongo.JSONTranslator{},
		Broker:        broker,
		MaxPlans:      3,
		MaxModelCalls: 5,
		MaxBatch:      10,
		Model:         "test-model",
	})

	events := stream.Collect(runtime.StartRun(context.Background(), "run-1", "", "classify support tickets"))

	var sawAwaitingFetch bool
	for _, ev := range events {
		if ev.Type == stream.EventAwaitingFetchApproval {
			sawAwaitingFetch = true
		}
	}
	if !sawAwaitingFetch {
		t.Fatalf("expected agent.run.awaiting_fetch_approval among events, got %+v", events)
	}

	saved, err := cp.Load(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := saved.State.(AwaitingFetchApprovalState); !ok {
		t.Fatalf("persisted state = %T, want AwaitingFetchApprovalState", saved.State)
	}
	if len(saved.FetchedConversations) != 2 {
		t.Fatalf("FetchedConversations = %d, want 2", len(saved.FetchedConversations))
	}
}

func TestPlanningRejectsChunkIndexWithoutFilename(t *testing.T) {
	badPlan := `{"targetSampleSize":5,"stopRequested":false,"additionalInstructions":"","queryMap":{"chunk_index":3},"planDetails":"bad"}`
	client := &fakeClient{responses: []llm.Response{{Text: badPlan}}}
	runtime, cp, _ := newTestRuntime(t, client, 10)

	events := stream.Collect(runtime.StartRun(context.Background(), "run-2", "", "find edge cases"))

	var sawError, sawStopped bool
	for _, ev := range events {
		if ev.Type == stream.EventRunError {
			sawError = true
		}
		if ev.Type == stream.EventRunStopped {
			sawStopped = true
		}
	}
	if !sawError || !sawStopped {
		t.Fatalf("expected the chunk_index validation failure to surface as error then stopped, got %+v", events)
	}

	saved, err := cp.Load(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := saved.State.(StoppedState); !ok {
		t.Fatalf("persisted state = %T, want StoppedState", saved.State)
	}
}

func TestFetchingReplansOnEmptyResult(t *testing.T) {
	// No conversations seeded: the first fetch finds nothing and should
	// replan rather than terminate immediately, since plansCount < maxPlans.
	// maxPlans is capped at 2 so the second empty fetch exhausts the budget
	// and the run reaches Summarizing deterministically.
	client := &fakeClient{responses: []llm.Response{
		{Text: planJSON(5, "first plan")},
		{Text: planJSON(5, "second plan")},
	}}
	broker, err := llm.New(llm.Options{Client: client})
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	cp := checkpointinmem.New()
	runtime := New(Deps{
		Checkpoint:    cp,
		Conversations: convstoreinmem.New(),
		Translator:    convstoremongo.JSONTranslator{},
		Broker:        broker,
		MaxPlans:      2,
		MaxModelCalls: 5,
		MaxBatch:      10,
		Model:         "test-model",
	})

	events := stream.Collect(runtime.StartRun(context.Background(), "run-3", "", "classify tickets"))

	var sawReplanTrigger bool
	for _, ev := range events {
		if ev.Type == stream.EventFetchingStopped {
			sawReplanTrigger = true
		}
	}
	if !sawReplanTrigger {
		t.Fatalf("expected agent.run.fetching.stopped when the store returns no conversations, got %+v", events)
	}

	saved, err := cp.Load(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.PlansCount != 2 {
		t.Fatalf("PlansCount = %d, want 2 (replanned once)", saved.PlansCount)
	}
}

func TestResumeRunAwaitingStateDoesNotDrive(t *testing.T) {
	cp := checkpointinmem.New()
	runtime := New(Deps{Checkpoint: cp, Conversations: convstoreinmem.New(), Translator: convstoremongo.JSONTranslator{}})
	agentCtx := &AgentContext{RunID: "run-4", State: AwaitingBatchApprovalState{}}
	if err := cp.Save(context.Background(), agentCtx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	events := stream.Collect(runtime.ResumeRun(context.Background(), "run-4"))
	if len(events) != 1 || events[0].Type != stream.EventRunResumed {
		t.Fatalf("resuming into an awaiting state should emit only agent.run.resumed, got %+v", events)
	}
}
