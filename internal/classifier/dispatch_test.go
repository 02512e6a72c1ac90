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

func TestDispatchApproveFetchAdvancesToBatchApproval(t *testing.T) {
	conv := convstoreinmem.New()
	conv.Seed(convstore.Conversation{ID: "c1"})

	client := &fakeClient{responses: []llm.Response{
		{Text: planJSON(1, "plan")},
		{Text: classificationJSON("c1")},
	}}
	runtime, cp, _ := runtimeOverConv(t, client, conv, 10)
	dispatcher := NewDispatcher(runtime)

	stream.Collect(runtime.StartRun(context.Background(), "run-approve-fetch", "", "classify"))

	events := stream.Collect(dispatcher.Dispatch(context.Background(), "run-approve-fetch", Command{Mode: ApproveFetch}))

	var sawBatchApproval bool
	for _, ev := range events {
		if ev.Type == stream.EventAwaitingBatchApproval {
			sawBatchApproval = true
		}
	}
	if !sawBatchApproval {
		t.Fatalf("expected agent.run.awaiting_batch_approval after ApproveFetch, got %+v", events)
	}

	saved, err := cp.Load(context.Background(), "run-approve-fetch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := saved.State.(AwaitingBatchApprovalState); !ok {
		t.Fatalf("persisted state = %T, want AwaitingBatchApprovalState", saved.State)
	}
}

func TestDispatchRejectFetchDiscardsBatchAndReplans(t *testing.T) {
	conv := convstoreinmem.New()
	conv.Seed(convstore.Conversation{ID: "c1"})

	client := &fakeClient{responses: []llm.Response{
		{Text: planJSON(5, "first plan")},
		{Text: planJSON(5, "second plan")},
	}}
	runtime, cp, _ := runtimeOverConv(t, client, conv, 10)
	dispatcher := NewDispatcher(runtime)

	stream.Collect(runtime.StartRun(context.Background(), "run-reject-fetch", "", "classify"))

	before, err := cp.Load(context.Background(), "run-reject-fetch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(before.FetchedConversations) == 0 {
		t.Fatal("precondition: expected a fetched batch awaiting approval")
	}

	events := stream.Collect(dispatcher.Dispatch(context.Background(), "run-reject-fetch", Command{Mode: RejectFetch, Feedback: "wrong category"}))

	var sawRejected bool
	for _, ev := range events {
		if ev.Type == stream.EventFetchRejected {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatalf("expected agent.run.fetch_rejected, got %+v", events)
	}

	after, err := cp.Load(context.Background(), "run-reject-fetch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The rejected batch is discarded and the run replans (PlansCount
	// advances); the replan's own fetch may legitimately re-propose the same
	// unclassified conversation, so this only checks that the reject itself
	// never billed progress and that a replan actually happened.
	if after.TargetSampleSize != 5 || after.TotalConversationsClassified != 0 {
		t.Error("RejectFetch must not bill targetSampleSize or classification progress")
	}
	if after.PlansCount != 2 {
		t.Errorf("PlansCount = %d, want 2 (reject triggered exactly one replan)", after.PlansCount)
	}
	found := false
	for _, log := range after.FailureLogs {
		if log == "fetch batch rejected: wrong category" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a failure log entry for the rejection, got %+v", after.FailureLogs)
	}
}

func TestDispatchApproveBatchNeverSticky(t *testing.T) {
	conv := convstoreinmem.New()
	conv.Seed(convstore.Conversation{ID: "c1"}, convstore.Conversation{ID: "c2"})

	client := &fakeClient{responses: []llm.Response{
		{Text: planJSON(2, "plan")},
		{Text: classificationJSON("c1")},
	}}
	runtime, cp, _ := runtimeOverConv(t, client, conv, 1)
	dispatcher := NewDispatcher(runtime)

	stream.Collect(runtime.StartRun(context.Background(), "run-approve-batch", "", "classify"))
	stream.Collect(dispatcher.Dispatch(context.Background(), "run-approve-batch", Command{Mode: ApproveFetch}))
	stream.Collect(dispatcher.Dispatch(context.Background(), "run-approve-batch", Command{Mode: ApproveBatch}))

	saved, err := cp.Load(context.Background(), "run-approve-batch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// ApproveBatch approves only the batch just completed; the second
	// fetch/classify cycle must still stop at a fresh awaiting-approval
	// waypoint rather than skipping it.
	if _, ok := saved.State.(AwaitingFetchApprovalState); !ok {
		t.Fatalf("state after one ApproveBatch cycle = %T, want a fresh AwaitingFetchApprovalState (ApproveBatch is never sticky)", saved.State)
	}
}

func TestDispatchInvalidCommandLeavesRunUnchanged(t *testing.T) {
	conv := convstoreinmem.New()
	conv.Seed(convstore.Conversation{ID: "c1"})

	client := &fakeClient{responses: []llm.Response{{Text: planJSON(1, "plan")}}}
	runtime, cp, _ := runtimeOverConv(t, client, conv, 10)
	dispatcher := NewDispatcher(runtime)

	stream.Collect(runtime.StartRun(context.Background(), "run-invalid-cmd", "", "classify"))
	before, err := cp.Load(context.Background(), "run-invalid-cmd")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	events := stream.Collect(dispatcher.Dispatch(context.Background(), "run-invalid-cmd", Command{Mode: ApproveBatch}))
	if len(events) != 1 || events[0].Type != stream.EventRunError {
		t.Fatalf("an ApproveBatch sent while awaiting fetch approval should yield exactly one agent.run.error event, got %+v", events)
	}

	after, err := cp.Load(context.Background(), "run-invalid-cmd")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if after.State.Name() != before.State.Name() {
		t.Fatalf("state changed from %s to %s on an invalid command", before.State.Name(), after.State.Name())
	}
}

func runtimeOverConv(t *testing.T, client llm.Client, conv convstore.Store, maxBatch int) (*Runtime, *checkpointinmem.Store, convstore.Store) {
	t.Helper()
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
		MaxBatch:      maxBatch,
		Model:         "test-model",
	})
	return runtime, cp, conv
}
