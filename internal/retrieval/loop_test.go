package retrieval

import (
	"context"
	"testing"

	"github.com/convoclassify/agent/internal/llm"
)

// fakeEmbedder returns a constant vector regardless of input text; the loop
// only cares that Embed succeeds and that Search sees some vector.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeIndex returns a canned page of hits per call, tracking exclude sets so
// a test can assert the loop never re-surfaces an already-seen hit. pages[0]
// always answers the mandatory seed search.
type fakeIndex struct {
	pages [][]Hit
	calls int
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, _ int, _ map[string]any, excludeIDs map[string]bool) ([]Hit, error) {
	i := f.calls
	f.calls++
	if i >= len(f.pages) {
		return nil, nil
	}
	var out []Hit
	for _, h := range f.pages[i] {
		if excludeIDs[h.ID] {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// fakeDecisionClient implements llm.Client, returning one canned retrieval
// decision JSON body per call (looping the last entry once exhausted).
type fakeDecisionClient struct {
	bodies []string
	calls  int
}

func (c *fakeDecisionClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	i := c.calls
	if i >= len(c.bodies) {
		i = len(c.bodies) - 1
	}
	c.calls++
	return llm.Response{Text: c.bodies[i]}, nil
}

func newTestBroker(t *testing.T, client llm.Client) *llm.Broker {
	t.Helper()
	broker, err := llm.New(llm.Options{Client: client})
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	return broker
}

func TestRunStopsOnEmptySeedResults(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{{}}}
	loop := New(newTestBroker(t, &fakeDecisionClient{}), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonNoInitialResults {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonNoInitialResults)
	}
	if index.calls != 1 {
		t.Errorf("index was searched %d times, want exactly 1 (the seed search)", index.calls)
	}
}

func TestRunStopsWhenSeedAloneReachesMaxResults(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{
		{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}},
	}}
	loop := New(newTestBroker(t, &fakeDecisionClient{}), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonInitialResultsSufficient {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonInitialResultsSufficient)
	}
	if len(result.Hits) != 2 {
		t.Errorf("len(Hits) = %d, want 2", len(result.Hits))
	}
	if index.calls != 1 {
		t.Errorf("index was searched %d times, want exactly 1 since the seed already met MaxResults", index.calls)
	}
}

func TestRunStopsOnModelTerminate(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{
		{{ID: "a", Score: 0.5}},
	}}
	client := &fakeDecisionClient{bodies: []string{`{"decision":"TERMINATE","memory":"found enough"}`}}
	loop := New(newTestBroker(t, client), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 100})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonModelTerminated {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonModelTerminated)
	}
	if result.Memory != "found enough" {
		t.Errorf("Memory = %q, want %q", result.Memory, "found enough")
	}
	if index.calls != 1 {
		t.Errorf("index was searched %d times, want exactly 1 (the seed search; the model terminated before any further search)", index.calls)
	}
}

func TestRunStopsOnQueryRepetition(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{
		{{ID: "seed", Score: 0.5}},
		{{ID: "b", Score: 0.5}},
		{{ID: "c", Score: 0.5}},
	}}
	// The model proposes the same next query every time; after
	// repetitionGuardLimit consecutive repeats the loop must give up rather
	// than spin forever on an unproductive query.
	client := &fakeDecisionClient{bodies: []string{`{"decision":"NEXT_QUERY","query":"refunds"}`}}
	loop := New(newTestBroker(t, client), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 100, MaxIterations: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Terminated after 2 repeated queries."
	if result.Reason != want {
		t.Errorf("Reason = %q, want %q", result.Reason, want)
	}
}

func TestRunStopsOnIterationBudget(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{
		{{ID: "seed", Score: 0.5}},
		{{ID: "b", Score: 0.5}},
		{{ID: "c", Score: 0.5}},
	}}
	client := &fakeDecisionClient{bodies: []string{
		`{"decision":"NEXT_QUERY","query":"refunds v1"}`,
		`{"decision":"NEXT_QUERY","query":"refunds v2"}`,
	}}
	loop := New(newTestBroker(t, client), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 100, MaxIterations: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Reached max iterations (2)."
	if result.Reason != want {
		t.Errorf("Reason = %q, want %q", result.Reason, want)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
}

func TestRunStopsOnDecisionParseBudget(t *testing.T) {
	index := &fakeIndex{pages: [][]Hit{
		{{ID: "seed", Score: 0.5}},
	}}
	// Every decision body is unparseable JSON, exhausting decisionParseBudget
	// within the first iteration's retries.
	client := &fakeDecisionClient{bodies: []string{`not json`}}
	loop := New(newTestBroker(t, client), index, fakeEmbedder{})

	result, err := loop.Run(context.Background(), Params{SeedQuery: "refunds", MaxResults: 100})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonDecisionParseBudget {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonDecisionParseBudget)
	}
	if index.calls != 1 {
		t.Errorf("index was searched %d times, want exactly 1 (the seed search; no search follows an unparseable decision)", index.calls)
	}
}

func TestTuneHyperparamsStaysInDocumentedRanges(t *testing.T) {
	cases := []struct {
		avgRel       float64
		wantTempLo   float64
		wantTempHi   float64
	}{
		{0.0, 0.9, 1.0},
		{1.0, 0.2, 0.4},
	}
	for _, c := range cases {
		for i := 0; i < 50; i++ {
			temp, topP, freq, pres := tuneHyperparams(c.avgRel)
			if temp < c.wantTempLo || temp > c.wantTempHi {
				t.Errorf("avgRel=%v: temperature = %v, want within [%v, %v]", c.avgRel, temp, c.wantTempLo, c.wantTempHi)
			}
			if topP < 0.5 || topP > 1.0 {
				t.Errorf("avgRel=%v: topP = %v, want within [0.5, 1.0]", c.avgRel, topP)
			}
			if freq < 0.0 || freq > 1.0 {
				t.Errorf("avgRel=%v: frequencyPenalty = %v, want within [0.0, 1.0]", c.avgRel, freq)
			}
			if pres < 0.0 || pres > 1.0 {
				t.Errorf("avgRel=%v: presencePenalty = %v, want within [0.0, 1.0]", c.avgRel, pres)
			}
		}
	}
}

func TestExtractMemoryWithAndWithoutMarker(t *testing.T) {
	if got := extractMemory("##MEMORY## refunds are usually resolved in 3 days"); got != "refunds are usually resolved in 3 days" {
		t.Errorf("extractMemory with marker = %q", got)
	}
	if got := extractMemory("no marker here"); got != "no marker here" {
		t.Errorf("extractMemory without marker = %q, want passthrough", got)
	}
	if got := extractMemory(""); got != "" {
		t.Errorf("extractMemory(\"\") = %q, want empty", got)
	}
}
