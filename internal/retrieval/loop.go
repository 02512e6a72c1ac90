// Package retrieval implements the agentic retrieval loop (component F): an
// LLM-steered search over a vector index that expands or narrows its query
// across iterations instead of running a single fixed similarity search.
// Planning invokes it when the user's instructions describe a retrieval
// subproblem ("find conversations about refund disputes") rather than a
// plain store filter.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"strings"

	"github.com/convoclassify/agent/internal/llm"
)

// Termination reasons. Exactly these six literal (template) strings are ever
// set on Result.Reason; no other value may appear.
const (
	ReasonNoInitialResults         = "No initial results found."
	ReasonInitialResultsSufficient = "Terminated after initial results."
	ReasonQueryRepetitionFmt       = "Terminated after %d repeated queries."
	ReasonIterationBudgetFmt       = "Reached max iterations (%d)."
	ReasonDecisionParseBudget      = "Default termination after LLM decision parse failures."
	ReasonModelTerminated          = "LLM decided to TERMINATE."
)

const (
	decisionParseBudget   = 3
	repetitionGuardLimit  = 2
	defaultMaxIterations  = 8
	defaultMaxResults     = 10
	defaultSeedMultiplier = 3.0
	seedTopKCap           = 100
)

// Embedder turns query text into the vector the Index searches on. A
// concrete implementation wraps whatever embeddings provider the deployment
// configures; the loop itself is vector-space agnostic.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is one scored result from the vector index.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Index is the vector search seam the loop drives. Implementations should
// exclude ExcludeIDs server-side when the backend supports it; QdrantIndex.Search
// additionally re-filters client-side as a degradation path for backends (or
// filter shapes) that don't.
type Index interface {
	Search(ctx context.Context, vector []float32, topK int, filters map[string]any, excludeIDs map[string]bool) ([]Hit, error)
}

// Params configures one retrieval run.
type Params struct {
	SeedQuery string
	Filters   map[string]any

	// MaxResults caps the accumulated hit buffer (trimmed to this size, by
	// score descending, after every search). Defaults to defaultMaxResults.
	MaxResults int
	// SeedMultiplier scales MaxResults for the mandatory seed search's top-k
	// (capped at seedTopKCap). Defaults to defaultSeedMultiplier.
	SeedMultiplier float64
	// SeedStrategy names a seeding approach; Run does not read it and only
	// ever performs the single top-k seed search the algorithm mandates.
	SeedStrategy string

	MaxIterations int
	Model         string
}

// Result is the loop's final output: the accumulated hit set, the knowledge
// memory the model built up via ##MEMORY## markers, and why the loop
// stopped.
type Result struct {
	Hits       []Hit
	Memory     string
	Reason     string
	Iterations int
	Queries    []string
}

// Loop drives the iterative NEXT_QUERY/TERMINATE decision cycle described by
// the agentic retrieval algorithm.
type Loop struct {
	Broker   *llm.Broker
	Index    Index
	Embedder Embedder
}

// New constructs a Loop. All fields are required.
func New(broker *llm.Broker, index Index, embedder Embedder) *Loop {
	return &Loop{Broker: broker, Index: index, Embedder: embedder}
}

// Run performs the mandatory seed search, then executes the
// TERMINATE/NEXT_QUERY decision cycle until the model decides TERMINATE, the
// iteration budget is exhausted, the same (query, filters) pair repeats
// repetitionGuardLimit times, or the decision call fails to parse
// decisionParseBudget times in a row.
func (l *Loop) Run(ctx context.Context, p Params) (Result, error) {
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	multiplier := p.SeedMultiplier
	if multiplier <= 0 {
		multiplier = defaultSeedMultiplier
	}
	maxIterations := p.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	seen := make(map[string]bool)
	var hits []Hit
	var memory strings.Builder
	var queries []string

	seedTopK := int(math.Min(float64(maxResults)*multiplier, seedTopKCap))
	seedVector, err := l.Embedder.Embed(ctx, p.SeedQuery)
	if err != nil {
		return Result{Reason: ReasonNoInitialResults}, fmt.Errorf("retrieval: embedding seed query: %w", err)
	}
	seedBatch, err := l.Index.Search(ctx, seedVector, seedTopK, p.Filters, nil)
	if err != nil {
		return Result{Reason: ReasonNoInitialResults}, fmt.Errorf("retrieval: seed search: %w", err)
	}
	queries = append(queries, p.SeedQuery)
	hits = mergeTrim(hits, seedBatch, seen, maxResults)

	if len(hits) == 0 {
		return Result{Reason: ReasonNoInitialResults, Queries: queries}, nil
	}
	if len(hits) >= maxResults {
		return Result{Hits: hits, Reason: ReasonInitialResultsSufficient, Queries: queries}, nil
	}

	query := p.SeedQuery
	filters := p.Filters
	lastQuery := ""
	var lastFilters map[string]any
	repeats := 0
	avgRel := 1.0 // first decision call runs at baseline (exploit) hyperparameters

	for iteration := 1; iteration <= maxIterations; iteration++ {
		decision, memNote, parseErr := l.decide(ctx, p, query, hits, memory.String(), avgRel)
		if parseErr != nil {
			return Result{Hits: hits, Memory: memory.String(), Reason: ReasonDecisionParseBudget, Iterations: iteration, Queries: queries}, nil
		}
		if mem := extractMemory(memNote); mem != "" {
			if memory.Len() > 0 {
				memory.WriteString("\n")
			}
			memory.WriteString(mem)
		}
		if decision.Decision == "TERMINATE" {
			return Result{Hits: hits, Memory: memory.String(), Reason: ReasonModelTerminated, Iterations: iteration, Queries: queries}, nil
		}

		nextQuery := decision.Query
		if nextQuery == "" {
			nextQuery = query
		}
		nextFilters := decision.Filters
		if nextFilters == nil {
			nextFilters = filters
		}
		if nextQuery == lastQuery && reflect.DeepEqual(nextFilters, lastFilters) {
			repeats++
		} else {
			repeats = 0
		}
		lastQuery, lastFilters = nextQuery, nextFilters
		if repeats >= repetitionGuardLimit {
			return Result{Hits: hits, Memory: memory.String(), Reason: fmt.Sprintf(ReasonQueryRepetitionFmt, repeats), Iterations: iteration, Queries: queries}, nil
		}

		vector, err := l.Embedder.Embed(ctx, nextQuery)
		if err != nil {
			return Result{Hits: hits, Memory: memory.String(), Reason: ReasonDecisionParseBudget, Iterations: iteration, Queries: queries},
				fmt.Errorf("retrieval: embedding query: %w", err)
		}
		excluded := make(map[string]bool, len(seen))
		for id := range seen {
			excluded[id] = true
		}
		batch, err := l.Index.Search(ctx, vector, defaultTopK(maxResults), nextFilters, excluded)
		if err != nil {
			return Result{Hits: hits, Memory: memory.String(), Reason: ReasonDecisionParseBudget, Iterations: iteration, Queries: queries},
				fmt.Errorf("retrieval: searching index: %w", err)
		}
		queries = append(queries, nextQuery)

		fresh := 0
		var sumScore float64
		counted := make(map[string]bool, len(batch))
		for _, h := range batch {
			if seen[h.ID] || counted[h.ID] {
				continue
			}
			counted[h.ID] = true
			sumScore += float64(h.Score)
			fresh++
		}
		hits = mergeTrim(hits, batch, seen, maxResults)
		if fresh > 0 {
			avgRel = sumScore / float64(fresh)
		} else {
			avgRel = 0
		}

		query, filters = nextQuery, nextFilters
	}

	return Result{Hits: hits, Memory: memory.String(), Reason: fmt.Sprintf(ReasonIterationBudgetFmt, maxIterations), Iterations: maxIterations, Queries: queries}, nil
}

// mergeTrim folds batch's unseen hits into existing (marking them seen),
// sorts the combined buffer by score descending, and trims it to maxResults,
// matching the "merge new unique hits; trim to maxResults by score" loop
// invariant.
func mergeTrim(existing []Hit, batch []Hit, seen map[string]bool, maxResults int) []Hit {
	out := append([]Hit(nil), existing...)
	for _, h := range batch {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// defaultTopK sizes a per-iteration search request off the configured result
// buffer so a smaller buffer doesn't pay for an oversized search.
func defaultTopK(maxResults int) int {
	if maxResults > seedTopKCap {
		return seedTopKCap
	}
	return maxResults
}

// decide issues the per-iteration TERMINATE/NEXT_QUERY decision call,
// retrying up to decisionParseBudget times on a schema-validation or decode
// failure before giving up on this iteration entirely.
func (l *Loop) decide(ctx context.Context, p Params, query string, hits []Hit, memory string, avgRel float64) (llm.RetrievalDecision, string, error) {
	// topP/frequencyPenalty/presencePenalty are computed for parity with the
	// algorithm's full hyperparameter set, but llm.Request only exposes a
	// Temperature knob today (the two provider adapters don't yet surface
	// nucleus/frequency/presence controls); only temperature is threaded
	// through to the Broker call.
	temperature, _, _, _ := tuneHyperparams(avgRel)

	messages := []llm.Message{{Role: llm.RoleUser, Content: decisionPrompt(p, query, hits, memory)}}
	var lastErr string
	for attempt := 0; attempt < decisionParseBudget; attempt++ {
		result := l.Broker.RequestRetrievalDecision(ctx, p.Model, messages, temperature)
		if result.Success {
			return result.Data, result.Data.Memory, nil
		}
		lastErr = result.FailureLog
	}
	return llm.RetrievalDecision{}, "", fmt.Errorf("retrieval: decision unparseable after retries: %s", lastErr)
}

func decisionPrompt(p Params, query string, hits []Hit, memory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Seed query: %s\nCurrent query: %s\n", p.SeedQuery, query)
	fmt.Fprintf(&b, "Accumulated results so far: %d\n", len(hits))
	if memory != "" {
		fmt.Fprintf(&b, "Accumulated knowledge (##MEMORY##):\n%s\n", memory)
	}
	b.WriteString("Decide TERMINATE if the result set is sufficient, otherwise propose NEXT_QUERY with a refined query.\n")
	b.WriteString("Append any new durable findings to memory using a ##MEMORY## marker.\n")
	return b.String()
}

// extractMemory pulls the content following a ##MEMORY## marker out of a raw
// decision reason/memory field, tolerating a decision that folds its memory
// update into free text rather than the dedicated field.
func extractMemory(raw string) string {
	const marker = "##MEMORY##"
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(raw[idx+len(marker):])
}

// tuneHyperparams self-tunes sampling hyperparameters for the next decision
// call from the previous iteration's average relevance score: a low avgRel
// (results look duplicate/off-topic) widens sampling to encourage a more
// exploratory next query, while a high avgRel narrows it back down to stay
// close to a query that is already working. Each parameter interpolates
// across its documented range, offset by jitterRange so the low end of the
// range is only ever reached at the exploit extreme (avgRel=1) and the high
// end only at the explore extreme (avgRel=0), then adds a further ±jitter and
// clamps back into range.
func tuneHyperparams(avgRel float64) (temperature, topP, frequencyPenalty, presencePenalty float64) {
	clamped := math.Max(0, math.Min(1, avgRel))
	explore := 1 - clamped

	temperature = tuneOne(explore, 0.2, 1.0)
	topP = tuneOne(explore, 0.5, 1.0)
	frequencyPenalty = tuneOne(explore, 0.0, 1.0)
	presencePenalty = tuneOne(explore, 0.0, 1.0)
	return
}

const jitterRange = 0.1

func tuneOne(explore, floor, ceiling float64) float64 {
	base := lerp(floor+jitterRange, ceiling, explore)
	v := base + (rand.Float64()*2-1)*jitterRange
	return clampRange(v, floor, ceiling)
}

func lerp(min, max, t float64) float64 { return min + (max-min)*t }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
