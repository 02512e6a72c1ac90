// Package inmem provides an in-memory Checkpoint Store used by tests and by
// single-process deployments that don't need durability across restarts.
package inmem

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/convoclassify/agent/internal/checkpoint"
	"github.com/convoclassify/agent/internal/classifier"
)

type Store struct {
	mu        sync.Mutex
	runs      map[string]*classifier.AgentContext
	outcomes  map[string]*classifier.AgentRunOutcome
	seq       map[string]int
	nextIndex int
}

// New constructs an empty in-memory checkpoint store.
func New() *Store {
	return &Store{
		runs:     make(map[string]*classifier.AgentContext),
		outcomes: make(map[string]*classifier.AgentRunOutcome),
		seq:      make(map[string]int),
	}
}

func (s *Store) Save(_ context.Context, agentCtx *classifier.AgentContext) error {
	if agentCtx == nil || agentCtx.RunID == "" {
		return checkpoint.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := agentCtx.Clone()
	clone.UpdatedAt = time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	if _, exists := s.seq[clone.RunID]; !exists {
		s.nextIndex++
		s.seq[clone.RunID] = s.nextIndex
	}
	s.runs[clone.RunID] = clone
	return nil
}

func (s *Store) Load(_ context.Context, runID string) (*classifier.AgentContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *Store) SaveOutcome(_ context.Context, outcome *classifier.AgentRunOutcome) error {
	if outcome == nil || outcome.RunID == "" {
		return checkpoint.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *outcome
	cp.ConversationIDs = append([]string(nil), outcome.ConversationIDs...)
	s.outcomes[outcome.RunID] = &cp
	return nil
}

// List returns runs ordered by CreatedAt descending, paginated via an
// opaque numeric cursor derived from insertion order (a stand-in for a
// Mongo _id-based keyset cursor).
func (s *Store) List(_ context.Context, limit int, after string) (checkpoint.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*classifier.AgentContext, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return s.seq[all[i].RunID] > s.seq[all[j].RunID]
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if after != "" {
		afterSeq, err := strconv.Atoi(after)
		if err == nil {
			for i, r := range all {
				if s.seq[r.RunID] < afterSeq {
					start = i
					break
				}
				start = i + 1
			}
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	page := make([]*classifier.AgentContext, 0, end-start)
	for _, r := range all[start:end] {
		page = append(page, r.Clone())
	}
	nextCursor := ""
	if end < len(all) {
		nextCursor = strconv.Itoa(s.seq[all[end-1].RunID])
	}
	return checkpoint.Page{Runs: page, After: nextCursor}, nil
}
