// Package inmem provides an in-memory conversation store for tests. Its
// "query" is a tiny predicate language adequate for table-driven handler
// tests: the serialized query is itself JSON and understood directly, no
// translator needed since there is no native backend syntax to bridge to.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/convoclassify/agent/internal/convstore"
)

type Store struct {
	mu            sync.Mutex
	conversations map[string]convstore.Conversation
	order         []string
}

func New() *Store {
	return &Store{conversations: make(map[string]convstore.Conversation)}
}

// Seed inserts conversations directly, bypassing Query, for test setup.
func (s *Store) Seed(convs ...convstore.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		if _, exists := s.conversations[c.ID]; !exists {
			s.order = append(s.order, c.ID)
		}
		s.conversations[c.ID] = c
	}
}

// query is the tiny predicate understood by this store: an optional
// "category" equality filter. Real deployments use the Mongo-backed store's
// native translator; this is a stand-in that needs no translator at all.
type query struct {
	Category string `json:"category,omitempty"`
}

func (s *Store) Query(_ context.Context, queryMapSerialized string, limit int) ([]convstore.Conversation, error) {
	var q query
	if queryMapSerialized != "" {
		if err := json.Unmarshal([]byte(queryMapSerialized), &q); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := append([]string(nil), s.order...)
	sort.Strings(ids)
	var out []convstore.Conversation
	for _, id := range ids {
		c := s.conversations[id]
		if c.Classification != nil {
			continue
		}
		if q.Category != "" && c.Meta.Category != q.Category {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdateClassification(_ context.Context, id string, classification convstore.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return convstore.ErrNotFound
	}
	cl := classification
	c.Classification = &cl
	s.conversations[id] = c
	return nil
}
