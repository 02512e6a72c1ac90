package inmem

import (
	"context"
	"testing"

	"github.com/convoclassify/agent/internal/convstore"
)

func TestQueryExcludesAlreadyClassified(t *testing.T) {
	store := New()
	store.Seed(
		convstore.Conversation{ID: "c1", Meta: convstore.Meta{Category: "billing"}},
		convstore.Conversation{ID: "c2", Meta: convstore.Meta{Category: "billing"}},
	)
	ctx := context.Background()

	if err := store.UpdateClassification(ctx, "c1", convstore.Resolved); err != nil {
		t.Fatalf("UpdateClassification: %v", err)
	}

	results, err := store.Query(ctx, "", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c2" {
		t.Fatalf("Query should exclude c1 once classified, got %+v", results)
	}
}

func TestQueryCategoryFilter(t *testing.T) {
	store := New()
	store.Seed(
		convstore.Conversation{ID: "c1", Meta: convstore.Meta{Category: "billing"}},
		convstore.Conversation{ID: "c2", Meta: convstore.Meta{Category: "shipping"}},
	)

	results, err := store.Query(context.Background(), `{"category":"shipping"}`, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c2" {
		t.Fatalf("Query with category filter = %+v, want only c2", results)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	store := New()
	store.Seed(
		convstore.Conversation{ID: "c1"},
		convstore.Conversation{ID: "c2"},
		convstore.Conversation{ID: "c3"},
	)

	results, err := store.Query(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func TestUpdateClassificationUnknownID(t *testing.T) {
	store := New()
	if err := store.UpdateClassification(context.Background(), "missing", convstore.Resolved); err != convstore.ErrNotFound {
		t.Errorf("UpdateClassification(missing) error = %v, want convstore.ErrNotFound", err)
	}
}

func TestQueryInvalidSerializedQueryErrors(t *testing.T) {
	store := New()
	if _, err := store.Query(context.Background(), "not-json", 10); err == nil {
		t.Error("Query with malformed serialized query should return an error")
	}
}
