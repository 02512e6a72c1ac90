// Package checkpoint defines the Checkpoint Store contract: a keyed mapping
// from runId to AgentContext, the single source of truth the Runtime reads
// and writes through on every tick.
package checkpoint

import (
	"context"
	"errors"

	"github.com/convoclassify/agent/internal/classifier"
)

// ErrNotFound is returned by Load when no checkpoint exists for the run id.
var ErrNotFound = errors.New("checkpoint: run not found")

// Page is one page of a keyset-paginated run listing.
type Page struct {
	Runs  []*classifier.AgentContext
	After string // opaque cursor for the next page; empty when exhausted
}

// Store is the Checkpoint Store contract (§4.2). save is atomic and
// idempotent; a failed save is fatal for the current tick (no further
// events are emitted for that transition).
type Store interface {
	// Save persists ctx atomically, updating UpdatedAt and the denormalized
	// stateName tag used for listing/filtering.
	Save(ctx context.Context, agentCtx *classifier.AgentContext) error

	// Load returns the last-committed snapshot, or ErrNotFound if absent.
	Load(ctx context.Context, runID string) (*classifier.AgentContext, error)

	// SaveOutcome writes the final run artifact to the outcome collection,
	// keyed by runId, distinct from the run-context collection.
	SaveOutcome(ctx context.Context, outcome *classifier.AgentRunOutcome) error

	// List supports keyset pagination on CreatedAt descending.
	List(ctx context.Context, limit int, after string) (Page, error)
}
