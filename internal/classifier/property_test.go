package classifier

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/convoclassify/agent/internal/convstore"
	convstoreinmem "github.com/convoclassify/agent/internal/convstore/inmem"
	"github.com/convoclassify/agent/internal/stream"
)

// TestHandleSavingNeverDuplicatesConversationIDsProperty verifies spec.md §8's
// idempotence property that a batch, once saved, contributes each
// conversation id to AllConversationIDs exactly once, for generated batches
// of distinct, non-empty ids.
func TestHandleSavingNeverDuplicatesConversationIDsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("AllConversationIDs gains each saved id exactly once", prop.ForAll(
		func(ids []string) bool {
			distinct := make(map[string]bool, len(ids))
			var unique []string
			for _, id := range ids {
				if id == "" || distinct[id] {
					continue
				}
				distinct[id] = true
				unique = append(unique, id)
			}

			runtime, _, conv := newTestRuntime(t, &fakeClient{}, 10)
			for _, id := range unique {
				conv.Seed(convstore.Conversation{ID: id})
			}

			agentCtx := &AgentContext{RunID: "r1", TargetSampleSize: len(unique) + 1}
			for _, id := range unique {
				agentCtx.PendingClassifications = append(agentCtx.PendingClassifications, ClassificationOutput{
					ConversationID: id,
					Classification: Resolved,
				})
			}

			if _, err := runtime.handleSaving(context.Background(), agentCtx, newEmitter("r1", func(stream.Event) bool { return true })); err != nil {
				return false
			}

			if len(agentCtx.AllConversationIDs) != len(unique) {
				return false
			}
			seen := make(map[string]bool, len(agentCtx.AllConversationIDs))
			for _, id := range agentCtx.AllConversationIDs {
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
