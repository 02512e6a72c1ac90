package classifier

import (
	"context"
	"fmt"

	"github.com/convoclassify/agent/internal/stream"
)

// Dispatcher is the Command Dispatcher (component C): it serializes commands
// against a run's checkpoint, validates a command against the run's current
// AwaitingX state, and re-enters the Runtime to keep driving the state
// machine forward.
type Dispatcher struct {
	runtime *Runtime
}

// NewDispatcher builds a Dispatcher over an already-constructed Runtime.
func NewDispatcher(runtime *Runtime) *Dispatcher {
	return &Dispatcher{runtime: runtime}
}

// Dispatch applies cmd to runID's current run, serialized by RunLock, and
// returns the resulting event sequence. A command invalid for the run's
// current state leaves the run entirely unchanged: no state mutation, no
// checkpoint write, just an invalid_command event.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, cmd Command) stream.Seq {
	return func(yield func(stream.Event) bool) {
		em := newEmitter(runID, yield)

		release, err := d.runtime.deps.Lock.Acquire(ctx, runID)
		if err != nil {
			em.emit(stream.EventRunError, "failed to acquire run lock: "+err.Error(), nil)
			return
		}
		defer release()

		agentCtx, err := d.runtime.deps.Checkpoint.Load(ctx, runID)
		if err != nil {
			em.emit(stream.EventRunError, "failed to load run: "+err.Error(), nil)
			return
		}

		if cmd.Mode == Stop && IsAwaiting(agentCtx.State) {
			agentCtx.State = StoppedState{Reason: "stopped by command"}
			if saveErr := d.runtime.deps.Checkpoint.Save(ctx, agentCtx); saveErr != nil {
				em.emit(stream.EventRunError, "checkpoint save failed: "+saveErr.Error(), nil)
				return
			}
			em.emit(stream.EventRunStopped, "stopped by command", nil)
			return
		}

		if !commandValidFor(agentCtx.State, cmd.Mode) {
			runErr := NewRunError(KindInvalidCommand, fmt.Sprintf("command %s is not valid in state %s", cmd.Mode, agentCtx.State.Name()), nil)
			em.emit(stream.EventRunError, runErr.Error(), map[string]any{"kind": string(KindInvalidCommand)})
			return
		}

		switch cmd.Mode {
		case ApproveFetch:
			em.emit(stream.EventFetchApproved, "fetch approved", nil)
			agentCtx.State = ClassifyingState{}

		case ApproveAllFetch:
			em.emit(stream.EventFetchApproved, "fetch approved (sticky for remainder of run)", nil)
			agentCtx.ApprovalFetchCommandExecuted = true
			agentCtx.State = ClassifyingState{}

		case RejectFetch:
			agentCtx.FailureLogs = append(agentCtx.FailureLogs, "fetch batch rejected: "+cmd.Feedback)
			agentCtx.FetchedConversations = nil
			em.emit(stream.EventFetchRejected, "fetch rejected", map[string]any{"feedback": cmd.Feedback})
			next, replanErr := d.runtime.replanOrTerminate(agentCtx, "fetch_rejected", false)
			if replanErr != nil {
				agentCtx.State = ErrorState{Message: replanErr.Error()}
			} else {
				agentCtx.State = next
			}

		case ApproveBatch:
			// ApproveBatch is never sticky: every batch is re-submitted for
			// approval regardless of how a prior batch was handled.
			agentCtx.ApprovalBatchCommandExecuted = true
			resolved, unresolved := tallyClassifications(agentCtx.PendingClassifications)
			em.emit(stream.EventBatchApproved, "batch approved", map[string]any{
				"batchSize": len(agentCtx.PendingClassifications),
			})
			em.emit(stream.EventBatchCompleted, fmt.Sprintf("batch completed: %d resolved, %d unresolved", resolved, unresolved), map[string]any{
				"resolved":   resolved,
				"unresolved": unresolved,
			})
			em.chunks("agent.run.batch_summary", batchSummaryText(agentCtx, resolved, unresolved))
			agentCtx.State = SavingState{}

		case RejectBatch:
			// Must not bill targetSampleSize or mutate allConversationIds:
			// the pending batch is simply discarded and re-fetched.
			agentCtx.FailureLogs = append(agentCtx.FailureLogs, "batch rejected: "+cmd.Feedback)
			agentCtx.PendingClassifications = nil
			agentCtx.FetchedConversations = nil
			em.emit(stream.EventBatchRejected, "batch rejected", map[string]any{"feedback": cmd.Feedback})
			agentCtx.State = FetchingState{}

		default:
			em.emit(stream.EventRunError, "unsupported command: "+string(cmd.Mode), nil)
			return
		}

		if saveErr := d.runtime.deps.Checkpoint.Save(ctx, agentCtx); saveErr != nil {
			em.emit(stream.EventRunError, "checkpoint save failed: "+saveErr.Error(), nil)
			return
		}
		if !em.open {
			return
		}
		if IsAwaiting(agentCtx.State) || IsTerminal(agentCtx.State) {
			return
		}
		d.runtime.drive(ctx, agentCtx, em)
	}
}

// commandValidFor reports whether cmd is legal given s, per the state
// machine's two approval waypoints.
func commandValidFor(s State, cmd CommandMode) bool {
	switch s.(type) {
	case AwaitingFetchApprovalState:
		switch cmd {
		case ApproveFetch, ApproveAllFetch, RejectFetch:
			return true
		}
	case AwaitingBatchApprovalState:
		switch cmd {
		case ApproveBatch, RejectBatch:
			return true
		}
	}
	return false
}

func tallyClassifications(outputs []ClassificationOutput) (resolved, unresolved int) {
	for _, o := range outputs {
		if o.Classification == Resolved {
			resolved++
		} else {
			unresolved++
		}
	}
	return
}

func batchSummaryText(agentCtx *AgentContext, resolved, unresolved int) string {
	return fmt.Sprintf(
		"Batch of %d conversations approved: %d resolved, %d unresolved. Running total: %d/%d classified.",
		len(agentCtx.PendingClassifications), resolved, unresolved,
		agentCtx.TotalConversationsClassified, agentCtx.TargetSampleSize,
	)
}
