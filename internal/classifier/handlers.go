package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoclassify/agent/internal/convstore"
	"github.com/convoclassify/agent/internal/llm"
	"github.com/convoclassify/agent/internal/retrieval"
	"github.com/convoclassify/agent/internal/stream"
)

// classificationToStore translates the agent's Classification into the
// conversation store's identically-valued but independently-defined type,
// keeping convstore importable without a dependency on this package.
func classificationToStore(c Classification) convstore.Classification {
	return convstore.Classification(c)
}

// tick executes the handler for agentCtx's current state and returns the
// next state. Any error returned here is routed to ErrorState by drive; a
// handler never mutates agentCtx.State directly to Error — it just returns
// an error and lets the caller apply the propagation policy uniformly.
func (r *Runtime) tick(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	switch agentCtx.State.(type) {
	case PlanningState:
		return r.handlePlanning(ctx, agentCtx, em)
	case FetchingState:
		return r.handleFetching(ctx, agentCtx, em)
	case ClassifyingState:
		return r.handleClassifying(ctx, agentCtx, em)
	case SavingState:
		return r.handleSaving(ctx, agentCtx, em)
	case SummarizingState:
		return r.handleSummarizing(ctx, agentCtx, em)
	default:
		// AwaitingX/terminal states never reach tick: drive returns before
		// calling tick again once one of those states is observed.
		return nil, fmt.Errorf("classifier: tick called on non-advancing state %s", agentCtx.State.Name())
	}
}

const planRetryBudget = 3

func (r *Runtime) handlePlanning(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	if agentCtx.PlansCount >= r.deps.MaxPlans {
		return nil, NewRunError(KindPlannerExhaustion, fmt.Sprintf("maximum plans (%d) reached", r.deps.MaxPlans), nil)
	}
	em.emit(stream.EventPlanningStarted, "planning started", nil)

	planningState, _ := agentCtx.State.(PlanningState)
	if planningState.ReplanningReason != "" {
		em.emit(stream.EventReplanning, "replanning: "+planningState.ReplanningReason, map[string]any{"reason": planningState.ReplanningReason})
	}
	messages := r.planningMessages(agentCtx, planningState.ReplanningReason)

	var result llm.Result[*ConvClassificationPlan]
	var lastFailure string
	for attempt := 0; attempt < planRetryBudget; attempt++ {
		result = r.deps.Broker.RequestPlan(ctx, r.deps.Model, messages, r.deps.Translator.Serialize)
		if result.Success {
			break
		}
		lastFailure = result.FailureLog
		agentCtx.FailureLogs = append(agentCtx.FailureLogs, lastFailure)
	}
	if !result.Success {
		return nil, NewRunError(KindValidationFailure, "plan unparseable after retries: "+lastFailure, nil)
	}
	plan := result.Data

	if plan.StopRequested {
		return nil, NewRunError(KindValidationFailure, "planner requested stop", nil)
	}
	if plan.TargetSampleSize <= 0 {
		return nil, NewRunError(KindValidationFailure, "targetSampleSize must be positive", nil)
	}
	if agentCtx.TargetSampleSize > 0 && agentCtx.TotalConversationsClassified >= agentCtx.TargetSampleSize {
		return nil, NewRunError(KindValidationFailure, "target sample size already reached", nil)
	}
	if err := validatePlan(plan); err != nil {
		return nil, NewRunError(KindValidationFailure, err.Error(), nil)
	}

	// A plan that names a semantic retrieval subproblem rather than a
	// structured store filter (no queryMap of its own, but free-text
	// additional instructions) is resolved by running the agentic retrieval
	// loop and turning its surviving hit IDs into the store query.
	if r.deps.Retrieval != nil && plan.QueryMapSerialized == "" && plan.AdditionalInstructions != "" {
		retrievalResult, retrErr := r.deps.Retrieval.Run(ctx, retrieval.Params{
			SeedQuery:  plan.AdditionalInstructions,
			MaxResults: plan.TargetSampleSize,
			Model:      r.deps.Model,
		})
		if retrErr != nil {
			return nil, NewRunError(KindStoreFailure, "retrieval loop failed: "+retrErr.Error(), retrErr)
		}
		ids := make([]string, 0, len(retrievalResult.Hits))
		for _, h := range retrievalResult.Hits {
			ids = append(ids, h.ID)
		}
		serialized, serErr := r.deps.Translator.Serialize(map[string]any{"ids": ids})
		if serErr != nil {
			return nil, NewRunError(KindValidationFailure, "serializing retrieval ids: "+serErr.Error(), nil)
		}
		plan.QueryMapSerialized = serialized
		r.deps.Logger.Info(ctx, "retrieval loop resolved plan query",
			"runId", agentCtx.RunID, "reason", retrievalResult.Reason, "hits", len(retrievalResult.Hits), "iterations", retrievalResult.Iterations)
	}

	agentCtx.CurrentPlan = plan
	if agentCtx.TargetSampleSize == 0 {
		agentCtx.TargetSampleSize = plan.TargetSampleSize
	}
	agentCtx.PlansCount++
	agentCtx.ReplanningReason = ""

	em.emit(stream.EventPlanningCompleted, "planning completed", map[string]any{
		"targetSampleSize": agentCtx.TargetSampleSize,
		"plansCount":       agentCtx.PlansCount,
	})
	em.chunks("agent.run.plan_summary", plan.PlanDetails)

	return FetchingState{}, nil
}

// validatePlan rejects a chunk_index filter proposed without filename, per
// the edge-case policy.
func validatePlan(plan *ConvClassificationPlan) error {
	if strings.Contains(plan.QueryMapSerialized, "chunk_index") && !strings.Contains(plan.QueryMapSerialized, "filename") {
		return fmt.Errorf("chunk_index filter requires filename")
	}
	return nil
}

func (r *Runtime) planningMessages(agentCtx *AgentContext, replanningReason string) []llm.Message {
	var b strings.Builder
	b.WriteString("You are planning a sample of customer-service conversations to classify.\n")
	fmt.Fprintf(&b, "User instructions: %s\n", agentCtx.UserInstructions)
	fmt.Fprintf(&b, "Progress so far: %d/%d classified.\n", agentCtx.TotalConversationsClassified, agentCtx.TargetSampleSize)
	if replanningReason != "" {
		fmt.Fprintf(&b, "Replanning reason: %s\n", replanningReason)
	}
	if len(agentCtx.FailureLogs) > 0 {
		fmt.Fprintf(&b, "Prior failures: %s\n", strings.Join(agentCtx.FailureLogs, "; "))
	}
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func (r *Runtime) handleFetching(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	em.emit(stream.EventFetchingStarted, "fetching started", nil)

	remaining := agentCtx.TargetSampleSize - agentCtx.TotalConversationsClassified
	batchSize := r.deps.MaxBatch
	if remaining < batchSize {
		batchSize = remaining
	}
	if batchSize <= 0 {
		em.emit(stream.EventFetchingStopped, "sample target already reached", nil)
		return SummarizingState{}, nil
	}

	convs, err := r.deps.Conversations.Query(ctx, agentCtx.CurrentPlan.QueryMapSerialized, batchSize)
	if err != nil {
		em.emit(stream.EventFetchingError, err.Error(), nil)
		return r.replanOrTerminate(agentCtx, "fetch_failure", true)
	}
	if len(convs) == 0 {
		em.emit(stream.EventFetchingStopped, "no conversations found", nil)
		return r.replanOrTerminate(agentCtx, "no_conversations_found", false)
	}

	refs := make([]ConversationRef, 0, len(convs))
	for _, c := range convs {
		refs = append(refs, ConversationRef{ID: c.ID})
	}
	agentCtx.FetchedConversations = refs
	em.emit(stream.EventFetchingCompleted, fmt.Sprintf("fetched %d conversations", len(refs)), map[string]any{"count": len(refs)})

	if agentCtx.ApprovalFetchCommandExecuted {
		return ClassifyingState{}, nil
	}
	em.emit(stream.EventAwaitingFetchApproval, "awaiting fetch approval", map[string]any{"batchSize": len(refs)})
	return AwaitingFetchApprovalState{}, nil
}

// replanOrTerminate implements the Fetching handler's empty/error branch
// policy: replan while plansCount < maxPlans, else terminate via
// Summarizing (empty result) or Error (a genuine failure).
func (r *Runtime) replanOrTerminate(agentCtx *AgentContext, reason string, wasError bool) (State, error) {
	if agentCtx.PlansCount < r.deps.MaxPlans {
		agentCtx.ReplanningReason = reason
		return PlanningState{ReplanningReason: reason}, nil
	}
	if wasError {
		return nil, NewRunError(KindPlannerExhaustion, "fetch failed and plan budget exhausted", nil)
	}
	return SummarizingState{}, nil
}

func (r *Runtime) handleClassifying(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	if agentCtx.ModelCallCount >= r.deps.MaxModelCalls {
		return StoppedState{Reason: fmt.Sprintf("Maximum model calls (%d) reached", r.deps.MaxModelCalls)}, nil
	}
	em.emit(stream.EventClassifyingStarted, "classifying started", nil)

	messages := r.classificationMessages(agentCtx)
	result := r.deps.Broker.RequestClassification(ctx, r.deps.Model, messages)
	agentCtx.ModelCallCount++
	if !result.Success {
		agentCtx.FailureLogs = append(agentCtx.FailureLogs, result.FailureLog)
		return nil, NewRunError(KindProviderServerError, result.FailureLog, nil)
	}

	agentCtx.PendingClassifications = result.Data
	em.emit(stream.EventClassifyingCompleted, fmt.Sprintf("classified %d conversations", len(result.Data)), map[string]any{"count": len(result.Data)})
	em.emit(stream.EventAwaitingBatchApproval, "awaiting batch approval", map[string]any{"batchSize": len(result.Data)})
	return AwaitingBatchApprovalState{}, nil
}

func (r *Runtime) classificationMessages(agentCtx *AgentContext) []llm.Message {
	var b strings.Builder
	b.WriteString("Classify each conversation as RESOLVED or UNRESOLVED.\n")
	for _, c := range agentCtx.FetchedConversations {
		fmt.Fprintf(&b, "- %s\n", c.ID)
	}
	return []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
}

func (r *Runtime) handleSaving(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	em.emit(stream.EventSavingStarted, "saving started", nil)

	already := make(map[string]bool, len(agentCtx.AllConversationIDs))
	for _, id := range agentCtx.AllConversationIDs {
		already[id] = true
	}
	saved := 0
	for _, c := range agentCtx.PendingClassifications {
		if already[c.ConversationID] {
			continue
		}
		if err := r.deps.Conversations.UpdateClassification(ctx, c.ConversationID, classificationToStore(c.Classification)); err != nil {
			agentCtx.FailureLogs = append(agentCtx.FailureLogs, fmt.Sprintf("save failed for %s: %s", c.ConversationID, err))
			continue
		}
		already[c.ConversationID] = true
		agentCtx.AllConversationIDs = append(agentCtx.AllConversationIDs, c.ConversationID)
		saved++
	}
	agentCtx.TotalConversationsClassified += saved
	agentCtx.FetchedConversations = nil
	agentCtx.PendingClassifications = nil

	em.emit(stream.EventSavingCompleted, fmt.Sprintf("saved %d classifications", saved), map[string]any{"saved": saved})

	if agentCtx.TotalConversationsClassified >= agentCtx.TargetSampleSize {
		return SummarizingState{}, nil
	}
	return FetchingState{}, nil
}

func (r *Runtime) handleSummarizing(ctx context.Context, agentCtx *AgentContext, em *emitter) (State, error) {
	em.emit(stream.EventSummarizingStarted, "summarizing started", nil)

	messages := []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(
		"Write a 3-bullet summary of this classification run: %d conversations classified, %d plans used, %d model calls used.",
		agentCtx.TotalConversationsClassified, agentCtx.PlansCount, agentCtx.ModelCallCount,
	)}}
	result := r.deps.Broker.RequestSummary(ctx, r.deps.Model, messages)
	if result.Success {
		agentCtx.Summary = result.Data
	} else {
		agentCtx.FailureLogs = append(agentCtx.FailureLogs, result.FailureLog)
		agentCtx.Summary = fmt.Sprintf("%d conversations classified.", agentCtx.TotalConversationsClassified)
	}
	em.emit(stream.EventSummarizingCompleted, "summarizing completed", nil)
	em.chunks("agent.run.summary", agentCtx.Summary)

	if agentCtx.TotalConversationsClassified == 0 {
		return StoppedState{Reason: "no conversations were classified"}, nil
	}
	return CompletedState{}, nil
}
