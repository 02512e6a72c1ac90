package classifier

import "time"

// AgentContext is the durable, single source of truth for one run. It is
// mutated only by the Runtime and, immediately before re-entering the
// Runtime, by the Dispatcher. Checkpoint.Store persists and loads it keyed
// by RunID.
type AgentContext struct {
	RunID            string
	APIKey           string
	UserInstructions string
	State            State

	ModelCallCount               int
	PlansCount                   int
	TotalConversationsClassified int
	TargetSampleSize             int

	CurrentPlan            *ConvClassificationPlan
	FetchedConversations   []ConversationRef
	PendingClassifications []ClassificationOutput
	AllConversationIDs     []string

	FailureLogs      []string
	ReplanningReason string

	ApprovalFetchCommandExecuted bool
	ApprovalBatchCommandExecuted bool

	Summary string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationRef is the minimal conversation identity the classifier
// batches and carries through a tick; the full conversation entity (§6)
// lives in the conversation store and is fetched/updated through it.
type ConversationRef struct {
	ID string
}

// ConvClassificationPlan is the LLM-produced, schema-validated sampling
// plan. QueryMapSerialized is an opaque, store-specific serialization of the
// structured query map the LLM produced; the conversation store owns its
// translation (see convstore.Translator).
type ConvClassificationPlan struct {
	TargetSampleSize       int
	StopRequested          bool
	AdditionalInstructions string
	QueryMapSerialized     string
	PlanDetails            string
}

// Classification is the fixed, externally-defined taxonomy. The agent does
// not extend it.
type Classification string

const (
	Resolved   Classification = "RESOLVED"
	Unresolved Classification = "UNRESOLVED"
)

// ClassificationOutput is one LLM-produced classification result for a
// single conversation in the current batch.
type ClassificationOutput struct {
	ConversationID string
	Classification Classification
}

// AgentRunOutcome is the final artifact persisted to the outcome collection
// once a run completes. A stopped run saves no outcome.
type AgentRunOutcome struct {
	RunID           string
	ConversationIDs []string
	CreatedAt       time.Time
}

// CommandMode enumerates the commands the Dispatcher accepts.
type CommandMode string

const (
	ApproveFetch    CommandMode = "APPROVE_FETCH"
	ApproveAllFetch CommandMode = "APPROVE_ALL_FETCH"
	RejectFetch     CommandMode = "REJECT_FETCH"
	ApproveBatch    CommandMode = "APPROVE_BATCH"
	RejectBatch     CommandMode = "REJECT_BATCH"
	Stop            CommandMode = "STOP"
	NoOp            CommandMode = "NOOP"
)

// Command is one externally-submitted instruction routed through the
// Dispatcher to a run awaiting approval.
type Command struct {
	Mode     CommandMode
	Feedback string
}

// cloneStrings returns a shallow copy of ss so callers mutating the
// returned slice never alias AgentContext's internal state.
func cloneStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func cloneConversationRefs(rs []ConversationRef) []ConversationRef {
	if rs == nil {
		return nil
	}
	out := make([]ConversationRef, len(rs))
	copy(out, rs)
	return out
}

func cloneClassifications(cs []ClassificationOutput) []ClassificationOutput {
	if cs == nil {
		return nil
	}
	out := make([]ClassificationOutput, len(cs))
	copy(out, cs)
	return out
}

// Clone returns a deep-enough copy of ctx safe to mutate independently,
// mirroring the shallow-copy discipline the teacher uses for label/metadata
// maps before persistence.
func (ctx *AgentContext) Clone() *AgentContext {
	if ctx == nil {
		return nil
	}
	clone := *ctx
	clone.FetchedConversations = cloneConversationRefs(ctx.FetchedConversations)
	clone.PendingClassifications = cloneClassifications(ctx.PendingClassifications)
	clone.AllConversationIDs = cloneStrings(ctx.AllConversationIDs)
	clone.FailureLogs = cloneStrings(ctx.FailureLogs)
	if ctx.CurrentPlan != nil {
		p := *ctx.CurrentPlan
		clone.CurrentPlan = &p
	}
	return &clone
}
