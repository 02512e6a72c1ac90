package mongo

import (
	"time"

	"github.com/convoclassify/agent/internal/classifier"
)

// runDocument is the bson wire shape for the agent_runs collection.
// stateName denormalizes State.Name() for listing/filtering without
// deserializing the whole document.
type runDocument struct {
	RunID            string    `bson:"run_id"`
	StateName        string    `bson:"state_name"`
	StateDetail      string    `bson:"state_detail,omitempty"`
	APIKeyRedacted   bool      `bson:"api_key_redacted"`
	UserInstructions string    `bson:"user_instructions"`

	ModelCallCount               int `bson:"model_call_count"`
	PlansCount                   int `bson:"plans_count"`
	TotalConversationsClassified int `bson:"total_conversations_classified"`
	TargetSampleSize              int `bson:"target_sample_size"`

	CurrentPlan            *planDocument            `bson:"current_plan,omitempty"`
	FetchedConversationIDs []string                 `bson:"fetched_conversation_ids,omitempty"`
	PendingClassifications []classificationDocument `bson:"pending_classifications,omitempty"`
	AllConversationIDs     []string                 `bson:"all_conversation_ids,omitempty"`

	FailureLogs      []string `bson:"failure_logs,omitempty"`
	ReplanningReason string   `bson:"replanning_reason,omitempty"`

	ApprovalFetchCommandExecuted bool `bson:"approval_fetch_command_executed"`
	ApprovalBatchCommandExecuted bool `bson:"approval_batch_command_executed"`

	Summary string `bson:"summary,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type planDocument struct {
	TargetSampleSize        int    `bson:"target_sample_size"`
	StopRequested           bool   `bson:"stop_requested"`
	AdditionalInstructions  string `bson:"additional_instructions,omitempty"`
	QueryMapSerialized      string `bson:"query_map_serialized,omitempty"`
	PlanDetails             string `bson:"plan_details,omitempty"`
}

type classificationDocument struct {
	ConversationID string `bson:"conversation_id"`
	Classification string `bson:"classification"`
}

type outcomeDocument struct {
	RunID           string    `bson:"run_id"`
	ConversationIDs []string  `bson:"conversation_ids"`
	CreatedAt       time.Time `bson:"created_at"`
}

func fromContext(ctx *classifier.AgentContext) runDocument {
	doc := runDocument{
		RunID:                         ctx.RunID,
		StateName:                     "",
		APIKeyRedacted:                true,
		UserInstructions:              ctx.UserInstructions,
		ModelCallCount:                ctx.ModelCallCount,
		PlansCount:                    ctx.PlansCount,
		TotalConversationsClassified:  ctx.TotalConversationsClassified,
		TargetSampleSize:              ctx.TargetSampleSize,
		AllConversationIDs:            cloneStringSlice(ctx.AllConversationIDs),
		FailureLogs:                   cloneStringSlice(ctx.FailureLogs),
		ReplanningReason:              ctx.ReplanningReason,
		ApprovalFetchCommandExecuted:  ctx.ApprovalFetchCommandExecuted,
		ApprovalBatchCommandExecuted:  ctx.ApprovalBatchCommandExecuted,
		Summary:                       ctx.Summary,
		CreatedAt:                     ctx.CreatedAt.UTC(),
		UpdatedAt:                     ctx.UpdatedAt.UTC(),
	}
	if ctx.State != nil {
		doc.StateName = ctx.State.Name()
		switch s := ctx.State.(type) {
		case classifier.PlanningState:
			doc.StateDetail = s.ReplanningReason
		case classifier.StoppedState:
			doc.StateDetail = s.Reason
		case classifier.ErrorState:
			doc.StateDetail = s.Message
		}
	}
	if ctx.CurrentPlan != nil {
		doc.CurrentPlan = &planDocument{
			TargetSampleSize:       ctx.CurrentPlan.TargetSampleSize,
			StopRequested:          ctx.CurrentPlan.StopRequested,
			AdditionalInstructions: ctx.CurrentPlan.AdditionalInstructions,
			QueryMapSerialized:     ctx.CurrentPlan.QueryMapSerialized,
			PlanDetails:            ctx.CurrentPlan.PlanDetails,
		}
	}
	for _, c := range ctx.FetchedConversations {
		doc.FetchedConversationIDs = append(doc.FetchedConversationIDs, c.ID)
	}
	for _, pc := range ctx.PendingClassifications {
		doc.PendingClassifications = append(doc.PendingClassifications, classificationDocument{
			ConversationID: pc.ConversationID,
			Classification: string(pc.Classification),
		})
	}
	return doc
}

func (doc runDocument) toContext() *classifier.AgentContext {
	ctx := &classifier.AgentContext{
		RunID:                         doc.RunID,
		UserInstructions:              doc.UserInstructions,
		ModelCallCount:                doc.ModelCallCount,
		PlansCount:                    doc.PlansCount,
		TotalConversationsClassified:  doc.TotalConversationsClassified,
		TargetSampleSize:              doc.TargetSampleSize,
		AllConversationIDs:            cloneStringSlice(doc.AllConversationIDs),
		FailureLogs:                   cloneStringSlice(doc.FailureLogs),
		ReplanningReason:              doc.ReplanningReason,
		ApprovalFetchCommandExecuted:  doc.ApprovalFetchCommandExecuted,
		ApprovalBatchCommandExecuted:  doc.ApprovalBatchCommandExecuted,
		Summary:                       doc.Summary,
		CreatedAt:                     doc.CreatedAt,
		UpdatedAt:                     doc.UpdatedAt,
	}
	ctx.State = stateFromDocument(doc)
	if doc.CurrentPlan != nil {
		ctx.CurrentPlan = &classifier.ConvClassificationPlan{
			TargetSampleSize:       doc.CurrentPlan.TargetSampleSize,
			StopRequested:          doc.CurrentPlan.StopRequested,
			AdditionalInstructions: doc.CurrentPlan.AdditionalInstructions,
			QueryMapSerialized:     doc.CurrentPlan.QueryMapSerialized,
			PlanDetails:            doc.CurrentPlan.PlanDetails,
		}
	}
	for _, id := range doc.FetchedConversationIDs {
		ctx.FetchedConversations = append(ctx.FetchedConversations, classifier.ConversationRef{ID: id})
	}
	for _, pc := range doc.PendingClassifications {
		ctx.PendingClassifications = append(ctx.PendingClassifications, classifier.ClassificationOutput{
			ConversationID: pc.ConversationID,
			Classification: classifier.Classification(pc.Classification),
		})
	}
	return ctx
}

func stateFromDocument(doc runDocument) classifier.State {
	switch doc.StateName {
	case "Planning":
		return classifier.PlanningState{ReplanningReason: doc.StateDetail}
	case "Fetching":
		return classifier.FetchingState{}
	case "Classifying":
		return classifier.ClassifyingState{}
	case "Saving":
		return classifier.SavingState{}
	case "Summarizing":
		return classifier.SummarizingState{}
	case "AwaitingFetchApproval":
		return classifier.AwaitingFetchApprovalState{}
	case "AwaitingBatchApproval":
		return classifier.AwaitingBatchApprovalState{}
	case "Completed":
		return classifier.CompletedState{}
	case "Stopped":
		return classifier.StoppedState{Reason: doc.StateDetail}
	case "Error":
		return classifier.ErrorState{Message: doc.StateDetail}
	default:
		return classifier.PlanningState{}
	}
}

func cloneStringSlice(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
