package classifier

import "testing"

func TestAgentContextCloneIsIndependent(t *testing.T) {
	plan := &ConvClassificationPlan{TargetSampleSize: 10, PlanDetails: "initial"}
	original := &AgentContext{
		RunID:                  "run-1",
		CurrentPlan:            plan,
		FetchedConversations:   []ConversationRef{{ID: "a"}, {ID: "b"}},
		PendingClassifications: []ClassificationOutput{{ConversationID: "a", Classification: Resolved}},
		AllConversationIDs:     []string{"a"},
		FailureLogs:            []string{"first failure"},
	}

	clone := original.Clone()

	clone.FetchedConversations[0].ID = "mutated"
	clone.PendingClassifications[0].Classification = Unresolved
	clone.AllConversationIDs[0] = "mutated"
	clone.FailureLogs[0] = "mutated"
	clone.CurrentPlan.PlanDetails = "mutated"

	if original.FetchedConversations[0].ID != "a" {
		t.Error("mutating clone's FetchedConversations leaked into original")
	}
	if original.PendingClassifications[0].Classification != Resolved {
		t.Error("mutating clone's PendingClassifications leaked into original")
	}
	if original.AllConversationIDs[0] != "a" {
		t.Error("mutating clone's AllConversationIDs leaked into original")
	}
	if original.FailureLogs[0] != "first failure" {
		t.Error("mutating clone's FailureLogs leaked into original")
	}
	if original.CurrentPlan.PlanDetails != "initial" {
		t.Error("mutating clone's CurrentPlan leaked into original")
	}
}

func TestAgentContextCloneNilSafe(t *testing.T) {
	var ctx *AgentContext
	if ctx.Clone() != nil {
		t.Error("Clone on a nil AgentContext should return nil")
	}

	empty := &AgentContext{RunID: "run-2"}
	clone := empty.Clone()
	if clone.CurrentPlan != nil {
		t.Error("cloning an AgentContext with no plan should leave CurrentPlan nil")
	}
	if clone.FetchedConversations != nil || clone.PendingClassifications != nil {
		t.Error("cloning an AgentContext with nil slices should keep them nil, not allocate empty slices")
	}
}
