package classifier

import "fmt"

// ErrorKind is the fixed taxonomy of run-level failures. Each kind is
// classified as fatal or replan-triggering (see TriggersReplan), but the
// Runtime does not act on that classification: any error returned by a tick
// moves the run to ErrorState and then StoppedState, whatever its kind.
type ErrorKind string

const (
	// KindPlannerExhaustion fires when plansCount has reached maxPlans after
	// a failure that would otherwise trigger a replan.
	KindPlannerExhaustion ErrorKind = "planner_exhaustion"

	// KindModelCallExhaustion fires when modelCallCount has reached
	// maxModelCalls on entry to Classifying.
	KindModelCallExhaustion ErrorKind = "model_call_exhaustion"

	// KindProviderClientError mirrors llm.ProviderClientError: fatal for the
	// current tick, does not consume a replan.
	KindProviderClientError ErrorKind = "provider_client_error"

	// KindProviderServerError mirrors llm.ProviderServerError: classified as
	// a planning failure (TriggersReplan is true); the Runtime still stops
	// the run rather than replanning.
	KindProviderServerError ErrorKind = "provider_server_error"

	// KindStoreFailure covers conversation-store fetch/persist failures;
	// classified as a planning failure (TriggersReplan is true); the Runtime
	// still stops the run rather than replanning.
	KindStoreFailure ErrorKind = "store_failure"

	// KindInvalidCommand fires when a Command is not valid for the run's
	// current state. The run is left unchanged.
	KindInvalidCommand ErrorKind = "invalid_command"

	// KindValidationFailure fires when an LLM-produced plan fails structural
	// validation (e.g. chunk_index filtering without filename).
	KindValidationFailure ErrorKind = "validation_failure"

	// KindCheckpointFailure fires when a checkpoint write fails. Fatal:
	// aborts the sequence without a state change.
	KindCheckpointFailure ErrorKind = "checkpoint_failure"
)

// RunError is the typed error surfaced across tick and dispatch boundaries.
type RunError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func NewRunError(kind ErrorKind, message string, cause error) *RunError {
	return &RunError{Kind: kind, Message: message, cause: cause}
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.cause }

// TriggersReplan reports whether this error kind counts as a planning
// failure, per the replan policy's exactly-three-triggers rule (this
// classifies provider/store errors at the point they're raised; the
// "no_conversations_found" and "fetch_rejected" triggers are not errors at
// all and are set directly by the Fetching handler and dispatcher).
func (e *RunError) TriggersReplan() bool {
	switch e.Kind {
	case KindProviderServerError, KindStoreFailure:
		return true
	default:
		return false
	}
}
