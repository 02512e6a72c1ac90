// Package stream formats and emits the classification agent's progress
// events as a lazy, finite, ordered sequence. Event is deliberately flat
// (type, log message, optional data, optional run id) to match the wire
// contract consumed by the SSE transport; concrete event *kinds* are
// distinguished by Type, not by Go type, since the agent's event catalog is a
// closed, flat namespace rather than a family of heterogeneous payloads.
package stream

import "context"

// EventType enumerates the agent's progress event catalog. The full set is
// fixed by the runtime's component contracts (state machine, dispatcher,
// retrieval loop); transports must not invent additional types.
type EventType string

const (
	EventRunStarted   EventType = "agent.run.started"
	EventRunResumed   EventType = "agent.run.resumed"
	EventRunStopped   EventType = "agent.run.stopped"
	EventRunCompleted EventType = "agent.run.completed"
	EventRunError     EventType = "agent.run.error"

	EventPlanningStarted   EventType = "agent.run.planning.started"
	EventPlanningCompleted EventType = "agent.run.planning.completed"
	EventReplanning        EventType = "agent.run.replanning"

	EventPlanSummaryStarted EventType = "agent.run.plan_summary.started"
	EventPlanSummaryDelta   EventType = "agent.run.plan_summary.delta"
	EventPlanSummaryDone    EventType = "agent.run.plan_summary.done"

	EventFetchingStarted   EventType = "agent.run.fetching.started"
	EventFetchingCompleted EventType = "agent.run.fetching.completed"
	EventFetchingError     EventType = "agent.run.fetching.error"
	EventFetchingStopped   EventType = "agent.run.fetching.stopped"

	EventClassifyingStarted      EventType = "agent.run.classifying.started"
	EventClassifyingCompleted    EventType = "agent.run.classifying.completed"
	EventClassifyingNextBatch    EventType = "agent.run.classifying_next_batch"

	EventOutputTextStarted EventType = "agent.run.output_text.started"
	EventOutputTextDone    EventType = "agent.run.output_text.done"

	EventSavingStarted   EventType = "agent.run.saving.started"
	EventSavingCompleted EventType = "agent.run.saving.completed"

	EventSummarizingStarted   EventType = "agent.run.summarizing.started"
	EventSummarizingCompleted EventType = "agent.run.summarizing.completed"
	EventSummaryStarted       EventType = "agent.run.summary.started"
	EventSummaryDelta         EventType = "agent.run.summary.delta"
	EventSummaryDone          EventType = "agent.run.summary.done"

	EventAwaitingFetchApproval EventType = "agent.run.awaiting_fetch_approval"
	EventAwaitingBatchApproval EventType = "agent.run.awaiting_batch_approval"

	EventFetchApproved  EventType = "agent.run.fetch_approved"
	EventFetchRejected  EventType = "agent.run.fetch_rejected"
	EventBatchApproved  EventType = "agent.run.batch_approved"
	EventBatchRejected  EventType = "agent.run.batch_rejected"
	EventBatchCompleted EventType = "agent.run.batch_completed"

	EventBatchSummaryStarted EventType = "agent.run.batch_summary.started"
	EventBatchSummaryDelta   EventType = "agent.run.batch_summary.delta"
	EventBatchSummaryDone    EventType = "agent.run.batch_summary.done"
)

// Event is a single entry in the agent's progress stream. Data is an
// arbitrary JSON-serializable payload; it is nil for events that carry no
// structured detail beyond the log message.
type Event struct {
	Type       EventType `json:"type"`
	LogMessage string    `json:"logMessage"`
	Data       any       `json:"data,omitempty"`
	RunID      string    `json:"runId,omitempty"`
}

// New constructs an Event. Data may be nil.
func New(t EventType, runID, logMessage string, data any) Event {
	return Event{Type: t, RunID: runID, LogMessage: logMessage, Data: data}
}

// Sink delivers stream events to a transport (SSE, in-memory test buffer).
// Implementations must be safe for the sequential use the Runtime makes of
// them; concurrent Send calls from independent runs are fine, concurrent
// Sends for the *same* run never happen because a run is single-threaded
// cooperative.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Seq is a lazy, finite, ordered sequence of events, modeled as a Go 1.23
// iterator. A producer calls yield for every event in emission order; if
// yield returns false (subscriber disconnected, or the caller just wants to
// stop early) the producer must stop producing further events.
type Seq func(yield func(Event) bool)

// Collect drains a Seq into a slice. Intended for tests; production sinks
// should range over the Seq directly so they see events as they are produced
// rather than buffering the whole run in memory.
func Collect(seq Seq) []Event {
	var out []Event
	seq(func(e Event) bool {
		out = append(out, e)
		return true
	})
	return out
}

// ToSink ranges over seq and forwards every event to sink until seq is
// exhausted or sink.Send returns an error, in which case iteration stops and
// the error is returned. This is the bridge a transport uses to drive a
// Runtime-produced Seq onto a live connection.
func ToSink(ctx context.Context, seq Seq, sink Sink) error {
	var sendErr error
	seq(func(e Event) bool {
		if err := sink.Send(ctx, e); err != nil {
			sendErr = err
			return false
		}
		return ctx.Err() == nil
	})
	return sendErr
}
