// Package classifier implements the Agent Runtime (state machine, component
// A) and the Command Dispatcher (component C). It owns AgentContext's
// lifecycle: planning, fetching, classifying, saving, summarizing, and the
// two human-in-the-loop approval waypoints.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoclassify/agent/internal/checkpoint"
	"github.com/convoclassify/agent/internal/convstore"
	"github.com/convoclassify/agent/internal/llm"
	"github.com/convoclassify/agent/internal/retrieval"
	"github.com/convoclassify/agent/internal/stream"
	"github.com/convoclassify/agent/internal/telemetry"
)

// Deps are the Runtime's external collaborators. Retrieval and the telemetry
// seams default to no-ops, Lock defaults to an in-process lock, and the
// MaxPlans/MaxModelCalls/MaxBatch bounds default when zero; the remaining
// fields are required.
type Deps struct {
	Checkpoint    checkpoint.Store
	Conversations convstore.Store
	Translator    convstore.Translator
	Broker        *llm.Broker
	Retrieval     *retrieval.Loop
	Lock          RunLock

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	MaxPlans      int
	MaxModelCalls int
	MaxBatch      int
	Model         string
}

func (d *Deps) setDefaults() {
	if d.Logger == nil {
		d.Logger = telemetry.NewNoopLogger()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NewNoopMetrics()
	}
	if d.Tracer == nil {
		d.Tracer = telemetry.NewNoopTracer()
	}
	if d.Lock == nil {
		d.Lock = NewInProcessLock()
	}
	if d.MaxPlans <= 0 {
		d.MaxPlans = 5
	}
	if d.MaxModelCalls <= 0 {
		d.MaxModelCalls = 10
	}
	if d.MaxBatch <= 0 {
		d.MaxBatch = 10
	}
}

// Runtime drives AgentContext through its state machine, one tick at a
// time, emitting events through a stream.Seq.
type Runtime struct {
	deps Deps
}

// New constructs a Runtime. Deps fields left zero get sensible defaults
// (no-op telemetry, in-process lock, spec-default resource bounds).
func New(deps Deps) *Runtime {
	deps.setDefaults()
	return &Runtime{deps: deps}
}

// emitter accumulates nothing itself; it forwards every event to yield and
// tracks whether the subscriber is still attached, so handlers can bail out
// early on detected backpressure/disconnection without knowing about the Seq
// machinery themselves.
type emitter struct {
	runID string
	yield func(stream.Event) bool
	open  bool
}

func newEmitter(runID string, yield func(stream.Event) bool) *emitter {
	return &emitter{runID: runID, yield: yield, open: true}
}

func (e *emitter) emit(t stream.EventType, logMessage string, data any) {
	if !e.open {
		return
	}
	e.open = e.yield(stream.New(t, e.runID, logMessage, data))
}

func (e *emitter) chunks(family string, text string) {
	if !e.open {
		return
	}
	stream.Chunks(family, e.runID, text, func(ev stream.Event) bool {
		e.open = e.yield(ev)
		return e.open
	})
}

// StartRun creates a new AgentContext in PlanningState, persists it, and
// returns its event sequence.
func (r *Runtime) StartRun(ctx context.Context, runID, apiKey, userInstructions string) stream.Seq {
	if runID == "" {
		runID = uuid.NewString()
	}
	return func(yield func(stream.Event) bool) {
		now := time.Now().UTC()
		agentCtx := &AgentContext{
			RunID:            runID,
			APIKey:           apiKey,
			UserInstructions: userInstructions,
			State:            PlanningState{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		em := newEmitter(runID, yield)
		em.emit(stream.EventRunStarted, "run started", nil)
		if !em.open {
			return
		}
		r.drive(ctx, agentCtx, em)
	}
}

// ResumeRun loads the checkpoint for runID and re-enters the Runtime,
// emitting a bridging agent.run.resumed event first, per the
// checkpoint-first semantics design note.
func (r *Runtime) ResumeRun(ctx context.Context, runID string) stream.Seq {
	return func(yield func(stream.Event) bool) {
		em := newEmitter(runID, yield)
		agentCtx, err := r.deps.Checkpoint.Load(ctx, runID)
		if err != nil {
			em.emit(stream.EventRunError, "resume failed: "+err.Error(), nil)
			em.emit(stream.EventRunStopped, "run not found", nil)
			return
		}
		em.emit(stream.EventRunResumed, fmt.Sprintf("resumed at %s", agentCtx.State.Name()), map[string]any{"state": agentCtx.State.Name()})
		if !em.open {
			return
		}
		if IsAwaiting(agentCtx.State) {
			// A resumed run sitting in an AwaitingX state has nothing
			// further to do until a command arrives; the sequence ends
			// here exactly as it did before the restart.
			return
		}
		r.drive(ctx, agentCtx, em)
	}
}

// drive runs ticks until the run reaches an AwaitingX state or a terminal
// state, persisting between every tick and never mid-burst.
func (r *Runtime) drive(ctx context.Context, agentCtx *AgentContext, em *emitter) {
	for em.open {
		tickCtx, span := r.deps.Tracer.Start(ctx, "classifier.tick")
		next, err := r.tick(tickCtx, agentCtx, em)
		span.End()
		if err != nil {
			agentCtx.State = ErrorState{Message: err.Error()}
			agentCtx.FailureLogs = append(agentCtx.FailureLogs, err.Error())
		} else {
			agentCtx.State = next
		}

		if saveErr := r.deps.Checkpoint.Save(ctx, agentCtx); saveErr != nil {
			// checkpoint_failure is fatal: abort without further events.
			r.deps.Logger.Error(ctx, "checkpoint save failed", "runId", agentCtx.RunID, "err", saveErr)
			return
		}

		if _, isErr := agentCtx.State.(ErrorState); isErr {
			msg := agentCtx.State.(ErrorState).Message
			em.emit(stream.EventRunError, msg, nil)
			agentCtx.State = StoppedState{Reason: msg}
			if saveErr := r.deps.Checkpoint.Save(ctx, agentCtx); saveErr != nil {
				r.deps.Logger.Error(ctx, "checkpoint save failed", "runId", agentCtx.RunID, "err", saveErr)
				return
			}
			em.emit(stream.EventRunStopped, msg, nil)
			return
		}

		if IsAwaiting(agentCtx.State) {
			return
		}
		if IsTerminal(agentCtx.State) {
			switch s := agentCtx.State.(type) {
			case CompletedState:
				outcome := &AgentRunOutcome{
					RunID:           agentCtx.RunID,
					ConversationIDs: agentCtx.AllConversationIDs,
					CreatedAt:       time.Now().UTC(),
				}
				if err := r.deps.Checkpoint.SaveOutcome(ctx, outcome); err != nil {
					r.deps.Logger.Error(ctx, "save outcome failed", "runId", agentCtx.RunID, "err", err)
				}
				em.emit(stream.EventRunCompleted, "run completed", map[string]any{
					"totalConversationsClassified": agentCtx.TotalConversationsClassified,
				})
			case StoppedState:
				em.emit(stream.EventRunStopped, s.Reason, nil)
			}
			return
		}
	}
}

