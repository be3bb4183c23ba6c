package playbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parchmint/playbook-engine/internal/eventbus"
)

// RunState represents the current state of a playbook run.
type RunState string

const (
	// StateInit is the initial state of a run
	StateInit RunState = "init"
	// StatePlanning represents the graph-build and batch-planning phase
	StatePlanning RunState = "planning"
	// StateExecuting represents the batch execution phase
	StateExecuting RunState = "executing"
	// StateError represents a failed run
	StateError RunState = "error"
	// StateComplete represents a completed run
	StateComplete RunState = "complete"
	// StateCancelled represents a cancelled run
	StateCancelled RunState = "cancelled"
)

// RunContext carries the data of one playbook run through the state machine.
// The inputs are plain fields set once at construction; the mutable run state
// sits behind a mutex because async status readers and CancelRun race the
// goroutine driving the state machine.
type RunContext struct {
	// Input
	RunID    string
	Playbook *Playbook
	Document ToolExecutionContext

	// Plan is written once during planning, before any node executes.
	Plan *RunPlan

	StartTime time.Time

	mu              sync.RWMutex
	currentState    RunState
	result          *RunResult
	lastError       error
	errorStage      string
	cancel          context.CancelFunc
	endTime         time.Time
	stateStartTimes map[RunState]time.Time
}

// NewRunContext creates a run context for the given playbook and document.
func NewRunContext(runID string, pb *Playbook, doc ToolExecutionContext) *RunContext {
	return &RunContext{
		RunID:           runID,
		Playbook:        pb,
		Document:        doc,
		currentState:    StateInit,
		StartTime:       time.Now(),
		stateStartTimes: make(map[RunState]time.Time),
	}
}

func isTerminalState(s RunState) bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// State returns the current run state.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentState
}

// Result returns the run result recorded so far, nil until execution
// produced one.
func (rc *RunContext) Result() *RunResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.result
}

// Failure returns the last error and the stage it occurred in.
func (rc *RunContext) Failure() (error, string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastError, rc.errorStage
}

// Observe returns one consistent view of the mutable run state for status
// reporting.
func (rc *RunContext) Observe() (state RunState, result *RunResult, lastErr error, errStage string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentState, rc.result, rc.lastError, rc.errorStage
}

// IsTerminal checks if the current state is a terminal state.
func (rc *RunContext) IsTerminal() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return isTerminalState(rc.currentState)
}

// SetResult records the run result.
func (rc *RunContext) SetResult(result *RunResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.result = result
}

// SetError sets the last error and error stage, transitioning to StateError.
func (rc *RunContext) SetError(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	rc.currentState = StateError
	rc.stateStartTimes[StateError] = time.Now()
}

// SetCancelled sets the state to Cancelled and records the cancellation error.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastError = err
	rc.errorStage = stage
	rc.currentState = StateCancelled
	rc.stateStartTimes[StateCancelled] = time.Now()
}

// Complete marks the run as complete and sets the end time.
func (rc *RunContext) Complete() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.currentState = StateComplete
	rc.endTime = time.Now()
	rc.stateStartTimes[StateComplete] = rc.endTime
}

// advance moves the run to the next non-terminal state.
func (rc *RunContext) advance(next RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.currentState = next
	rc.stateStartTimes[next] = time.Now()
}

// bindCancel registers the cancel function Cancel invokes for async runs.
func (rc *RunContext) bindCancel(cancel context.CancelFunc) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cancel = cancel
}

// Cancel stops a non-terminal run: it records the cancelled state and cancels
// the run's context. Returns false when the run already finished.
func (rc *RunContext) Cancel() (bool, error) {
	rc.mu.Lock()
	if isTerminalState(rc.currentState) {
		rc.mu.Unlock()
		return false, nil
	}
	if rc.cancel == nil {
		rc.mu.Unlock()
		return false, fmt.Errorf("cannot cancel run: cancel function not found")
	}
	stage := string(rc.currentState)
	rc.lastError = NewCancelledError(stage, nil)
	rc.errorStage = stage
	rc.currentState = StateCancelled
	rc.stateStartTimes[StateCancelled] = time.Now()
	cancel := rc.cancel
	rc.mu.Unlock()

	cancel()
	return true, nil
}

// EndedAt returns when the run completed, zero while it is still in flight.
func (rc *RunContext) EndedAt() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.endTime
}

// terminalSince returns when the run entered its terminal state.
func (rc *RunContext) terminalSince() (time.Time, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if !isTerminalState(rc.currentState) {
		return time.Time{}, false
	}
	ts, ok := rc.stateStartTimes[rc.currentState]
	return ts, ok
}

// TotalDuration returns the total duration of the run so far.
func (rc *RunContext) TotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if !rc.endTime.IsZero() {
		return rc.endTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// StateTransition defines a transition function for the run state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, rc *RunContext) (RunState, error)

// StateMachine is the finite state machine driving one playbook run:
// Planning -> Executing -> Complete | Error | Cancelled.
type StateMachine struct {
	transitions map[RunState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a new state machine with no transitions registered.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached.
// A cycle error or planning failure surfaces before any node executes.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	for !rc.IsTerminal() {
		state := rc.State()

		// Check for context cancellation before executing the next state
		select {
		case <-ctx.Done():
			err := ctx.Err()
			rc.SetCancelled(err, string(state))
			return rc.Result(), NewCancelledError(string(state), err)
		default:
		}

		transition, exists := sm.transitions[state]
		if !exists {
			err := fmt.Errorf("no transition defined for state: %s", state)
			rc.SetError(err, string(state))
			return rc.Result(), err
		}

		nextState, err := transition(ctx, sm.eventBus, rc)
		if err != nil {
			currentStage := string(state)
			if err == context.Canceled || err == context.DeadlineExceeded || HasCode(err, ErrCodeCancelled) {
				rc.SetCancelled(err, currentStage)
			} else if !rc.IsTerminal() {
				// Transitions usually call SetError themselves; fall back
				// if one returned an error without moving to a terminal state.
				rc.SetError(err, currentStage)
			}
			continue
		}

		if !rc.IsTerminal() {
			rc.advance(nextState)
		}
	}

	lastErr, _ := rc.Failure()
	return rc.Result(), lastErr
}
