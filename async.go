package playbook

import (
	"context"
	"fmt"
	"time"

	"github.com/parchmint/playbook-engine/internal/eventbus"
)

// AsyncRunStatus is the status snapshot of an asynchronous run.
type AsyncRunStatus struct {
	RunID        string        `json:"run_id"`
	PlaybookName string        `json:"playbook_name"`
	CurrentState RunState      `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// RunStatusByID retrieves the current status of an async run.
func (e *Engine) RunStatusByID(runID string) (*AsyncRunStatus, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	state, _, lastErr, errStage := rc.Observe()

	status := &AsyncRunStatus{
		RunID:        runID,
		PlaybookName: rc.Playbook.Name,
		CurrentState: state,
		StartTime:    rc.StartTime,
		Duration:     rc.TotalDuration(),
		IsComplete:   state == StateComplete,
		HasError:     state == StateError,
	}

	if lastErr != nil {
		status.ErrorMessage = lastErr.Error()
		status.ErrorStage = errStage
	}

	return status, nil
}

// ResultByID retrieves the result of a completed async run.
// Returns an error if the run is still in progress or failed.
func (e *Engine) ResultByID(runID string) (*RunResult, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	rc, exists := e.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	state, result, lastErr, errStage := rc.Observe()
	if state != StateComplete {
		if state == StateError {
			return nil, fmt.Errorf("run failed during stage '%s': %w", errStage, lastErr)
		}
		if state == StateCancelled {
			return nil, fmt.Errorf("run was cancelled during stage '%s'", errStage)
		}
		return nil, fmt.Errorf("run is still in progress (current state: %s)", state)
	}

	return result, nil
}

// CancelRun cancels an ongoing async run. Returns true if the run was
// cancelled, false if it had already finished.
func (e *Engine) CancelRun(runID string) (bool, error) {
	e.asyncRunsMutex.RLock()
	rc, exists := e.asyncRuns[runID]
	e.asyncRunsMutex.RUnlock()
	if !exists {
		return false, fmt.Errorf("run with ID '%s' not found", runID)
	}

	cancelled, err := rc.Cancel()
	if err != nil || !cancelled {
		return cancelled, err
	}

	if e.config.EnableEventBus && e.eventBus != nil {
		cancelEvent := eventbus.NewEvent(
			eventbus.EventRunAsyncCancelled,
			rc.Playbook.Name,
			"Engine.CancelRun",
			map[string]interface{}{
				"run_id":      runID,
				"duration_ms": rc.TotalDuration().Milliseconds(),
			},
		)
		e.eventBus.Publish(context.Background(), cancelEvent)
	}

	return true, nil
}

// ListRuns returns all async run ids and their current states.
func (e *Engine) ListRuns() map[string]string {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	result := make(map[string]string, len(e.asyncRuns))
	for id, rc := range e.asyncRuns {
		result[id] = string(rc.State())
	}

	return result
}

// CleanupFinishedRuns removes terminal runs older than the given duration and
// returns how many were removed. Keeps the async run map from growing without
// bound.
func (e *Engine) CleanupFinishedRuns(olderThan time.Duration) int {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0

	for id, rc := range e.asyncRuns {
		finishedAt, ok := rc.terminalSince()
		if ok && now.Sub(finishedAt) > olderThan {
			delete(e.asyncRuns, id)
			count++
		}
	}

	return count
}
