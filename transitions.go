package playbook

import (
	"context"
	"log"
	"time"

	"github.com/parchmint/playbook-engine/internal/eventbus"
)

// EngineComponents holds references to the collaborators the run state
// machine drives.
type EngineComponents struct {
	Scheduler Scheduler
	Runner    Runner
	Registry  *HandlerRegistry
	Config    Config
}

// CreateRunStateMachine builds the complete state machine for a playbook run.
func CreateRunStateMachine(components EngineComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(components))

	return sm
}

// createInitTransition validates the run input and announces the run.
func createInitTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		if rc.Playbook == nil {
			err := NewValidationError("init", "playbook is required", nil)
			rc.SetError(err, "init")
			return StateError, err
		}
		if rc.Document.TenantID == "" {
			err := NewValidationError("init", "tenant id is required", nil)
			rc.SetError(err, "init")
			return StateError, err
		}

		if eb != nil {
			startEvent := eventbus.NewEvent(
				eventbus.EventRunStarted,
				rc.Playbook.Name,
				"StateMachine.Init",
				map[string]interface{}{
					"run_id":    rc.RunID,
					"node_count": len(rc.Playbook.Nodes),
					"timestamp": time.Now().Format(time.RFC3339),
				},
			)
			eb.Publish(ctx, startEvent)
		}

		return StatePlanning, nil
	}
}

// createPlanningTransition builds the dependency graph and derives batches.
// A cycle surfaces here, before any node executes.
func createPlanningTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanningStarted,
				rc.Playbook.Name,
				"StateMachine.Planning",
				map[string]interface{}{"run_id": rc.RunID},
			))
		}

		plan, err := components.Scheduler.PlanBatches(rc.Playbook.Nodes)
		if err != nil {
			log.Printf("Batch planning failed (run_id: %s, error: %v)", rc.RunID, err)
			if eb != nil {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventPlanningFailure,
					err.Error(),
					"StateMachine.Planning",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error()},
				))
			}
			rc.SetError(err, "planning")
			return StateError, err
		}

		rc.Plan = plan
		log.Printf("Batch planning complete (run_id: %s, batches: %d, active_nodes: %d)",
			rc.RunID, len(plan.Batches), plan.NodeCount())

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanningSuccess,
				rc.Playbook.Name,
				"StateMachine.Planning",
				map[string]interface{}{
					"run_id":      rc.RunID,
					"batch_count": len(plan.Batches),
					"node_count":  plan.NodeCount(),
				},
			))
		}

		return StateExecuting, nil
	}
}

// createExecutingTransition delegates batch execution to the Runner and
// finalizes the run.
func createExecutingTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		result, err := components.Runner.ExecuteBatches(ctx, rc)
		if err != nil {
			if eb != nil {
				eventType := eventbus.EventRunFailed
				if HasCode(err, ErrCodeCancelled) || err == context.Canceled {
					eventType = eventbus.EventRunCancelled
				}
				eb.Publish(ctx, eventbus.NewEvent(
					eventType,
					rc.Playbook.Name,
					"StateMachine.Executing",
					map[string]interface{}{
						"run_id":      rc.RunID,
						"error":       err.Error(),
						"duration_ms": rc.TotalDuration().Milliseconds(),
					},
				))
			}
			// Completed node results are retained even on failure.
			rc.SetResult(result)
			rc.SetError(err, "executing")
			return StateError, err
		}

		rc.SetResult(result)
		rc.Complete()

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventRunCompleted,
				rc.Playbook.Name,
				"StateMachine.Executing",
				map[string]interface{}{
					"run_id":      rc.RunID,
					"status":      string(result.Status),
					"duration_ms": rc.TotalDuration().Milliseconds(),
				},
			))
		}

		return StateComplete, nil
	}
}
