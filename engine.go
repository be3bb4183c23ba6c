// Package playbook provides the core runtime for executing document-analysis
// playbooks: dependency-ordered graphs of tool nodes backed by a
// language-model completion service.
package playbook

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parchmint/playbook-engine/internal/eventbus"
)

// Engine is the main entry point into the playbook runtime. It encapsulates
// the components required to plan and execute a run.
type Engine struct {
	// Core components
	scheduler Scheduler
	runner    Runner
	registry  *HandlerRegistry
	eventBus  eventbus.EventBus

	// Configuration
	config Config

	// Async run tracking
	asyncRuns      map[string]*RunContext
	asyncRunsMutex sync.RWMutex
}

// Config holds the configuration options for the Engine.
type Config struct {
	// Maximum number of concurrent node executions within a batch
	MaxConcurrentExecutions int

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 5,
		EnableEventBus:          true,
		EventBusBufferSize:      100,
		EventBusWorkerCount:     5,
	}
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithScheduler sets the batch scheduler component.
func WithScheduler(scheduler Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = scheduler
	}
}

// WithRunner sets the batch runner component.
func WithRunner(runner Runner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithRegistry sets the tool handler registry.
func WithRegistry(registry *HandlerRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithEventBus sets a custom event bus implementation.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// New creates a new Engine instance with the provided options.
func New(ctx context.Context, options ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		asyncRuns: make(map[string]*RunContext),
	}

	for _, option := range options {
		option(e)
	}

	// Validate required components
	if e.scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	if e.runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	if e.registry == nil || e.registry.Len() == 0 {
		return nil, fmt.Errorf("at least one tool handler is required")
	}

	// Initialize event bus if enabled but not provided
	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		log.Printf("Initialized default channel-based event bus")
	}

	return e, nil
}

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *HandlerRegistry {
	return e.registry
}

// EventBus returns the engine's event bus, or nil when disabled.
func (e *Engine) EventBus() eventbus.EventBus {
	if !e.config.EnableEventBus {
		return nil
	}
	return e.eventBus
}

// Run executes a playbook synchronously against one document and returns the
// per-node results plus the overall run status.
func (e *Engine) Run(ctx context.Context, pb *Playbook, doc ToolExecutionContext) (*RunResult, error) {
	stateMachine := e.createStateMachine()
	runCtx := NewRunContext(uuid.New().String(), pb, doc)
	return stateMachine.Execute(ctx, runCtx)
}

// createStateMachine builds a state machine with all transitions for one run.
func (e *Engine) createStateMachine() *StateMachine {
	var bus eventbus.EventBus
	if e.config.EnableEventBus {
		bus = e.eventBus
	}

	components := EngineComponents{
		Scheduler: e.scheduler,
		Runner:    e.runner,
		Registry:  e.registry,
		Config:    e.config,
	}

	return CreateRunStateMachine(components, bus)
}

// RunAsync starts an asynchronous playbook run and returns its run id.
// Status and results are retrieved through RunStatusByID / ResultByID.
func (e *Engine) RunAsync(ctx context.Context, pb *Playbook, doc ToolExecutionContext) (string, error) {
	runID := uuid.New().String()

	stateMachine := e.createStateMachine()
	runCtx := NewRunContext(runID, pb, doc)

	// The async run outlives the caller's context; cancellation happens
	// through CancelRun. The cancel func is bound before the run becomes
	// visible to CancelRun through the map.
	asyncCtx, cancel := context.WithCancel(context.Background())
	runCtx.bindCancel(cancel)

	e.asyncRunsMutex.Lock()
	e.asyncRuns[runID] = runCtx
	e.asyncRunsMutex.Unlock()

	if e.config.EnableEventBus && e.eventBus != nil {
		startEvent := eventbus.NewEvent(
			eventbus.EventRunAsyncStarted,
			pb.Name,
			"Engine.RunAsync",
			map[string]interface{}{
				"run_id":    runID,
				"timestamp": time.Now().Format(time.RFC3339),
			},
		)
		e.eventBus.Publish(ctx, startEvent)
	}

	go func() {
		defer cancel()

		result, err := stateMachine.Execute(asyncCtx, runCtx)

		runCtx.SetResult(result)
		if err != nil && !runCtx.IsTerminal() {
			runCtx.SetError(err, string(runCtx.State()))
		}

		if e.config.EnableEventBus && e.eventBus != nil {
			eventType := eventbus.EventRunAsyncSuccess
			metadata := map[string]interface{}{
				"run_id":      runID,
				"duration_ms": runCtx.TotalDuration().Milliseconds(),
			}
			if err != nil {
				eventType = eventbus.EventRunAsyncFailure
				_, errStage := runCtx.Failure()
				metadata["error"] = err.Error()
				metadata["error_stage"] = errStage
			}

			completionEvent := eventbus.NewEvent(
				eventType,
				pb.Name,
				"Engine.RunAsync",
				metadata,
			)
			// Use background context since the original context might be done
			e.eventBus.Publish(context.Background(), completionEvent)
		}
	}()

	return runID, nil
}
