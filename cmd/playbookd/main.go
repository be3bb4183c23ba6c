// main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	playbook "github.com/parchmint/playbook-engine"
	"github.com/parchmint/playbook-engine/internal/coordinator"
	"github.com/parchmint/playbook-engine/internal/eventbus"
	"github.com/parchmint/playbook-engine/internal/graph"
	"github.com/parchmint/playbook-engine/internal/handlers"
	"github.com/parchmint/playbook-engine/internal/llm"
	"github.com/parchmint/playbook-engine/internal/resilience"
	"github.com/parchmint/playbook-engine/internal/store"
)

func main() {
	playbookPath := flag.String("playbook", "", "path to the playbook YAML file")
	documentPath := flag.String("document", "", "path to the document text file")
	tenantID := flag.String("tenant", "local", "tenant id for the run")
	storePath := flag.String("store", "", "badger store directory (empty for in-memory)")
	maxConcurrent := flag.Int("max-concurrent", 5, "max concurrently executing nodes per batch")
	cacheTTL := flag.Duration("cache-ttl", 15*time.Minute, "completion cache TTL (0 disables caching)")
	flag.Parse()

	if *playbookPath == "" || *documentPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pb, err := coordinator.LoadAndValidatePlaybook(*playbookPath)
	if err != nil {
		log.Fatalf("Failed to load playbook: %v", err)
	}

	documentText, err := os.ReadFile(*documentPath)
	if err != nil {
		log.Fatalf("Failed to read document: %v", err)
	}

	// Completion service: OpenAI behind the circuit breaker and retry policy.
	openaiService, err := llm.NewOpenAIService()
	if err != nil {
		log.Fatalf("Failed to initialize completion service: %v", err)
	}

	breaker := resilience.NewBreaker("openai", resilience.DefaultBreakerConfig())
	invokerOpts := []resilience.InvokerOption{}
	if *cacheTTL > 0 {
		cache := store.NewCompletionCache(*cacheTTL)
		defer cache.Close()
		invokerOpts = append(invokerOpts, resilience.WithCache(cache))
	}
	completions := resilience.NewInvoker(openaiService, breaker, resilience.DefaultInvokerConfig(), invokerOpts...)

	// Result persistence.
	recordStore, err := store.OpenBadgerStore(*storePath)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}
	defer recordStore.Close()
	writer := store.NewDualWriter(recordStore, nil)

	// Built-in tool handlers.
	registry := playbook.NewHandlerRegistry()
	for _, h := range []playbook.ToolHandler{
		handlers.NewSummarizeHandler(completions),
		handlers.NewExtractHandler(completions),
		handlers.NewClassifyHandler(completions),
		handlers.NewCompareHandler(completions),
		handlers.NewCalculateHandler(completions),
	} {
		if err := registry.Register(h); err != nil {
			log.Fatalf("Failed to register handler: %v", err)
		}
	}

	// Event bus streaming step events to the terminal.
	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(100),
		eventbus.WithWorkerCount(2),
	)
	defer bus.Close()
	subscribeStepEvents(bus)

	runner := coordinator.New(registry, writer,
		coordinator.WithEventBus(bus),
		coordinator.WithMaxConcurrent(*maxConcurrent),
	)

	engine, err := playbook.New(ctx,
		playbook.WithScheduler(graph.NewPlanner()),
		playbook.WithRunner(runner),
		playbook.WithRegistry(registry),
		playbook.WithEventBus(bus),
		playbook.WithConfig(playbook.Config{
			MaxConcurrentExecutions: *maxConcurrent,
			EnableEventBus:          true,
			EventBusBufferSize:      100,
			EventBusWorkerCount:     2,
		}),
	)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	doc := playbook.ToolExecutionContext{
		DocumentText: string(documentText),
		DocumentID:   *documentPath,
		TenantID:     *tenantID,
	}

	result, err := engine.Run(ctx, pb, doc)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	m := runner.Metrics()
	log.Printf("Run finished (run_id: %s, status: %s, nodes: %d, model_calls: %d, input_tokens: %d, output_tokens: %d)",
		result.RunID, result.Status, len(result.Results), m.ModelCalls, m.InputTokens, m.OutputTokens)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	fmt.Println(string(out))

	if result.Status == playbook.RunFailed {
		os.Exit(1)
	}
}

// subscribeStepEvents prints node lifecycle events as the run progresses.
func subscribeStepEvents(bus eventbus.EventBus) {
	stepEvents := []eventbus.EventType{
		eventbus.EventNodeStarted,
		eventbus.EventNodeCompleted,
		eventbus.EventNodeFailed,
		eventbus.EventNodeSkipped,
		eventbus.EventBatchStarted,
		eventbus.EventBatchCompleted,
	}
	if _, err := bus.Subscribe(stepEvents, func(ctx context.Context, event eventbus.Event) error {
		metadata := event.Metadata()
		if nodeID, ok := metadata["node_id"]; ok {
			log.Printf("Event %s (node_id: %v, payload: %v)", event.Type(), nodeID, event.Payload())
		} else {
			log.Printf("Event %s (batch_index: %v)", event.Type(), metadata["batch_index"])
		}
		return nil
	}); err != nil {
		log.Printf("Failed to subscribe to step events: %v", err)
	}
}
