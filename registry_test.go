package playbook

import (
	"context"
	"testing"
)

// stubHandler is a minimal ToolHandler for registry tests.
type stubHandler struct {
	id    string
	types []string
}

func (h *stubHandler) HandlerID() string            { return h.id }
func (h *stubHandler) SupportedToolTypes() []string { return h.types }
func (h *stubHandler) Metadata() HandlerMetadata {
	return HandlerMetadata{Name: h.id, Version: "1.0.0"}
}

func (h *stubHandler) Validate(ctx context.Context, execCtx ToolExecutionContext, node *Node) ValidationResult {
	return Valid()
}

func (h *stubHandler) Execute(ctx context.Context, execCtx ToolExecutionContext, node *Node) (*ToolResult, error) {
	return &ToolResult{Success: true, HandlerID: h.id, ToolName: node.ToolType}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewHandlerRegistry()

	h := &stubHandler{id: "summarize-v1", types: []string{"summarize"}}
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := reg.HandlerByType("summarize")
	if err != nil {
		t.Fatalf("HandlerByType failed: %v", err)
	}
	if got.HandlerID() != "summarize-v1" {
		t.Errorf("expected handler 'summarize-v1', got '%s'", got.HandlerID())
	}

	byID, ok := reg.HandlerByID("summarize-v1")
	if !ok || byID.HandlerID() != "summarize-v1" {
		t.Errorf("HandlerByID did not return the registered handler")
	}

	if reg.Len() != 1 {
		t.Errorf("expected 1 registered handler, got %d", reg.Len())
	}
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	reg := NewHandlerRegistry()

	err := reg.Register(nil)
	if err == nil {
		t.Fatal("expected error registering nil handler")
	}
	if !HasCode(err, ErrCodeConfiguration) {
		t.Errorf("expected %s, got %v", ErrCodeConfiguration, err)
	}
}

func TestRegistryRejectsEmptyToolTypes(t *testing.T) {
	reg := NewHandlerRegistry()

	err := reg.Register(&stubHandler{id: "empty-v1", types: nil})
	if err == nil {
		t.Fatal("expected error registering handler with no tool types")
	}
	if !HasCode(err, ErrCodeConfiguration) {
		t.Errorf("expected %s, got %v", ErrCodeConfiguration, err)
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	reg := NewHandlerRegistry()

	if err := reg.Register(&stubHandler{id: "dup-v1", types: []string{"extract"}}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := reg.Register(&stubHandler{id: "dup-v1", types: []string{"classify"}})
	if err == nil {
		t.Fatal("expected error registering duplicate handler id")
	}
	if reg.Len() != 1 {
		t.Errorf("failed registration must not change the registry, got %d handlers", reg.Len())
	}
}

func TestRegistryMultipleHandlersPerType(t *testing.T) {
	reg := NewHandlerRegistry()

	first := &stubHandler{id: "extract-v1", types: []string{"extract"}}
	second := &stubHandler{id: "extract-v2", types: []string{"extract"}}
	if err := reg.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	handlers := reg.HandlersByType("extract")
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers for 'extract', got %d", len(handlers))
	}
	if handlers[0].HandlerID() != "extract-v1" || handlers[1].HandlerID() != "extract-v2" {
		t.Errorf("handlers not returned in registration order: %s, %s",
			handlers[0].HandlerID(), handlers[1].HandlerID())
	}

	// Typed lookup resolves the first-registered handler.
	primary, err := reg.HandlerByType("extract")
	if err != nil {
		t.Fatalf("HandlerByType failed: %v", err)
	}
	if primary.HandlerID() != "extract-v1" {
		t.Errorf("expected primary handler 'extract-v1', got '%s'", primary.HandlerID())
	}
}

func TestRegistryHandlerSpanningMultipleTypes(t *testing.T) {
	reg := NewHandlerRegistry()

	h := &stubHandler{id: "multi-v1", types: []string{"summarize", "classify"}}
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, toolType := range []string{"summarize", "classify"} {
		got, err := reg.HandlerByType(toolType)
		if err != nil {
			t.Fatalf("HandlerByType(%s) failed: %v", toolType, err)
		}
		if got.HandlerID() != "multi-v1" {
			t.Errorf("expected 'multi-v1' for type '%s', got '%s'", toolType, got.HandlerID())
		}
	}
	if reg.Len() != 1 {
		t.Errorf("one handler under two types should count once, got %d", reg.Len())
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewHandlerRegistry()

	_, err := reg.HandlerByType("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown tool type")
	}
	if !HasCode(err, ErrCodeHandlerNotFound) {
		t.Errorf("expected %s, got %v", ErrCodeHandlerNotFound, err)
	}

	if handlers := reg.HandlersByType("nonexistent"); len(handlers) != 0 {
		t.Errorf("expected empty slice for unknown type, got %d handlers", len(handlers))
	}
}

func TestRegistryToolTypes(t *testing.T) {
	reg := NewHandlerRegistry()

	_ = reg.Register(&stubHandler{id: "c-v1", types: []string{"classify"}})
	_ = reg.Register(&stubHandler{id: "a-v1", types: []string{"summarize", "extract"}})

	types := reg.ToolTypes()
	want := []string{"classify", "extract", "summarize"}
	if len(types) != len(want) {
		t.Fatalf("expected %d tool types, got %d", len(want), len(types))
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("tool types not sorted: expected %s at %d, got %s", w, i, types[i])
		}
	}
}
