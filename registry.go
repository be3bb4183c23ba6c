package playbook

import (
	"fmt"
	"sort"
	"sync"
)

// HandlerRegistry maps tool-type tags to the handlers that serve them.
// A single tag may resolve to multiple handlers; lookups by type return all
// of them in registration order.
type HandlerRegistry struct {
	mu     sync.RWMutex
	byType map[string][]ToolHandler
	byID   map[string]ToolHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byType: make(map[string][]ToolHandler),
		byID:   make(map[string]ToolHandler),
	}
}

// Register adds a handler under every tool type it supports.
func (r *HandlerRegistry) Register(handler ToolHandler) error {
	if handler == nil {
		return NewConfigurationError("handler is nil", nil)
	}
	types := handler.SupportedToolTypes()
	if len(types) == 0 {
		return NewConfigurationError(fmt.Sprintf("handler '%s' declares no supported tool types", handler.HandlerID()), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[handler.HandlerID()]; exists {
		return NewConfigurationError(fmt.Sprintf("handler with id '%s' already registered", handler.HandlerID()), nil)
	}
	r.byID[handler.HandlerID()] = handler
	for _, t := range types {
		r.byType[t] = append(r.byType[t], handler)
	}
	return nil
}

// HandlersByType returns every handler registered for the given tool type,
// in registration order. Unknown types return an empty slice.
func (r *HandlerRegistry) HandlersByType(toolType string) []ToolHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := r.byType[toolType]
	out := make([]ToolHandler, len(handlers))
	copy(out, handlers)
	return out
}

// HandlerByType resolves the primary (first-registered) handler for a tool
// type, or a HANDLER_NOT_FOUND error.
func (r *HandlerRegistry) HandlerByType(toolType string) (ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := r.byType[toolType]
	if len(handlers) == 0 {
		return nil, NewHandlerNotFoundError("execution", toolType)
	}
	return handlers[0], nil
}

// HandlerByID returns a handler by its stable id.
func (r *HandlerRegistry) HandlerByID(id string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// ToolTypes returns the sorted list of registered tool types.
func (r *HandlerRegistry) ToolTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
