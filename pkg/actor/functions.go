package actor

import (
	"sync"

	"github.com/pipeops/particle-plumber/pkg/particle"
)

// Handler answers a single service-function call.
type Handler func(call particle.CallRequest) ([]byte, error)

// FunctionTable is a shared, copy-on-extend set of named service-function
// handlers plus an optional fallback. Per the design notes, builtins are
// cloned into each actor's table at creation time; later mutations to the
// shared table are not visible to already-created actors.
type FunctionTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewFunctionTable creates an empty table.
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{handlers: make(map[string]Handler)}
}

// Clone returns a shallow copy safe for independent mutation.
func (t *FunctionTable) Clone() *FunctionTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := &FunctionTable{handlers: make(map[string]Handler, len(t.handlers)), fallback: t.fallback}
	for k, v := range t.handlers {
		cp.handlers[k] = v
	}
	return cp
}

// Set installs or replaces a named handler (or the fallback, if name=="").
func (t *FunctionTable) Set(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name == "" {
		t.fallback = h
		return
	}
	t.handlers[name] = h
}

// Remove deletes a named handler.
func (t *FunctionTable) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, name)
}

// Call dispatches a service-call request, falling back to the fallback
// handler if no named handler is registered.
func (t *FunctionTable) Call(call particle.CallRequest) ([]byte, error) {
	t.mu.RLock()
	h, ok := t.handlers[call.Function]
	fb := t.fallback
	t.mu.RUnlock()

	if ok {
		return h(call)
	}
	if fb != nil {
		return fb(call)
	}
	return nil, nil
}
