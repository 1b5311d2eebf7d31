package pulse

import (
	"context"
	"testing"

	"github.com/teranos/sift/errors"
)

// stubHandler is a minimal JobHandler for registry tests
type stubHandler struct {
	name     string
	executed int
	err      error
}

func (h *stubHandler) Execute(ctx context.Context, job *Job) error {
	h.executed++
	return h.err
}

func (h *stubHandler) Name() string { return h.name }

func TestHandlerRegistryRegisterAndGet(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := &stubHandler{name: "signal.assign"}

	registry.Register(handler)

	if got := registry.Get("signal.assign"); got != handler {
		t.Errorf("Get() = %v, want registered handler", got)
	}
	if registry.Get("report.finalize") != nil {
		t.Error("Get() for unregistered name should return nil")
	}
	if !registry.Has("signal.assign") {
		t.Error("Has() = false for registered handler")
	}
}

func TestHandlerRegistryDuplicatePanics(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&stubHandler{name: "signal.assign"})

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	registry.Register(&stubHandler{name: "signal.assign"})
}

func TestHandlerRegistryNames(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&stubHandler{name: "signal.assign"})
	registry.Register(&stubHandler{name: "report.finalize"})

	names := registry.Names()
	if len(names) != 2 {
		t.Fatalf("Names() returned %d entries, want 2", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["signal.assign"] || !seen["report.finalize"] {
		t.Errorf("Names() = %v, missing expected handlers", names)
	}
}

func TestRegistryExecutorDispatch(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := &stubHandler{name: "signal.assign"}
	registry.Register(handler)

	executor := NewRegistryExecutor(registry)

	job, _ := NewJob("signal.assign", "acme/sig-1", nil)
	if err := executor.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if handler.executed != 1 {
		t.Errorf("Handler executed %d times, want 1", handler.executed)
	}
}

func TestRegistryExecutorUnknownHandler(t *testing.T) {
	executor := NewRegistryExecutor(NewHandlerRegistry())

	job, _ := NewJob("unknown.handler", "acme/sig-1", nil)
	if err := executor.Execute(context.Background(), job); err == nil {
		t.Error("Execute() should fail for unregistered handler")
	}
}

func TestRegistryExecutorMissingHandlerName(t *testing.T) {
	executor := NewRegistryExecutor(NewHandlerRegistry())

	job := &Job{ID: "j1"}
	if err := executor.Execute(context.Background(), job); err == nil {
		t.Error("Execute() should fail for job without handler_name")
	}
}

func TestRegistryExecutorPropagatesHandlerError(t *testing.T) {
	registry := NewHandlerRegistry()
	handlerErr := errors.New("handler exploded")
	registry.Register(&stubHandler{name: "signal.assign", err: handlerErr})

	executor := NewRegistryExecutor(registry)
	job, _ := NewJob("signal.assign", "acme/sig-1", nil)

	err := executor.Execute(context.Background(), job)
	if !errors.Is(err, handlerErr) {
		t.Errorf("Execute() error = %v, want %v", err, handlerErr)
	}
}
