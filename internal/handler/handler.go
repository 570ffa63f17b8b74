package handler

import (
	"context"
	"log/slog"
	"sync"

	"wabatch/internal/domain"
)

// Handler receives one ready batch per call. Returning an error fails the
// whole batch; partial progress must be idempotent because a failed batch's
// conversation keeps moving.
type Handler interface {
	Handle(ctx context.Context, c *Context) error
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, c *Context) error

func (f Func) Handle(ctx context.Context, c *Context) error { return f(ctx, c) }

// Registry maps handler names (as configured per phone) to implementations.
// Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, domain.ErrUnknownHandler
	}
	return h, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// LogHandler logs the batch and does nothing else. Useful as a default wiring
// target and in smoke tests.
type LogHandler struct{}

func (LogHandler) Handle(ctx context.Context, c *Context) error {
	slog.Info("batch received",
		"batch_id", c.Batch.ID,
		"conversation_id", c.Conversation.ID,
		"messages", c.Count(),
		"text", c.FullText())
	return nil
}
