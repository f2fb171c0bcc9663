package messaging

import (
	"context"
	"sync"
)

// Handler answers one message.
type Handler func(ctx context.Context, msg Message) Reply

// Router dispatches by action. Unknown actions are ignored.
type Router struct {
	mu       sync.RWMutex
	handlers map[Action]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[Action]Handler)}
}

// Handle registers h for action, replacing any previous handler.
func (r *Router) Handle(action Action, h Handler) {
	r.mu.Lock()
	r.handlers[action] = h
	r.mu.Unlock()
}

// Dispatch runs the handler for msg.Action. The bool is false when no handler
// is registered; the zero Reply is returned in that case.
func (r *Router) Dispatch(ctx context.Context, msg Message) (Reply, bool) {
	r.mu.RLock()
	h, ok := r.handlers[msg.Action]
	r.mu.RUnlock()
	if !ok {
		return Reply{}, false
	}
	return h(ctx, msg), true
}

// Serve adapts the router to a Handler for Bus registration.
func (r *Router) Serve(ctx context.Context, msg Message) Reply {
	reply, _ := r.Dispatch(ctx, msg)
	return reply
}
