package rpcgateway

import (
	"context"
	"fmt"
	"sync"
)

// MethodHandler answers one named RPC call.
type MethodHandler func(ctx context.Context, args []interface{}) (interface{}, error)

// MethodRouter maps the RPC surface's method names to the Surrogate
// calls that implement them.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter returns an empty router ready for registration.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]MethodHandler)}
}

// Register binds name to handler.
func (r *MethodRouter) Register(name string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Dispatch invokes the handler registered for method, or returns an
// error if no such method is registered.
func (r *MethodRouter) Dispatch(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpcgateway: unknown method %q", method)
	}
	return h(ctx, args)
}
