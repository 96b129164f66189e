package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateHandler is returned when a method is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrUnsupportedMethod is returned when no handler runs a method
	ErrUnsupportedMethod = errors.New("method is not supported")
)

// Handler runs the current step of a job.
// It reads its own step's options and earlier steps' results and
// writes its own step's result. Returning an error fails the step.
type Handler interface {
	Run(ctx context.Context, j *Job) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, j *Job) error

// Run calls f(ctx, j)
func (f HandlerFunc) Run(ctx context.Context, j *Job) error {
	return f(ctx, j)
}

// Registry maps step methods to handlers.
// It is built once at process start and passed to the dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Method]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Method]Handler),
	}
}

// Register binds a handler to method
func (r *Registry) Register(method Method, h Handler) error {
	if method == "" {
		return fmt.Errorf("register handler: empty method")
	}
	if h == nil {
		return fmt.Errorf("register handler for %s: nil handler", method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, method)
	}
	r.handlers[method] = h
	return nil
}

// MustRegister is like Register but panics on configuration errors
func (r *Registry) MustRegister(method Method, h Handler) {
	if err := r.Register(method, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler bound to method
func (r *Registry) Lookup(method Method) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return h, nil
}

// Methods returns the registered methods in sorted order
func (r *Registry) Methods() []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]Method, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, k int) bool { return methods[i] < methods[k] })
	return methods
}
