package operation

import (
	"context"
	"sort"
	"strconv"
	"sync"

	nlerrors "github.com/vinayprograms/nodelink/errors"
)

// Variadic marks a handler that accepts any number of arguments.
const Variadic = -1

// GetFunc serves a select_and_get request.
type GetFunc func(ctx context.Context, d Descriptor) (any, error)

// Emitter reports one event occurrence of a subscription. this is the object
// the event fired on; args are the event arguments.
type Emitter func(this any, args ...any)

// ListenFunc sets up a select_and_listen subscription. method names the
// event and options are its extra arguments. It returns a stop function that
// tears the subscription down. emit may be called from any goroutine,
// including synchronously before ListenFunc returns.
type ListenFunc func(ctx context.Context, d Descriptor, method string, options []any, emit Emitter) (stop func(), err error)

type getter struct {
	arity int
	fn    GetFunc
}

type listener struct {
	arity int
	fn    ListenFunc
}

// Registry is the handler table a node consults for inbound operations.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	getters   map[string]getter
	listeners map[string]listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		getters:   make(map[string]getter),
		listeners: make(map[string]listener),
	}
}

// HandleGet registers fn for name. arity is the exact number of arguments
// the operation takes, or Variadic.
func (r *Registry) HandleGet(name string, arity int, fn GetFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getters[name] = getter{arity: arity, fn: fn}
}

// HandleListen registers fn as the subscription handler for name.
func (r *Registry) HandleListen(name string, arity int, fn ListenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = listener{arity: arity, fn: fn}
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.getters)+len(r.listeners))
	for name := range r.getters {
		seen[name] = true
	}
	for name := range r.listeners {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get runs the handler registered for d.Name.
func (r *Registry) Get(ctx context.Context, d Descriptor) (result any, err error) {
	r.mu.RLock()
	g, ok := r.getters[d.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, nlerrors.Unsupported("no such operation: " + d.Name)
	}
	if err := checkArity(d, g.arity); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, nlerrors.RecoverPanic(rec)
		}
	}()
	return g.fn(ctx, d)
}

// Listen runs the subscription handler registered for d.Name.
func (r *Registry) Listen(ctx context.Context, d Descriptor, method string, options []any, emit Emitter) (stop func(), err error) {
	r.mu.RLock()
	l, ok := r.listeners[d.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, nlerrors.Unsupported("no such subscription: " + d.Name)
	}
	if err := checkArity(d, l.arity); err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			stop, err = nil, nlerrors.RecoverPanic(rec)
		}
	}()
	stop, err = l.fn(ctx, d, method, options, emit)
	if err == nil && stop == nil {
		stop = func() {}
	}
	return stop, err
}

func checkArity(d Descriptor, arity int) error {
	if arity == Variadic || len(d.Args) == arity {
		return nil
	}
	return nlerrors.Validation(
		d.Name+" takes a different number of arguments",
		nlerrors.WithMetadata("want", strconv.Itoa(arity)),
		nlerrors.WithMetadata("got", strconv.Itoa(len(d.Args))),
	)
}
