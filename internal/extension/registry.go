// Package extension resolves symbolic (module, entry point) references to
// invocable units and runs them in-process. Resolution is a capability-
// checked registry lookup, never a raw load of arbitrary code: a module
// that does not satisfy the contract is rejected when it is resolved, not
// mid-run.
package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/opkit/internal/log"
	"github.com/mattjoyce/opkit/internal/task"
)

// PresentationHandle is an opaque reference to a visual surface produced by
// an extension. The engine passes it through unchanged and never inspects
// its content.
type PresentationHandle any

// Result is what a conforming entry point returns.
type Result struct {
	Output []string
	Handle PresentationHandle
}

// EntryPoint is the capability contract every extension entry point must
// satisfy: it accepts a parameter mapping and returns a result or an error.
type EntryPoint func(ctx context.Context, params map[string]string) (*Result, error)

// Module exposes a fixed set of named entry points.
type Module interface {
	EntryPoints() map[string]EntryPoint
}

// Factory constructs a module instance. The untyped return is deliberate:
// conformance to Module is verified at resolution so that an incompatible
// registration surfaces as ErrIncompatibleExtension rather than a panic.
type Factory func() (any, error)

// Registry maps module names to factories. Populated at startup or on
// demand; safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    log.WithComponent("extension"),
	}
}

// Register adds or replaces a module factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.logger.Debug("extension module registered", "module", name)
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up a module and entry point. An unknown module is
// ErrExtensionNotFound; a module that constructs but does not conform, or
// lacks the entry point, is ErrIncompatibleExtension.
func (r *Registry) Resolve(module, entry string) (EntryPoint, error) {
	r.mu.RLock()
	factory, ok := r.factories[module]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: module %q is not registered", task.ErrExtensionNotFound, module)
	}

	v, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: module %q failed to load: %v", task.ErrIncompatibleExtension, module, err)
	}

	mod, ok := v.(Module)
	if !ok {
		return nil, fmt.Errorf("%w: module %q (%T) does not satisfy the entry-point contract",
			task.ErrIncompatibleExtension, module, v)
	}

	ep, ok := mod.EntryPoints()[entry]
	if !ok || ep == nil {
		return nil, fmt.Errorf("%w: module %q has no entry point %q", task.ErrIncompatibleExtension, module, entry)
	}
	return ep, nil
}

// Invoke runs an entry point with panic isolation. A defective extension
// must never propagate a fault into the dispatcher or sibling tasks.
func Invoke(ctx context.Context, ep EntryPoint, params map[string]string) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("extension panic: %v", p)
		}
	}()
	return ep(ctx, params)
}
