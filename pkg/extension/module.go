package extension

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Module is the code entry point of an extension.
type Module interface {
	// Activate is called exactly once. The returned value becomes the
	// extension's exports and is handed to dependents.
	Activate(ctx *ActivationContext) (any, error)
}

// Deactivator is implemented by modules that need to release resources when
// the host shuts down.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(ctx *ActivationContext) (any, error)

// Activate implements Module.
func (f ModuleFunc) Activate(ctx *ActivationContext) (any, error) { return f(ctx) }

// Disposable is a resource owned by an activated extension.
type Disposable interface {
	Dispose() error
}

// DisposableFunc adapts a function to Disposable.
type DisposableFunc func() error

// Dispose implements Disposable.
func (f DisposableFunc) Dispose() error { return f() }

// DisposeAll disposes in reverse registration order and joins the errors.
func DisposeAll(list []Disposable) error {
	var err error
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == nil {
			continue
		}
		err = errors.Join(err, list[i].Dispose())
	}
	return err
}

// ActivationContext is handed to Module.Activate.
type ActivationContext struct {
	// C is the host lifecycle context; it is not tied to the caller that
	// requested the activation.
	C context.Context
	// Description is the manifest record of the extension being activated.
	Description Description
	// Config is the extension specific configuration block.
	Config map[string]any
	// Resources exposes shared services supplied by the host.
	Resources map[string]any
	// Dependencies maps each declared dependency id to its exports.
	Dependencies map[string]any
	// Logger is scoped to the extension.
	Logger *slog.Logger

	subs *subscriptions
}

type subscriptions struct {
	mu   sync.Mutex
	list []Disposable
}

// NewActivationContext builds a context with an empty subscription list.
func NewActivationContext(ctx context.Context, desc Description) *ActivationContext {
	return &ActivationContext{
		C:            ctx,
		Description:  desc,
		Config:       map[string]any{},
		Resources:    map[string]any{},
		Dependencies: map[string]any{},
		subs:         &subscriptions{},
	}
}

// Subscribe hands ownership of disposables to the host.
func (c *ActivationContext) Subscribe(items ...Disposable) {
	if c == nil {
		return
	}
	if c.subs == nil {
		c.subs = &subscriptions{}
	}
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	for _, item := range items {
		if item != nil {
			c.subs.list = append(c.subs.list, item)
		}
	}
}

// Subscriptions returns the disposables registered so far.
func (c *ActivationContext) Subscriptions() []Disposable {
	if c == nil || c.subs == nil {
		return nil
	}
	c.subs.mu.Lock()
	defer c.subs.mu.Unlock()
	return append([]Disposable(nil), c.subs.list...)
}

// Clone returns a shallow copy whose maps can be mutated safely. The
// subscription list is shared with the original.
func (c *ActivationContext) Clone() *ActivationContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Description = c.Description.Clone()
	dup.Config = cloneMap(c.Config)
	dup.Resources = cloneMap(c.Resources)
	dup.Dependencies = cloneMap(c.Dependencies)
	return &dup
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
