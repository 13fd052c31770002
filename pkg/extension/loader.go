package extension

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	goplugin "plugin"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrModuleNotFound is returned by loaders that have no module for a description.
var ErrModuleNotFound = errors.New("extension module not found")

// ModuleLoader resolves the code of an extension into a Module.
type ModuleLoader interface {
	Load(ctx context.Context, desc Description) (Module, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin and looks
// up their exported `Extension` symbol.
type GoPluginLoader struct{}

// Load implements ModuleLoader.
func (GoPluginLoader) Load(_ context.Context, desc Description) (Module, error) {
	if desc.IsDeclarative() {
		return nil, errors.New("extension has no main entry")
	}
	path := desc.Main
	if !filepath.IsAbs(path) && desc.Location != "" {
		path = filepath.Join(desc.Location, path)
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Extension")
	if err != nil {
		return nil, err
	}
	switch m := symbol.(type) {
	case Module:
		return m, nil
	case *Module:
		if m == nil || *m == nil {
			return nil, errors.New("extension symbol is nil")
		}
		return *m, nil
	case func() Module:
		return m(), nil
	case func(*ActivationContext) (any, error):
		return ModuleFunc(m), nil
	default:
		return nil, fmt.Errorf("extension symbol %T does not implement extension.Module", symbol)
	}
}

// StaticLoader serves modules compiled into the host binary, keyed by the
// description's main entry.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]func() Module
}

// NewStaticLoader returns an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]func() Module)}
}

// Register binds a main entry to a factory. A later call replaces the factory.
func (l *StaticLoader) Register(main string, factory func() Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[main] = factory
}

// Load implements ModuleLoader.
func (l *StaticLoader) Load(_ context.Context, desc Description) (Module, error) {
	l.mu.RLock()
	factory, ok := l.factories[desc.Main]
	l.mu.RUnlock()
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, desc.Main)
	}
	m := factory()
	if m == nil {
		return nil, fmt.Errorf("factory for %s returned nil module", desc.Main)
	}
	return m, nil
}

// ChainLoader tries each loader in turn, skipping ErrModuleNotFound.
type ChainLoader []ModuleLoader

// Load implements ModuleLoader.
func (c ChainLoader) Load(ctx context.Context, desc Description) (Module, error) {
	for _, loader := range c {
		m, err := loader.Load(ctx, desc)
		if errors.Is(err, ErrModuleNotFound) {
			continue
		}
		return m, err
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, desc.Main)
}

// CachingLoader memoises successful loads and collapses concurrent loads of
// the same module into one call on the wrapped loader.
type CachingLoader struct {
	next  ModuleLoader
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Module
}

// NewCachingLoader wraps next.
func NewCachingLoader(next ModuleLoader) *CachingLoader {
	return &CachingLoader{next: next, cache: make(map[string]Module)}
}

// Load implements ModuleLoader.
func (c *CachingLoader) Load(ctx context.Context, desc Description) (Module, error) {
	key := desc.ID + "\x00" + desc.Main
	c.mu.RLock()
	m, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		m, err := c.next.Load(ctx, desc)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Module), nil
}
