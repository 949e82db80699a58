package plugintest

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/andrei-cloud/procmacro/internal/plugins"
)

// Loader opens in-memory modules registered by path.
type Loader struct {
	mu        sync.Mutex
	factories map[string]func() *Module
	failures  map[string]error
	opened    []*Module
}

// NewLoader returns a loader with nothing registered.
func NewLoader() *Loader {
	return &Loader{
		factories: make(map[string]func() *Module),
		failures:  make(map[string]error),
	}
}

// Register makes Open(path) return a new module built by factory.
func (l *Loader) Register(path string, factory func() *Module) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.factories[path] = factory

	return l
}

// Fail makes Open(path) return err.
func (l *Loader) Fail(path string, err error) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[path] = err

	return l
}

// Open implements plugins.Loader. Unregistered paths fail with fs.ErrNotExist.
func (l *Loader) Open(_ context.Context, path string) (plugins.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failures[path]; ok {
		return nil, err
	}

	factory, ok := l.factories[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}

	m := factory()
	l.opened = append(l.opened, m)

	return m, nil
}

// Opened returns every module opened so far.
func (l *Loader) Opened() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*Module(nil), l.opened...)
}
