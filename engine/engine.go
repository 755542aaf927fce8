// Package engine is the static registry of scripting engines a worker can run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/scriptmux/script"
	"go.uber.org/zap"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrUnknownExtension = errors.New("unknown extension")
)

// Provider builds a fresh script. params are engine specific.
type Provider func(ctx context.Context, params json.RawMessage, log *zap.SugaredLogger) (script.Script, error)

// Extension prepares a script after it has been built.
type Extension func(ctx context.Context, s script.Script) error

// Info selects a provider and the extensions to apply.
type Info struct {
	Provider   string
	Params     json.RawMessage
	Extensions []string
}

type Registry struct {
	mut        sync.RWMutex
	providers  map[string]Provider
	extensions map[string]Extension
}

func NewRegistry() *Registry {
	return &Registry{
		providers:  map[string]Provider{},
		extensions: map[string]Extension{},
	}
}

func (r *Registry) Provide(name string, p Provider) *Registry {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.providers[name] = p
	return r
}

func (r *Registry) Extend(name string, e Extension) *Registry {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.extensions[name] = e
	return r
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves info against the registry, builds the script and applies its extensions in order.
// Unknown names are rejected before anything is built.
func (r *Registry) Build(ctx context.Context, info Info, log *zap.SugaredLogger) (script.Script, error) {
	r.mut.RLock()
	provider, ok := r.providers[info.Provider]
	var exts []Extension
	var missing string
	for _, name := range info.Extensions {
		ext, found := r.extensions[name]
		if !found {
			missing = name
			break
		}
		exts = append(exts, ext)
	}
	r.mut.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, info.Provider)
	}
	if missing != "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, missing)
	}

	s, err := provider(ctx, info.Params, log)
	if err != nil {
		return nil, fmt.Errorf("building %q script: %w", info.Provider, err)
	}
	for i, ext := range exts {
		if err := ext(ctx, s); err != nil {
			s.Dispose(ctx)
			return nil, fmt.Errorf("applying extension %q: %w", info.Extensions[i], err)
		}
	}
	return s, nil
}
