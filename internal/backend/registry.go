package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/local/parsemd/internal/core"
)

// knownEngines is the closed set of layout engines.
var knownEngines = map[core.Engine]struct{}{
	core.EngineMinerU:  {},
	core.EngineDotsOCR: {},
	core.EngineMuPDF:   {},
}

// Registry resolves engine names to configured backends.
type Registry struct {
	engines map[core.Engine]Backend
	def     core.Engine
}

// NewRegistry creates an empty registry; def is used for requests that name no engine.
func NewRegistry(def core.Engine) *Registry {
	if def == "" {
		def = core.DefaultEngine
	}
	return &Registry{engines: map[core.Engine]Backend{}, def: def}
}

// Register binds a backend to one of the known engines.
func (r *Registry) Register(engine core.Engine, b Backend) error {
	if _, ok := knownEngines[engine]; !ok {
		return fmt.Errorf("register %q: %w", engine, core.ErrUnsupportedLayoutEngine)
	}
	r.engines[engine] = b
	return nil
}

// Resolve returns the backend for name, or the default when name is empty.
func (r *Registry) Resolve(name core.Engine) (core.Engine, Backend, error) {
	engine := core.Engine(strings.ToLower(strings.TrimSpace(string(name))))
	if engine == "" {
		engine = r.def
	}
	if b, ok := r.engines[engine]; ok {
		return engine, b, nil
	}
	return engine, nil, &core.UnsupportedEngineError{Name: string(engine), Supported: r.Names()}
}

// Names lists registered engines, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.engines))
	for e := range r.engines {
		out = append(out, e.String())
	}
	sort.Strings(out)
	return out
}

// Pingers returns the registered backends that support health checks.
func (r *Registry) Pingers() map[string]Pinger {
	out := map[string]Pinger{}
	for e, b := range r.engines {
		if p, ok := b.(Pinger); ok {
			out[e.String()] = p
		}
	}
	return out
}
