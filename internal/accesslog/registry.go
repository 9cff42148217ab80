package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/luahttp/internal/observability"
)

// Factory creates a sink from its merged configuration.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() Config

type backendEntry struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	backends   = make(map[string]backendEntry)
	backendsMu sync.RWMutex
)

// Register makes a backend available under name.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("access log backend %q already registered", name))
	}
	backends[name] = backendEntry{factory: factory, defaults: defaults}
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered reports whether a backend with the given name exists.
func IsRegistered(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// New creates the named sink, applying cfg over the backend defaults.
// An empty name disables access logging and returns a nil Sink.
func New(ctx context.Context, name string, cfg map[string]string, metrics *observability.Metrics) (sink Sink, err error) {
	if name == "" {
		return nil, nil
	}

	op, ctx := observability.StartOperation(ctx, metrics, "accesslog.new", attribute.String("backend", name))
	defer func() { op.End(err) }()

	backendsMu.RLock()
	entry, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, NewConfigError(name, "", fmt.Sprintf("unknown backend %q (available: %v)", name, ListBackends()))
	}

	merged := Config{}
	if entry.defaults != nil {
		merged = entry.defaults()
	}
	merged = merged.Merge(cfg)

	sink, err = entry.factory(ctx, merged)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "access log enabled", "backend", name)
	return sink, nil
}
