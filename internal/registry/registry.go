// Package registry wires provider modules to the sessions that use them.
//
// Every pipeline stage (vad, asr, llm, tts, memory, intent) is a pluggable
// module addressed by a (type, code) pair. Implementations register a
// factory at program start; a YAML catalog declares which codes are offered
// and their default config blocks. At session start the agent's module
// parameters pick concrete codes and the registry builds a fresh module set
// for that session. No reflection is involved: an unknown code is a lookup
// miss, not a load failure.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/audio"
)

// ErrUnknownModule is matched by errors.Is against any
// [UnknownModuleError].
var ErrUnknownModule = errors.New("registry: unknown module")

// UnknownModuleError reports a (type, code) pair with no registered factory
// or no catalog entry.
type UnknownModuleError struct {
	Type config.ModuleType
	Code string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("registry: unknown %s module %q", e.Type, e.Code)
}

func (e *UnknownModuleError) Is(target error) bool { return target == ErrUnknownModule }

// Env is the dependency record handed to every factory. Factories pull what
// they need and ignore the rest.
type Env struct {
	Store      *store.Store
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	HTTPClient *http.Client
	Redis      *redis.Client

	// Credentials holds per-provider secrets from the server config, keyed
	// by module code (api keys, endpoints, regions).
	Credentials map[string]map[string]any

	// WireFormat is the gateway's audio format; backends that must match
	// the wire (vad, asr) read it from here.
	WireFormat audio.Format
}

// Factory builds one module instance from its merged config block. The
// returned value must implement the provider interface of the type it was
// registered under; modules holding resources also implement io.Closer.
type Factory func(cfg map[string]any, env Env) (any, error)

type key struct {
	typ  config.ModuleType
	code string
}

// Registry maps registered factories to catalog entries and resolves
// per-session module sets.
type Registry struct {
	env Env

	mu        sync.RWMutex
	factories map[key]Factory
	catalog   *Catalog
}

// New creates a registry over the given environment and catalog.
func New(env Env, catalog *Catalog) *Registry {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &Registry{
		env:       env,
		factories: make(map[key]Factory),
		catalog:   catalog,
	}
}

// Register installs a factory for (type, code). Registering the same pair
// twice is a programmer error and panics.
func (r *Registry) Register(typ config.ModuleType, code string, f Factory) {
	if !typ.IsValid() {
		panic(fmt.Sprintf("registry: invalid module type %q", typ))
	}
	if code == "" || f == nil {
		panic(fmt.Sprintf("registry: empty registration for %s", typ))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{typ, code}
	if _, dup := r.factories[k]; dup {
		panic(fmt.Sprintf("registry: duplicate %s module %q", typ, code))
	}
	r.factories[k] = f
}

// Registered reports whether a factory exists for (type, code).
func (r *Registry) Registered(typ config.ModuleType, code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key{typ, code}]
	return ok
}

// List returns the catalog entries of one type whose factories are actually
// registered, in catalog order. The HTTP API serves this to clients picking
// modules for an agent.
func (r *Registry) List(typ config.ModuleType) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.catalog.List(typ) {
		if _, ok := r.factories[key{typ, e.Code}]; ok {
			out = append(out, e)
		}
	}
	return out
}

// SetCatalog swaps in a reloaded catalog. Sessions already running keep the
// modules they were built with; only new resolutions see the change.
func (r *Registry) SetCatalog(c *Catalog) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.catalog = c
	r.mu.Unlock()
}

func (r *Registry) lookup(typ config.ModuleType, code string) (Factory, Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[key{typ, code}]
	if !ok {
		return nil, Entry{}, &UnknownModuleError{Type: typ, Code: code}
	}
	entry, ok := r.catalog.Entry(typ, code)
	if !ok {
		// Registered but not catalogued: usable with an empty default
		// config block.
		entry = Entry{Code: code}
	}
	return f, entry, nil
}
