package capability

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/toolgate/internal/log"
)

// Handler executes a capability with validated arguments.
type Handler interface {
	Invoke(ctx context.Context, args Args) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry maps capability names to descriptors and handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  log.WithComponent("registry"),
	}
}

// Register adds desc with its handler. Registering an existing name replaces
// both descriptor and handler.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if err := desc.Check(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("capability %q: handler is nil", desc.Name)
	}

	r.mu.Lock()
	_, replaced := r.entries[desc.Name]
	r.entries[desc.Name] = entry{desc: desc.clone(), handler: h}
	r.mu.Unlock()

	r.logger.Debug("registered capability", "name", desc.Name, "replaced", replaced)
	return nil
}

// MustRegister is Register for built-in catalogs; it panics on a bad descriptor.
func (r *Registry) MustRegister(desc Descriptor, h Handler) {
	if err := r.Register(desc, h); err != nil {
		panic(err)
	}
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Lookup returns the descriptor and handler registered under name.
func (r *Registry) Lookup(name string) (Descriptor, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc.clone(), e.handler, true
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, d := range list {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Fingerprint is the BLAKE3 hash of the sorted catalog. It changes whenever a
// descriptor is added, removed or replaced with different content.
func (r *Registry) Fingerprint() string {
	data, err := json.Marshal(r.List())
	if err != nil {
		// Defaults that cannot be encoded still give a stable, name-only hash.
		data = []byte(fmt.Sprint(r.Names()))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Invoke looks up name, validates args and calls the handler. Errors are
// ErrNotFound (wrapped), *ValidationError, or whatever the handler returns.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	desc, h, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	valid, err := Validate(desc, args)
	if err != nil {
		return nil, err
	}
	return h.Invoke(ctx, valid)
}
