package chain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/crossledger/settlement/internal/models"
)

var aliases = map[string]Key{
	"bitcoin":  KeyBTC,
	"xrp":      KeyXRPL,
	"ripple":   KeyXRPL,
	"xlm":      KeyStellar,
	"ethereum": KeyETH,
	"xinfin":   KeyXDC,
}

// Normalize lowercases a chain name and resolves common aliases.
func Normalize(name string) Key {
	n := strings.ToLower(strings.TrimSpace(name))
	if k, ok := aliases[n]; ok {
		return k
	}
	return Key(n)
}

// Registry is the lookup table of adapters by chain key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Key]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Key]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Chain()] = a
}

// Get returns the adapter for name or a configuration error when none is registered.
func (r *Registry) Get(name string) (Adapter, error) {
	key := Normalize(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported chain %q", models.ErrConfiguration, name)
	}
	return a, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
