// Package plugin defines the resource inventory interface for autotag and a
// registry of inventory backends.
package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/yairfalse/autotag/pkg/resource"
)

// Inventory discovers resources that lack a marker tag.
type Inventory interface {
	// Name returns the backend identifier (e.g., "resource-explorer", "native")
	Name() string

	// Discover returns the resources of the query's type and region that do
	// not carry the query's exclusion tag.
	Discover(ctx context.Context, q resource.Query) ([]resource.Record, error)
}

// Registry holds registered inventories.
var (
	registry = make(map[string]Inventory)
	mu       sync.RWMutex
)

// Register adds an inventory to the registry, replacing any with the same name.
func Register(inv Inventory) {
	mu.Lock()
	defer mu.Unlock()
	registry[inv.Name()] = inv
}

// Get returns an inventory by name.
func Get(name string) (Inventory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	inv, ok := registry[name]
	return inv, ok
}

// Names returns all registered inventory names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all inventories from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Inventory)
}
