/*
registry.go - Reform registration and lookup

PURPOSE:
  Scenario files and API requests name reforms by string. Country packages
  register their reforms here so those names resolve to Go values.

USAGE:
  // In a country package
  func init() {
      reforms.Register(reforms.Reform{Name: "flat_tax", Apply: flatTax})
  }

  // In a test runner
  r, err := reforms.Lookup("flat_tax")
*/
package reforms

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// REFORM REGISTRY
// =============================================================================

var (
	registry   = make(map[string]Reform)
	registryMu sync.RWMutex
)

// Register adds r to the global registry, replacing any reform of the same
// name.
func Register(r Reform) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[r.Name] = r
}

// Lookup finds a registered reform by name.
func Lookup(name string) (Reform, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	if !ok {
		return Reform{}, fmt.Errorf("%w: %q", ErrReformNotFound, name)
	}
	return r, nil
}

// LookupAll resolves names in order.
func LookupAll(names []string) ([]Reform, error) {
	out := make([]Reform, 0, len(names))
	for _, n := range names {
		r, err := Lookup(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// List returns the registered reforms sorted by name.
func List() []Reform {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Reform, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
