/*
system.go - Tax-benefit system: entities, variables and legislation

PURPOSE:
  A System is everything a simulation needs besides the population: the
  entity kinds, the variable registry and the parameter tree. Country
  packages build one; reforms derive new ones from it.

HOW IT WORKS:
  1. NewSystem declares the person kind and the group kinds
  2. AddVariable registers declarations, validating them
  3. Simulations look variables up by name on every calculation, so a
     neutralization applied to a system is seen by its simulations

  Variables are replaced, never mutated: UpdateVariable and
  NeutralizeVariable store a new declaration pointing at the old one.

SEE ALSO:
  - variable.go: declarations
  - reforms/: derived systems
*/
package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/parameters"
)

// System is a registry of variables bound to entities and a legislation.
// It is safe for concurrent use.
type System struct {
	mu          sync.RWMutex
	person      *entities.Entity
	groups      []*entities.Entity
	variables   map[string]*Variable
	legislation *parameters.Legislation
}

// NewSystem declares the entity kinds. A nil legislation means an empty
// parameter tree.
func NewSystem(person *entities.Entity, groups []*entities.Entity, legislation *parameters.Legislation) (*System, error) {
	if person == nil || !person.IsPerson {
		return nil, fmt.Errorf("%w: a system needs a person entity", ErrEntityNotFound)
	}
	seen := map[string]bool{person.Key: true}
	for _, g := range groups {
		if g.IsPerson {
			return nil, fmt.Errorf("%w: %s: only one person entity is allowed", ErrInvalidVariable, g.Key)
		}
		if seen[g.Key] {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrInvalidVariable, g.Key)
		}
		seen[g.Key] = true
	}
	if legislation == nil {
		legislation = parameters.NewLegislation(nil)
	}
	return &System{
		person:      person,
		groups:      append([]*entities.Entity(nil), groups...),
		variables:   make(map[string]*Variable),
		legislation: legislation,
	}, nil
}

// =============================================================================
// ENTITIES
// =============================================================================

// Person returns the person entity kind.
func (s *System) Person() *entities.Entity { return s.person }

// Groups returns the group entity kinds in declaration order.
func (s *System) Groups() []*entities.Entity { return append([]*entities.Entity(nil), s.groups...) }

// Entity finds an entity kind by key or plural.
func (s *System) Entity(key string) (*entities.Entity, error) {
	if s.person.Key == key || s.person.Plural == key {
		return s.person, nil
	}
	for _, g := range s.groups {
		if g.Key == key || g.Plural == key {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrEntityNotFound, key)
}

// =============================================================================
// LEGISLATION
// =============================================================================

// Legislation returns the parameter tree evaluator.
func (s *System) Legislation() *parameters.Legislation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.legislation
}

// SetLegislation swaps the parameter tree.
func (s *System) SetLegislation(l *parameters.Legislation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legislation = l
}

// =============================================================================
// VARIABLE REGISTRY
// =============================================================================

// AddVariable registers v. A name already taken is a conflict unless v
// declares the registered variable as its Reference, in which case v
// replaces it.
func (s *System) AddVariable(v *Variable) error {
	if _, err := s.Entity(v.Entity); err != nil {
		return fmt.Errorf("variable %q: %w", v.Name, err)
	}
	if err := v.prepare(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, exists := s.variables[v.Name]; exists && v.Reference != prior {
		return &VariableNameConflictError{Name: v.Name}
	}
	s.variables[v.Name] = v
	return nil
}

// UpdateVariable replaces a registered variable. Fields left at their zero
// value are inherited from the prior declaration, which becomes the new
// declaration's Reference.
func (s *System) UpdateVariable(v *Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.variables[v.Name]
	if !ok {
		return &VariableNotFoundError{Name: v.Name}
	}
	next := *v
	next.inherit(prior)
	if _, err := s.Entity(next.Entity); err != nil {
		return fmt.Errorf("variable %q: %w", v.Name, err)
	}
	if err := next.prepare(); err != nil {
		return err
	}
	s.variables[v.Name] = &next
	return nil
}

// NeutralizeVariable makes name always return its default. Inputs for it
// are ignored with a warning.
func (s *System) NeutralizeVariable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.variables[name]
	if !ok {
		return &VariableNotFoundError{Name: name}
	}
	next := *prior
	next.Base = BaseNeutralized
	next.Custom = nil
	next.SetInput = SetInputNeutralized
	next.Reference = prior
	s.variables[name] = &next
	return nil
}

// GetVariable looks a variable up by name.
func (s *System) GetVariable(name string) (*Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[name]
	if !ok {
		return nil, &VariableNotFoundError{Name: name}
	}
	return v, nil
}

// HasVariable reports whether name is registered.
func (s *System) HasVariable(name string) bool {
	_, err := s.GetVariable(name)
	return err == nil
}

// Variables returns all declarations sorted by name.
func (s *System) Variables() []*Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Variable, 0, len(s.variables))
	for _, v := range s.variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns a system sharing declarations and legislation with s but
// with its own registry, so that changes to one do not affect the other.
func (s *System) Clone() *System {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &System{
		person:      s.person,
		groups:      s.groups,
		variables:   make(map[string]*Variable, len(s.variables)),
		legislation: s.legislation,
	}
	for k, v := range s.variables {
		out.variables[k] = v
	}
	return out
}
