/*
Package entities describes who the legislation computes things about.

PURPOSE:
  An entity kind is either the person kind or a group kind (household, tax
  unit, family). Group kinds declare the roles persons play inside them. A
  population binds concrete persons to concrete groups for one simulation.

KEY CONCEPTS:
  Role:       labeled slot in a group. Max bounds how many members of a group
              may play it (0 = unbounded). Sub-roles refine a role: a person
              playing a sub-role also plays its parent role.
  Population: ordered ids of one entity kind.
  GroupPopulation: a group kind's population plus, for every person, the
              index of its group, its role and its position within the group.

  Cross-entity projections (sum, any, project, first_of_role...) are scans
  over these membership arrays. They always return an array sized for the
  target entity.

SEE ALSO:
  - population.go: populations and projections
*/
package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntity is returned for malformed entity declarations.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidPopulation is returned when membership arrays are inconsistent.
	ErrInvalidPopulation = errors.New("invalid population")
)

// Role is a slot inside a group entity.
type Role struct {
	Key      string  `json:"key" toml:"key"`
	Plural   string  `json:"plural,omitempty" toml:"plural"`
	Label    string  `json:"label,omitempty" toml:"label"`
	Doc      string  `json:"doc,omitempty" toml:"doc"`
	Max      int     `json:"max,omitempty" toml:"max"`
	SubRoles []*Role `json:"subroles,omitempty" toml:"subroles"`

	parent *Role
}

// Parent returns the role r refines, or nil.
func (r *Role) Parent() *Role { return r.parent }

// Is reports whether r is other or one of its sub-roles.
func (r *Role) Is(other *Role) bool {
	for cur := r; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}
	return false
}

func (r *Role) String() string { return r.Key }

// Entity is an entity kind.
type Entity struct {
	Key      string  `json:"key" toml:"key"`
	Plural   string  `json:"plural" toml:"plural"`
	Label    string  `json:"label,omitempty" toml:"label"`
	Doc      string  `json:"doc,omitempty" toml:"doc"`
	IsPerson bool    `json:"is_person,omitempty" toml:"is_person"`
	Roles    []*Role `json:"roles,omitempty" toml:"roles"`

	flat []*Role
}

// NewPerson declares the person kind.
func NewPerson(key, plural string) *Entity {
	return &Entity{Key: key, Plural: plural, IsPerson: true}
}

// NewGroup declares a group kind and validates its roles.
func NewGroup(key, plural string, roles ...*Role) (*Entity, error) {
	e := &Entity{Key: key, Plural: plural, Roles: roles}
	if err := e.Init(); err != nil {
		return nil, err
	}
	return e, nil
}

// Init validates the declaration and links sub-roles to their parents.
// Entities decoded from files must be initialized before use.
func (e *Entity) Init() error {
	if e.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidEntity)
	}
	if e.Plural == "" {
		e.Plural = e.Key + "s"
	}
	if e.IsPerson {
		if len(e.Roles) > 0 {
			return fmt.Errorf("%w: person entity %q cannot declare roles", ErrInvalidEntity, e.Key)
		}
		return nil
	}
	if len(e.Roles) == 0 {
		return fmt.Errorf("%w: group entity %q declares no role", ErrInvalidEntity, e.Key)
	}
	e.flat = e.flat[:0]
	seen := make(map[string]bool)
	var link func(parent *Role, roles []*Role) error
	link = func(parent *Role, roles []*Role) error {
		for _, r := range roles {
			if r.Key == "" || seen[r.Key] {
				return fmt.Errorf("%w: %s: empty or duplicate role %q", ErrInvalidEntity, e.Key, r.Key)
			}
			if r.Max < 0 {
				return fmt.Errorf("%w: %s: role %q has negative max", ErrInvalidEntity, e.Key, r.Key)
			}
			seen[r.Key] = true
			if r.Plural == "" {
				r.Plural = r.Key + "s"
			}
			r.parent = parent
			e.flat = append(e.flat, r)
			if err := link(r, r.SubRoles); err != nil {
				return err
			}
		}
		return nil
	}
	return link(nil, e.Roles)
}

// Role finds a role or sub-role by key or plural.
func (e *Entity) Role(key string) (*Role, bool) {
	for _, r := range e.flat {
		if r.Key == key || r.Plural == key {
			return r, true
		}
	}
	return nil, false
}

// FlatRoles lists roles and sub-roles depth first. GroupPopulation.GetRole
// returns indices into this list.
func (e *Entity) FlatRoles() []*Role { return append([]*Role(nil), e.flat...) }

func (e *Entity) String() string { return e.Key }
