package entities

import (
	"fmt"
	"math"

	"github.com/warp/microsim/array"
)

// =============================================================================
// POPULATION
// =============================================================================

// Population holds the ordered ids of one entity kind.
type Population struct {
	Entity *Entity
	ids    []string
	index  map[string]int
}

// NewPopulation indexes ids. Ids must be unique.
func NewPopulation(entity *Entity, ids []string) (*Population, error) {
	p := &Population{Entity: entity, ids: append([]string(nil), ids...), index: make(map[string]int, len(ids))}
	for i, id := range ids {
		if _, dup := p.index[id]; dup {
			return nil, fmt.Errorf("%w: duplicate %s id %q", ErrInvalidPopulation, entity.Key, id)
		}
		p.index[id] = i
	}
	return p, nil
}

// Count returns the number of entities.
func (p *Population) Count() int { return len(p.ids) }

// IDs returns the ids in population order.
func (p *Population) IDs() []string { return append([]string(nil), p.ids...) }

// IndexOf returns the position of id.
func (p *Population) IndexOf(id string) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// =============================================================================
// GROUP POPULATION
// =============================================================================

// GroupPopulation is a group kind's population with its membership arrays.
// All three per-person slices have one entry per person.
type GroupPopulation struct {
	*Population
	members  []int
	roles    []*Role
	position []int
	groups   [][]int
}

// NewGroupPopulation binds persons to groups. members[i] is the index of the
// group containing person i and roles[i] the role it plays there. Role
// cardinalities are checked.
func NewGroupPopulation(pop *Population, members []int, roles []*Role) (*GroupPopulation, error) {
	e := pop.Entity
	if e.IsPerson {
		return nil, fmt.Errorf("%w: %s is the person entity", ErrInvalidPopulation, e.Key)
	}
	if len(members) != len(roles) {
		return nil, fmt.Errorf("%w: %s: %d memberships for %d roles", ErrInvalidPopulation, e.Key, len(members), len(roles))
	}
	g := &GroupPopulation{
		Population: pop,
		members:    append([]int(nil), members...),
		roles:      append([]*Role(nil), roles...),
		position:   make([]int, len(members)),
		groups:     make([][]int, pop.Count()),
	}
	counts := make(map[*Role][]int)
	for i, m := range members {
		if m < 0 || m >= pop.Count() {
			return nil, fmt.Errorf("%w: %s: person %d points to group %d of %d", ErrInvalidPopulation, e.Key, i, m, pop.Count())
		}
		r := roles[i]
		if r == nil {
			return nil, fmt.Errorf("%w: %s: person %d has no role", ErrInvalidPopulation, e.Key, i)
		}
		if own, ok := e.Role(r.Key); !ok || own != r {
			return nil, fmt.Errorf("%w: %s: role %q does not belong to this entity", ErrInvalidPopulation, e.Key, r.Key)
		}
		g.position[i] = len(g.groups[m])
		g.groups[m] = append(g.groups[m], i)
		for cur := r; cur != nil; cur = cur.parent {
			if counts[cur] == nil {
				counts[cur] = make([]int, pop.Count())
			}
			counts[cur][m]++
			if cur.Max > 0 && counts[cur][m] > cur.Max {
				return nil, fmt.Errorf("%w: %s %q has more than %d %s",
					ErrInvalidPopulation, e.Key, pop.ids[m], cur.Max, cur.Plural)
			}
		}
	}
	return g, nil
}

// PersonCount returns the number of persons the membership arrays cover.
func (g *GroupPopulation) PersonCount() int { return len(g.members) }

// MembersEntityID returns the group index of every person.
func (g *GroupPopulation) MembersEntityID() []int { return append([]int(nil), g.members...) }

// MembersRole returns the role of every person.
func (g *GroupPopulation) MembersRole() []*Role { return append([]*Role(nil), g.roles...) }

// MembersPosition returns the rank of every person within its group.
func (g *GroupPopulation) MembersPosition() []int { return append([]int(nil), g.position...) }

// Members returns the persons of group gi in membership order.
func (g *GroupPopulation) Members(gi int) []int { return append([]int(nil), g.groups[gi]...) }

func (g *GroupPopulation) plays(i int, role *Role) bool {
	return role == nil || g.roles[i].Is(role)
}

func (g *GroupPopulation) checkPersons(a array.Array) error {
	if a.Len() != len(g.members) {
		return fmt.Errorf("%w: %s projection got %d values for %d persons", array.ErrLength, g.Entity.Key, a.Len(), len(g.members))
	}
	return nil
}

// =============================================================================
// PERSON -> GROUP AGGREGATIONS
// =============================================================================

// Sum adds the values of each group's members. Bool arrays count true
// values into an Int array.
func (g *GroupPopulation) Sum(persons array.Array) (array.Array, error) {
	return g.SumByRole(persons, nil)
}

// SumByRole is Sum restricted to members playing role (nil = everyone).
func (g *GroupPopulation) SumByRole(persons array.Array, role *Role) (array.Array, error) {
	if err := g.checkPersons(persons); err != nil {
		return nil, err
	}
	switch v := persons.(type) {
	case array.Float:
		out := make(array.Float, g.Count())
		for i, x := range v {
			if g.plays(i, role) {
				out[g.members[i]] += x
			}
		}
		return out, nil
	case array.Int:
		out := make(array.Int, g.Count())
		for i, x := range v {
			if g.plays(i, role) {
				out[g.members[i]] += x
			}
		}
		return out, nil
	case array.Bool:
		out := make(array.Int, g.Count())
		for i, x := range v {
			if x && g.plays(i, role) {
				out[g.members[i]]++
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot sum %s values", array.ErrCast, persons.Kind())
}

// Any is true for groups where at least one member is true.
func (g *GroupPopulation) Any(persons array.Bool) (array.Bool, error) {
	return g.AnyByRole(persons, nil)
}

// AnyByRole is Any restricted to members playing role.
func (g *GroupPopulation) AnyByRole(persons array.Bool, role *Role) (array.Bool, error) {
	if err := g.checkPersons(persons); err != nil {
		return nil, err
	}
	out := make(array.Bool, g.Count())
	for i, x := range persons {
		if x && g.plays(i, role) {
			out[g.members[i]] = true
		}
	}
	return out, nil
}

// All is true for groups where every member is true. Empty groups are true.
func (g *GroupPopulation) All(persons array.Bool) (array.Bool, error) {
	if err := g.checkPersons(persons); err != nil {
		return nil, err
	}
	out := make(array.Bool, g.Count())
	for i := range out {
		out[i] = true
	}
	for i, x := range persons {
		if !x {
			out[g.members[i]] = false
		}
	}
	return out, nil
}

// Max returns the largest member value per group, 0 for empty groups.
func (g *GroupPopulation) Max(persons array.Array) (array.Float, error) {
	return g.reduce(persons, math.Inf(-1), math.Max)
}

// Min returns the smallest member value per group, 0 for empty groups.
func (g *GroupPopulation) Min(persons array.Array) (array.Float, error) {
	return g.reduce(persons, math.Inf(1), math.Min)
}

func (g *GroupPopulation) reduce(persons array.Array, start float64, fn func(a, b float64) float64) (array.Float, error) {
	if err := g.checkPersons(persons); err != nil {
		return nil, err
	}
	values, err := array.Floats(persons)
	if err != nil {
		return nil, err
	}
	out := make(array.Float, g.Count())
	for i := range out {
		out[i] = start
	}
	for i, x := range values {
		out[g.members[i]] = fn(out[g.members[i]], x)
	}
	for i, x := range out {
		if math.IsInf(x, 0) {
			out[i] = 0
		}
	}
	return out, nil
}

// MemberCount returns the number of members per group playing role
// (nil = all).
func (g *GroupPopulation) MemberCount(role *Role) array.Int {
	out := make(array.Int, g.Count())
	for i, m := range g.members {
		if g.plays(i, role) {
			out[m]++
		}
	}
	return out
}

// FirstOfRole returns, per group, the value of the first member (in person
// order) playing role. Groups without such a member get def.
func (g *GroupPopulation) FirstOfRole(persons array.Array, role *Role, def any) (array.Array, error) {
	return g.Nth(0, persons, role, def)
}

// Nth returns, per group, the value of the n-th member playing role (nil =
// any role), counting from 0 in person order. Groups with fewer such members
// get def.
func (g *GroupPopulation) Nth(n int, persons array.Array, role *Role, def any) (array.Array, error) {
	if err := g.checkPersons(persons); err != nil {
		return nil, err
	}
	out, err := array.Filled(persons.Kind(), g.Count(), def)
	if err != nil {
		return nil, err
	}
	for gi, members := range g.groups {
		seen := 0
		for _, i := range members {
			if !g.plays(i, role) {
				continue
			}
			if seen == n {
				array.SetAt(out, gi, array.At(persons, i))
				break
			}
			seen++
		}
	}
	return out, nil
}

// =============================================================================
// GROUP -> PERSON PROJECTIONS
// =============================================================================

// Project gives every person the value of its group. With a role, persons
// not playing it get def instead.
func (g *GroupPopulation) Project(groups array.Array, role *Role, def any) (array.Array, error) {
	if groups.Len() != g.Count() {
		return nil, fmt.Errorf("%w: %s projection got %d values for %d groups", array.ErrLength, g.Entity.Key, groups.Len(), g.Count())
	}
	out, err := array.Filled(groups.Kind(), len(g.members), def)
	if err != nil {
		return nil, err
	}
	for i, m := range g.members {
		if g.plays(i, role) {
			array.SetAt(out, i, array.At(groups, m))
		}
	}
	return out, nil
}

// HasRole is true for persons playing role or one of its sub-roles.
func (g *GroupPopulation) HasRole(role *Role) array.Bool {
	out := make(array.Bool, len(g.members))
	for i := range g.members {
		out[i] = g.roles[i].Is(role)
	}
	return out
}

// GetRole returns each person's role as an index into Entity.FlatRoles.
func (g *GroupPopulation) GetRole() array.Int {
	flat := g.Entity.FlatRoles()
	idx := make(map[*Role]int64, len(flat))
	for i, r := range flat {
		idx[r] = int64(i)
	}
	out := make(array.Int, len(g.members))
	for i, r := range g.roles {
		out[i] = idx[r]
	}
	return out
}

// =============================================================================
// POPULATIONS
// =============================================================================

// Populations is the full population of a simulation: the persons and one
// GroupPopulation per group kind, all covering the same persons.
type Populations struct {
	Persons *Population
	Groups  map[string]*GroupPopulation
}

// NewPopulations checks that every group population covers all persons.
func NewPopulations(persons *Population, groups ...*GroupPopulation) (*Populations, error) {
	if !persons.Entity.IsPerson {
		return nil, fmt.Errorf("%w: %s is not the person entity", ErrInvalidPopulation, persons.Entity.Key)
	}
	p := &Populations{Persons: persons, Groups: make(map[string]*GroupPopulation, len(groups))}
	for _, g := range groups {
		if g.PersonCount() != persons.Count() {
			return nil, fmt.Errorf("%w: %s covers %d persons, expected %d",
				ErrInvalidPopulation, g.Entity.Key, g.PersonCount(), persons.Count())
		}
		if _, dup := p.Groups[g.Entity.Key]; dup {
			return nil, fmt.Errorf("%w: two populations for %s", ErrInvalidPopulation, g.Entity.Key)
		}
		p.Groups[g.Entity.Key] = g
	}
	return p, nil
}

// Count returns the size of the population of entity key.
func (p *Populations) Count(key string) (int, error) {
	if key == p.Persons.Entity.Key {
		return p.Persons.Count(), nil
	}
	g, ok := p.Groups[key]
	if !ok {
		return 0, fmt.Errorf("%w: no population for entity %q", ErrInvalidPopulation, key)
	}
	return g.Count(), nil
}

// Of returns the population of entity key.
func (p *Populations) Of(key string) (*Population, error) {
	if key == p.Persons.Entity.Key {
		return p.Persons, nil
	}
	g, ok := p.Groups[key]
	if !ok {
		return nil, fmt.Errorf("%w: no population for entity %q", ErrInvalidPopulation, key)
	}
	return g.Population, nil
}
