package engine

import (
	"fmt"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// VIEW - What a formula sees of the population
// =============================================================================

// View is a simulation seen from one entity kind. Formulas read variables of
// their own kind through Calc and friends, and cross kinds through the
// projection helpers. A person view reaches groups with Group; a group view
// aggregates its members with Sum, Any and the role-based helpers.
type View struct {
	sim    *Simulation
	entity *entities.Entity
	group  *entities.GroupPopulation
	count  int
}

// View returns the view of entity kind key.
func (s *Simulation) View(key string) (*View, error) {
	if v, ok := s.views[key]; ok {
		return v, nil
	}
	e, err := s.system.Entity(key)
	if err != nil {
		return nil, err
	}
	n, err := s.pops.Count(e.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntityNotFound, err)
	}
	v := &View{sim: s, entity: e, count: n}
	if !e.IsPerson {
		v.group = s.pops.Groups[e.Key]
	}
	s.views[key] = v
	s.views[e.Key] = v
	return v, nil
}

// Entity returns the entity kind of the view.
func (v *View) Entity() *entities.Entity { return v.entity }

// Count returns the number of entities.
func (v *View) Count() int { return v.count }

// Simulation returns the underlying simulation.
func (v *View) Simulation() *Simulation { return v.sim }

// Filled returns a Float array of n copies of x.
func (v *View) Filled(x float64) array.Float {
	return array.MustFilled(array.KindFloat, v.count, x).(array.Float)
}

func (v *View) variable(name string) (*Variable, error) {
	vr, err := v.sim.system.GetVariable(name)
	if err != nil {
		return nil, err
	}
	if vr.Entity != v.entity.Key {
		return nil, fmt.Errorf("%w: %q is defined on %s, not %s", ErrInvalidVariable, name, vr.Entity, v.entity.Key)
	}
	return vr, nil
}

// Calc reads a variable of the view's kind. Periods that do not match the
// definition period are added or divided for additive types.
func (v *View) Calc(name string, period periods.Period, extra ...any) (array.Array, error) {
	vr, err := v.variable(name)
	if err != nil {
		return nil, err
	}
	return v.sim.calculate(vr, period, extra)
}

// Add sums a variable of the view's kind over period.
func (v *View) Add(name string, period periods.Period, extra ...any) (array.Array, error) {
	if _, err := v.variable(name); err != nil {
		return nil, err
	}
	return v.sim.CalculateAdd(name, period, extra...)
}

// Divide returns the share of a variable of the view's kind for period.
func (v *View) Divide(name string, period periods.Period, extra ...any) (array.Array, error) {
	if _, err := v.variable(name); err != nil {
		return nil, err
	}
	return v.sim.CalculateDivide(name, period, extra...)
}

// Float is Calc converted to floats.
func (v *View) Float(name string, period periods.Period, extra ...any) (array.Float, error) {
	arr, err := v.Calc(name, period, extra...)
	if err != nil {
		return nil, err
	}
	return array.Floats(arr)
}

// AddFloat is Add converted to floats.
func (v *View) AddFloat(name string, period periods.Period, extra ...any) (array.Float, error) {
	arr, err := v.Add(name, period, extra...)
	if err != nil {
		return nil, err
	}
	return array.Floats(arr)
}

// =============================================================================
// PERSON VIEW
// =============================================================================

// Group returns the view of group kind key. It must be called on the person
// view.
func (v *View) Group(key string) (*View, error) {
	if !v.entity.IsPerson {
		return nil, fmt.Errorf("%w: %s is not the person entity", ErrEntityNotFound, v.entity.Key)
	}
	g, err := v.sim.View(key)
	if err != nil {
		return nil, err
	}
	if g.group == nil {
		return nil, fmt.Errorf("%w: %s is not a group entity", ErrEntityNotFound, key)
	}
	return g, nil
}

// FromGroup reads a group variable and gives every person the value of its
// group.
func (v *View) FromGroup(groupKey, name string, period periods.Period, extra ...any) (array.Array, error) {
	g, err := v.Group(groupKey)
	if err != nil {
		return nil, err
	}
	values, err := g.Calc(name, period, extra...)
	if err != nil {
		return nil, err
	}
	return g.Project(values, "")
}

// Value gives every person the value of its group in a group array.
func (v *View) Value(groupKey string, groups array.Array) (array.Array, error) {
	g, err := v.Group(groupKey)
	if err != nil {
		return nil, err
	}
	return g.Project(groups, "")
}

// HasRole is true for persons playing role in their group of kind groupKey.
func (v *View) HasRole(groupKey, role string) (array.Bool, error) {
	g, err := v.Group(groupKey)
	if err != nil {
		return nil, err
	}
	r, err := g.Role(role)
	if err != nil {
		return nil, err
	}
	return g.group.HasRole(r), nil
}

// GetRole returns each person's role in its group of kind groupKey, as an
// index into the group entity's flat role list.
func (v *View) GetRole(groupKey string) (array.Int, error) {
	g, err := v.Group(groupKey)
	if err != nil {
		return nil, err
	}
	return g.group.GetRole(), nil
}

// =============================================================================
// GROUP VIEW
// =============================================================================

func (v *View) requireGroup() error {
	if v.group == nil {
		return fmt.Errorf("%w: %s is not a group entity", ErrEntityNotFound, v.entity.Key)
	}
	return nil
}

// Role resolves a role key of the view's group kind. An empty key means no
// role.
func (v *View) Role(key string) (*entities.Role, error) {
	if err := v.requireGroup(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	r, ok := v.entity.Role(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no role %q", ErrEntityNotFound, v.entity.Key, key)
	}
	return r, nil
}

// Members returns the person view.
func (v *View) Members() (*View, error) {
	if err := v.requireGroup(); err != nil {
		return nil, err
	}
	return v.sim.View(v.sim.system.Person().Key)
}

// MembersCalc reads a person variable for every person.
func (v *View) MembersCalc(name string, period periods.Period, extra ...any) (array.Array, error) {
	m, err := v.Members()
	if err != nil {
		return nil, err
	}
	return m.Calc(name, period, extra...)
}

// Sum adds a person array per group, restricted to role unless empty.
func (v *View) Sum(persons array.Array, role string) (array.Array, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	return v.group.SumByRole(persons, r)
}

// Any ORs a person array per group, restricted to role unless empty.
func (v *View) Any(persons array.Array, role string) (array.Bool, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	b, ok := persons.(array.Bool)
	if !ok {
		cast, err := array.Cast(persons, array.KindBool)
		if err != nil {
			return nil, err
		}
		b = cast.(array.Bool)
	}
	return v.group.AnyByRole(b, r)
}

// All ANDs a person array per group.
func (v *View) All(persons array.Array) (array.Bool, error) {
	if err := v.requireGroup(); err != nil {
		return nil, err
	}
	b, ok := persons.(array.Bool)
	if !ok {
		cast, err := array.Cast(persons, array.KindBool)
		if err != nil {
			return nil, err
		}
		b = cast.(array.Bool)
	}
	return v.group.All(b)
}

// Max returns the largest member value per group.
func (v *View) Max(persons array.Array) (array.Float, error) {
	if err := v.requireGroup(); err != nil {
		return nil, err
	}
	return v.group.Max(persons)
}

// Min returns the smallest member value per group.
func (v *View) Min(persons array.Array) (array.Float, error) {
	if err := v.requireGroup(); err != nil {
		return nil, err
	}
	return v.group.Min(persons)
}

// Project gives every member the value of its group, or the zero value to
// members not playing role when role is set.
func (v *View) Project(groups array.Array, role string) (array.Array, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	return v.group.Project(groups, r, nil)
}

// FirstOfRole returns the value of the first member playing role.
func (v *View) FirstOfRole(persons array.Array, role string) (array.Array, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	return v.group.FirstOfRole(persons, r, nil)
}

// Nth returns the value of the n-th member playing role.
func (v *View) Nth(n int, persons array.Array, role string) (array.Array, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	return v.group.Nth(n, persons, r, nil)
}

// MemberCount returns the number of members per group playing role.
func (v *View) MemberCount(role string) (array.Int, error) {
	r, err := v.Role(role)
	if err != nil {
		return nil, err
	}
	return v.group.MemberCount(r), nil
}
