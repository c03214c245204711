/*
situation.go - Declarative populations

PURPOSE:
  A situation describes a small population by hand, the way test cases and
  API requests do, and turns it into entity populations plus the inputs to
  seed a simulation with.

SHAPE:
  plural entity key -> entity id -> field -> value

    persons:
      alice: {salary: {"2016-01": 3000}, birth: {eternity: 1980-05-01}}
      bob:   {salary: 2000}                # default period
    households:
      h1:
        parents: [alice, bob]              # role plural or key -> members
        rent: {"2016": 9600}

  Entities are ordered by id. Persons missing from every group of a kind
  get a group of their own, with the same id, playing the first role.
  Values given for a period are stored with Simulation.SetInput, so the
  variable's set-input policy applies. Narrower periods are stored first.

SEE ALSO:
  - testcase.go: YAML test files built on situations
  - engine/periodic.go: SetInput
*/
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/periods"
)

// ErrInvalidSituation is returned for situations that cannot be built.
var ErrInvalidSituation = errors.New("invalid situation")

// Situation is a hand-written population.
type Situation map[string]map[string]map[string]any

// Input is one array to store before calculating.
type Input struct {
	Variable string
	Period   periods.Period
	Values   array.Array
}

// Built is a situation resolved against a system.
type Built struct {
	Populations *entities.Populations
	Inputs      []Input
}

// entries returns the entities of kind e, keyed by plural or key.
func (s Situation) entries(e *entities.Entity) map[string]map[string]any {
	if m, ok := s[e.Plural]; ok {
		return m
	}
	return s[e.Key]
}

// Build resolves s against sys. period is used for values given without a
// period and may be zero when every value is dated.
func (s Situation) Build(sys *engine.System, period periods.Period) (*Built, error) {
	known := map[string]bool{sys.Person().Plural: true, sys.Person().Key: true}
	for _, g := range sys.Groups() {
		known[g.Plural], known[g.Key] = true, true
	}
	for key := range s {
		if !known[key] {
			return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidSituation, key)
		}
	}

	person := sys.Person()
	personData := s.entries(person)
	personIDs := sortedKeys(personData)
	if len(personIDs) == 0 {
		return nil, fmt.Errorf("%w: no %s", ErrInvalidSituation, person.Plural)
	}
	persons, err := entities.NewPopulation(person, personIDs)
	if err != nil {
		return nil, err
	}

	values := newInputSet(sys, period)
	if err := values.addEntity(person, personIDs, personData, nil); err != nil {
		return nil, err
	}

	var groups []*entities.GroupPopulation
	for _, g := range sys.Groups() {
		gp, err := s.buildGroup(g, persons, values)
		if err != nil {
			return nil, err
		}
		groups = append(groups, gp)
	}
	pops, err := entities.NewPopulations(persons, groups...)
	if err != nil {
		return nil, err
	}
	return &Built{Populations: pops, Inputs: values.sorted()}, nil
}

func (s Situation) buildGroup(g *entities.Entity, persons *entities.Population, values *inputSet) (*entities.GroupPopulation, error) {
	data := s.entries(g)
	ids := sortedKeys(data)
	members := make([]int, persons.Count())
	roles := make([]*entities.Role, persons.Count())
	for i := range members {
		members[i] = -1
	}

	for gi, id := range ids {
		for field, raw := range data[id] {
			role, ok := g.Role(field)
			if !ok {
				continue
			}
			names, err := memberList(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q role %s: %v", ErrInvalidSituation, g.Key, id, field, err)
			}
			for _, name := range names {
				pi, ok := persons.IndexOf(name)
				if !ok {
					return nil, fmt.Errorf("%w: %s %q lists unknown person %q", ErrInvalidSituation, g.Key, id, name)
				}
				if members[pi] >= 0 {
					return nil, fmt.Errorf("%w: person %q is in two %s", ErrInvalidSituation, name, g.Plural)
				}
				members[pi], roles[pi] = gi, role
			}
		}
	}

	flat := g.FlatRoles()
	for pi, gi := range members {
		if gi >= 0 {
			continue
		}
		if len(flat) == 0 {
			return nil, fmt.Errorf("%w: %s has no role for %q", ErrInvalidSituation, g.Key, persons.IDs()[pi])
		}
		ids = append(ids, persons.IDs()[pi])
		members[pi], roles[pi] = len(ids)-1, flat[0]
	}

	pop, err := entities.NewPopulation(g, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSituation, err)
	}
	if err := values.addEntity(g, ids, data, g); err != nil {
		return nil, err
	}
	return entities.NewGroupPopulation(pop, members, roles)
}

func memberList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("member %v is not an id", x)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of ids, got %T", raw)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// INPUT COLLECTION
// =============================================================================

type inputKey struct {
	variable string
	period   periods.Period
}

type inputSet struct {
	sys    *engine.System
	period periods.Period
	arrays map[inputKey]array.Array
}

func newInputSet(sys *engine.System, period periods.Period) *inputSet {
	return &inputSet{sys: sys, period: period, arrays: make(map[inputKey]array.Array)}
}

// addEntity records the variable fields of one entity kind. For groups,
// role fields are skipped.
func (in *inputSet) addEntity(e *entities.Entity, ids []string, data map[string]map[string]any, group *entities.Entity) error {
	for i, id := range ids {
		for field, raw := range data[id] {
			if group != nil {
				if _, isRole := group.Role(field); isRole {
					continue
				}
			}
			v, err := in.sys.GetVariable(field)
			if err != nil {
				return err
			}
			if ent, err := in.sys.Entity(v.Entity); err != nil || ent.Key != e.Key {
				return fmt.Errorf("%w: %s is defined on %s, not %s", ErrInvalidSituation, field, v.Entity, e.Key)
			}
			if err := in.add(v, i, len(ids), raw); err != nil {
				return fmt.Errorf("%s %q: %w", e.Key, id, err)
			}
		}
	}
	return nil
}

func (in *inputSet) add(v *engine.Variable, index, count int, raw any) error {
	dated, ok := raw.(map[string]any)
	if !ok {
		if in.period.IsZero() {
			return fmt.Errorf("%w: %s has no period and no default period is set", ErrInvalidSituation, v.Name)
		}
		return in.set(v, in.period, index, count, raw)
	}
	for key, x := range dated {
		p, err := periods.Parse(key)
		if err != nil {
			return fmt.Errorf("%s: %w", v.Name, err)
		}
		if err := in.set(v, p, index, count, x); err != nil {
			return err
		}
	}
	return nil
}

func (in *inputSet) set(v *engine.Variable, p periods.Period, index, count int, raw any) error {
	x, err := Scalar(v, raw)
	if err != nil {
		return err
	}
	k := inputKey{v.Name, p}
	arr, ok := in.arrays[k]
	if !ok {
		arr = v.DefaultArray(count)
		in.arrays[k] = arr
	}
	array.SetAt(arr, index, x)
	return nil
}

func (in *inputSet) sorted() []Input {
	out := make([]Input, 0, len(in.arrays))
	for k, arr := range in.arrays {
		out = append(out, Input{Variable: k.variable, Period: k.period, Values: arr})
	}
	SortInputs(out)
	return out
}

// SortInputs orders inputs by variable, then narrower periods first, then
// start, which is the order they must be stored in.
func SortInputs(inputs []Input) {
	sort.Slice(inputs, func(i, j int) bool {
		a, b := inputs[i], inputs[j]
		if a.Variable != b.Variable {
			return a.Variable < b.Variable
		}
		if c := a.Period.Unit().Compare(b.Period.Unit()); c != 0 {
			return c < 0
		}
		return periods.Less(a.Period, b.Period)
	})
}

// =============================================================================
// SIMULATION
// =============================================================================

// Simulation builds s and returns a simulation seeded with its inputs. The
// simulation's default period is period.
func (s Situation) Simulation(sys *engine.System, period periods.Period, opts ...engine.Option) (*engine.Simulation, error) {
	built, err := s.Build(sys, period)
	if err != nil {
		return nil, err
	}
	return built.Simulation(sys, period, opts...)
}

// Simulation returns a simulation over b's populations seeded with its
// inputs. Datasets loaded from storage go through here too.
func (b *Built) Simulation(sys *engine.System, period periods.Period, opts ...engine.Option) (*engine.Simulation, error) {
	sim, err := engine.New(sys, b.Populations, append(opts, engine.WithPeriod(period))...)
	if err != nil {
		return nil, err
	}
	for _, in := range b.Inputs {
		if err := sim.SetInput(in.Variable, in.Period, in.Values); err != nil {
			return nil, err
		}
	}
	return sim, nil
}
