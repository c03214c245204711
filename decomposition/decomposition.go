/*
decomposition.go - Breaking an aggregate down into its components

PURPOSE:
  A decomposition is a tree of variables explaining how a total is built,
  e.g. disposable income = net salary + benefits - taxes. Compute walks the
  tree against a simulation and annotates every node with one value per
  target entity.

HOW IT WORKS:
  1. Leaves are calculated on the requested period (added or divided as the
     engine does for mismatched periods)
  2. Person values are summed per group when the target is a group kind
  3. Inner nodes are the element-wise sum of their children, in order

  Only Calculate is used: a decomposition never writes to the simulation
  other than through its cache.

SEE ALSO:
  - hcl.go: the file format
  - engine/simulation.go: Calculate
*/
package decomposition

import (
	"errors"
	"fmt"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
)

var (
	// ErrInvalidTree is returned for malformed decomposition trees.
	ErrInvalidTree = errors.New("invalid decomposition")
	// ErrEntityMismatch is returned when a leaf cannot be folded into the
	// target entity kind.
	ErrEntityMismatch = errors.New("decomposition entity mismatch")
)

// Node is one line of a decomposition. Code names a variable.
type Node struct {
	Code     string
	Label    string
	Color    string
	Children []*Node
}

// Walk visits n and its descendants depth first, parents before children.
func (n *Node) Walk(fn func(depth int, node *Node)) {
	n.walk(0, fn)
}

func (n *Node) walk(depth int, fn func(int, *Node)) {
	fn(depth, n)
	for _, c := range n.Children {
		c.walk(depth+1, fn)
	}
}

// Validate checks that codes are unique and, when sys is not nil, that
// every code is a registered variable.
func (n *Node) Validate(sys *engine.System) error {
	seen := make(map[string]bool)
	var err error
	n.Walk(func(_ int, node *Node) {
		if err != nil {
			return
		}
		switch {
		case node.Code == "":
			err = fmt.Errorf("%w: node without code", ErrInvalidTree)
		case seen[node.Code]:
			err = fmt.Errorf("%w: %q appears twice", ErrInvalidTree, node.Code)
		case sys != nil && !sys.HasVariable(node.Code):
			err = fmt.Errorf("%w: %w", ErrInvalidTree, &engine.VariableNotFoundError{Name: node.Code})
		}
		seen[node.Code] = true
	})
	return err
}

// Result is a node annotated with its values.
type Result struct {
	Code     string      `json:"code"`
	Label    string      `json:"label,omitempty"`
	Color    string      `json:"color,omitempty"`
	Values   array.Float `json:"values"`
	Children []*Result   `json:"children,omitempty"`
}

// Walk visits r and its descendants depth first, parents before children.
func (r *Result) Walk(fn func(depth int, r *Result)) {
	r.walk(0, fn)
}

func (r *Result) walk(depth int, fn func(int, *Result)) {
	fn(depth, r)
	for _, c := range r.Children {
		c.walk(depth+1, fn)
	}
}

// =============================================================================
// COMPUTE
// =============================================================================

// Compute evaluates root on period for every entity of kind target. A zero
// period means the simulation's default period.
func Compute(sim *engine.Simulation, root *Node, period periods.Period, target string) (*Result, error) {
	if period.IsZero() {
		period = sim.Period()
	}
	if period.IsZero() {
		return nil, fmt.Errorf("%w: no period given and the simulation has no default period", ErrInvalidTree)
	}
	view, err := sim.View(target)
	if err != nil {
		return nil, err
	}
	return compute(sim, view, root, period)
}

func compute(sim *engine.Simulation, target *engine.View, n *Node, period periods.Period) (*Result, error) {
	out := &Result{Code: n.Code, Label: n.Label, Color: n.Color}
	if len(n.Children) == 0 {
		values, err := leaf(sim, target, n.Code, period)
		if err != nil {
			return nil, fmt.Errorf("decomposition %q: %w", n.Code, err)
		}
		out.Values = values
		return out, nil
	}

	out.Values = make(array.Float, target.Count())
	for _, c := range n.Children {
		child, err := compute(sim, target, c, period)
		if err != nil {
			return nil, err
		}
		if err := array.AddInto(out.Values, child.Values); err != nil {
			return nil, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// leaf calculates a variable and folds it into the target entity kind.
func leaf(sim *engine.Simulation, target *engine.View, name string, period periods.Period) (array.Float, error) {
	v, err := sim.System().GetVariable(name)
	if err != nil {
		return nil, err
	}
	arr, err := sim.Calculate(name, period)
	if err != nil {
		return nil, err
	}
	values, err := array.Floats(arr)
	if err != nil {
		return nil, err
	}

	entity, err := sim.System().Entity(v.Entity)
	if err != nil {
		return nil, err
	}
	switch {
	case entity.Key == target.Entity().Key:
		return values, nil
	case entity.IsPerson && !target.Entity().IsPerson:
		summed, err := target.Sum(values, "")
		if err != nil {
			return nil, err
		}
		return array.Floats(summed)
	}
	return nil, fmt.Errorf("%w: %s is defined on %s and cannot be folded into %s",
		ErrEntityMismatch, name, entity.Key, target.Entity().Key)
}
