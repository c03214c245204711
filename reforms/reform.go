/*
reform.go - Derived tax-benefit systems

PURPOSE:
  A reform describes a change of legislation: new variables, replaced
  formulas, neutralized variables, modified parameters. Applying it to a
  system yields a new system and leaves the base untouched, so a baseline
  and its reforms can be simulated side by side.

KEY CONCEPTS:
  Overlay: the working copy a reform edits. It starts as a shallow copy of
    the base registry and shares the base parameter tree until the first
    parameter modification clones it.
  Modifier: a function rewriting the parameter tree. It receives a private
    copy and must return a tree; returning nil fails the reform with the
    modifier's name.
  Composition: Compose applies reforms left to right, each one on top of
    the system produced by the previous one.

SEE ALSO:
  - engine/system.go: AddVariable, UpdateVariable, NeutralizeVariable
  - parameters/tree.go: Node.Clone, Parameter.Update
  - registry.go: reforms by name for scenario files
*/
package reforms

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"

	"github.com/shopspring/decimal"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
)

var (
	// ErrInvalidModifier is returned when a parameter modifier does not
	// return a usable tree.
	ErrInvalidModifier = errors.New("invalid parameter modifier")
	// ErrReformNotFound is returned by the registry for unknown names.
	ErrReformNotFound = errors.New("reform not found")
)

// ModifierError names the reform and modifier that broke the parameter tree.
type ModifierError struct {
	Reform   string
	Modifier string
	Reason   string
}

func (e *ModifierError) Error() string {
	return fmt.Sprintf("reform %q: parameter modifier %s: %s", e.Reform, e.Modifier, e.Reason)
}

func (e *ModifierError) Unwrap() error { return ErrInvalidModifier }

// Modifier rewrites a parameter tree. The tree it receives is a copy owned
// by the modifier.
type Modifier func(root *parameters.Node) (*parameters.Node, error)

// Reform is a named edit of a system.
type Reform struct {
	Name        string
	Description string
	Apply       func(o *Overlay) error
}

// =============================================================================
// OVERLAY
// =============================================================================

// Overlay is the system under construction while a reform applies.
type Overlay struct {
	reform string
	system *engine.System
}

// System returns the system being built. Reforms may read it to look at
// prior declarations.
func (o *Overlay) System() *engine.System { return o.system }

// AddVariable declares a new variable.
func (o *Overlay) AddVariable(v *engine.Variable) error {
	return o.system.AddVariable(v)
}

// UpdateVariable replaces a variable, inheriting what v leaves unset.
func (o *Overlay) UpdateVariable(v *engine.Variable) error {
	return o.system.UpdateVariable(v)
}

// NeutralizeVariable makes name always return its default value.
func (o *Overlay) NeutralizeVariable(name string) error {
	return o.system.NeutralizeVariable(name)
}

// ModifyParameters runs fn on a copy of the current parameter tree and
// installs the result.
func (o *Overlay) ModifyParameters(fn Modifier) error {
	name := funcName(fn)
	root := o.system.Legislation().Root()
	out, err := fn(root.Clone())
	if err != nil {
		return fmt.Errorf("reform %q: parameter modifier %s: %w", o.reform, name, err)
	}
	if out == nil {
		return &ModifierError{Reform: o.reform, Modifier: name, Reason: "returned no parameter tree"}
	}
	if out.Name() != root.Name() {
		return &ModifierError{Reform: o.reform, Modifier: name,
			Reason: fmt.Sprintf("returned node %q instead of the root %q", out.Name(), root.Name())}
	}
	o.system.SetLegislation(parameters.NewLegislation(out))
	return nil
}

// UpdateParameter sets the parameter at path to value from start to stop
// (zero stop = open ended).
func (o *Overlay) UpdateParameter(path string, start, stop periods.Instant, value decimal.Decimal) error {
	return o.ModifyParameters(func(root *parameters.Node) (*parameters.Node, error) {
		p, err := root.Parameter(path)
		if err != nil {
			return nil, err
		}
		if err := p.Update(start, stop, value); err != nil {
			return nil, err
		}
		return root, nil
	})
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}

// =============================================================================
// APPLY & COMPOSE
// =============================================================================

// ApplyTo derives a system from base. base is not modified.
func (r Reform) ApplyTo(base *engine.System) (*engine.System, error) {
	o := &Overlay{reform: r.Name, system: base.Clone()}
	if r.Apply == nil {
		return o.system, nil
	}
	if err := r.Apply(o); err != nil {
		var me *ModifierError
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, fmt.Errorf("reform %q: %w", r.Name, err)
	}
	return o.system, nil
}

// Compose applies reforms to base from left to right.
func Compose(base *engine.System, reforms ...Reform) (*engine.System, error) {
	sys := base
	for _, r := range reforms {
		next, err := r.ApplyTo(sys)
		if err != nil {
			return nil, err
		}
		sys = next
	}
	return sys, nil
}
