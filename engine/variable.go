/*
variable.go - Variable declarations and dated formulas

PURPOSE:
  A variable is a named, typed quantity defined on one entity kind over a
  period granularity. It is either supplied as input or computed by the
  dated formula in force at the start of the requested period.

KEY CONCEPTS:
  Definition period: month, year, day or eternity. The holder stores exactly
    one array per period of that unit (a single one for eternity).
  Set-input policy: how an input given for a wider period is spread over the
    definition periods it covers.
  Base function: how a read is satisfied when nothing is cached.
  Dated formulas: sorted by start, never overlapping. A formula without stop
    runs until the day before the next one starts, or until the variable's
    End.

  Variables are immutable once registered. Reforms replace them with updated
  copies that keep the same name and point back to the prior declaration
  through Reference.

SEE ALSO:
  - system.go: registration
  - basefuncs.go: base function implementations
*/
package engine

import (
	"fmt"
	"sort"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
)

// ParametersAt returns the legislation as of an instant.
type ParametersAt func(instant periods.Instant) *parameters.CompactNode

// Formula computes a variable for every entity of the view on period.
// extra carries the optional parameters the caller passed to Calculate.
type Formula func(v *View, period periods.Period, params ParametersAt, extra ...any) (array.Array, error)

// DatedFormula is a formula in force from Start to Stop (zero = open).
type DatedFormula struct {
	Start periods.Instant
	Stop  periods.Instant
	Func  Formula
}

// =============================================================================
// POLICIES
// =============================================================================

// SetInputPolicy decides how an input for a wider period is stored.
type SetInputPolicy int

const (
	// SetInputReject refuses inputs for periods wider than the definition
	// period.
	SetInputReject SetInputPolicy = iota
	// SetInputDispatch copies the value on every sub-period not yet known.
	SetInputDispatch
	// SetInputDivide spreads the value evenly over the sub-periods not yet
	// known, after deducting the known ones.
	SetInputDivide
	// SetInputNeutralized ignores inputs and logs a warning.
	SetInputNeutralized
)

func (p SetInputPolicy) String() string {
	switch p {
	case SetInputDispatch:
		return "dispatch_by_period"
	case SetInputDivide:
		return "divide_by_period"
	case SetInputNeutralized:
		return "neutralized"
	default:
		return "reject"
	}
}

// ParseSetInputPolicy reads the names produced by String. Empty means reject.
func ParseSetInputPolicy(s string) (SetInputPolicy, error) {
	switch s {
	case "", "reject":
		return SetInputReject, nil
	case "dispatch_by_period", "set_input_dispatch_by_period":
		return SetInputDispatch, nil
	case "divide_by_period", "set_input_divide_by_period":
		return SetInputDivide, nil
	case "neutralized":
		return SetInputNeutralized, nil
	}
	return 0, fmt.Errorf("%w: unknown set_input policy %q", ErrInvalidVariable, s)
}

// BaseFunction decides how a read is satisfied when nothing is cached.
type BaseFunction int

const (
	// BaseAuto resolves to BasePermanent for eternity variables and to
	// BasePeriodDefault otherwise.
	BaseAuto BaseFunction = iota
	BasePeriodDefault
	BasePermanent
	BaseLastKnown
	BaseLastOrNext
	BaseLastDurationLastValue
	BaseNeutralized
	BaseMissingValue
	BaseCustom
)

var baseFunctionNames = map[BaseFunction]string{
	BaseAuto:                  "auto",
	BasePeriodDefault:         "period_default",
	BasePermanent:             "permanent_value",
	BaseLastKnown:             "last_known_value",
	BaseLastOrNext:            "last_or_next_value",
	BaseLastDurationLastValue: "last_duration_last_value",
	BaseNeutralized:           "neutralized",
	BaseMissingValue:          "missing_value",
	BaseCustom:                "custom",
}

func (b BaseFunction) String() string {
	if s, ok := baseFunctionNames[b]; ok {
		return s
	}
	return fmt.Sprintf("base(%d)", int(b))
}

// baseFunctionAliases maps legacy names to current base functions.
var baseFunctionAliases = map[string]BaseFunction{
	"requested_period_default_value":         BasePeriodDefault,
	"permanent_default_value":                BasePermanent,
	"requested_period_last_value":            BaseLastKnown,
	"requested_period_last_or_next_value":    BaseLastOrNext,
	"last_duration_last_value":               BaseLastDurationLastValue,
	"missing_value":                          BaseMissingValue,
	"requested_period_added_value":           BasePeriodDefault,
	"requested_period_default_value_neutral": BaseNeutralized,
}

// ParseBaseFunction reads the names produced by String. Legacy names are
// accepted; deprecated reports whether one was used.
func ParseBaseFunction(s string) (b BaseFunction, deprecated bool, err error) {
	if s == "" {
		return BaseAuto, false, nil
	}
	for k, name := range baseFunctionNames {
		if name == s {
			return k, false, nil
		}
	}
	if k, ok := baseFunctionAliases[s]; ok {
		return k, true, nil
	}
	return 0, false, fmt.Errorf("%w: unknown base function %q", ErrInvalidVariable, s)
}

// BaseFunc implements BaseCustom.
type BaseFunc func(sim *Simulation, v *Variable, period periods.Period, extra []any) (array.Array, error)

// =============================================================================
// VARIABLE
// =============================================================================

// Variable is a declaration. Zero-valued fields of an update inherit the
// prior declaration's values.
type Variable struct {
	Name             string
	ValueType        array.Kind
	Default          any
	Entity           string
	DefinitionPeriod periods.Unit
	SetInput         SetInputPolicy
	Base             BaseFunction
	Custom           BaseFunc
	Formulas         []DatedFormula
	End              periods.Instant
	PossibleValues   []string

	Label     string
	Reference *Variable
	Unit      string
	Doc       string
	Source    string
}

// prepare validates v and normalizes its formulas and default in place.
func (v *Variable) prepare() error {
	if v.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidVariable)
	}
	if v.ValueType < array.KindBool || v.ValueType > array.KindEnum {
		return fmt.Errorf("%w: %s: missing value type", ErrInvalidVariable, v.Name)
	}
	if v.Entity == "" {
		return fmt.Errorf("%w: %s: missing entity", ErrInvalidVariable, v.Name)
	}
	switch v.DefinitionPeriod {
	case periods.Day, periods.Month, periods.Year, periods.Eternity:
	default:
		return fmt.Errorf("%w: %s: definition period must be day, month, year or eternity", ErrInvalidVariable, v.Name)
	}
	if v.Base == BaseCustom && v.Custom == nil {
		return fmt.Errorf("%w: %s: custom base function without implementation", ErrInvalidVariable, v.Name)
	}
	if v.DefinitionPeriod == periods.Eternity && len(v.Formulas) > 1 {
		return fmt.Errorf("%w: %s: eternity variables take at most one formula", ErrInvalidVariable, v.Name)
	}
	if err := v.prepareDefault(); err != nil {
		return err
	}
	return v.prepareFormulas()
}

func (v *Variable) prepareDefault() error {
	if v.ValueType == array.KindEnum {
		if name, ok := v.Default.(string); ok {
			idx := -1
			for i, pv := range v.PossibleValues {
				if pv == name {
					idx = i
				}
			}
			if idx < 0 {
				return fmt.Errorf("%w: %s: default %q is not a possible value", ErrInvalidVariable, v.Name, name)
			}
			v.Default = idx
		}
	}
	if v.ValueType == array.KindDate && v.Default == nil {
		v.Default = periods.NewInstant(1970, 1, 1)
	}
	if _, err := array.Filled(v.ValueType, 0, v.Default); err != nil {
		return fmt.Errorf("%w: %s: default value: %v", ErrInvalidVariable, v.Name, err)
	}
	return nil
}

func (v *Variable) prepareFormulas() error {
	fs := append([]DatedFormula(nil), v.Formulas...)
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Start.Before(fs[j].Start) })
	for i := range fs {
		f := &fs[i]
		if f.Func == nil {
			return fmt.Errorf("%w: %s: formula %d has no function", ErrInvalidVariable, v.Name, i)
		}
		if f.Start.IsZero() {
			// undated formulas apply from the beginning of time
			f.Start = periods.NewInstant(1, 1, 1)
		}
		if !f.Stop.IsZero() && f.Stop.Before(f.Start) {
			return fmt.Errorf("%w: %s: formula stops on %s before it starts on %s", ErrInvalidVariable, v.Name, f.Stop, f.Start)
		}
		if i+1 < len(fs) {
			next := fs[i+1].Start
			if !next.After(f.Start) {
				return fmt.Errorf("%w: %s: two formulas start on %s", ErrInvalidVariable, v.Name, f.Start)
			}
			if f.Stop.IsZero() {
				f.Stop = next.AddDays(-1)
			} else if !f.Stop.Before(next) {
				return fmt.Errorf("%w: %s: formula starting %s overlaps the next one", ErrInvalidVariable, v.Name, f.Start)
			}
		} else if f.Stop.IsZero() && !v.End.IsZero() {
			f.Stop = v.End
		}
	}
	v.Formulas = fs
	return nil
}

// FormulaAt returns the formula in force at instant, if any.
func (v *Variable) FormulaAt(instant periods.Instant) (*DatedFormula, bool) {
	if !v.End.IsZero() && instant.After(v.End) {
		return nil, false
	}
	i := sort.Search(len(v.Formulas), func(i int) bool { return v.Formulas[i].Start.After(instant) }) - 1
	if i < 0 {
		return nil, false
	}
	f := &v.Formulas[i]
	if !f.Stop.IsZero() && f.Stop.Before(instant) {
		return nil, false
	}
	return f, true
}

// EffectiveBase resolves BaseAuto.
func (v *Variable) EffectiveBase() BaseFunction {
	if v.Base != BaseAuto {
		return v.Base
	}
	if v.DefinitionPeriod == periods.Eternity {
		return BasePermanent
	}
	return BasePeriodDefault
}

// IsNeutralized reports whether v always returns its default.
func (v *Variable) IsNeutralized() bool { return v.Base == BaseNeutralized }

// DefaultArray returns n copies of the default value.
func (v *Variable) DefaultArray(n int) array.Array {
	return array.MustFilled(v.ValueType, n, v.Default)
}

// inherit fills v's zero fields from prior.
func (v *Variable) inherit(prior *Variable) {
	if v.ValueType == 0 {
		v.ValueType = prior.ValueType
	}
	if v.Default == nil {
		v.Default = prior.Default
	}
	if v.Entity == "" {
		v.Entity = prior.Entity
	}
	if v.DefinitionPeriod == 0 {
		v.DefinitionPeriod = prior.DefinitionPeriod
	}
	if v.SetInput == SetInputReject {
		v.SetInput = prior.SetInput
	}
	if v.Base == BaseAuto {
		v.Base = prior.Base
		v.Custom = prior.Custom
	}
	if v.Formulas == nil {
		v.Formulas = prior.Formulas
	}
	if v.End.IsZero() {
		v.End = prior.End
	}
	if v.PossibleValues == nil {
		v.PossibleValues = prior.PossibleValues
	}
	if v.Label == "" {
		v.Label = prior.Label
	}
	if v.Unit == "" {
		v.Unit = prior.Unit
	}
	if v.Doc == "" {
		v.Doc = prior.Doc
	}
	if v.Source == "" {
		v.Source = prior.Source
	}
	v.Reference = prior
}
