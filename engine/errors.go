/*
errors.go - Error types surfaced by the calculation engine

PURPOSE:
  Every failure the engine reports to a caller is one of the kinds below.
  Callers match kinds with errors.Is against the sentinels, or errors.As
  against the structured types to read the offending variable and period.

ERROR CATEGORIES:
  1. Registry errors - unknown variable, name conflict, bad declaration
  2. Calculation errors - cycles, period mismatches, missing values,
     formulas returning the wrong type or shape
  3. Input errors - inconsistent set_input totals

  Parameter lookups fail with parameters.ParameterNotFoundError. The engine
  fills in its VariableName before passing it on.

USAGE:
  if errors.Is(err, engine.ErrCycle) { ... }

  var pm *engine.PeriodMismatchError
  if errors.As(err, &pm) { log(pm.Expected) }

SEE ALSO:
  - simulation.go: where these errors are raised
  - api/handlers.go: maps them to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrVariableNotFound is returned when a variable name is not registered.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrVariableNameConflict is returned when adding a variable whose name
	// is already taken.
	ErrVariableNameConflict = errors.New("variable name conflict")

	// ErrInvalidVariable is returned for a malformed variable declaration.
	ErrInvalidVariable = errors.New("invalid variable")

	// ErrEntityNotFound is returned when an entity key is not declared.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrCycle is returned when a variable depends on itself for the same
	// period and no cycle budget was granted.
	ErrCycle = errors.New("circular definition")

	// ErrPeriodMismatch is returned when a period does not fit the variable's
	// definition period and no add/divide applies.
	ErrPeriodMismatch = errors.New("period mismatch")

	// ErrInconsistentSetInput is returned when a divided input disagrees with
	// values already known for its sub-periods.
	ErrInconsistentSetInput = errors.New("inconsistent input")

	// ErrMissingValue is returned by variables that must be supplied as input.
	ErrMissingValue = errors.New("missing value")

	// ErrTypeMismatch is returned when a formula or an input has the wrong
	// value type or length.
	ErrTypeMismatch = errors.New("type mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// VariableNotFoundError names the unknown variable.
type VariableNotFoundError struct {
	Name string
}

func (e *VariableNotFoundError) Error() string {
	return fmt.Sprintf("variable %q is not defined in this system", e.Name)
}

func (e *VariableNotFoundError) Unwrap() error { return ErrVariableNotFound }

// VariableNameConflictError names the variable already registered.
type VariableNameConflictError struct {
	Name string
}

func (e *VariableNameConflictError) Error() string {
	return fmt.Sprintf("variable %q is already defined; use UpdateVariable to replace it", e.Name)
}

func (e *VariableNameConflictError) Unwrap() error { return ErrVariableNameConflict }

// Frame is one (variable, period) entry of the calculation stack.
type Frame struct {
	Name   string         `json:"name"`
	Period periods.Period `json:"period"`
}

func (f Frame) String() string { return f.Name + "<" + f.Period.String() + ">" }

// CycleError reports a re-entry into a variable already being computed.
type CycleError struct {
	Name   string
	Period periods.Period
	Stack  []Frame
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, f := range e.Stack {
		parts[i] = f.String()
	}
	return fmt.Sprintf("circular definition detected on %s<%s>: %s", e.Name, e.Period, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// PeriodMismatchError reports a query whose period does not suit the
// variable's definition period.
type PeriodMismatchError struct {
	Variable string
	Period   periods.Period
	Expected periods.Unit
	Hint     string
}

func (e *PeriodMismatchError) Error() string {
	msg := fmt.Sprintf("variable %q is defined by %s, cannot use period %s", e.Variable, e.Expected, e.Period)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *PeriodMismatchError) Unwrap() error { return ErrPeriodMismatch }

// InconsistentSetInputError reports a divided input whose total disagrees
// with the sub-periods already known.
type InconsistentSetInputError struct {
	Variable string
	Period   periods.Period
	Index    int
	Provided float64
	Residual float64
}

func (e *InconsistentSetInputError) Error() string {
	return fmt.Sprintf("inconsistent input for %q on %s (entity %d): provided %g, sub-periods already sum to %g",
		e.Variable, e.Period, e.Index, e.Provided, e.Provided-e.Residual)
}

func (e *InconsistentSetInputError) Unwrap() error { return ErrInconsistentSetInput }

// MissingValueError reports an input-only variable read without input.
type MissingValueError struct {
	Variable string
	Period   periods.Period
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("no value for %q on %s and no formula to compute it", e.Variable, e.Period)
}

func (e *MissingValueError) Unwrap() error { return ErrMissingValue }

// TypeMismatchError reports an array of the wrong kind or length.
type TypeMismatchError struct {
	Variable       string
	Expected       array.Kind
	Got            array.Kind
	ExpectedLength int
	GotLength      int
}

func (e *TypeMismatchError) Error() string {
	if e.Expected != e.Got {
		return fmt.Sprintf("variable %q expects %s values, got %s", e.Variable, e.Expected, e.Got)
	}
	return fmt.Sprintf("variable %q expects %d values, got %d", e.Variable, e.ExpectedLength, e.GotLength)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to an invalid request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPeriodMismatch) ||
		errors.Is(err, ErrInconsistentSetInput) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrVariableNameConflict) ||
		errors.Is(err, ErrInvalidVariable) ||
		errors.Is(err, ErrMissingValue) ||
		errors.Is(err, periods.ErrInvalidPeriod)
}

// IsNotFound returns true if the error names something that does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVariableNotFound) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, parameters.ErrParameterNotFound)
}
