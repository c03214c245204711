/*
Package array provides the typed value vectors the engine computes with.

PURPOSE:
  A variable evaluated on a population yields one value per entity. The
  engine stores and exchanges these as arrays whose element type is fixed by
  the variable's value type. Arrays are indexed by entity position and keep
  the population order.

KINDS:
  Bool    []bool
  Int     []int64
  Float   []float64
  Date    []periods.Instant
  String  []string          (fixed strings)
  Enum    []int             (index into the variable's possible values)

ADDITIVITY:
  Only Int and Float are additive: they can be summed over sub-periods and
  divided across them. Bool sums count true values into an Int.

SEE ALSO:
  - ops.go: element-wise helpers used by formulas
*/
package array

import (
	"errors"
	"fmt"
	"math"

	"github.com/warp/microsim/periods"
)

// Kind is the element type of an array.
type Kind int

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindDate
	KindString
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindString:
		return "str"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind reads the names produced by Kind.String. "string" and "integer"
// are accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bool", "boolean":
		return KindBool, nil
	case "int", "integer":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "date":
		return KindDate, nil
	case "str", "string":
		return KindString, nil
	case "enum":
		return KindEnum, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Additive reports whether arrays of this kind can be summed and divided.
func (k Kind) Additive() bool { return k == KindInt || k == KindFloat }

var (
	// ErrUnknownKind is returned for an unrecognized kind name.
	ErrUnknownKind = errors.New("unknown value kind")

	// ErrLength is returned when two arrays that must align do not.
	ErrLength = errors.New("array length mismatch")

	// ErrCast is returned when a conversion between kinds is not defined.
	ErrCast = errors.New("invalid array cast")
)

// Array is a vector of values of a single kind.
type Array interface {
	Kind() Kind
	Len() int
	Clone() Array
}

type (
	Bool   []bool
	Int    []int64
	Float  []float64
	Date   []periods.Instant
	String []string
	Enum   []int
)

func (a Bool) Kind() Kind   { return KindBool }
func (a Int) Kind() Kind    { return KindInt }
func (a Float) Kind() Kind  { return KindFloat }
func (a Date) Kind() Kind   { return KindDate }
func (a String) Kind() Kind { return KindString }
func (a Enum) Kind() Kind   { return KindEnum }

func (a Bool) Len() int   { return len(a) }
func (a Int) Len() int    { return len(a) }
func (a Float) Len() int  { return len(a) }
func (a Date) Len() int   { return len(a) }
func (a String) Len() int { return len(a) }
func (a Enum) Len() int   { return len(a) }

func (a Bool) Clone() Array   { return append(Bool(nil), a...) }
func (a Int) Clone() Array    { return append(Int(nil), a...) }
func (a Float) Clone() Array  { return append(Float(nil), a...) }
func (a Date) Clone() Array   { return append(Date(nil), a...) }
func (a String) Clone() Array { return append(String(nil), a...) }
func (a Enum) Clone() Array   { return append(Enum(nil), a...) }

// =============================================================================
// CONSTRUCTION
// =============================================================================

// Filled returns an array of n copies of value. The value must be of the Go
// type matching kind (bool, int64, float64, periods.Instant, string, int for
// enums); untyped numeric constants of other widths are converted.
func Filled(kind Kind, n int, value any) (Array, error) {
	switch kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok && value != nil {
			return nil, fmt.Errorf("%w: %T is not a bool", ErrCast, value)
		}
		out := make(Bool, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	case KindInt:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		out := make(Int, n)
		for i := range out {
			out[i] = int64(v)
		}
		return out, nil
	case KindFloat:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		out := make(Float, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	case KindDate:
		v, ok := value.(periods.Instant)
		if !ok && value != nil {
			return nil, fmt.Errorf("%w: %T is not an instant", ErrCast, value)
		}
		out := make(Date, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	case KindString:
		v, ok := value.(string)
		if !ok && value != nil {
			return nil, fmt.Errorf("%w: %T is not a string", ErrCast, value)
		}
		out := make(String, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	case KindEnum:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		out := make(Enum, n)
		for i := range out {
			out[i] = int(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// MustFilled is Filled for values known to match their kind.
func MustFilled(kind Kind, n int, value any) Array {
	a, err := Filled(kind, n, value)
	if err != nil {
		panic(err)
	}
	return a
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrCast, value)
}

// =============================================================================
// ACCESS AND CONVERSION
// =============================================================================

// At returns element i as a Go value (bool, int64, float64, periods.Instant,
// string, or int for enums).
func At(a Array, i int) any {
	switch v := a.(type) {
	case Bool:
		return v[i]
	case Int:
		return v[i]
	case Float:
		return v[i]
	case Date:
		return v[i]
	case String:
		return v[i]
	case Enum:
		return v[i]
	}
	return nil
}

// Cast converts a to kind. Numeric kinds convert among themselves (floats
// truncate toward zero into ints), bools convert to numbers, enums to and
// from ints. Anything else fails with ErrCast.
func Cast(a Array, kind Kind) (Array, error) {
	if a.Kind() == kind {
		return a, nil
	}
	n := a.Len()
	switch kind {
	case KindFloat:
		out := make(Float, n)
		switch v := a.(type) {
		case Int:
			for i, x := range v {
				out[i] = float64(x)
			}
		case Bool:
			for i, x := range v {
				if x {
					out[i] = 1
				}
			}
		default:
			return nil, fmt.Errorf("%w: %s to %s", ErrCast, a.Kind(), kind)
		}
		return out, nil
	case KindInt:
		out := make(Int, n)
		switch v := a.(type) {
		case Float:
			for i, x := range v {
				out[i] = int64(x)
			}
		case Bool:
			for i, x := range v {
				if x {
					out[i] = 1
				}
			}
		case Enum:
			for i, x := range v {
				out[i] = int64(x)
			}
		default:
			return nil, fmt.Errorf("%w: %s to %s", ErrCast, a.Kind(), kind)
		}
		return out, nil
	case KindEnum:
		if v, ok := a.(Int); ok {
			out := make(Enum, n)
			for i, x := range v {
				out[i] = int(x)
			}
			return out, nil
		}
	case KindBool:
		switch v := a.(type) {
		case Int:
			out := make(Bool, n)
			for i, x := range v {
				out[i] = x != 0
			}
			return out, nil
		case Float:
			out := make(Bool, n)
			for i, x := range v {
				out[i] = x != 0
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s to %s", ErrCast, a.Kind(), kind)
}

// Floats returns a as float64 values, converting numeric and bool kinds.
func Floats(a Array) (Float, error) {
	out, err := Cast(a, KindFloat)
	if err != nil {
		return nil, err
	}
	return out.(Float), nil
}

// Equal reports whether a and b have the same kind, length and elements.
// NaN floats compare equal to each other.
func Equal(a, b Array) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() || a.Len() != b.Len() {
		return false
	}
	if fa, ok := a.(Float); ok {
		fb := b.(Float)
		for i := range fa {
			if fa[i] != fb[i] && !(math.IsNaN(fa[i]) && math.IsNaN(fb[i])) {
				return false
			}
		}
		return true
	}
	for i := 0; i < a.Len(); i++ {
		if At(a, i) != At(b, i) {
			return false
		}
	}
	return true
}
