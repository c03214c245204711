package array

import (
	"fmt"
	"math"

	"github.com/warp/microsim/periods"
)

// =============================================================================
// ELEMENT-WISE ARITHMETIC
// =============================================================================

// Zip applies fn to aligned float views of a and b. Both arrays must have the
// same length; bools and ints are widened to floats.
func Zip(a, b Array, fn func(x, y float64) float64) (Float, error) {
	if a.Len() != b.Len() {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLength, a.Len(), b.Len())
	}
	fa, err := Floats(a)
	if err != nil {
		return nil, err
	}
	fb, err := Floats(b)
	if err != nil {
		return nil, err
	}
	out := make(Float, len(fa))
	for i := range fa {
		out[i] = fn(fa[i], fb[i])
	}
	return out, nil
}

// Map applies fn to every element of a's float view.
func Map(a Array, fn func(x float64) float64) (Float, error) {
	fa, err := Floats(a)
	if err != nil {
		return nil, err
	}
	out := make(Float, len(fa))
	for i, x := range fa {
		out[i] = fn(x)
	}
	return out, nil
}

func Add(a, b Array) (Float, error) { return Zip(a, b, func(x, y float64) float64 { return x + y }) }
func Sub(a, b Array) (Float, error) { return Zip(a, b, func(x, y float64) float64 { return x - y }) }
func Mul(a, b Array) (Float, error) { return Zip(a, b, func(x, y float64) float64 { return x * y }) }

// Scale multiplies every element by k.
func Scale(a Array, k float64) (Float, error) {
	return Map(a, func(x float64) float64 { return x * k })
}

// Maximum is the element-wise max of a and b.
func Maximum(a, b Array) (Float, error) { return Zip(a, b, math.Max) }

// Minimum is the element-wise min of a and b.
func Minimum(a, b Array) (Float, error) { return Zip(a, b, math.Min) }

// Where picks from yes where cond is true and from no elsewhere. yes and no
// must share a kind.
func Where(cond Bool, yes, no Array) (Array, error) {
	if yes.Kind() != no.Kind() {
		return nil, fmt.Errorf("%w: where on %s and %s", ErrCast, yes.Kind(), no.Kind())
	}
	if len(cond) != yes.Len() || len(cond) != no.Len() {
		return nil, fmt.Errorf("%w: where on %d, %d, %d", ErrLength, len(cond), yes.Len(), no.Len())
	}
	out := no.Clone()
	for i, c := range cond {
		if c {
			SetAt(out, i, At(yes, i))
		}
	}
	return out, nil
}

// SetAt writes v at position i. v must have the Go type At would return.
func SetAt(a Array, i int, v any) {
	switch arr := a.(type) {
	case Bool:
		arr[i] = v.(bool)
	case Int:
		arr[i] = v.(int64)
	case Float:
		arr[i] = v.(float64)
	case Date:
		arr[i] = v.(periods.Instant)
	case String:
		arr[i] = v.(string)
	case Enum:
		arr[i] = v.(int)
	}
}

// AddInto accumulates src into dst in place. Both must be the same additive
// kind and length.
func AddInto(dst, src Array) error {
	if dst.Len() != src.Len() {
		return fmt.Errorf("%w: %d vs %d", ErrLength, dst.Len(), src.Len())
	}
	switch d := dst.(type) {
	case Float:
		s, ok := src.(Float)
		if !ok {
			return fmt.Errorf("%w: add %s into float", ErrCast, src.Kind())
		}
		for i := range d {
			d[i] += s[i]
		}
	case Int:
		s, ok := src.(Int)
		if !ok {
			return fmt.Errorf("%w: add %s into int", ErrCast, src.Kind())
		}
		for i := range d {
			d[i] += s[i]
		}
	default:
		return fmt.Errorf("%w: %s is not additive", ErrCast, dst.Kind())
	}
	return nil
}

// Total sums all elements of a's float view.
func Total(a Array) (float64, error) {
	fa, err := Floats(a)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, x := range fa {
		sum += x
	}
	return sum, nil
}

// Summary renders a short description of a for traces: the first few
// values and the length.
func Summary(a Array) string {
	if a == nil {
		return "<nil>"
	}
	const shown = 4
	n := a.Len()
	s := "["
	for i := 0; i < n && i < shown; i++ {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprint(At(a, i))
	}
	if n > shown {
		s += fmt.Sprintf(" ... (%d)", n)
	}
	return s + "]"
}
