package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// HOLDER - Per-variable cache of a simulation
// =============================================================================

// holderKey identifies one stored array: a period plus the encoded extra
// parameters ("" when none).
type holderKey struct {
	period periods.Period
	extra  string
}

// Holder stores the arrays known for one variable in one simulation, both
// inputs and computed results. Eternity variables keep a single array under
// periods.EternityPeriod.
type Holder struct {
	name   string
	kind   array.Kind
	unit   periods.Unit
	size   int
	values map[holderKey]array.Array
}

func newHolder(v *Variable, size int) *Holder {
	return &Holder{
		name:   v.Name,
		kind:   v.ValueType,
		unit:   v.DefinitionPeriod,
		size:   size,
		values: make(map[holderKey]array.Array),
	}
}

// extraKey encodes extra parameters as a cache key component.
func extraKey(extra []any) string {
	if len(extra) == 0 {
		return ""
	}
	parts := make([]string, len(extra))
	for i, x := range extra {
		parts[i] = fmt.Sprintf("%T:%v", x, x)
	}
	return strings.Join(parts, "\x1f")
}

func (h *Holder) normalize(period periods.Period) periods.Period {
	if h.unit == periods.Eternity {
		return periods.EternityPeriod
	}
	return period
}

// Get returns the array stored for period and extra, or nil. The returned
// array is shared and must not be modified.
func (h *Holder) Get(period periods.Period, extra ...any) array.Array {
	return h.get(h.normalize(period), extraKey(extra))
}

func (h *Holder) get(period periods.Period, extra string) array.Array {
	return h.values[holderKey{period, extra}]
}

// put stores arr after checking its kind, length and period.
func (h *Holder) put(period periods.Period, extra string, arr array.Array) error {
	period = h.normalize(period)
	if arr.Kind() != h.kind || arr.Len() != h.size {
		return &TypeMismatchError{Variable: h.name, Expected: h.kind, Got: arr.Kind(), ExpectedLength: h.size, GotLength: arr.Len()}
	}
	if h.unit != periods.Eternity && (period.Unit() != h.unit || period.Size() != 1) {
		return &PeriodMismatchError{Variable: h.name, Period: period, Expected: h.unit}
	}
	h.values[holderKey{period, extra}] = arr
	return nil
}

// DeleteRange drops every stored array whose period intersects period.
func (h *Holder) DeleteRange(period periods.Period) {
	for k := range h.values {
		if _, overlap := periods.Intersection(k.period, period); overlap || h.unit == periods.Eternity {
			delete(h.values, k)
		}
	}
}

// KnownPeriods returns the periods with a value for no extra parameters,
// oldest first.
func (h *Holder) KnownPeriods() []periods.Period {
	var out []periods.Period
	for k := range h.values {
		if k.extra == "" {
			out = append(out, k.period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return periods.Less(out[i], out[j]) })
	return out
}

// Len returns the number of stored arrays.
func (h *Holder) Len() int { return len(h.values) }

func (h *Holder) clone() *Holder {
	out := *h
	out.values = make(map[holderKey]array.Array, len(h.values))
	for k, v := range h.values {
		out.values[k] = v
	}
	return &out
}
