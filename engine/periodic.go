package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/periods"
)

// divideTolerance is the largest gap accepted between a divided input and
// the sum of its already known sub-periods.
var divideTolerance = decimal.New(1, -6)

// =============================================================================
// ADD
// =============================================================================

// CalculateAdd sums name over the sub-periods of period. period must be at
// least as wide as the definition period. Bool variables are counted: the
// result holds, per entity, the number of sub-periods where the value is
// true.
func (s *Simulation) CalculateAdd(name string, period periods.Period, extra ...any) (array.Array, error) {
	v, err := s.system.GetVariable(name)
	if err != nil {
		return nil, err
	}
	if v.DefinitionPeriod == periods.Eternity {
		return s.calculate(v, period, extra)
	}
	return s.calculateAdd(v, period, extra)
}

// sameGrain reports whether a period of unit u is made of whole definition
// periods of unit def: the same unit, or weekdays of a day variable.
func sameGrain(u, def periods.Unit) bool {
	return u == def || (u == periods.Weekday && def == periods.Day)
}

func (s *Simulation) calculateAdd(v *Variable, period periods.Period, extra []any) (array.Array, error) {
	def := v.DefinitionPeriod
	if !sameGrain(period.Unit(), def) && period.Unit().Compare(def) <= 0 {
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def,
			Hint: "period is narrower than the definition period, use CalculateDivide"}
	}
	if !v.ValueType.Additive() && v.ValueType != array.KindBool {
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def,
			Hint: fmt.Sprintf("%s values cannot be added", v.ValueType)}
	}
	subs, err := period.Subperiods(def)
	if err != nil {
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def, Hint: err.Error()}
	}
	n, err := s.pops.Count(v.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntityNotFound, err)
	}

	var total array.Array
	if v.ValueType == array.KindFloat {
		total = make(array.Float, n)
	} else {
		total = make(array.Int, n)
	}
	for _, sub := range subs {
		arr, err := s.compute(v, sub, extra)
		if err != nil {
			return nil, err
		}
		if b, ok := arr.(array.Bool); ok {
			if arr, err = array.Cast(b, array.KindInt); err != nil {
				return nil, err
			}
		}
		if err := array.AddInto(total, arr); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// =============================================================================
// DIVIDE
// =============================================================================

// CalculateDivide returns the share of name falling in period, which must be
// narrower than the definition period. Each definition period overlapping
// period contributes its value times the overlapping fraction, measured in
// months when both units are months or years and in days otherwise. Int
// results are truncated.
func (s *Simulation) CalculateDivide(name string, period periods.Period, extra ...any) (array.Array, error) {
	v, err := s.system.GetVariable(name)
	if err != nil {
		return nil, err
	}
	if v.DefinitionPeriod != periods.Eternity && period.Unit() == v.DefinitionPeriod && period.Size() == 1 {
		if !v.ValueType.Additive() {
			return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: v.DefinitionPeriod,
				Hint: fmt.Sprintf("%s values cannot be divided", v.ValueType)}
		}
		return s.compute(v, period, extra)
	}
	return s.calculateDivide(v, period, extra)
}

func (s *Simulation) calculateDivide(v *Variable, period periods.Period, extra []any) (array.Array, error) {
	def := v.DefinitionPeriod
	if !v.ValueType.Additive() {
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def,
			Hint: fmt.Sprintf("%s values cannot be divided", v.ValueType)}
	}
	if period.Unit() == periods.Weekday && def == periods.Day {
		// a weekday period holds whole days: its share is their sum
		return s.calculateAdd(v, period, extra)
	}
	if def == periods.Eternity || period.IsEternity() || period.Unit() == def || period.Unit().Compare(def) > 0 {
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def,
			Hint: "period is not narrower than the definition period, use CalculateAdd"}
	}
	n, err := s.pops.Count(v.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntityNotFound, err)
	}

	total := make(array.Float, n)
	for cur := periods.Of(def, period.Start()); !cur.Start().After(period.Stop()); cur = cur.Offset(1) {
		overlap, ok := periods.Intersection(cur, period)
		if !ok {
			continue
		}
		num, den := share(overlap, cur)
		arr, err := s.compute(v, cur, extra)
		if err != nil {
			return nil, err
		}
		values, err := array.Floats(arr)
		if err != nil {
			return nil, err
		}
		for i, x := range values {
			total[i] += x * float64(num) / float64(den)
		}
	}
	if v.ValueType == array.KindInt {
		return array.Cast(total, array.KindInt)
	}
	return total, nil
}

// share measures part and whole in months when both are month-based and in
// days otherwise.
func share(part, whole periods.Period) (num, den int) {
	if pm, err := part.SizeIn(periods.Month); err == nil {
		if wm, err := whole.SizeIn(periods.Month); err == nil {
			return pm, wm
		}
	}
	return part.Days(), whole.Days()
}

// =============================================================================
// SET INPUT
// =============================================================================

// SetInput stores an input for name. Inputs for the definition period are
// stored as is. Wider periods are spread over sub-periods following the
// variable's set-input policy. Inputs for neutralized variables are ignored
// with a warning.
func (s *Simulation) SetInput(name string, period periods.Period, values array.Array) error {
	v, err := s.system.GetVariable(name)
	if err != nil {
		return err
	}
	if v.IsNeutralized() || v.SetInput == SetInputNeutralized {
		s.logger.Warn("ignoring input for neutralized variable", "variable", name, "period", period.String())
		return nil
	}
	h, err := s.holder(v)
	if err != nil {
		return err
	}
	if values.Kind() != v.ValueType {
		cast, err := array.Cast(values, v.ValueType)
		if err != nil {
			return &TypeMismatchError{Variable: name, Expected: v.ValueType, Got: values.Kind(), ExpectedLength: h.size, GotLength: values.Len()}
		}
		values = cast
	}
	if values.Len() != h.size {
		return &TypeMismatchError{Variable: name, Expected: v.ValueType, Got: v.ValueType, ExpectedLength: h.size, GotLength: values.Len()}
	}

	def := v.DefinitionPeriod
	if def == periods.Eternity || (period.Unit() == def && period.Size() == 1) {
		return h.put(period, "", values)
	}
	if period.Unit() != def && period.Unit().Compare(def) <= 0 {
		return &PeriodMismatchError{Variable: name, Period: period, Expected: def,
			Hint: "inputs cannot be narrower than the definition period"}
	}

	subs, err := period.Subperiods(def)
	if err != nil {
		return &PeriodMismatchError{Variable: name, Period: period, Expected: def, Hint: err.Error()}
	}
	switch v.SetInput {
	case SetInputDispatch:
		for _, sub := range subs {
			if h.get(sub, "") != nil {
				continue
			}
			if err := h.put(sub, "", values); err != nil {
				return err
			}
		}
		return nil
	case SetInputDivide:
		return s.divideInput(v, h, period, subs, values)
	default:
		return &PeriodMismatchError{Variable: name, Period: period, Expected: def,
			Hint: "set a value for each sub-period or declare a dispatch or divide set_input policy"}
	}
}

// divideInput spreads values over the unknown sub-periods after deducting
// the known ones. When every sub-period is known, it only checks that they
// add up to values.
func (s *Simulation) divideInput(v *Variable, h *Holder, period periods.Period, subs []periods.Period, values array.Array) error {
	if !v.ValueType.Additive() {
		return &PeriodMismatchError{Variable: v.Name, Period: period, Expected: v.DefinitionPeriod,
			Hint: fmt.Sprintf("%s values cannot be divided", v.ValueType)}
	}
	provided, err := array.Floats(values)
	if err != nil {
		return err
	}
	residual := append(array.Float(nil), provided...)
	var unknown []periods.Period
	for _, sub := range subs {
		known := h.get(sub, "")
		if known == nil {
			unknown = append(unknown, sub)
			continue
		}
		kf, err := array.Floats(known)
		if err != nil {
			return err
		}
		for i := range residual {
			residual[i] -= kf[i]
		}
	}

	if len(unknown) == 0 {
		for i := range residual {
			gap := decimal.NewFromFloat(residual[i]).Abs()
			if gap.GreaterThan(divideTolerance) {
				return &InconsistentSetInputError{Variable: v.Name, Period: period, Index: i, Provided: provided[i], Residual: residual[i]}
			}
		}
		return nil
	}
	if len(unknown) < len(subs) {
		s.logger.Warn("dividing input over the remaining sub-periods",
			"variable", v.Name, "period", period.String(), "unknown", len(unknown), "total", len(subs))
	}

	each := make(array.Float, len(residual))
	for i, r := range residual {
		each[i] = r / float64(len(unknown))
	}
	var stored array.Array = each
	if v.ValueType == array.KindInt {
		if stored, err = array.Cast(each, array.KindInt); err != nil {
			return err
		}
	}
	for _, sub := range unknown {
		if err := h.put(sub, "", stored); err != nil {
			return err
		}
	}
	return nil
}
