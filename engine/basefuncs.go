package engine

import (
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// BASE FUNCTIONS
// =============================================================================

// runBase satisfies a read that missed the cache.
func (s *Simulation) runBase(v *Variable, period periods.Period, extra []any) (array.Array, error) {
	n, err := s.pops.Count(v.Entity)
	if err != nil {
		return nil, err
	}
	switch v.EffectiveBase() {
	case BaseNeutralized:
		return v.DefaultArray(n), nil

	case BasePermanent:
		// the single formula, evaluated once for all time
		if len(v.Formulas) == 0 {
			return v.DefaultArray(n), nil
		}
		return s.runFormula(v, &v.Formulas[0], period, extra)

	case BaseLastKnown:
		if arr := s.lastKnown(v, period, false); arr != nil {
			return arr, nil
		}
		return s.RunFormula(v, period, extra)

	case BaseLastOrNext:
		if arr := s.lastKnown(v, period, true); arr != nil {
			return arr, nil
		}
		return s.RunFormula(v, period, extra)

	case BaseLastDurationLastValue:
		// values are stored under the requested period, so retagging the
		// last known period to start at period.Start() is implicit
		if arr := s.lastKnown(v, period, false); arr != nil {
			return arr, nil
		}
		return s.RunFormula(v, period, extra)

	case BaseMissingValue:
		f, ok := v.FormulaAt(period.Start())
		if !ok {
			return nil, &MissingValueError{Variable: v.Name, Period: period}
		}
		return s.runFormula(v, f, period, extra)

	case BaseCustom:
		return v.Custom(s, v, period, extra)

	default:
		return s.RunFormula(v, period, extra)
	}
}

// lastKnown returns the most recent stored value starting on or before
// period. When the variable has a formula for period, the stored period must
// also cover period's end. With acceptFuture, the earliest stored value is
// used when nothing precedes period.
func (s *Simulation) lastKnown(v *Variable, period periods.Period, acceptFuture bool) array.Array {
	h, ok := s.holders[v.Name]
	if !ok {
		return nil
	}
	known := h.KnownPeriods()
	if len(known) == 0 {
		return nil
	}
	_, hasFormula := v.FormulaAt(period.Start())
	for i := len(known) - 1; i >= 0; i-- {
		p := known[i]
		if p.Start().After(period.Start()) {
			continue
		}
		if hasFormula && p.Stop().Before(period.Stop()) {
			continue
		}
		return h.get(p, "")
	}
	if acceptFuture {
		return h.get(known[0], "")
	}
	return nil
}
