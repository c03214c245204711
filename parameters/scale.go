package parameters

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/warp/microsim/array"
)

// ErrNotInvertible is returned by Inverse for scales it cannot invert.
var ErrNotInvertible = errors.New("scale is not invertible")

// =============================================================================
// MARGINAL RATE SCALE
// =============================================================================

// MarginalRateScale is a rate scale evaluated at an instant. Thresholds are
// ascending; Rates[i] applies between Thresholds[i] and Thresholds[i+1].
type MarginalRateScale struct {
	Name       string    `json:"name,omitempty"`
	Thresholds []float64 `json:"thresholds"`
	Rates      []float64 `json:"rates"`
}

// CalcValue applies the scale to a single base.
func (s *MarginalRateScale) CalcValue(base float64) float64 {
	var total float64
	for i, lo := range s.Thresholds {
		hi := math.Inf(1)
		if i+1 < len(s.Thresholds) {
			hi = s.Thresholds[i+1]
		}
		slice := math.Min(base, hi) - lo
		if slice > 0 {
			total += s.Rates[i] * slice
		}
	}
	return total
}

// Calc applies the scale element-wise.
func (s *MarginalRateScale) Calc(base array.Float) array.Float {
	out := make(array.Float, len(base))
	for i, b := range base {
		out[i] = s.CalcValue(b)
	}
	return out
}

// BracketIndices returns, for each base, the index of the bracket it falls
// in (-1 below the first threshold).
func (s *MarginalRateScale) BracketIndices(base array.Float) array.Int {
	out := make(array.Int, len(base))
	for i, b := range base {
		out[i] = int64(bracketOf(s.Thresholds, b))
	}
	return out
}

// MarginalRates returns the rate applying to the last unit of each base.
func (s *MarginalRateScale) MarginalRates(base array.Float) array.Float {
	out := make(array.Float, len(base))
	for i, b := range base {
		if k := bracketOf(s.Thresholds, b); k >= 0 {
			out[i] = s.Rates[k]
		}
	}
	return out
}

// MultiplyThresholds returns a copy with every threshold scaled by k, e.g.
// to turn a yearly scale into a monthly one.
func (s *MarginalRateScale) MultiplyThresholds(k float64) *MarginalRateScale {
	out := s.clone()
	for i := range out.Thresholds {
		out.Thresholds[i] *= k
	}
	return out
}

// MultiplyRates returns a copy with every rate scaled by k.
func (s *MarginalRateScale) MultiplyRates(k float64) *MarginalRateScale {
	out := s.clone()
	for i := range out.Rates {
		out.Rates[i] *= k
	}
	return out
}

// Inverse returns the scale mapping a net amount back to the gross amount,
// where net = gross - s(gross). The first threshold must be zero and every
// rate must be below one.
func (s *MarginalRateScale) Inverse() (*MarginalRateScale, error) {
	if len(s.Thresholds) == 0 || s.Thresholds[0] != 0 {
		return nil, fmt.Errorf("%w: %s: first threshold must be 0", ErrNotInvertible, s.Name)
	}
	inv := &MarginalRateScale{Name: s.Name + "'"}
	var prevRate, theta float64
	for i, threshold := range s.Thresholds {
		rate := s.Rates[i]
		if rate >= 1 {
			return nil, fmt.Errorf("%w: %s: rate %g >= 1", ErrNotInvertible, s.Name, rate)
		}
		netThreshold := (1-prevRate)*threshold + theta
		inv.Thresholds = append(inv.Thresholds, netThreshold)
		inv.Rates = append(inv.Rates, 1/(1-rate))
		theta += (rate - prevRate) * threshold
		prevRate = rate
	}
	return inv, nil
}

func (s *MarginalRateScale) clone() *MarginalRateScale {
	return &MarginalRateScale{
		Name:       s.Name,
		Thresholds: append([]float64(nil), s.Thresholds...),
		Rates:      append([]float64(nil), s.Rates...),
	}
}

// bracketOf returns the last index whose threshold is <= b, or -1.
func bracketOf(thresholds []float64, b float64) int {
	return sort.Search(len(thresholds), func(i int) bool { return thresholds[i] > b }) - 1
}

// =============================================================================
// AMOUNT SCALE
// =============================================================================

// AmountScale is an amount scale evaluated at an instant. By default it
// returns the amount of the highest bracket whose threshold is <= base. With
// Marginal set, it sums the amounts of every bracket the base exceeds.
type AmountScale struct {
	Name       string    `json:"name,omitempty"`
	Thresholds []float64 `json:"thresholds"`
	Amounts    []float64 `json:"amounts"`
	Marginal   bool      `json:"marginal,omitempty"`
}

// CalcValue applies the scale to a single base.
func (s *AmountScale) CalcValue(base float64) float64 {
	if s.Marginal {
		var total float64
		for i, t := range s.Thresholds {
			if base > t {
				total += s.Amounts[i]
			}
		}
		return total
	}
	if k := bracketOf(s.Thresholds, base); k >= 0 {
		return s.Amounts[k]
	}
	return 0
}

// Calc applies the scale element-wise.
func (s *AmountScale) Calc(base array.Float) array.Float {
	out := make(array.Float, len(base))
	for i, b := range base {
		out[i] = s.CalcValue(b)
	}
	return out
}
