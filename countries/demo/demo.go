// Package demo registers the Go formulas and reforms of the demo country.
// Import it for its side effects before loading the directory it lives in.
package demo

import (
	"github.com/shopspring/decimal"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/reforms"
)

func init() {
	countrypkg.RegisterFormula("demo.age", age)

	reforms.Register(reforms.Reform{
		Name:        "demo.flat_tax",
		Description: "20% income tax from 2017 and no social security contribution",
		Apply:       flatTax,
	})
}

// age is the age in whole years on the first day of the period.
func age(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
	births, err := v.Calc("birth", period)
	if err != nil {
		return nil, err
	}
	on := period.Start()
	out := make(array.Int, births.Len())
	for i, b := range births.(array.Date) {
		years := on.Year() - b.Year()
		if on.Month() < b.Month() || (on.Month() == b.Month() && on.Day() < b.Day()) {
			years--
		}
		out[i] = int64(years)
	}
	return out, nil
}

func flatTax(o *reforms.Overlay) error {
	start := periods.NewInstant(2017, 1, 1)
	if err := o.UpdateParameter("taxes.income_tax_rate", start, periods.Instant{}, decimal.RequireFromString("0.2")); err != nil {
		return err
	}
	return o.NeutralizeVariable("social_security_contribution")
}
