package engine_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
)

// =============================================================================
// FIXTURES
// =============================================================================

var p = periods.MustParse

type world struct {
	system *engine.System
	pops   *entities.Populations
	calls  map[string]int
}

// newWorld declares persons and households with a salary and income tax
// legislation:
//
//	gross_salary (month, divide)   input
//	net_salary   (month)           gross_salary * 0.8
//	income_tax   (year)            sum of net_salary * tax.rate
//
// Three persons: p0 and p1 in h0, p2 in h1.
func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{calls: make(map[string]int)}

	parent := &entities.Role{Key: "parent", Max: 2}
	child := &entities.Role{Key: "child", Plural: "children"}
	person := entities.NewPerson("person", "persons")
	household, err := entities.NewGroup("household", "households", parent, child)
	require.NoError(t, err)

	root := parameters.NewNode("")
	tax := parameters.NewNode("tax")
	require.NoError(t, tax.Add(parameters.MustParameter("rate", parameters.FormatRate,
		parameters.Value{Start: periods.MustParseInstant("2015-01-01"), Value: decimal.RequireFromString("0.15")},
		parameters.Value{Start: periods.MustParseInstant("2014-01-01"), Stop: periods.MustParseInstant("2014-12-31"), Value: decimal.RequireFromString("0.14")},
	)))
	require.NoError(t, root.Add(tax))

	w.system, err = engine.NewSystem(person, []*entities.Entity{household}, parameters.NewLegislation(root))
	require.NoError(t, err)

	w.add(t, &engine.Variable{
		Name: "gross_salary", ValueType: array.KindFloat, Entity: "person",
		DefinitionPeriod: periods.Month, SetInput: engine.SetInputDivide,
	})
	w.add(t, &engine.Variable{
		Name: "net_salary", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: w.counted("net_salary", func(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			gross, err := v.Float("gross_salary", period)
			if err != nil {
				return nil, err
			}
			return array.Scale(gross, 0.8)
		})}},
	})
	w.add(t, &engine.Variable{
		Name: "income_tax", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Year,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, period periods.Period, params engine.ParametersAt, _ ...any) (array.Array, error) {
			net, err := v.AddFloat("net_salary", period)
			if err != nil {
				return nil, err
			}
			rate, err := params(period.Start()).Float("tax.rate")
			if err != nil {
				return nil, err
			}
			return array.Scale(net, rate)
		}}},
	})

	persons, err := entities.NewPopulation(person, []string{"p0", "p1", "p2"})
	require.NoError(t, err)
	hpop, err := entities.NewPopulation(household, []string{"h0", "h1"})
	require.NoError(t, err)
	households, err := entities.NewGroupPopulation(hpop, []int{0, 0, 1}, []*entities.Role{parent, child, parent})
	require.NoError(t, err)
	w.pops, err = entities.NewPopulations(persons, households)
	require.NoError(t, err)
	return w
}

func (w *world) add(t *testing.T, v *engine.Variable) {
	t.Helper()
	require.NoError(t, w.system.AddVariable(v))
}

func (w *world) counted(name string, f engine.Formula) engine.Formula {
	return func(v *engine.View, period periods.Period, params engine.ParametersAt, extra ...any) (array.Array, error) {
		w.calls[name]++
		return f(v, period, params, extra...)
	}
}

func (w *world) sim(t *testing.T, opts ...engine.Option) *engine.Simulation {
	t.Helper()
	s, err := engine.New(w.system, w.pops, opts...)
	require.NoError(t, err)
	return s
}

// floats unwraps a Calculate result that must be a float array.
func floats(t *testing.T) func(array.Array, error) array.Float {
	return func(a array.Array, err error) array.Float {
		t.Helper()
		require.NoError(t, err)
		f, ok := a.(array.Float)
		require.True(t, ok, "expected float array, got %s", a.Kind())
		return f
	}
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestBasicMonthlySalaryFlow(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)

	// GIVEN a gross salary for person 0 in March 2016
	require.NoError(t, s.SetInput("gross_salary", p("2016-03"), array.Float{2000, 0, 0}))

	// WHEN computing the net salary
	net := floats(t)(s.Calculate("net_salary", p("2016-03")))

	// THEN it is 80% of gross
	assert.Equal(t, 1600.0, net[0])
	assert.Equal(t, 0.0, net[1])
}

func TestYearlyAggregation(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)

	// GIVEN a yearly gross salary divided over months
	require.NoError(t, s.SetInput("gross_salary", p("2016"), array.Float{24000, 12000, 0}))

	// THEN each month holds a twelfth and the yearly net adds up
	march := floats(t)(s.Calculate("gross_salary", p("2016-03")))
	assert.Equal(t, 2000.0, march[0])

	net := floats(t)(s.CalculateAdd("net_salary", p("2016")))
	assert.Equal(t, 19200.0, net[0])
	assert.Equal(t, 9600.0, net[1])
}

func TestParameterDrivenTax(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)

	for _, m := range mustSub(t, p("2015"), periods.Month) {
		require.NoError(t, s.SetInput("net_salary", m, array.Float{10000, 0, 0}))
	}

	tax := floats(t)(s.Calculate("income_tax", p("2015")))
	assert.InDelta(t, 18000.0, tax[0], 1e-6)
	assert.Zero(t, w.calls["net_salary"], "inputs are not recomputed")
}

func TestProgressiveScaleInFormula(t *testing.T) {
	w := newWorld(t)
	social := parameters.NewNode("social")
	var brackets []*parameters.Bracket
	for _, b := range [][2]string{{"0", "0.02"}, {"6000", "0.06"}, {"12400", "0.12"}} {
		brackets = append(brackets, &parameters.Bracket{
			Threshold: parameters.MustParameter("threshold", parameters.FormatFloat,
				parameters.Value{Start: periods.MustParseInstant("2017-01-01"), Value: decimal.RequireFromString(b[0])}),
			Rate: parameters.MustParameter("rate", parameters.FormatRate,
				parameters.Value{Start: periods.MustParseInstant("2017-01-01"), Value: decimal.RequireFromString(b[1])}),
		})
	}
	scale, err := parameters.NewScale("contrib", parameters.MarginalRate, brackets...)
	require.NoError(t, err)
	require.NoError(t, social.Add(scale))
	root := w.system.Legislation().Root().Clone()
	require.NoError(t, root.Add(social))
	w.system.SetLegislation(parameters.NewLegislation(root))

	w.add(t, &engine.Variable{Name: "gross_salary_yearly", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Year})
	w.add(t, &engine.Variable{
		Name: "contribution", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Year,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, period periods.Period, params engine.ParametersAt, _ ...any) (array.Array, error) {
			base, err := v.Float("gross_salary_yearly", period)
			if err != nil {
				return nil, err
			}
			s, err := params(period.Start()).MarginalRate("social.contrib")
			if err != nil {
				return nil, err
			}
			return s.Calc(base), nil
		}}},
	})

	s := w.sim(t)
	require.NoError(t, s.SetInput("gross_salary_yearly", p("2017"), array.Float{20000, 0, 6000}))
	got := floats(t)(s.Calculate("contribution", p("2017")))
	assert.InDelta(t, 1416.0, got[0], 1e-9)
	assert.InDelta(t, 120.0, got[2], 1e-9)
}

func TestNeutralization(t *testing.T) {
	w := newWorld(t)
	var logs bytes.Buffer
	s := w.sim(t, engine.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, s.SetInput("gross_salary", p("2016-03"), array.Float{2000, 0, 0}))
	before := floats(t)(s.Calculate("net_salary", p("2016-03")))
	require.Equal(t, 1600.0, before[0])

	// WHEN net_salary is neutralized
	require.NoError(t, w.system.NeutralizeVariable("net_salary"))

	// THEN it returns the default whatever the cache holds
	for _, period := range []string{"2016-03", "2016-04", "2010-01"} {
		got := floats(t)(s.Calculate("net_salary", p(period)))
		assert.Equal(t, array.Float{0, 0, 0}, got, period)
	}

	// AND inputs are ignored with a warning
	require.NoError(t, s.SetInput("net_salary", p("2016-03"), array.Float{5, 5, 5}))
	assert.Contains(t, logs.String(), "neutralized")
	got := floats(t)(s.Calculate("net_salary", p("2016-03")))
	assert.Equal(t, array.Float{0, 0, 0}, got)

	v, err := w.system.GetVariable("net_salary")
	require.NoError(t, err)
	require.NotNil(t, v.Reference)
	assert.False(t, v.Reference.IsNeutralized())
}

// cycleWorld declares a = b + 1 and b = a + 1 on months.
func cycleWorld(t *testing.T) *world {
	w := newWorld(t)
	plusOne := func(other string) engine.Formula {
		return func(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			x, err := v.Float(other, period)
			if err != nil {
				return nil, err
			}
			return array.Map(x, func(f float64) float64 { return f + 1 })
		}
	}
	w.add(t, &engine.Variable{Name: "a", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: plusOne("b")}}})
	w.add(t, &engine.Variable{Name: "b", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: plusOne("a")}}})
	return w
}

func TestCycle_NoBudget(t *testing.T) {
	s := cycleWorld(t).sim(t)

	_, err := s.Calculate("a", p("2016-01"))

	var cycle *engine.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "a", cycle.Name)
	assert.Equal(t, []engine.Frame{
		{Name: "a", Period: p("2016-01")},
		{Name: "b", Period: p("2016-01")},
		{Name: "a", Period: p("2016-01")},
	}, cycle.Stack)

	// the stack unwound: an unrelated call still works
	_, err = s.Calculate("gross_salary", p("2016-01"))
	assert.NoError(t, err)
}

func TestCycle_WithBudget(t *testing.T) {
	w := cycleWorld(t)
	s := w.sim(t, engine.WithMaxCycles(1))

	a := floats(t)(s.Calculate("a", p("2016-01")))
	assert.Equal(t, array.Float{2, 2, 2}, a)

	// values built on a truncated cycle are not cached, recomputing is stable
	again := floats(t)(s.Calculate("a", p("2016-01")))
	assert.Equal(t, a, again)

	// per-call budget on a simulation without one
	s2 := w.sim(t)
	a2 := floats(t)(s2.CalculateWithCycles("a", p("2016-02"), 1))
	assert.Equal(t, array.Float{2, 2, 2}, a2)
	_, err := s2.Calculate("a", p("2016-03"))
	assert.ErrorIs(t, err, engine.ErrCycle)
}

func TestCycle_BudgetSizes(t *testing.T) {
	w := cycleWorld(t)
	tests := []struct {
		budget int
		want   float64
	}{
		{0, 2},
		{1, 2},
		{2, 3},
	}
	for _, tt := range tests {
		s := w.sim(t)
		a := floats(t)(s.CalculateWithCycles("a", p("2016-01"), tt.budget))
		assert.Equal(t, array.Float{tt.want, tt.want, tt.want}, a, "budget %d", tt.budget)
	}
}

func TestPanickingFormulaUnwindsStack(t *testing.T) {
	w := newWorld(t)
	broken := true
	w.add(t, &engine.Variable{Name: "fragile", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, _ periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			if broken {
				panic("formula bug")
			}
			return v.Filled(4), nil
		}}}})
	s := w.sim(t)

	// GIVEN a formula that panicked and a caller that recovered
	assert.Panics(t, func() { _, _ = s.Calculate("fragile", p("2016-01")) })

	// WHEN the formula is fixed and the variable read again
	broken = false
	got, err := s.Calculate("fragile", p("2016-01"))

	// THEN no stale frame is left to report a cycle
	require.NoError(t, err)
	assert.Equal(t, array.Float{4, 4, 4}, got)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCacheDeterminism(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)
	require.NoError(t, s.SetInput("gross_salary", p("2016-03"), array.Float{1, 2, 3}))

	first := floats(t)(s.Calculate("net_salary", p("2016-03")))
	second := floats(t)(s.Calculate("net_salary", p("2016-03")))
	assert.Equal(t, first, second)
	assert.Equal(t, 1, w.calls["net_salary"])
}

func TestOptOutIsRecomputed(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t, engine.WithOptOut("net_salary"))
	require.NoError(t, s.SetInput("gross_salary", p("2016-03"), array.Float{1, 2, 3}))

	first := floats(t)(s.Calculate("net_salary", p("2016-03")))
	second := floats(t)(s.Calculate("net_salary", p("2016-03")))
	assert.Equal(t, first, second)
	assert.Equal(t, 2, w.calls["net_salary"])
}

func TestAddEqualsSumOfMonths(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)
	for i, m := range mustSub(t, p("2016"), periods.Month) {
		require.NoError(t, s.SetInput("gross_salary", m, array.Float{float64(100 * i), 1.1, 7}))
	}

	sum := make(array.Float, 3)
	for _, m := range mustSub(t, p("2016"), periods.Month) {
		require.NoError(t, array.AddInto(sum, floats(t)(s.Calculate("net_salary", m))))
	}
	yearly := floats(t)(s.CalculateAdd("net_salary", p("2016")))
	assert.Equal(t, sum, yearly)

	// calculate on a wider period dispatches to add for floats
	auto := floats(t)(s.Calculate("net_salary", p("2016")))
	assert.Equal(t, yearly, auto)
}

func TestWeekdayPeriodsOnDayVariable(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{Name: "hours", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Day})
	s := w.sim(t)
	// 2016-01-04 is a Monday
	for _, day := range []string{"2016-01-04", "2016-01-05", "2016-01-06"} {
		require.NoError(t, s.SetInput("hours", p(day), array.Float{1, 2, 3}))
	}
	monday := periods.MustParseInstant("2016-01-04")

	tests := []struct {
		name   string
		period periods.Period
		want   array.Float
	}{
		{"one weekday", periods.Must(periods.Weekday, monday, 1), array.Float{1, 2, 3}},
		{"three weekdays", periods.Must(periods.Weekday, monday, 3), array.Float{3, 6, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, floats(t)(s.Calculate("hours", tt.period)))
			assert.Equal(t, tt.want, floats(t)(s.CalculateAdd("hours", tt.period)))
			assert.Equal(t, tt.want, floats(t)(s.CalculateDivide("hours", tt.period)))
		})
	}
}

func TestDivideRoundTrip(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{Name: "rent", ValueType: array.KindFloat, Entity: "household",
		DefinitionPeriod: periods.Year, SetInput: engine.SetInputDivide})
	s := w.sim(t)

	require.NoError(t, s.SetInput("rent", p("2016"), array.Float{1000, 7}))
	for _, m := range mustSub(t, p("2016"), periods.Month) {
		got := floats(t)(s.Calculate("rent", m))
		assert.Equal(t, array.Float{1000.0 / 12, 7.0 / 12}, got, m.String())
	}

	// a quarter straddling two years takes two months of each
	require.NoError(t, s.SetInput("rent", p("2017"), array.Float{2400, 0}))
	q := floats(t)(s.CalculateDivide("rent", p("month:2016-11:4")))
	assert.InDelta(t, 1000.0*2/12+2400.0*2/12, q[0], 1e-9)
}

func TestDispatchRoundTrip(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{Name: "is_student", ValueType: array.KindBool, Entity: "person",
		DefinitionPeriod: periods.Month, SetInput: engine.SetInputDispatch})
	s := w.sim(t)

	require.NoError(t, s.SetInput("is_student", p("2016-03"), array.Bool{false, false, false}))
	require.NoError(t, s.SetInput("is_student", p("2016"), array.Bool{true, false, true}))
	for _, m := range mustSub(t, p("2016"), periods.Month) {
		got, err := s.Calculate("is_student", m)
		require.NoError(t, err)
		if m == p("2016-03") {
			assert.Equal(t, array.Bool{false, false, false}, got, "known months are kept")
			continue
		}
		assert.Equal(t, array.Bool{true, false, true}, got, m.String())
	}

	// bools add up as counts
	count, err := s.CalculateAdd("is_student", p("2016"))
	require.NoError(t, err)
	assert.Equal(t, array.Int{11, 0, 11}, count)

	// but cannot be computed on a wider period implicitly
	_, err = s.Calculate("is_student", p("2016"))
	assert.ErrorIs(t, err, engine.ErrPeriodMismatch)
	_, err = s.CalculateDivide("is_student", p("2016-03-01"))
	assert.ErrorIs(t, err, engine.ErrPeriodMismatch)
}

func TestDivideInput_Inconsistent(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)
	for _, m := range mustSub(t, p("2016"), periods.Month) {
		require.NoError(t, s.SetInput("gross_salary", m, array.Float{100, 0, 0}))
	}

	// consistent total passes
	require.NoError(t, s.SetInput("gross_salary", p("2016"), array.Float{1200, 0, 0}))

	err := s.SetInput("gross_salary", p("2016"), array.Float{1300, 0, 0})
	var inc *engine.InconsistentSetInputError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, 0, inc.Index)
	assert.Equal(t, 100.0, inc.Residual)
}

func TestDivideInput_DeductsKnownMonths(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)
	require.NoError(t, s.SetInput("gross_salary", p("2016-01"), array.Float{1300, 0, 0}))
	require.NoError(t, s.SetInput("gross_salary", p("2016"), array.Float{12300, 0, 0}))

	feb := floats(t)(s.Calculate("gross_salary", p("2016-02")))
	assert.Equal(t, 1000.0, feb[0])
	jan := floats(t)(s.Calculate("gross_salary", p("2016-01")))
	assert.Equal(t, 1300.0, jan[0])
}

func TestSetInput_Rejections(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)

	err := s.SetInput("income_tax", p("2016-03"), array.Float{1, 2, 3})
	assert.ErrorIs(t, err, engine.ErrPeriodMismatch, "narrower than definition")

	err = s.SetInput("net_salary", p("2016"), array.Float{1, 2, 3})
	assert.ErrorIs(t, err, engine.ErrPeriodMismatch, "reject policy")

	err = s.SetInput("net_salary", p("2016-03"), array.Float{1, 2})
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	err = s.SetInput("net_salary", p("2016-03"), array.String{"a", "b", "c"})
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	// ints are widened to floats
	require.NoError(t, s.SetInput("net_salary", p("2016-03"), array.Int{1, 2, 3}))

	err = s.SetInput("nope", p("2016-03"), array.Int{1, 2, 3})
	assert.ErrorIs(t, err, engine.ErrVariableNotFound)
}

func TestDatedFormulaSelection(t *testing.T) {
	w := newWorld(t)
	constant := func(x float64) engine.Formula {
		return func(v *engine.View, _ periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			return v.Filled(x), nil
		}
	}
	w.add(t, &engine.Variable{
		Name: "allowance", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		End: periods.MustParseInstant("2020-12-31"),
		Formulas: []engine.DatedFormula{
			{Start: periods.MustParseInstant("2018-01-01"), Func: constant(3)},
			{Start: periods.MustParseInstant("2010-01-01"), Stop: periods.MustParseInstant("2012-12-31"), Func: constant(1)},
			{Start: periods.MustParseInstant("2015-01-01"), Func: constant(2)},
		},
	})
	s := w.sim(t)

	cases := map[string]float64{
		"2009-12": 0, "2010-01": 1, "2012-12": 1, "2013-06": 0,
		"2015-01": 2, "2017-12": 2, "2018-01": 3, "2020-12": 3, "2021-01": 0,
	}
	for period, want := range cases {
		got := floats(t)(s.Calculate("allowance", p(period)))
		assert.Equal(t, want, got[0], period)
	}

	// selected formula starts never decrease with the instant
	v, err := w.system.GetVariable("allowance")
	require.NoError(t, err)
	var last periods.Instant
	for _, m := range mustSub(t, p("year:2009:13"), periods.Month) {
		f, ok := v.FormulaAt(m.Start())
		if !ok {
			continue
		}
		assert.True(t, f.Start.AfterOrEqual(last), m.String())
		last = f.Start
	}
}

func TestParameterNotFound_NamesRequestedVariable(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{
		Name: "total_tax", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Year,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			return v.Calc("income_tax", period)
		}}},
	})
	s := w.sim(t)

	// GIVEN no tax rate before 2014
	_, err := s.Calculate("total_tax", p("2012"))

	var pnf *parameters.ParameterNotFoundError
	require.ErrorAs(t, err, &pnf)
	assert.Equal(t, "tax.rate", pnf.Path)
	assert.Equal(t, periods.MustParseInstant("2012-01-01"), pnf.Instant)
	assert.Equal(t, "total_tax", pnf.VariableName)
	assert.True(t, engine.IsNotFound(err))
}

func TestTypeMismatch(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{
		Name: "broken", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: func(*engine.View, periods.Period, engine.ParametersAt, ...any) (array.Array, error) {
			return array.Float{1}, nil
		}}},
	})
	w.add(t, &engine.Variable{
		Name: "as_int", ValueType: array.KindInt, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, _ periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			return v.Filled(2.7), nil
		}}},
	})
	s := w.sim(t)

	_, err := s.Calculate("broken", p("2016-01"))
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	got, err := s.Calculate("as_int", p("2016-01"))
	require.NoError(t, err)
	assert.Equal(t, array.Int{2, 2, 2}, got)
}

func TestExtraParamsAreCacheKeys(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{
		Name: "rate_for", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: w.counted("rate_for", func(v *engine.View, _ periods.Period, _ engine.ParametersAt, extra ...any) (array.Array, error) {
			return v.Filled(float64(extra[0].(int))), nil
		})}},
	})
	s := w.sim(t)

	one := floats(t)(s.Calculate("rate_for", p("2016-01"), 1))
	two := floats(t)(s.Calculate("rate_for", p("2016-01"), 2))
	again := floats(t)(s.Calculate("rate_for", p("2016-01"), 1))
	assert.Equal(t, 1.0, one[0])
	assert.Equal(t, 2.0, two[0])
	assert.Equal(t, one, again)
	assert.Equal(t, 2, w.calls["rate_for"])
}

// =============================================================================
// BASE FUNCTIONS
// =============================================================================

func TestBaseFunctions(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{Name: "birth", ValueType: array.KindDate, Entity: "person", DefinitionPeriod: periods.Eternity})
	w.add(t, &engine.Variable{Name: "housing", ValueType: array.KindInt, Entity: "person",
		DefinitionPeriod: periods.Month, Base: engine.BaseLastKnown})
	w.add(t, &engine.Variable{Name: "housing_next", ValueType: array.KindInt, Entity: "person",
		DefinitionPeriod: periods.Month, Base: engine.BaseLastOrNext})
	w.add(t, &engine.Variable{Name: "required", ValueType: array.KindFloat, Entity: "person",
		DefinitionPeriod: periods.Month, Base: engine.BaseMissingValue})
	w.add(t, &engine.Variable{Name: "custom", ValueType: array.KindFloat, Entity: "person",
		DefinitionPeriod: periods.Month, Base: engine.BaseCustom,
		Custom: func(sim *engine.Simulation, v *engine.Variable, period periods.Period, _ []any) (array.Array, error) {
			return array.Float{float64(period.Start().Month()), 0, 0}, nil
		}})
	s := w.sim(t)

	// eternity values are read on any period
	birthdays := array.Date{periods.MustParseInstant("1980-05-01"), periods.MustParseInstant("1990-01-01"), periods.MustParseInstant("2000-12-31")}
	require.NoError(t, s.SetInput("birth", p("2016-01"), birthdays))
	got, err := s.Calculate("birth", p("1999"))
	require.NoError(t, err)
	assert.Equal(t, birthdays, got)

	// last known value carries forward, not backward
	require.NoError(t, s.SetInput("housing", p("2016-03"), array.Int{3, 3, 3}))
	got, err = s.Calculate("housing", p("2016-07"))
	require.NoError(t, err)
	assert.Equal(t, array.Int{3, 3, 3}, got)
	got, err = s.Calculate("housing", p("2016-01"))
	require.NoError(t, err)
	assert.Equal(t, array.Int{0, 0, 0}, got)

	require.NoError(t, s.SetInput("housing_next", p("2016-03"), array.Int{4, 4, 4}))
	got, err = s.Calculate("housing_next", p("2016-01"))
	require.NoError(t, err)
	assert.Equal(t, array.Int{4, 4, 4}, got)

	_, err = s.Calculate("required", p("2016-01"))
	var missing *engine.MissingValueError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "required", missing.Variable)

	got, err = s.Calculate("custom", p("2016-05"))
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.(array.Float)[0])
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry(t *testing.T) {
	w := newWorld(t)

	err := w.system.AddVariable(&engine.Variable{Name: "net_salary", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month})
	assert.ErrorIs(t, err, engine.ErrVariableNameConflict)

	_, err = w.system.GetVariable("nope")
	var nf *engine.VariableNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Name)

	err = w.system.AddVariable(&engine.Variable{Name: "x", ValueType: array.KindFloat, Entity: "planet", DefinitionPeriod: periods.Month})
	assert.ErrorIs(t, err, engine.ErrEntityNotFound)

	err = w.system.AddVariable(&engine.Variable{Name: "x", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Week})
	assert.ErrorIs(t, err, engine.ErrInvalidVariable)

	two := []engine.DatedFormula{
		{Start: periods.MustParseInstant("2010-01-01"), Func: func(*engine.View, periods.Period, engine.ParametersAt, ...any) (array.Array, error) { return nil, nil }},
		{Start: periods.MustParseInstant("2011-01-01"), Func: func(*engine.View, periods.Period, engine.ParametersAt, ...any) (array.Array, error) { return nil, nil }},
	}
	err = w.system.AddVariable(&engine.Variable{Name: "x", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Eternity, Formulas: two})
	assert.ErrorIs(t, err, engine.ErrInvalidVariable, "eternity variables take one formula")

	// an update inherits what it leaves unset
	require.NoError(t, w.system.UpdateVariable(&engine.Variable{Name: "net_salary", Label: "Net"}))
	v, err := w.system.GetVariable("net_salary")
	require.NoError(t, err)
	assert.Equal(t, periods.Month, v.DefinitionPeriod)
	assert.Equal(t, "Net", v.Label)
	assert.Len(t, v.Formulas, 1)

	// re-adding with the registered variable as reference replaces it
	require.NoError(t, w.system.AddVariable(&engine.Variable{Name: "net_salary", ValueType: array.KindFloat,
		Entity: "person", DefinitionPeriod: periods.Month, Reference: v}))

	clone := w.system.Clone()
	require.NoError(t, clone.NeutralizeVariable("income_tax"))
	orig, err := w.system.GetVariable("income_tax")
	require.NoError(t, err)
	assert.False(t, orig.IsNeutralized())
}

// =============================================================================
// TRACE, PROJECTIONS, CLONE
// =============================================================================

func TestTrace(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t, engine.WithTrace())
	for _, m := range mustSub(t, p("2015"), periods.Month) {
		require.NoError(t, s.SetInput("gross_salary", m, array.Float{1000, 0, 0}))
	}
	_, err := s.Calculate("income_tax", p("2015"))
	require.NoError(t, err)

	roots := s.Traceback().Roots()
	require.Len(t, roots, 1)
	root := roots[0]
	assert.Equal(t, "income_tax", root.Variable)
	assert.Len(t, root.Children, 12)
	assert.Equal(t, []engine.ParameterRead{{Path: "tax.rate", Value: "0.15"}}, root.Parameters)
	assert.Equal(t, "gross_salary", root.Children[0].Children[0].Variable)
	assert.True(t, root.Children[0].Children[0].Cached)

	var out strings.Builder
	require.NoError(t, s.Traceback().Print(&out))
	assert.True(t, strings.HasPrefix(out.String(), "income_tax<2015> >> ["), out.String())
	assert.Contains(t, out.String(), "\n  net_salary<2015-01> >> [800 0 0]\n")
	assert.Contains(t, out.String(), "gross_salary<2015-01> >> [1000 0 0] (cached)")
	assert.Contains(t, out.String(), "  tax.rate = 0.15")
}

func TestGroupFormulas(t *testing.T) {
	w := newWorld(t)
	w.add(t, &engine.Variable{
		Name: "household_net", ValueType: array.KindFloat, Entity: "household", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			net, err := v.MembersCalc("net_salary", period)
			if err != nil {
				return nil, err
			}
			return v.Sum(net, "")
		}}},
	})
	w.add(t, &engine.Variable{
		Name: "share_of_household", ValueType: array.KindFloat, Entity: "person", DefinitionPeriod: periods.Month,
		Formulas: []engine.DatedFormula{{Func: func(v *engine.View, period periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
			total, err := v.FromGroup("household", "household_net", period)
			if err != nil {
				return nil, err
			}
			own, err := v.Float("net_salary", period)
			if err != nil {
				return nil, err
			}
			return array.Zip(own, total, func(x, y float64) float64 {
				if y == 0 {
					return 0
				}
				return x / y
			})
		}}},
	})
	s := w.sim(t)
	require.NoError(t, s.SetInput("gross_salary", p("2016-01"), array.Float{1000, 3000, 500}))

	hh := floats(t)(s.Calculate("household_net", p("2016-01")))
	assert.Equal(t, array.Float{3200, 400}, hh)
	share := floats(t)(s.Calculate("share_of_household", p("2016-01")))
	assert.Equal(t, array.Float{0.25, 0.75, 1}, share)

	// a person view cannot read household variables directly
	_, err := s.Calculate("household_net", p("2016-01"))
	require.NoError(t, err)
	pv, err := s.View("person")
	require.NoError(t, err)
	_, err = pv.Calc("household_net", p("2016-01"))
	assert.ErrorIs(t, err, engine.ErrInvalidVariable)

	isParent, err := pv.HasRole("household", "parent")
	require.NoError(t, err)
	assert.Equal(t, array.Bool{true, false, true}, isParent)
}

func TestCloneAndInvalidate(t *testing.T) {
	w := newWorld(t)
	s := w.sim(t)
	require.NoError(t, s.SetInput("gross_salary", p("2016-01"), array.Float{1000, 0, 0}))
	_, err := s.Calculate("net_salary", p("2016-01"))
	require.NoError(t, err)

	c := s.Clone()
	require.NoError(t, c.Invalidate("gross_salary", p("2016")))
	require.NoError(t, c.Invalidate("net_salary", p("2016")))
	require.NoError(t, c.SetInput("gross_salary", p("2016-01"), array.Float{2000, 0, 0}))

	orig := floats(t)(s.Calculate("net_salary", p("2016-01")))
	changed := floats(t)(c.Calculate("net_salary", p("2016-01")))
	assert.Equal(t, 800.0, orig[0])
	assert.Equal(t, 1600.0, changed[0])
	assert.Contains(t, s.KnownVariables(), "net_salary")
	assert.IsNonDecreasing(t, s.KnownVariables())
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, engine.IsClientError(&engine.PeriodMismatchError{}))
	assert.True(t, engine.IsNotFound(&engine.VariableNotFoundError{Name: "x"}))
	assert.False(t, engine.IsNotFound(errors.New("boom")))
}

func mustSub(t *testing.T, period periods.Period, unit periods.Unit) []periods.Period {
	t.Helper()
	subs, err := period.Subperiods(unit)
	require.NoError(t, err)
	return subs
}
