package countrypkg_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/decomposition"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"

	_ "github.com/warp/microsim/countries/demo"
)

const demoDir = "../countries/demo"

// =============================================================================
// ENTITIES
// =============================================================================

func TestParseEntities(t *testing.T) {
	person, groups, err := countrypkg.ParseEntities([]byte(`
[person]
key = "person"

[[groups]]
key = "family"
plural = "families"
  [[groups.roles]]
  key = "parent"
  max = 2
    [[groups.roles.subroles]]
    key = "first_parent"
    max = 1
  [[groups.roles]]
  key = "child"
  plural = "children"
`))
	require.NoError(t, err)
	assert.True(t, person.IsPerson)
	assert.Equal(t, "persons", person.Plural)
	require.Len(t, groups, 1)

	first, ok := groups[0].Role("first_parent")
	require.True(t, ok)
	parent, _ := groups[0].Role("parents")
	assert.True(t, first.Is(parent), "sub-roles are linked to their parent")
	assert.Len(t, groups[0].FlatRoles(), 3)
}

func TestParseEntities_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no person", `[[groups]]
key = "family"`},
		{"group without roles", `[person]
key = "person"
[[groups]]
key = "family"`},
		{"bad toml", `[person`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := countrypkg.ParseEntities([]byte(tt.src))
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// PARAMETERS
// =============================================================================

func TestParseParameter_ClosedSeries(t *testing.T) {
	item, err := countrypkg.ParseParameter("allowance", []byte(`
description: Share of the rent
unit: /1
values:
  2022-01-01: 0.3
  2016-12-01: 0.25
  2020-01-01: {value: null}
`))
	require.NoError(t, err)
	p := item.(*parameters.Parameter)
	assert.Equal(t, parameters.FormatRate, p.Format)
	assert.Equal(t, "Share of the rent", p.Metadata.Description)

	values := p.Values()
	require.Len(t, values, 2)
	assert.Equal(t, periods.MustParseInstant("2019-12-31"), values[0].Stop)
	assert.True(t, values[0].Value.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, values[1].Stop.IsZero())

	_, ok := p.At(periods.MustParseInstant("2021-06-01"))
	assert.False(t, ok, "null closes the series")
	v, ok := p.At(periods.MustParseInstant("2023-01-01"))
	require.True(t, ok)
	assert.Equal(t, "0.3", v.String())
}

func TestParseParameter_Formats(t *testing.T) {
	item, err := countrypkg.ParseParameter("enabled", []byte("values:\n  2015-01-01: true\n  2017-01-01: false\n"))
	require.NoError(t, err)
	assert.Equal(t, parameters.FormatBool, item.(*parameters.Parameter).Format)

	item, err = countrypkg.ParseParameter("age", []byte("metadata: {format: int}\nvalues:\n  2015-01-01: 18\n"))
	require.NoError(t, err)
	assert.Equal(t, parameters.FormatInt, item.(*parameters.Parameter).Format)

	_, err = countrypkg.ParseParameter("bad", []byte("values:\n  2015-01-01: abc\n"))
	assert.ErrorIs(t, err, parameters.ErrInvalidParameter)

	_, err = countrypkg.ParseParameter("bad", []byte("values:\n  not-a-date: 1\n"))
	assert.ErrorIs(t, err, parameters.ErrInvalidParameter)
}

func TestLoadParameters_Demo(t *testing.T) {
	root, err := countrypkg.LoadParameters(filepath.Join(demoDir, "parameters"))
	require.NoError(t, err)
	assert.Equal(t, "Demo legislation", root.Metadata.Description)
	assert.Equal(t, []string{"benefits", "general", "taxes"}, root.Keys())

	at := parameters.NewLegislation(root).At(periods.MustParseInstant("2017-01-01"))

	rate, err := at.Float("taxes.income_tax_rate")
	require.NoError(t, err)
	assert.Equal(t, 0.16, rate)

	majority, err := at.Get("general.age_of_majority")
	require.NoError(t, err)
	assert.Equal(t, int64(18), majority)

	ssc, err := at.MarginalRate("taxes.social_security_contribution")
	require.NoError(t, err)
	assert.InDelta(t, 160, ssc.CalcValue(3000), 1e-9)

	late := parameters.NewLegislation(root).At(periods.MustParseInstant("2021-01-01"))
	_, err = late.Float("benefits.housing_allowance")
	assert.ErrorIs(t, err, parameters.ErrParameterNotFound)
}

// =============================================================================
// JAVASCRIPT FORMULAS
// =============================================================================

// newSystem declares persons in households with an income input and a rate
// parameter of 0.1.
func newSystem(t *testing.T, decls map[string]countrypkg.VariableDecl) *engine.System {
	t.Helper()
	person, groups, err := countrypkg.ParseEntities([]byte(`
[person]
key = "person"
[[groups]]
key = "household"
  [[groups.roles]]
  key = "parent"
  plural = "parents"
`))
	require.NoError(t, err)

	rate, err := countrypkg.ParseParameter("rate", []byte("values:\n  2010-01-01: 0.1\n"))
	require.NoError(t, err)
	root := parameters.NewNode("")
	require.NoError(t, root.Add(rate))

	sys, err := engine.NewSystem(person, groups, parameters.NewLegislation(root))
	require.NoError(t, err)

	income := countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month"}
	v, err := income.Build("income", nil)
	require.NoError(t, err)
	require.NoError(t, sys.AddVariable(v))

	for name, d := range decls {
		v, err := d.Build(name, nil)
		require.NoError(t, err)
		require.NoError(t, sys.AddVariable(v))
	}
	return sys
}

func js(entity, kind, body string) countrypkg.VariableDecl {
	return countrypkg.VariableDecl{ValueType: kind, Entity: entity, DefinitionPeriod: "month", Formula: body}
}

func newSim(t *testing.T, sys *engine.System) *engine.Simulation {
	t.Helper()
	s := scenario.Situation{
		"persons": {
			"a": {"income": map[string]any{"2016-01": 50, "2015-12": 10}},
			"b": {"income": map[string]any{"2016-01": 150}},
		},
		"households": {"h": {"parents": []any{"a", "b"}}},
	}
	sim, err := s.Simulation(sys, periods.MustParse("2016-01"))
	require.NoError(t, err)
	return sim
}

func TestJS_Formulas(t *testing.T) {
	sys := newSystem(t, map[string]countrypkg.VariableDecl{
		"double":   js("person", "float", `return calc("income").map(function (x) { return 2 * x; });`),
		"rich":     js("person", "bool", `return calc("income").map(function (x) { return x > 100; });`),
		"constant": js("person", "int", `return 7;`),
		"previous": js("person", "float", `return calc("income", lastMonth());`),
		"taxed":    js("person", "float", `var r = param("rate"); return calc("income").map(function (x) { return x * r; });`),
		"total":    js("household", "float", `return sum(members("income"));`),
		"parents":  js("household", "int", `return memberCount("parent");`),
		"share": js("person", "float", `var t = group("household", "total");
return calc("income").map(function (x, i) { return x / t[i]; });`),
		"bracket": {ValueType: "enum", Entity: "person", DefinitionPeriod: "month",
			PossibleValues: []string{"low", "high"}, Default: "low",
			Formula: `var rich = calc("rich");
return rich.map(function (r) { return r ? "high" : "low"; });`},
	})
	sim := newSim(t, sys)
	jan := periods.MustParse("2016-01")

	tests := []struct {
		name string
		want array.Array
	}{
		{"double", array.Float{100, 300}},
		{"rich", array.Bool{false, true}},
		{"constant", array.Int{7, 7}},
		{"previous", array.Float{10, 0}},
		{"taxed", array.Float{5, 15}},
		{"total", array.Float{200}},
		{"parents", array.Int{2}},
		{"share", array.Float{0.25, 0.75}},
		{"bracket", array.Enum{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sim.Calculate(tt.name, jan)
			require.NoError(t, err)
			if f, ok := tt.want.(array.Float); ok {
				assert.InDeltaSlice(t, []float64(f), []float64(got.(array.Float)), 1e-9)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJS_Errors(t *testing.T) {
	sys := newSystem(t, map[string]countrypkg.VariableDecl{
		"short":    js("person", "float", `return [1];`),
		"throws":   js("person", "float", `throw new Error("boom");`),
		"unknown":  js("person", "float", `return calc("nope");`),
		"no_param": js("person", "float", `return param("missing.rate");`),
		"not_num":  js("person", "float", `return {a: 1};`),
	})
	sim := newSim(t, sys)
	jan := periods.MustParse("2016-01")

	_, err := sim.Calculate("short", jan)
	assert.ErrorIs(t, err, countrypkg.ErrFormula)
	assert.Contains(t, err.Error(), "returned 1 values for 2 entities")

	_, err = sim.Calculate("throws", jan)
	assert.ErrorIs(t, err, countrypkg.ErrFormula)
	assert.Contains(t, err.Error(), "boom")

	// engine errors keep their type through the script
	_, err = sim.Calculate("unknown", jan)
	assert.ErrorIs(t, err, engine.ErrVariableNotFound)

	_, err = sim.Calculate("no_param", jan)
	var notFound *parameters.ParameterNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing.rate", notFound.Path)

	_, err = sim.Calculate("not_num", jan)
	assert.ErrorIs(t, err, countrypkg.ErrFormula)
}

func TestVariableDecl_Errors(t *testing.T) {
	countrypkg.RegisterFormula("test.zero", func(v *engine.View, _ periods.Period, _ engine.ParametersAt, _ ...any) (array.Array, error) {
		return v.Filled(0), nil
	})
	tests := []struct {
		name string
		decl countrypkg.VariableDecl
		want error
	}{
		{"syntax", js("person", "float", `return (;`), countrypkg.ErrFormula},
		{"bad kind", js("person", "complex", `return 0;`), engine.ErrInvalidVariable},
		{"bad period", countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "decade"}, engine.ErrInvalidVariable},
		{"js and go", countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month",
			Formulas: []countrypkg.FormulaDecl{{JS: "return 0;", Go: "test.zero"}}}, engine.ErrInvalidVariable},
		{"unknown go formula", countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month",
			Formulas: []countrypkg.FormulaDecl{{Go: "test.nope"}}}, countrypkg.ErrFormulaNotFound},
		{"bad start", countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month",
			Formulas: []countrypkg.FormulaDecl{{Start: "2015-13-01", Go: "test.zero"}}}, engine.ErrInvalidVariable},
		{"bad base function", countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month",
			BaseFunction: "whatever"}, engine.ErrInvalidVariable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.decl.Build("x", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	v, err := countrypkg.VariableDecl{ValueType: "float", Entity: "person", DefinitionPeriod: "month",
		Formulas: []countrypkg.FormulaDecl{{Go: "test.zero"}}}.Build("zero", nil)
	require.NoError(t, err)
	assert.Len(t, v.Formulas, 1)
	assert.Contains(t, countrypkg.FormulaNames(), "test.zero")
}

func TestLoadVariables_Duplicate(t *testing.T) {
	dir := t.TempDir()
	decl := "x:\n  value_type: float\n  entity: person\n  definition_period: month\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(decl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(decl), 0o644))

	_, err := countrypkg.LoadVariables(dir, nil)
	assert.ErrorIs(t, err, engine.ErrVariableNameConflict)
}

// =============================================================================
// DEMO COUNTRY
// =============================================================================

func TestLoad_Demo(t *testing.T) {
	pkg, err := countrypkg.Load(demoDir)
	require.NoError(t, err)

	assert.True(t, pkg.System.HasVariable("household_income"))
	require.NotNil(t, pkg.Decomposition)
	assert.Equal(t, "household_income", pkg.Decomposition.Code)
	assert.Len(t, pkg.Tests, 5)

	v, err := pkg.System.GetVariable("housing_occupancy_status")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Default, "enum defaults are stored as indices")
}

func TestLoad_DemoTestsPass(t *testing.T) {
	pkg, err := countrypkg.Load(demoDir)
	require.NoError(t, err)

	for _, r := range pkg.RunTests() {
		assert.True(t, r.Passed, "%s (%s): %v %s", r.Name, r.File, r.Failures, r.Error)
	}
}

func TestLoad_DemoDecomposition(t *testing.T) {
	pkg, err := countrypkg.Load(demoDir)
	require.NoError(t, err)

	// GIVEN one tenant household with a salaried parent and a child
	s := scenario.Situation{
		"persons": {
			"ann": {"salary": 2000, "birth": map[string]any{"eternity": "1985-06-15"}},
			"ben": {"birth": map[string]any{"eternity": "2010-03-01"}},
		},
		"households": {"home": {"parents": "ann", "children": "ben", "rent": 800}},
	}
	sim, err := s.Simulation(pkg.System, periods.MustParse("2017-01"))
	require.NoError(t, err)

	// WHEN decomposing household income
	res, err := decomposition.Compute(sim, pkg.Decomposition, periods.Period{}, "household")
	require.NoError(t, err)

	// THEN the root adds up its components and matches the variable
	got := map[string]float64{}
	res.Walk(func(_ int, r *decomposition.Result) { got[r.Code] = r.Values[0] })
	assert.InDelta(t, 2000, got["salary"], 1e-9)
	assert.InDelta(t, 700, got["basic_income"], 1e-9)
	assert.InDelta(t, 200, got["housing_allowance"], 1e-9)
	assert.InDelta(t, -360, got["taxes"], 1e-9)
	assert.InDelta(t, 2540, got["household_income"], 1e-9)

	income, err := sim.Calculate("household_income", periods.MustParse("2017-01"))
	require.NoError(t, err)
	assert.InDelta(t, got["household_income"], income.(array.Float)[0], 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	_, err := countrypkg.Load(t.TempDir())
	assert.Error(t, err, "entities.toml is required")
}
