/*
js.go - JavaScript formulas

PURPOSE:
  Variables declared in YAML carry their formulas as JavaScript function
  bodies. Each body is compiled once when the package loads. Every
  evaluation runs it in a fresh goja runtime bound to the formula's view,
  so formulas share no state.

FORMULA ENVIRONMENT:
  period                  the requested period, as a string
  count                   number of entities in the view
  extra                   extra parameters passed to the calculation
  calc(name, [p])         variable values for this entity kind
  add(name, [p])          sum over sub-periods of p
  divide(name, [p])       wider value pro-rated on p
  param(path, [instant])  legislation leaf, at the period start by default
  scale(path, base, [instant])  apply a rate or amount scale to an array
  group(key, name, [p])   for persons: value of their group
  hasRole(key, role)      for persons: membership flags
  members(name, [p])      for groups: values of the member persons
  sum(values, [role])     for groups: fold member values per group
  any(values, [role])     for groups
  memberCount([role])     for groups
  lastMonth([p]) lastYear([p]) thisYear([p]) offset(n, [p])

  A body returns an array with one element per entity, or a scalar that is
  broadcast. Enum values are exchanged by name and dates as ISO strings.

EXAMPLE:
  var salary = calc("salary");
  var rate = param("taxes.income_tax_rate");
  return salary.map(function (s) { return s * rate; });
*/
package countrypkg

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
)

// ErrFormula is returned when a JavaScript formula fails to compile, throws
// or returns something that is not an array of the variable's kind.
var ErrFormula = errors.New("formula error")

func wrapSrc(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

// CompileJS compiles a formula body for v. name identifies the formula in
// error messages.
func CompileJS(v *engine.Variable, name, src string) (engine.Formula, error) {
	p, err := goja.Compile(name, wrapSrc(src), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormula, name, err)
	}
	return func(view *engine.View, period periods.Period, params engine.ParametersAt, extra ...any) (array.Array, error) {
		env := &jsEnv{rt: goja.New(), view: view, period: period, params: params, v: v}
		if err := env.install(extra); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormula, name, err)
		}
		val, err := runProgram(env.rt, p)
		if env.err != nil {
			// errors raised by the engine keep their type
			return nil, env.err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormula, name, err)
		}
		out, err := fromJS(v, view.Count(), val.Export())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormula, name, err)
		}
		return out, nil
	}, nil
}

// runProgram turns Go panics escaping the runtime into errors.
func runProgram(rt *goja.Runtime, p *goja.Program) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rt.RunProgram(p)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

type jsEnv struct {
	rt     *goja.Runtime
	view   *engine.View
	period periods.Period
	params engine.ParametersAt
	v      *engine.Variable
	err    error
}

// fail records the first Go error and throws it into the script.
func (e *jsEnv) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	panic(e.rt.NewGoError(err))
}

func (e *jsEnv) install(extra []any) error {
	globals := map[string]any{
		"period": e.period.String(),
		"count":  e.view.Count(),
		"extra":  extra,

		"calc":        e.calculator(e.view.Calc),
		"add":         e.calculator(e.view.Add),
		"divide":      e.calculator(e.view.Divide),
		"param":       e.param,
		"scale":       e.scale,
		"group":       e.group,
		"hasRole":     e.hasRole,
		"members":     e.members,
		"sum":         e.sum,
		"any":         e.any,
		"memberCount": e.memberCount,
		"lastMonth":   e.periodFunc(periods.Period.LastMonth),
		"lastYear":    e.periodFunc(periods.Period.LastYear),
		"thisYear":    e.periodFunc(periods.Period.ThisYear),
		"offset":      e.offset,
	}
	for name, value := range globals {
		if err := e.rt.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// periodArg reads an optional period argument, defaulting to the formula's.
func (e *jsEnv) periodArg(call goja.FunctionCall, i int) periods.Period {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return e.period
	}
	p, err := periods.Parse(arg.String())
	if err != nil {
		e.fail(err)
	}
	return p
}

func (e *jsEnv) instantArg(call goja.FunctionCall, i int) periods.Instant {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return e.period.Start()
	}
	at, err := periods.ParseInstant(arg.String())
	if err != nil {
		e.fail(err)
	}
	return at
}

func (e *jsEnv) calculator(fn func(string, periods.Period, ...any) (array.Array, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		arr, err := fn(name, e.periodArg(call, 1))
		if err != nil {
			e.fail(err)
		}
		return e.toJS(name, arr)
	}
}

func (e *jsEnv) toJS(name string, arr array.Array) goja.Value {
	v, err := e.view.Simulation().System().GetVariable(name)
	if err != nil {
		e.fail(err)
	}
	items := make([]any, arr.Len())
	for i := range items {
		items[i] = scenario.Display(v, arr, i)
	}
	return e.rt.NewArray(items...)
}

func (e *jsEnv) floatsToJS(arr array.Array) goja.Value {
	items := make([]any, arr.Len())
	for i := range items {
		items[i] = array.At(arr, i)
	}
	return e.rt.NewArray(items...)
}

func (e *jsEnv) legislation(call goja.FunctionCall, i int) *parameters.CompactNode {
	return e.params(e.instantArg(call, i))
}

func (e *jsEnv) param(call goja.FunctionCall) goja.Value {
	path := call.Argument(0).String()
	v, err := e.legislation(call, 1).Get(path)
	if err != nil {
		e.fail(err)
	}
	switch v.(type) {
	case bool, int64, float64:
		return e.rt.ToValue(v)
	}
	e.fail(fmt.Errorf("%w: %q is not a single value, use scale()", parameters.ErrInvalidParameter, path))
	return nil
}

func (e *jsEnv) scale(call goja.FunctionCall) goja.Value {
	path := call.Argument(0).String()
	base := e.floatArg(call, 1)
	v, err := e.legislation(call, 2).Get(path)
	if err != nil {
		e.fail(err)
	}
	switch s := v.(type) {
	case *parameters.MarginalRateScale:
		return e.floatsToJS(s.Calc(base))
	case *parameters.AmountScale:
		return e.floatsToJS(s.Calc(base))
	}
	e.fail(fmt.Errorf("%w: %q is not a scale", parameters.ErrInvalidParameter, path))
	return nil
}

func (e *jsEnv) group(call goja.FunctionCall) goja.Value {
	key, name := call.Argument(0).String(), call.Argument(1).String()
	arr, err := e.view.FromGroup(key, name, e.periodArg(call, 2))
	if err != nil {
		e.fail(err)
	}
	return e.toJS(name, arr)
}

func (e *jsEnv) hasRole(call goja.FunctionCall) goja.Value {
	flags, err := e.view.HasRole(call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		e.fail(err)
	}
	return e.floatsToJS(flags)
}

func (e *jsEnv) members(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	arr, err := e.view.MembersCalc(name, e.periodArg(call, 1))
	if err != nil {
		e.fail(err)
	}
	return e.toJS(name, arr)
}

func (e *jsEnv) roleArg(call goja.FunctionCall, i int) string {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return ""
	}
	return arg.String()
}

func (e *jsEnv) sum(call goja.FunctionCall) goja.Value {
	out, err := e.view.Sum(e.floatArg(call, 0), e.roleArg(call, 1))
	if err != nil {
		e.fail(err)
	}
	return e.floatsToJS(out)
}

func (e *jsEnv) any(call goja.FunctionCall) goja.Value {
	out, err := e.view.Any(e.boolArg(call, 0), e.roleArg(call, 1))
	if err != nil {
		e.fail(err)
	}
	return e.floatsToJS(out)
}

func (e *jsEnv) memberCount(call goja.FunctionCall) goja.Value {
	out, err := e.view.MemberCount(e.roleArg(call, 0))
	if err != nil {
		e.fail(err)
	}
	return e.floatsToJS(out)
}

func (e *jsEnv) periodFunc(fn func(periods.Period) periods.Period) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return e.rt.ToValue(fn(e.periodArg(call, 0)).String())
	}
}

func (e *jsEnv) offset(call goja.FunctionCall) goja.Value {
	n := int(call.Argument(0).ToInteger())
	return e.rt.ToValue(e.periodArg(call, 1).Offset(n).String())
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (e *jsEnv) exportList(call goja.FunctionCall, i int) []any {
	items, ok := call.Argument(i).Export().([]any)
	if !ok {
		e.fail(fmt.Errorf("%w: argument %d must be an array", ErrFormula, i+1))
	}
	return items
}

func (e *jsEnv) floatArg(call goja.FunctionCall, i int) array.Float {
	items := e.exportList(call, i)
	out := make(array.Float, len(items))
	for j, x := range items {
		switch n := x.(type) {
		case int64:
			out[j] = float64(n)
		case float64:
			out[j] = n
		case bool:
			if n {
				out[j] = 1
			}
		default:
			e.fail(fmt.Errorf("%w: element %d is a %T, not a number", ErrFormula, j, x))
		}
	}
	return out
}

func (e *jsEnv) boolArg(call goja.FunctionCall, i int) array.Bool {
	items := e.exportList(call, i)
	out := make(array.Bool, len(items))
	for j, x := range items {
		switch b := x.(type) {
		case bool:
			out[j] = b
		case int64:
			out[j] = b != 0
		case float64:
			out[j] = b != 0
		default:
			e.fail(fmt.Errorf("%w: element %d is a %T, not a boolean", ErrFormula, j, x))
		}
	}
	return out
}

// fromJS converts a formula's exported result to an array of v's kind.
func fromJS(v *engine.Variable, n int, raw any) (array.Array, error) {
	items, isList := raw.([]any)
	if !isList {
		x, err := scenario.Scalar(v, raw)
		if err != nil {
			return nil, err
		}
		return array.Filled(v.ValueType, n, x)
	}
	if len(items) != n {
		return nil, fmt.Errorf("returned %d values for %d entities", len(items), n)
	}
	out := v.DefaultArray(n)
	for i, item := range items {
		x, err := scenario.Scalar(v, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		array.SetAt(out, i, x)
	}
	return out, nil
}
