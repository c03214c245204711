/*
simulation.go - The calculation engine

PURPOSE:
  A Simulation binds a population to a System and resolves any variable on
  any period, caching every result in per-variable holders.

HOW A READ IS RESOLVED:
  1. Periods that do not match the definition period are sent to
     CalculateAdd (wider) or CalculateDivide (narrower) for additive types,
     and rejected otherwise
  2. Neutralized variables return their default, ignoring the cache
  3. A cached array for (variable, period, extra) is returned as is
  4. Past the variable's End, the default is stored and returned
  5. The (variable, period) frame is pushed on the cycle stack and the base
     function runs, usually the dated formula in force at period start
  6. The result is cast to the variable's type, checked for length and
     cached unless the variable is opted out

CYCLES:
  A frame already on the stack is a cycle. Without a budget this is a
  CycleError. With WithMaxCycles(k) (or CalculateWithCycles) every re-entry
  consumes one unit of budget and, once the budget is spent, the re-entry
  yields the default value instead of recursing. Values computed inside such
  a cycle are not cached. The budget is restored whenever the stack empties.

  A Simulation is not safe for concurrent use.

SEE ALSO:
  - basefuncs.go: the base functions of step 5
  - periodic.go: CalculateAdd, CalculateDivide and SetInput
  - view.go: what formulas see
*/
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/entities"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/periods"
)

// NoCycles disables the cycle budget: any re-entry is a CycleError.
const NoCycles = -1

type frameKey struct {
	name   string
	period periods.Period
	extra  string
}

// Simulation evaluates variables on a population.
type Simulation struct {
	system  *System
	pops    *entities.Populations
	holders map[string]*Holder
	views   map[string]*View

	stack       []frameKey
	maxCycles   int
	cyclesLeft  int
	invalidated map[frameKey]bool

	optOut map[string]bool
	debug  bool
	tracer *Tracer
	logger *slog.Logger
	period periods.Period
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithTrace records a calculation tree readable through Traceback.
func WithTrace() Option {
	return func(s *Simulation) { s.tracer = &Tracer{} }
}

// WithDebug logs every formula run at debug level.
func WithDebug() Option {
	return func(s *Simulation) { s.debug = true }
}

// WithOptOut disables caching of computed values for the named variables.
func WithOptOut(names ...string) Option {
	return func(s *Simulation) {
		for _, n := range names {
			s.optOut[n] = true
		}
	}
}

// WithMaxCycles grants a cycle budget per top-level call. Every re-entry
// spends one unit and the re-entry that empties the budget yields the
// variable's default, so k re-entries are tolerated and the last of them is
// cut short. Budgets 0 and 1 both cut the first re-entry. NoCycles disables
// the budget: any re-entry is a CycleError.
func WithMaxCycles(k int) Option {
	return func(s *Simulation) { s.maxCycles = k }
}

// WithLogger sets the logger used for warnings and debug output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulation) { s.logger = l }
}

// WithPeriod sets the default period used by drivers such as decompositions.
func WithPeriod(p periods.Period) Option {
	return func(s *Simulation) { s.period = p }
}

// New creates a simulation. pops must provide a population for the person
// kind and for every group kind of the system.
func New(system *System, pops *entities.Populations, opts ...Option) (*Simulation, error) {
	if pops.Persons.Entity.Key != system.Person().Key {
		return nil, fmt.Errorf("%w: population of %q, system persons are %q",
			ErrEntityNotFound, pops.Persons.Entity.Key, system.Person().Key)
	}
	for _, g := range system.Groups() {
		if _, ok := pops.Groups[g.Key]; !ok {
			return nil, fmt.Errorf("%w: no population for %q", ErrEntityNotFound, g.Key)
		}
	}
	s := &Simulation{
		system:      system,
		pops:        pops,
		holders:     make(map[string]*Holder),
		views:       make(map[string]*View),
		maxCycles:   NoCycles,
		invalidated: make(map[frameKey]bool),
		optOut:      make(map[string]bool),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cyclesLeft = s.maxCycles
	return s, nil
}

// System returns the system the simulation evaluates.
func (s *Simulation) System() *System { return s.system }

// Populations returns the bound population.
func (s *Simulation) Populations() *entities.Populations { return s.pops }

// Period returns the default period set with WithPeriod.
func (s *Simulation) Period() periods.Period { return s.period }

// Traceback returns the calculation tree, or nil when tracing is off.
func (s *Simulation) Traceback() *Tracer { return s.tracer }

// Holder returns the cache of a variable.
func (s *Simulation) Holder(name string) (*Holder, error) {
	v, err := s.system.GetVariable(name)
	if err != nil {
		return nil, err
	}
	return s.holder(v)
}

func (s *Simulation) holder(v *Variable) (*Holder, error) {
	if h, ok := s.holders[v.Name]; ok {
		return h, nil
	}
	n, err := s.pops.Count(v.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntityNotFound, err)
	}
	h := newHolder(v, n)
	s.holders[v.Name] = h
	return h, nil
}

// KnownVariables lists, sorted by name, the variables with at least one
// stored array.
func (s *Simulation) KnownVariables() []string {
	var out []string
	for name, h := range s.holders {
		if h.Len() > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Invalidate drops the cached values of name intersecting period.
func (s *Simulation) Invalidate(name string, period periods.Period) error {
	h, err := s.Holder(name)
	if err != nil {
		return err
	}
	h.DeleteRange(period)
	return nil
}

// Clone returns a simulation with copies of the holders and a fresh stack.
// Arrays are shared, which is safe because stored arrays are never mutated.
func (s *Simulation) Clone() *Simulation {
	out := &Simulation{
		system:      s.system,
		pops:        s.pops,
		holders:     make(map[string]*Holder, len(s.holders)),
		views:       make(map[string]*View),
		maxCycles:   s.maxCycles,
		cyclesLeft:  s.maxCycles,
		invalidated: make(map[frameKey]bool),
		optOut:      s.optOut,
		debug:       s.debug,
		logger:      s.logger,
		period:      s.period,
	}
	if s.tracer != nil {
		out.tracer = &Tracer{}
	}
	for k, h := range s.holders {
		out.holders[k] = h.clone()
	}
	return out
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate returns the value of name on period for every entity of the
// variable's kind, in population order. The returned array is shared with
// the cache and must not be modified.
func (s *Simulation) Calculate(name string, period periods.Period, extra ...any) (array.Array, error) {
	v, err := s.system.GetVariable(name)
	if err != nil {
		return nil, err
	}
	return s.calculate(v, period, extra)
}

// CalculateWithCycles is Calculate with a cycle budget of k for this call
// only. It must be called from outside any formula.
func (s *Simulation) CalculateWithCycles(name string, period periods.Period, k int, extra ...any) (array.Array, error) {
	if len(s.stack) > 0 {
		return nil, fmt.Errorf("%w: CalculateWithCycles called from inside a formula", ErrCycle)
	}
	saved := s.maxCycles
	s.maxCycles, s.cyclesLeft = k, k
	defer func() { s.maxCycles, s.cyclesLeft = saved, saved }()
	return s.Calculate(name, period, extra...)
}

func (s *Simulation) calculate(v *Variable, period periods.Period, extra []any) (array.Array, error) {
	def := v.DefinitionPeriod
	switch {
	case def == periods.Eternity:
		period = periods.EternityPeriod
	case period.Unit() == def && period.Size() == 1:
	case !v.ValueType.Additive():
		return nil, &PeriodMismatchError{Variable: v.Name, Period: period, Expected: def,
			Hint: fmt.Sprintf("%s values cannot be added or divided across periods", v.ValueType)}
	case sameGrain(period.Unit(), def) || period.Unit().Compare(def) > 0:
		return s.calculateAdd(v, period, extra)
	default:
		return s.calculateDivide(v, period, extra)
	}
	return s.compute(v, period, extra)
}

// compute resolves v on a period of its own definition unit.
func (s *Simulation) compute(v *Variable, period periods.Period, extra []any) (result array.Array, err error) {
	key := frameKey{v.Name, period, extraKey(extra)}
	n, err := s.pops.Count(v.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntityNotFound, err)
	}

	node := s.tracer.enter(v.Name, period, key.extra)
	cached := false
	defer func() { s.tracer.exit(node, result, err, cached) }()

	if v.IsNeutralized() {
		return v.DefaultArray(n), nil
	}
	h, err := s.holder(v)
	if err != nil {
		return nil, err
	}
	if arr := h.get(period, key.extra); arr != nil {
		cached = true
		return arr, nil
	}
	if !v.End.IsZero() && period.Start().After(v.End) {
		arr := v.DefaultArray(n)
		return arr, h.put(period, key.extra, arr)
	}

	if s.onStack(key) {
		if s.maxCycles < 0 {
			return nil, s.cycleError(key)
		}
		s.cyclesLeft--
		if s.cyclesLeft <= 0 {
			s.invalidateSpiral(key)
			s.logger.Debug("cycle budget spent, using default", "variable", v.Name, "period", period.String())
			return v.DefaultArray(n), nil
		}
	}

	s.stack = append(s.stack, key)
	defer func() {
		s.stack = s.stack[:len(s.stack)-1]
		if len(s.stack) == 0 {
			s.resetCycles()
		}
	}()
	result, err = s.runBase(v, period, extra)
	if err != nil {
		var pnf *parameters.ParameterNotFoundError
		if errors.As(err, &pnf) {
			pnf.VariableName = v.Name
		}
		return nil, err
	}

	result, err = s.conform(v, result, n)
	if err != nil {
		return nil, err
	}
	if s.optOut[v.Name] || s.invalidated[key] {
		return result, nil
	}
	return result, h.put(period, key.extra, result)
}

// conform casts a formula result to the variable's type and checks its
// length.
func (s *Simulation) conform(v *Variable, arr array.Array, n int) (array.Array, error) {
	if arr == nil {
		return nil, &TypeMismatchError{Variable: v.Name, Expected: v.ValueType, Got: v.ValueType, ExpectedLength: n}
	}
	if arr.Kind() != v.ValueType {
		cast, err := array.Cast(arr, v.ValueType)
		if err != nil {
			return nil, &TypeMismatchError{Variable: v.Name, Expected: v.ValueType, Got: arr.Kind(), ExpectedLength: n, GotLength: arr.Len()}
		}
		arr = cast
	}
	if arr.Len() != n {
		return nil, &TypeMismatchError{Variable: v.Name, Expected: v.ValueType, Got: v.ValueType, ExpectedLength: n, GotLength: arr.Len()}
	}
	return arr, nil
}

// =============================================================================
// CYCLE STACK
// =============================================================================

func (s *Simulation) onStack(key frameKey) bool {
	for _, f := range s.stack {
		if f == key {
			return true
		}
	}
	return false
}

func (s *Simulation) cycleError(key frameKey) error {
	stack := make([]Frame, 0, len(s.stack)+1)
	for _, f := range s.stack {
		stack = append(stack, Frame{Name: f.name, Period: f.period})
	}
	stack = append(stack, Frame{Name: key.name, Period: key.period})
	return &CycleError{Name: key.name, Period: key.period, Stack: stack}
}

// invalidateSpiral marks every frame from the top of the stack down to the
// first occurrence of key as uncacheable.
func (s *Simulation) invalidateSpiral(key frameKey) {
	for i := len(s.stack) - 1; i >= 0; i-- {
		s.invalidated[s.stack[i]] = true
		if s.stack[i] == key {
			return
		}
	}
}

func (s *Simulation) resetCycles() {
	s.cyclesLeft = s.maxCycles
	clear(s.invalidated)
}

// =============================================================================
// FORMULAS
// =============================================================================

// RunFormula evaluates the formula of v in force at period start, or
// returns the default array when none applies. Custom base functions use it
// to fall back on formulas.
func (s *Simulation) RunFormula(v *Variable, period periods.Period, extra []any) (array.Array, error) {
	f, ok := v.FormulaAt(period.Start())
	if !ok {
		n, err := s.pops.Count(v.Entity)
		if err != nil {
			return nil, err
		}
		return v.DefaultArray(n), nil
	}
	return s.runFormula(v, f, period, extra)
}

func (s *Simulation) runFormula(v *Variable, f *DatedFormula, period periods.Period, extra []any) (array.Array, error) {
	view, err := s.View(v.Entity)
	if err != nil {
		return nil, err
	}
	node := s.tracer.current()
	params := func(instant periods.Instant) *parameters.CompactNode {
		c := s.system.Legislation().At(instant)
		if node != nil {
			c = c.WithObserver(node.recordParameter)
		}
		return c
	}
	var start time.Time
	if s.debug {
		start = time.Now()
	}
	result, err := f.Func(view, period, params, extra...)
	if s.debug {
		s.logger.Debug("formula",
			"variable", v.Name,
			"period", period.String(),
			"formula_start", f.Start.String(),
			"elapsed", time.Since(start),
			"error", err,
		)
	}
	return result, err
}
