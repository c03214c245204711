/*
testcase.go - YAML test cases for country packages

PURPOSE:
  Country packages ship their legislation with executable examples: an
  input situation, a period and the expected outputs. The runner builds a
  simulation for each case (applying the reforms it names) and compares
  every expected output.

FILE FORMAT:
  A file holds one case or a list of cases.

    - name: Net salary in March
      period: 2016-03
      absolute_error_margin: 0.01
      reforms: [flat_tax]
      input:
        gross_salary: 2000        # one person, shorthand form
      output:
        net_salary: 1600

  input is either a full situation (keys are entity plurals) or a flat map
  of variables for a single person, its groups created on the fly. output
  maps a variable to a value for every entity, a list with one value per
  entity, or a map of period to either. It may also be keyed by entity
  plural then id to check single entities.

  Numbers match when within absolute_error_margin or within
  relative_error_margin times the expected value. Without margins the
  absolute margin is 1e-9.

SEE ALSO:
  - situation.go: the input format
  - reforms/registry.go: reform names
*/
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/reforms"
)

const defaultMargin = 1e-9

// TestCase is one executable example.
type TestCase struct {
	Name                string         `yaml:"name" json:"name"`
	Description         string         `yaml:"description,omitempty" json:"description,omitempty"`
	Period              string         `yaml:"period" json:"period"`
	AbsoluteErrorMargin *float64       `yaml:"absolute_error_margin,omitempty" json:"absolute_error_margin,omitempty"`
	RelativeErrorMargin *float64       `yaml:"relative_error_margin,omitempty" json:"relative_error_margin,omitempty"`
	Reforms             []string       `yaml:"reforms,omitempty" json:"reforms,omitempty"`
	MaxCycles           *int           `yaml:"max_cycles,omitempty" json:"max_cycles,omitempty"`
	Input               map[string]any `yaml:"input" json:"input"`
	Output              map[string]any `yaml:"output" json:"output"`

	// File is the file the case was read from.
	File string `yaml:"-" json:"file,omitempty"`
}

// Result is the outcome of one case.
type Result struct {
	Name     string   `json:"name"`
	File     string   `json:"file,omitempty"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// =============================================================================
// LOADING
// =============================================================================

// Decode reads one case or a list of cases.
func Decode(r io.Reader) ([]TestCase, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse test file: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	var cases []TestCase
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&cases); err != nil {
			return nil, fmt.Errorf("failed to decode test cases: %w", err)
		}
	case yaml.MappingNode:
		var tc TestCase
		if err := root.Decode(&tc); err != nil {
			return nil, fmt.Errorf("failed to decode test case: %w", err)
		}
		cases = []TestCase{tc}
	default:
		return nil, fmt.Errorf("test file must hold a case or a list of cases")
	}
	for i := range cases {
		cases[i].Input = normalizeMap(cases[i].Input)
		cases[i].Output = normalizeMap(cases[i].Output)
	}
	return cases, nil
}

// DecodeInput reads a situation or test input written in YAML or JSON, in
// the form Expand accepts.
func DecodeInput(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSituation, err)
	}
	return normalizeMap(raw), nil
}

// LoadFile reads the cases of a YAML file.
func LoadFile(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cases, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range cases {
		cases[i].File = path
		if cases[i].Name == "" {
			cases[i].Name = fmt.Sprintf("%s#%d", filepath.Base(path), i+1)
		}
	}
	return cases, nil
}

// LoadPath reads a YAML file, or every .yaml and .yml file below a
// directory in lexical order.
func LoadPath(path string) ([]TestCase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return LoadFile(path)
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(p); !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []TestCase
	for _, f := range files {
		cases, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, cases...)
	}
	return out, nil
}

// =============================================================================
// RUNNING
// =============================================================================

// RunAll runs cases in order.
func RunAll(sys *engine.System, cases []TestCase) []Result {
	out := make([]Result, len(cases))
	for i, tc := range cases {
		out[i] = Run(sys, tc)
	}
	return out
}

// Run runs one case against sys.
func Run(sys *engine.System, tc TestCase) Result {
	res := Result{Name: tc.Name, File: tc.File}
	failures, err := run(sys, tc)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Failures = failures
	res.Passed = len(failures) == 0
	return res
}

func run(sys *engine.System, tc TestCase) ([]string, error) {
	period, err := periods.Parse(tc.Period)
	if err != nil {
		return nil, fmt.Errorf("period: %w", err)
	}
	if len(tc.Reforms) > 0 {
		rs, err := reforms.LookupAll(tc.Reforms)
		if err != nil {
			return nil, err
		}
		if sys, err = reforms.Compose(sys, rs...); err != nil {
			return nil, err
		}
	}
	situation, err := Expand(sys, tc.Input)
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if tc.MaxCycles != nil {
		opts = append(opts, engine.WithMaxCycles(*tc.MaxCycles))
	}
	sim, err := situation.Simulation(sys, period, opts...)
	if err != nil {
		return nil, err
	}

	c := checker{sim: sim, period: period, abs: defaultMargin}
	if tc.AbsoluteErrorMargin != nil {
		c.abs = *tc.AbsoluteErrorMargin
	}
	if tc.RelativeErrorMargin != nil {
		c.rel = *tc.RelativeErrorMargin
		if tc.AbsoluteErrorMargin == nil {
			c.abs = 0
		}
	}
	for _, key := range sortedKeys(tc.Output) {
		if err := c.check(key, tc.Output[key]); err != nil {
			return nil, err
		}
	}
	return c.failures, nil
}

// Expand turns test input into a situation. Input keyed by entity plurals
// or keys is already a situation; otherwise it is a flat map of variables
// for a single person.
func Expand(sys *engine.System, input map[string]any) (Situation, error) {
	isEntity := func(k string) bool {
		_, err := sys.Entity(k)
		return err == nil
	}
	out := Situation{}
	if len(input) == 0 {
		out[sys.Person().Plural] = map[string]map[string]any{sys.Person().Key: {}}
		return out, nil
	}
	flat := true
	for k := range input {
		if isEntity(k) {
			flat = false
			break
		}
	}
	if !flat {
		for k, raw := range input {
			ents, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s must map ids to entities", ErrInvalidSituation, k)
			}
			byID := make(map[string]map[string]any, len(ents))
			for id, fields := range ents {
				m, ok := fields.(map[string]any)
				if !ok && fields != nil {
					return nil, fmt.Errorf("%w: %s %q must be a map", ErrInvalidSituation, k, id)
				}
				if m == nil {
					m = map[string]any{}
				}
				byID[id] = m
			}
			out[k] = byID
		}
		return out, nil
	}

	id := sys.Person().Key
	out[sys.Person().Plural] = map[string]map[string]any{id: {}}
	for name, raw := range input {
		v, err := sys.GetVariable(name)
		if err != nil {
			return nil, err
		}
		e, err := sys.Entity(v.Entity)
		if err != nil {
			return nil, err
		}
		if out[e.Plural] == nil {
			fields := map[string]any{}
			if roles := e.FlatRoles(); !e.IsPerson && len(roles) > 0 {
				fields[roles[0].Key] = []any{id}
			}
			out[e.Plural] = map[string]map[string]any{id: fields}
		}
		out[e.Plural][id][name] = raw
	}
	return out, nil
}

// =============================================================================
// OUTPUT CHECKS
// =============================================================================

type checker struct {
	sim      *engine.Simulation
	period   periods.Period
	abs, rel float64
	failures []string
}

func (c *checker) check(key string, expected any) error {
	if e, err := c.sim.System().Entity(key); err == nil {
		return c.checkEntities(e.Key, expected)
	}
	v, err := c.sim.System().GetVariable(key)
	if err != nil {
		return err
	}
	if dated, ok := expected.(map[string]any); ok {
		for _, pk := range sortedKeys(dated) {
			p, err := periods.Parse(pk)
			if err != nil {
				return fmt.Errorf("output %s: %w", key, err)
			}
			if err := c.checkAll(v, p, dated[pk]); err != nil {
				return err
			}
		}
		return nil
	}
	return c.checkAll(v, c.period, expected)
}

func (c *checker) checkAll(v *engine.Variable, p periods.Period, expected any) error {
	got, err := c.sim.Calculate(v.Name, p)
	if err != nil {
		return err
	}
	if list, ok := expected.([]any); ok {
		if len(list) != got.Len() {
			c.failf("%s@%s: expected %d values, got %d", v.Name, p, len(list), got.Len())
			return nil
		}
		for i, x := range list {
			if err := c.compare(v, p, got, i, x); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < got.Len(); i++ {
		if err := c.compare(v, p, got, i, expected); err != nil {
			return err
		}
	}
	return nil
}

// checkEntities handles output keyed by entity plural then id.
func (c *checker) checkEntities(kind string, expected any) error {
	byID, ok := expected.(map[string]any)
	if !ok {
		return fmt.Errorf("output %s must map ids to variables", kind)
	}
	pop, err := c.sim.Populations().Of(kind)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(byID) {
		idx, ok := pop.IndexOf(id)
		if !ok {
			return fmt.Errorf("output %s: unknown id %q", kind, id)
		}
		fields, ok := byID[id].(map[string]any)
		if !ok {
			return fmt.Errorf("output %s %q must map variables to values", kind, id)
		}
		for _, name := range sortedKeys(fields) {
			v, err := c.sim.System().GetVariable(name)
			if err != nil {
				return err
			}
			checks := map[string]any{c.period.String(): fields[name]}
			if dated, ok := fields[name].(map[string]any); ok {
				checks = dated
			}
			for _, pk := range sortedKeys(checks) {
				p, err := periods.Parse(pk)
				if err != nil {
					return err
				}
				got, err := c.sim.Calculate(name, p)
				if err != nil {
					return err
				}
				if err := c.compare(v, p, got, idx, checks[pk]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *checker) compare(v *engine.Variable, p periods.Period, got array.Array, i int, expected any) error {
	want, err := Scalar(v, expected)
	if err != nil {
		return err
	}
	actual := array.At(got, i)
	switch w := want.(type) {
	case float64:
		a, _ := number(actual)
		if !c.close(a, w) {
			c.failf("%s@%s[%d]: expected %v, got %v", v.Name, p, i, w, a)
		}
	case int64:
		a, _ := number(actual)
		if !c.close(a, float64(w)) {
			c.failf("%s@%s[%d]: expected %v, got %v", v.Name, p, i, w, actual)
		}
	default:
		if actual != want {
			c.failf("%s@%s[%d]: expected %v, got %v", v.Name, p, i, expected, Display(v, got, i))
		}
	}
	return nil
}

func (c *checker) close(got, want float64) bool {
	diff := math.Abs(got - want)
	return diff <= c.abs || diff <= c.rel*math.Abs(want)
}

func (c *checker) failf(format string, args ...any) {
	c.failures = append(c.failures, fmt.Sprintf(format, args...))
}

// Summary renders results one per line followed by a count.
func Summary(results []Result) string {
	var b strings.Builder
	passed := 0
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(&b, "ERROR %s: %s\n", r.Name, r.Error)
		case r.Passed:
			passed++
			fmt.Fprintf(&b, "ok    %s\n", r.Name)
		default:
			fmt.Fprintf(&b, "FAIL  %s\n", r.Name)
			for _, f := range r.Failures {
				fmt.Fprintf(&b, "      %s\n", f)
			}
		}
	}
	fmt.Fprintf(&b, "%d/%d passed\n", passed, len(results))
	return b.String()
}
