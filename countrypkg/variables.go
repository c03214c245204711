package countrypkg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/scenario"
	"gopkg.in/yaml.v3"
)

// VariableDecl is one variable as written in variables/*.yaml, keyed by
// name:
//
//	income_tax:
//	  value_type: float
//	  entity: person
//	  definition_period: month
//	  label: Income tax
//	  formulas:
//	    - start: 2013-01-01
//	      js: |
//	        var rate = param("taxes.income_tax_rate");
//	        return calc("salary").map(function (s) { return s * rate; });
type VariableDecl struct {
	ValueType        string        `yaml:"value_type"`
	Entity           string        `yaml:"entity"`
	DefinitionPeriod string        `yaml:"definition_period"`
	SetInput         string        `yaml:"set_input,omitempty"`
	BaseFunction     string        `yaml:"base_function,omitempty"`
	Default          any           `yaml:"default,omitempty"`
	PossibleValues   []string      `yaml:"possible_values,omitempty"`
	End              string        `yaml:"end,omitempty"`
	Label            string        `yaml:"label,omitempty"`
	Unit             string        `yaml:"unit,omitempty"`
	Documentation    string        `yaml:"documentation,omitempty"`
	Reference        string        `yaml:"reference,omitempty"`
	Formula          string        `yaml:"formula,omitempty"`
	Formulas         []FormulaDecl `yaml:"formulas,omitempty"`
}

// FormulaDecl is a dated formula given either as a JavaScript body or as
// the name of a registered Go formula.
type FormulaDecl struct {
	Start string `yaml:"start,omitempty"`
	Stop  string `yaml:"stop,omitempty"`
	JS    string `yaml:"js,omitempty"`
	Go    string `yaml:"go,omitempty"`
}

// LoadVariables reads every YAML file of dir. Declarations are returned
// sorted by name; a name declared twice is an error.
func LoadVariables(dir string, logger *slog.Logger) ([]*engine.Variable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading variables: %w", err)
	}
	decls := make(map[string]VariableDecl)
	origin := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := yamlStem(e.Name()); !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var file map[string]VariableDecl
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for name, d := range file {
			if prev, dup := origin[name]; dup {
				return nil, fmt.Errorf("%w: declared in %s and %s", &engine.VariableNameConflictError{Name: name}, prev, path)
			}
			decls[name], origin[name] = d, path
		}
	}

	names := make([]string, 0, len(decls))
	for name := range decls {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*engine.Variable, 0, len(names))
	for _, name := range names {
		v, err := decls[name].Build(name, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", origin[name], err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Build turns a declaration into a variable, compiling its formulas.
func (d VariableDecl) Build(name string, logger *slog.Logger) (*engine.Variable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, err := array.ParseKind(d.ValueType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrInvalidVariable, name, err)
	}
	unit, err := periods.ParseUnit(d.DefinitionPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrInvalidVariable, name, err)
	}
	policy, err := engine.ParseSetInputPolicy(d.SetInput)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	base, deprecated, err := engine.ParseBaseFunction(d.BaseFunction)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if deprecated {
		logger.Warn("deprecated base function", "variable", name, "base_function", d.BaseFunction, "use", base.String())
	}

	v := &engine.Variable{
		Name:             name,
		ValueType:        kind,
		Entity:           d.Entity,
		DefinitionPeriod: unit,
		SetInput:         policy,
		Base:             base,
		PossibleValues:   d.PossibleValues,
		Label:            d.Label,
		Unit:             d.Unit,
		Doc:              d.Documentation,
		Source:           d.Reference,
	}
	if d.Default != nil {
		if v.Default, err = scenario.Scalar(v, d.Default); err != nil {
			return nil, fmt.Errorf("%w: default of %v", engine.ErrInvalidVariable, err)
		}
	}
	if d.End != "" {
		if v.End, err = periods.ParseInstant(d.End); err != nil {
			return nil, fmt.Errorf("%w: %s: end: %v", engine.ErrInvalidVariable, name, err)
		}
	}

	decls := d.Formulas
	if d.Formula != "" {
		decls = append([]FormulaDecl{{JS: d.Formula}}, decls...)
	}
	for i, fd := range decls {
		f, err := fd.build(v, fmt.Sprintf("%s#%d", name, i))
		if err != nil {
			return nil, err
		}
		v.Formulas = append(v.Formulas, f)
	}
	return v, nil
}

func (fd FormulaDecl) build(v *engine.Variable, name string) (engine.DatedFormula, error) {
	var out engine.DatedFormula
	var err error
	if fd.Start != "" {
		if out.Start, err = periods.ParseInstant(fd.Start); err != nil {
			return out, fmt.Errorf("%w: %s: start: %v", engine.ErrInvalidVariable, name, err)
		}
	}
	if fd.Stop != "" {
		if out.Stop, err = periods.ParseInstant(fd.Stop); err != nil {
			return out, fmt.Errorf("%w: %s: stop: %v", engine.ErrInvalidVariable, name, err)
		}
	}
	switch {
	case fd.JS != "" && fd.Go != "":
		return out, fmt.Errorf("%w: %s: a formula is either js or go", engine.ErrInvalidVariable, name)
	case fd.JS != "":
		out.Func, err = CompileJS(v, name, fd.JS)
	case fd.Go != "":
		out.Func, err = LookupFormula(fd.Go)
	default:
		err = fmt.Errorf("%w: %s: empty formula", engine.ErrInvalidVariable, name)
	}
	return out, err
}
