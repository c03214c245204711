/*
Package countrypkg loads a country's legislation from a directory.

PURPOSE:
  A country package is data plus a few registered Go hooks. Loading one
  yields a ready System, the optional decomposition tree and the YAML test
  cases shipped with it.

LAYOUT:
  <dir>/
    entities.toml        person and group kinds (required)
    parameters/          legislation tree (optional)
    variables/*.yaml     variable declarations with their formulas (required)
    decomposition.hcl    decomposition tree (optional)
    tests/*.yaml         test cases (optional)

SEE ALSO:
  - entities.go, parameters.go, variables.go: file formats
  - js.go: the JavaScript formula environment
  - formulas.go: named Go formulas
*/
package countrypkg

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/warp/microsim/decomposition"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/parameters"
	"github.com/warp/microsim/scenario"
)

// Package is a loaded country package.
type Package struct {
	Dir           string
	System        *engine.System
	Decomposition *decomposition.Node
	Tests         []scenario.TestCase
}

type options struct {
	logger *slog.Logger
	vars   map[string]string
}

// Option configures Load.
type Option func(*options)

// WithLogger sets the logger used for load warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDecompositionVars sets the var.* values visible in decomposition.hcl.
func WithDecompositionVars(vars map[string]string) Option {
	return func(o *options) { o.vars = vars }
}

// Load reads the country package in dir.
func Load(dir string, opts ...Option) (*Package, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	person, groups, err := LoadEntities(filepath.Join(dir, "entities.toml"))
	if err != nil {
		return nil, err
	}

	root := parameters.NewNode("")
	if exists(filepath.Join(dir, "parameters")) {
		if root, err = LoadParameters(filepath.Join(dir, "parameters")); err != nil {
			return nil, err
		}
	}

	sys, err := engine.NewSystem(person, groups, parameters.NewLegislation(root))
	if err != nil {
		return nil, err
	}
	vars, err := LoadVariables(filepath.Join(dir, "variables"), o.logger)
	if err != nil {
		return nil, err
	}
	for _, v := range vars {
		if err := sys.AddVariable(v); err != nil {
			return nil, err
		}
	}

	pkg := &Package{Dir: dir, System: sys}
	if path := filepath.Join(dir, "decomposition.hcl"); exists(path) {
		tree, err := decomposition.Load(path, o.vars)
		if err != nil {
			return nil, err
		}
		if err := tree.Validate(sys); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pkg.Decomposition = tree
	}
	if path := filepath.Join(dir, "tests"); exists(path) {
		if pkg.Tests, err = scenario.LoadPath(path); err != nil {
			return nil, err
		}
	}

	o.logger.Info("country package loaded",
		"dir", dir,
		"variables", len(vars),
		"groups", len(groups),
		"tests", len(pkg.Tests))
	return pkg, nil
}

// RunTests runs the package's test cases against its system.
func (p *Package) RunTests() []scenario.Result {
	return scenario.RunAll(p.System, p.Tests)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
