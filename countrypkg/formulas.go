/*
formulas.go - Named Go formulas

PURPOSE:
  Some formulas are easier to write in Go than in JavaScript (date
  arithmetic, loops over members). A country's Go package registers them by
  name and its variable files refer to that name:

    age:
      value_type: int
      entity: person
      definition_period: month
      formulas:
        - go: demo.age

USAGE:
  func init() {
      countrypkg.RegisterFormula("demo.age", age)
  }
*/
package countrypkg

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/microsim/engine"
)

// ErrFormulaNotFound is returned when a variable file names an unregistered
// Go formula.
var ErrFormulaNotFound = errors.New("formula not found")

var (
	formulas   = make(map[string]engine.Formula)
	formulasMu sync.RWMutex
)

// RegisterFormula adds a named formula, replacing any previous one.
func RegisterFormula(name string, f engine.Formula) {
	formulasMu.Lock()
	defer formulasMu.Unlock()
	formulas[name] = f
}

// LookupFormula finds a registered formula.
func LookupFormula(name string) (engine.Formula, error) {
	formulasMu.RLock()
	defer formulasMu.RUnlock()
	f, ok := formulas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFormulaNotFound, name)
	}
	return f, nil
}

// FormulaNames lists the registered formulas.
func FormulaNames() []string {
	formulasMu.RLock()
	defer formulasMu.RUnlock()
	out := make([]string, 0, len(formulas))
	for name := range formulas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
