/*
main.go - fisca command-line entry point

PURPOSE:
  fisca loads a country package (entities, parameters, variables, tests)
  and serves it over HTTP, evaluates situations, runs the package's tests
  and manages stored datasets.

COMMANDS:
  serve       HTTP API with optional hot reload of the country package
  calculate   Evaluate variables over a situation file
  test        Run the country package's YAML tests
  params      Show a parameter, optionally at an instant
  dataset     List, seed, calculate and delete stored datasets

CONFIGURATION:
  Flags override FISCA_* environment variables, which override
  .fisca.yaml (current directory, then home), which overrides defaults.

    fisca serve --country ./countries/demo --db ./data/fisca.db --watch
    FISCA_LOG_LEVEL=debug fisca calculate -i household.yaml -p 2017-01 -v income_tax

SEE ALSO:
  - root.go: Flags and configuration loading
  - config/config.go: Settings and defaults
*/
package main

// Country packages register their Go formulas and reforms on import.
import _ "github.com/warp/microsim/countries/demo"

func main() {
	Execute()
}
