package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/microsim/array"
	"github.com/warp/microsim/engine"
	"github.com/warp/microsim/periods"
	"github.com/warp/microsim/reforms"
	"github.com/warp/microsim/scenario"
	"github.com/warp/microsim/store/sqlite"
)

// =============================================================================
// CALCULATION HELPERS
// =============================================================================

// RunOptions tune the simulations built for a request.
type RunOptions struct {
	MaxCycles int // engine.NoCycles disables cycle tolerance
	Trace     bool
	Debug     bool
	Logger    *slog.Logger
}

func (o RunOptions) engineOptions(maxCycles *int) []engine.Option {
	k := o.MaxCycles
	if maxCycles != nil {
		k = *maxCycles
	}
	opts := []engine.Option{engine.WithMaxCycles(k)}
	if o.Logger != nil {
		opts = append(opts, engine.WithLogger(o.Logger))
	}
	if o.Trace {
		opts = append(opts, engine.WithTrace())
	}
	if o.Debug {
		opts = append(opts, engine.WithDebug())
	}
	return opts
}

// ReformedSystem applies the named reforms to base, in order.
func ReformedSystem(base *engine.System, names []string) (*engine.System, error) {
	if len(names) == 0 {
		return base, nil
	}
	rs, err := reforms.LookupAll(names)
	if err != nil {
		return nil, err
	}
	return reforms.Compose(base, rs...)
}

// NewSimulation builds the simulation a calculate request describes.
func NewSimulation(base *engine.System, req CalculateRequest, opts RunOptions) (*engine.Simulation, periods.Period, error) {
	if req.Period == "" {
		return nil, periods.Period{}, fmt.Errorf("%w: period is required", periods.ErrInvalidPeriod)
	}
	period, err := periods.Parse(req.Period)
	if err != nil {
		return nil, period, err
	}
	sys, err := ReformedSystem(base, req.Reforms)
	if err != nil {
		return nil, period, err
	}
	situation, err := scenario.Expand(sys, req.Input)
	if err != nil {
		return nil, period, err
	}
	sim, err := situation.Simulation(sys, period, opts.engineOptions(req.MaxCycles)...)
	return sim, period, err
}

// Calculate evaluates every requested variable on period and collects the
// values by entity plural and id. Enums are reported by name and dates as
// ISO strings.
func Calculate(sim *engine.Simulation, period periods.Period, names []string) (map[string]map[string]map[string]any, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no variables requested", ErrInvalidRequest)
	}
	sys := sim.System()
	out := make(map[string]map[string]map[string]any)
	for _, name := range names {
		v, err := sys.GetVariable(name)
		if err != nil {
			return nil, err
		}
		arr, err := sim.Calculate(name, period)
		if err != nil {
			return nil, err
		}
		e, err := sys.Entity(v.Entity)
		if err != nil {
			return nil, err
		}
		pop, err := sim.Populations().Of(e.Key)
		if err != nil {
			return nil, err
		}
		byID := out[e.Plural]
		if byID == nil {
			byID = make(map[string]map[string]any)
			out[e.Plural] = byID
		}
		for i, id := range pop.IDs() {
			if byID[id] == nil {
				byID[id] = make(map[string]any)
			}
			byID[id][name] = scenario.Display(v, arr, i)
		}
	}
	return out, nil
}

// Totals sums each variable over its population. Bool variables count the
// true values; variables of other non-numeric kinds are skipped.
func Totals(sim *engine.Simulation, period periods.Period, names []string) (map[string]float64, error) {
	out := make(map[string]float64, len(names))
	for _, name := range names {
		arr, err := sim.Calculate(name, period)
		if err != nil {
			return nil, err
		}
		if !arr.Kind().Additive() && arr.Kind() != array.KindBool {
			continue
		}
		floats, err := array.Floats(arr)
		if err != nil {
			return nil, err
		}
		var sum float64
		for _, f := range floats {
			sum += f
		}
		out[name] = sum
	}
	return out, nil
}

// RunDataset computes the totals of req.Variables over a stored dataset and
// records the run. The period defaults to the dataset's own. Once the
// calculation starts a run is recorded whether it succeeds or not, and the
// returned Run carries its ID.
func RunDataset(ctx context.Context, store *sqlite.Store, base *engine.System, name string, req DatasetCalculateRequest, opts RunOptions) (sqlite.Run, error) {
	ds, err := store.GetDataset(ctx, name)
	if err != nil {
		return sqlite.Run{}, err
	}
	period := ds.Period
	if req.Period != "" {
		if period, err = periods.Parse(req.Period); err != nil {
			return sqlite.Run{}, err
		}
	}
	if period.IsZero() {
		return sqlite.Run{}, fmt.Errorf("%w: dataset %q has no period, one is required", ErrInvalidRequest, name)
	}

	run := sqlite.Run{
		ID:      fmt.Sprintf("run-%d", time.Now().UnixNano()),
		Dataset: name,
		Period:  period.String(),
		Reforms: req.Reforms,
	}
	start := time.Now()
	totals, err := datasetTotals(ctx, store, base, name, period, req, opts)
	run.Duration = time.Since(start)
	if err != nil {
		run.Status, run.Error = "failed", err.Error()
	} else {
		run.Status, run.Totals = "completed", totals
	}
	if serr := store.SaveRun(ctx, run); serr != nil {
		if err == nil {
			err = serr
		}
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failed to record run", "run", run.ID, "error", serr)
	}
	return run, err
}

func datasetTotals(ctx context.Context, store *sqlite.Store, base *engine.System, name string, period periods.Period, req DatasetCalculateRequest, opts RunOptions) (map[string]float64, error) {
	if len(req.Variables) == 0 {
		return nil, fmt.Errorf("%w: no variables requested", ErrInvalidRequest)
	}
	built, err := store.LoadDataset(ctx, name, base)
	if err != nil {
		return nil, err
	}
	sys, err := ReformedSystem(base, req.Reforms)
	if err != nil {
		return nil, err
	}
	sim, err := built.Simulation(sys, period, opts.engineOptions(nil)...)
	if err != nil {
		return nil, err
	}
	return Totals(sim, period, req.Variables)
}
