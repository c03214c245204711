package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/microsim/countrypkg"
	"github.com/warp/microsim/periods"
)

func copyDemo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.CopyFS(dir, os.DirFS(demoDir)))
	return dir
}

func incomeTaxRate(t *testing.T, h *Handler, on string) float64 {
	t.Helper()
	rate, err := h.Package().System.Legislation().At(periods.MustParseInstant(on)).Float("taxes.income_tax_rate")
	require.NoError(t, err)
	return rate
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	// GIVEN a watched copy of the demo package
	dir := copyDemo(t)
	pkg, err := countrypkg.Load(dir)
	require.NoError(t, err)
	h := NewHandler(pkg, nil, RunOptions{})

	w, err := NewWatcher(dir, h)
	require.NoError(t, err)
	w.Debounce = 50 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()
	assert.InDelta(t, 0.16, incomeTaxRate(t, h, "2019-01-01"), 1e-12)

	// WHEN a parameter file gains a new value
	path := filepath.Join(dir, "parameters", "taxes", "income_tax_rate.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append(data, []byte("  2019-01-01: 0.18\n")...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	// THEN the handler serves the reloaded legislation
	require.Eventually(t, func() bool {
		return h.Package() != pkg
	}, 5*time.Second, 20*time.Millisecond)
	assert.InDelta(t, 0.18, incomeTaxRate(t, h, "2019-01-01"), 1e-12)
	assert.InDelta(t, 0.16, incomeTaxRate(t, h, "2018-01-01"), 1e-12)
}

func TestWatcher_KeepsPackageOnBrokenEdit(t *testing.T) {
	dir := copyDemo(t)
	pkg, err := countrypkg.Load(dir)
	require.NoError(t, err)
	h := NewHandler(pkg, nil, RunOptions{})

	w, err := NewWatcher(dir, h)
	require.NoError(t, err)

	// GIVEN a variables file that no longer parses
	require.NoError(t, os.WriteFile(filepath.Join(dir, "variables", "broken.yaml"), []byte("salary: [\n"), 0o644))

	// WHEN reloading THEN the error is reported and the package kept
	assert.Error(t, w.Reload())
	assert.Same(t, pkg, h.Package())
	w.Stop()
}
