package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8, nil)
	for _, ms := range []time.Duration{500, 700, 900} {
		w.Observe(StageGenerateFirstDelta, ms*time.Millisecond)
	}

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.Budget != BudgetOver || s.BudgetP95MS != 700 {
		t.Fatalf("budget = %s/%.0f, want over_budget/700", s.Budget, s.BudgetP95MS)
	}
	if len(snap.OverBudget) != 1 || snap.OverBudget[0] != StageGenerateFirstDelta {
		t.Fatalf("OverBudget = %v", snap.OverBudget)
	}
}

func TestStageWindowBudgets(t *testing.T) {
	w := NewStageWindow(4, map[string]float64{StageSynthesize: 100})
	w.Observe(StageSynthesize, 40*time.Millisecond)
	w.Observe(StageTaskTotal, 3*time.Second)

	snap := w.Snapshot()
	if len(snap.OverBudget) != 0 {
		t.Fatalf("OverBudget = %v, want none", snap.OverBudget)
	}
	got := map[string]string{}
	for _, s := range snap.Stages {
		got[s.Stage] = s.Budget
	}
	if got[StageSynthesize] != BudgetOK || got[StageTaskTotal] != BudgetNoTarget {
		t.Fatalf("budgets = %v", got)
	}
}

func TestStageWindowWrapsAtCapacity(t *testing.T) {
	w := NewStageWindow(2, nil)
	for _, ms := range []time.Duration{10, 20, 30} {
		w.Observe(StageGenerate, ms*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
	if s.LastMS != 30 {
		t.Fatalf("LastMS = %.2f, want 30", s.LastMS)
	}
}

func TestMetricsUseIsolatedRegistry(t *testing.T) {
	a := NewMetrics("chorus_test")
	b := NewMetrics("chorus_test")

	a.ActiveConnections.Inc()
	a.ObserveTaskDuration(120 * time.Millisecond)

	if got := testutil.ToFloat64(a.ActiveConnections); got != 1 {
		t.Fatalf("a active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.ActiveConnections); got != 0 {
		t.Fatalf("b active = %v, want 0", got)
	}
	expected := `
# HELP chorus_test_active_connections Number of registered client connections.
# TYPE chorus_test_active_connections gauge
chorus_test_active_connections 1
`
	if err := testutil.GatherAndCompare(a.Registry(), strings.NewReader(expected), "chorus_test_active_connections"); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}
}
