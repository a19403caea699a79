package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Turn stages recorded by the pipeline and the queue.
const (
	StageRecognize          = "recognize"
	StageGenerateFirstDelta = "generate_first_delta"
	StageGenerate           = "generate"
	StageSynthesize         = "synthesize"
	StageFirstFragment      = "first_fragment"
	StageTaskTotal          = "task_total"
)

// DefaultStageBudgets are p95 latency budgets in milliseconds. A turn feels
// live when the first fragment lands within a second.
var DefaultStageBudgets = map[string]float64{
	StageRecognize:          800,
	StageGenerateFirstDelta: 700,
	StageSynthesize:         600,
	StageFirstFragment:      1200,
}

// Budget states reported per stage.
const (
	BudgetOK       = "ok"
	BudgetOver     = "over_budget"
	BudgetNoTarget = "no_target"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
	// BudgetP95MS is zero when the stage has no budget.
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	Budget      string  `json:"budget"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	// OverBudget names the stages whose p95 exceeds their budget.
	OverBudget []string `json:"over_budget"`
}

// StageWindow keeps the last N latency samples of each turn stage and
// compares their p95 against per-stage budgets.
type StageWindow struct {
	mu      sync.RWMutex
	size    int
	budgets map[string]float64
	stages  map[string]*samples
}

// samples is a fixed ring of the most recent observations.
type samples struct {
	buf  []float64
	n    int
	next int
	last float64
}

func (s *samples) add(ms float64) {
	s.buf[s.next] = ms
	s.last = ms
	s.next = (s.next + 1) % len(s.buf)
	if s.n < len(s.buf) {
		s.n++
	}
}

func (s *samples) sorted() []float64 {
	out := slices.Clone(s.buf[:s.n])
	slices.Sort(out)
	return out
}

// NewStageWindow keeps size samples per stage and judges stages against
// budgets. A nil budgets map uses DefaultStageBudgets.
func NewStageWindow(size int, budgets map[string]float64) *StageWindow {
	if size <= 0 {
		size = 256
	}
	if budgets == nil {
		budgets = DefaultStageBudgets
	}
	return &StageWindow{
		size:    size,
		budgets: maps.Clone(budgets),
		stages:  make(map[string]*samples),
	}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.stages[stage]
	if !ok {
		s = &samples{buf: make([]float64, w.size)}
		w.stages[stage] = s
	}
	s.add(ms)
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
		OverBudget:  []string{},
	}
	for _, stage := range slices.Sorted(maps.Keys(w.stages)) {
		s := w.stages[stage]
		if s.n == 0 {
			continue
		}
		sorted := s.sorted()
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		st := StageStats{
			Stage:   stage,
			Samples: s.n,
			LastMS:  round2(s.last),
			AvgMS:   round2(sum / float64(s.n)),
			P50MS:   round2(quantile(sorted, 0.50)),
			P95MS:   round2(quantile(sorted, 0.95)),
			P99MS:   round2(quantile(sorted, 0.99)),
			Budget:  BudgetNoTarget,
		}
		if budget, ok := w.budgets[stage]; ok && budget > 0 {
			st.BudgetP95MS = budget
			st.Budget = BudgetOK
			if st.P95MS > budget {
				st.Budget = BudgetOver
				snap.OverBudget = append(snap.OverBudget, stage)
			}
		}
		snap.Stages = append(snap.Stages, st)
	}
	return snap
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	q = min(max(q, 0), 1)
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
