package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the bridge. Tool stages are StageToolPrefix plus
// the tool name.
const (
	StageUpstreamOpen = "upstream_open"
	StagePersist      = "persist"
	StageToolPrefix   = "tool:"
)

// Budgets for p95 per stage. A tool answer past its budget is a silence the
// caller notices.
var stageBudgets = map[string]time.Duration{
	StageUpstreamOpen: 2 * time.Second,
	StagePersist:      500 * time.Millisecond,
	StageToolPrefix:   3 * time.Second,
}

type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	Observed   int     `json:"observed"`
	Failures   int     `json:"failures"`
	LastMS     float64 `json:"last_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudget bool    `json:"over_budget"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
}

// LatencyWindow keeps the latest samples and failure counts per bridge stage.
// Prometheus histograms cover long-term trends; this backs /api/perf/latency.
type LatencyWindow struct {
	mu     sync.Mutex
	size   int
	stages map[string]*stageSeries
}

type stageSeries struct {
	samples  []time.Duration
	pos      int
	observed int
	failures int
}

func (s *stageSeries) add(d time.Duration, size int) {
	if len(s.samples) < size {
		s.samples = append(s.samples, d)
	} else {
		s.samples[s.pos] = d
		s.pos = (s.pos + 1) % size
	}
	s.observed++
}

func (s *stageSeries) last() time.Duration {
	if len(s.samples) == 0 {
		return 0
	}
	if s.pos == 0 {
		return s.samples[len(s.samples)-1]
	}
	return s.samples[s.pos-1]
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{size: size, stages: make(map[string]*stageSeries)}
}

func (w *LatencyWindow) series(stage string) *stageSeries {
	s, ok := w.stages[stage]
	if !ok {
		s = &stageSeries{}
		w.stages[stage] = s
	}
	return s
}

// Record adds a successful sample for stage.
func (w *LatencyWindow) Record(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	w.series(stage).add(d, w.size)
	w.mu.Unlock()
}

// RecordFailure counts a failed attempt at stage without a latency sample.
func (w *LatencyWindow) RecordFailure(stage string) {
	if w == nil || stage == "" {
		return
	}
	w.mu.Lock()
	w.series(stage).failures++
	w.mu.Unlock()
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	snap := LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for name, s := range w.stages {
		sorted := append([]time.Duration(nil), s.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		st := StageLatency{
			Stage:    name,
			Samples:  len(sorted),
			Observed: s.observed,
			Failures: s.failures,
			LastMS:   millis(s.last()),
		}
		if len(sorted) > 0 {
			st.P50MS = millis(nearestRank(sorted, 0.50))
			st.P95MS = millis(nearestRank(sorted, 0.95))
			st.MaxMS = millis(sorted[len(sorted)-1])
		}
		if budget := stageBudget(name); budget > 0 {
			st.BudgetMS = millis(budget)
			st.OverBudget = len(sorted) > 0 && nearestRank(sorted, 0.95) > budget
		}
		snap.Stages = append(snap.Stages, st)
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })
	return snap
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.stages = make(map[string]*stageSeries)
	w.mu.Unlock()
}

// nearestRank expects sorted to be non-empty and ascending.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func stageBudget(stage string) time.Duration {
	if strings.HasPrefix(stage, StageToolPrefix) {
		return stageBudgets[StageToolPrefix]
	}
	return stageBudgets[stage]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
