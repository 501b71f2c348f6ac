package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages recorded per turn.
const (
	StageFirstDelta = "send_to_first_delta"
	StageTurnTotal  = "turn_total"
	StageTTS        = "tts_request"
	StageClipWait   = "enqueue_to_playback"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent size samples per stage.
type stageWindow struct {
	mu         sync.RWMutex
	size       int
	samples    map[string][]float64
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		samples:    make(map[string][]float64),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	vals := w.samples[stage]
	if len(vals) == w.size {
		copy(vals, vals[1:])
		vals = vals[:len(vals)-1]
	}
	w.samples[stage] = append(vals, ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		if vals := w.samples[stage]; len(vals) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, vals))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// summarize reports vals, oldest first, for one stage.
func summarize(stage string, vals []float64) StageStats {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(vals[len(vals)-1]),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(nearestRank(sorted, 50)),
		P95MS:       round2(nearestRank(sorted, 95)),
		TargetP95MS: targetP95MS(stage),
	}
}

// nearestRank returns the pct-th percentile of an ascending slice.
func nearestRank(sorted []float64, pct int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func targetP95MS(stage string) float64 {
	switch stage {
	case StageFirstDelta:
		return 1200
	case StageTTS:
		return 1500
	case StageTurnTotal:
		return 8000
	}
	return 0
}
