package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstDelta, 500)
	w.Observe(StageFirstDelta, 700)
	w.Observe(StageFirstDelta, 900)
	w.ObserveIndicator("clip_failed")
	w.ObserveIndicator("clip_failed")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, StageFirstDelta, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 1200.0, s.TargetP95MS)
	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, Indicator{Name: "clip_failed", Count: 2}, snap.Indicators[0])
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe("x", 1)
	w.Observe("x", 2)
	w.Observe("x", 3)
	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 2.5, snap.Stages[0].AvgMS)
}

func TestLogSinkCountsDiagnostics(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	sink := NewLogSink(zap.NewNop(), m)

	sink.Diagnostic(Diagnostic{Kind: DiagFrameDropped, Reason: "invalid_json"})
	sink.Diagnostic(Diagnostic{Kind: DiagFrameDropped, Reason: "invalid_json"})
	sink.Diagnostic(Diagnostic{Kind: DiagPlaybackFailed, Reason: "open", Err: errors.New("bad codec")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues("invalid_json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clips.WithLabelValues("failed")))
}

func TestFanoutSkipsNil(t *testing.T) {
	var a, b Recorder
	sink := Fanout(&a, nil, &b)
	sink.Diagnostic(Diagnostic{Kind: DiagTTSFailed})
	assert.Len(t, a.Items(), 1)
	assert.Len(t, b.Items(), 1)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("chatty", false)
	require.Error(t, err)

	l, err := NewLogger("debug", true)
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFirstDelta(time.Second)
	m.ObserveStage(StageTTS, time.Second)
	m.ObserveIndicator("x")
	assert.Empty(t, m.SnapshotStages().Stages)
}
