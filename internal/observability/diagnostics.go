package observability

import (
	"sync"

	"go.uber.org/zap"
)

type DiagnosticKind string

const (
	// DiagFrameDropped is reported for each stream frame that carried no usable delta.
	DiagFrameDropped DiagnosticKind = "frame_dropped"
	// DiagPlaybackFailed is reported when a clip could not be opened or played.
	DiagPlaybackFailed DiagnosticKind = "playback_failed"
	// DiagTTSFailed is reported when synthesis for a completed turn failed.
	DiagTTSFailed DiagnosticKind = "tts_failed"
)

// Diagnostic is a non-fatal event: the operation that produced it kept going.
type Diagnostic struct {
	Kind      DiagnosticKind
	Reason    string
	SessionID string
	Detail    string
	Err       error
}

// DiagnosticSink receives non-fatal diagnostics. Implementations must be safe
// for concurrent use and must not block.
type DiagnosticSink interface {
	Diagnostic(d Diagnostic)
}

// DiagnosticFunc adapts a function to DiagnosticSink.
type DiagnosticFunc func(d Diagnostic)

func (f DiagnosticFunc) Diagnostic(d Diagnostic) { f(d) }

// Discard drops every diagnostic.
var Discard DiagnosticSink = DiagnosticFunc(func(Diagnostic) {})

// LogSink logs diagnostics and counts them in Prometheus.
type LogSink struct {
	logger  *zap.Logger
	metrics *Metrics
}

func NewLogSink(logger *zap.Logger, metrics *Metrics) *LogSink {
	return &LogSink{logger: OrNop(logger), metrics: metrics}
}

func (s *LogSink) Diagnostic(d Diagnostic) {
	fields := []zap.Field{
		zap.String("kind", string(d.Kind)),
		zap.String("reason", d.Reason),
	}
	if d.SessionID != "" {
		fields = append(fields, zap.String("session_id", d.SessionID))
	}
	if d.Detail != "" {
		fields = append(fields, zap.String("detail", d.Detail))
	}
	if d.Err != nil {
		fields = append(fields, zap.Error(d.Err))
	}

	switch d.Kind {
	case DiagFrameDropped:
		// Keepalives and the terminal done frame land here on every turn.
		s.logger.Debug("stream frame skipped", fields...)
		if s.metrics != nil {
			s.metrics.DroppedFrames.WithLabelValues(d.Reason).Inc()
		}
	case DiagPlaybackFailed:
		s.logger.Warn("audio clip skipped", fields...)
		if s.metrics != nil {
			s.metrics.Clips.WithLabelValues("failed").Inc()
			s.metrics.ObserveIndicator("clip_failed")
		}
	case DiagTTSFailed:
		s.logger.Warn("speech synthesis failed", fields...)
		if s.metrics != nil {
			s.metrics.ObserveIndicator("tts_failed")
		}
	default:
		s.logger.Info("diagnostic", fields...)
	}
}

// Recorder collects diagnostics in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Diagnostic
}

func (r *Recorder) Diagnostic(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, d)
}

// Items returns a copy of everything recorded so far.
func (r *Recorder) Items() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.items))
	copy(out, r.items)
	return out
}

// Fanout forwards each diagnostic to every non-nil sink.
func Fanout(sinks ...DiagnosticSink) DiagnosticSink {
	return DiagnosticFunc(func(d Diagnostic) {
		for _, s := range sinks {
			if s != nil {
				s.Diagnostic(d)
			}
		}
	})
}
