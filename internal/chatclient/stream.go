package chatclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/frame"
	"github.com/ent0n29/personachat/internal/observability"
)

type chunk struct {
	data []byte
	err  error
}

// Stream is one in-flight chat response: a finite, non-restartable sequence
// of deltas. Next, Delta and Err must be called from a single goroutine;
// Close and State may be called from any goroutine.
type Stream struct {
	client    *Client
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	body     io.ReadCloser
	chunks   chan chunk
	splitter frame.Splitter
	pending  []Delta
	cur      Delta
	received atomic.Int32

	mu    sync.Mutex
	state State
	err   error
}

func newStream(ctx context.Context, cancel context.CancelFunc, c *Client, sessionID string) *Stream {
	return &Stream{
		client:    c,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		chunks:    make(chan chunk),
		state:     StateActive,
	}
}

func (s *Stream) start(body io.ReadCloser) {
	s.body = body
	go s.pump()
}

// pump copies body reads into s.chunks until the body fails or the stream
// context ends.
func (s *Stream) pump() {
	for {
		buf := make([]byte, s.client.readBufSize)
		n, err := s.body.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- chunk{data: buf[:n]}:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case s.chunks <- chunk{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
	}
}

// Next advances to the next delta. It returns false once the stream has
// completed, failed or been cancelled.
func (s *Stream) Next() bool {
	for {
		if s.State() != StateActive {
			s.pending = nil
			return false
		}
		if s.ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return false
		}
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if !s.wait() {
			return false
		}
	}
}

// wait blocks for the next chunk and reports whether the stream is still
// active afterwards.
func (s *Stream) wait() bool {
	var timeout <-chan time.Time
	if d := s.client.inactivity; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-s.ctx.Done():
		s.finish(StateCancelled, nil)
		return false
	case <-timeout:
		s.finish(StateFailed, &TransportError{Op: "read", URL: s.client.url, Err: ErrInactivityTimeout})
		return false
	case c := <-s.chunks:
		if s.ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return false
		}
		if c.err != nil {
			if errors.Is(c.err, io.EOF) {
				s.dropRemainder()
				s.finish(StateCompleted, nil)
			} else {
				s.finish(StateFailed, &TransportError{Op: "read", URL: s.client.url, Err: c.err})
			}
			return false
		}
		s.consume(c.data)
		return true
	}
}

func (s *Stream) consume(data []byte) {
	for _, raw := range s.splitter.Append(data) {
		text, ok, reason, detail := decodeFrame(raw)
		if !ok {
			s.client.diag.Diagnostic(observability.Diagnostic{
				Kind:      observability.DiagFrameDropped,
				Reason:    reason,
				SessionID: s.sessionID,
				Detail:    detail,
			})
			continue
		}
		s.received.Add(1)
		s.pending = append(s.pending, Delta{Text: text})
	}
}

// dropRemainder reports an undelimited tail left when the body ended. The
// remainder is never delivered.
func (s *Stream) dropRemainder() {
	if s.splitter.Pending() == 0 {
		return
	}
	s.client.diag.Diagnostic(observability.Diagnostic{
		Kind:      observability.DiagFrameDropped,
		Reason:    DropTruncated,
		SessionID: s.sessionID,
		Detail:    truncate(string(s.splitter.Remainder()), 120),
	})
	s.splitter.Reset()
}

// Delta returns the delta produced by the last successful Next.
func (s *Stream) Delta() Delta { return s.cur }

// Err returns the failure that ended the stream, or nil when it completed or
// was cancelled.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) SessionID() string { return s.sessionID }

// Close abandons the stream. Buffered, undelivered data is discarded. Close
// is idempotent and does not override an already terminal state.
func (s *Stream) Close() error {
	s.finish(StateCancelled, nil)
	return nil
}

func (s *Stream) finish(state State, err error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	s.mu.Unlock()

	s.cancel()
	if s.body != nil {
		_ = s.body.Close()
	}
	s.client.release(s)

	fields := []zap.Field{
		zap.String("session_id", s.sessionID),
		zap.String("state", string(state)),
		zap.Int32("deltas", s.received.Load()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		s.client.logger.Warn("chat stream ended", fields...)
		return
	}
	s.client.logger.Debug("chat stream ended", fields...)
}
