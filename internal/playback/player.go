// Package playback plays audio clips one at a time, in the order they were
// enqueued, on a single output device.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/observability"
)

var (
	// ErrClosed is returned by Enqueue after Shutdown and passed to OnDone of
	// clips dropped by Shutdown.
	ErrClosed = errors.New("player closed")
	// ErrCancelled is passed to OnDone of a clip stopped by CancelCurrent.
	ErrCancelled = errors.New("playback cancelled")
)

// Clip is one unit of synthesized audio. The player owns Data from Enqueue
// until OnDone has been called.
type Clip struct {
	Data   []byte
	Format string
	// Label identifies the clip in logs, typically the turn id.
	Label string
	// OnStart, if set, runs on the player goroutine right before playback.
	OnStart func()
	// OnDone, if set, runs once with nil on success or the reason the clip
	// did not play to the end.
	OnDone func(err error)
}

type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
)

// Voice is the transient playable resource created for one clip.
type Voice interface {
	// Play blocks until the clip finished or ctx is done.
	Play(ctx context.Context) error
	// Close releases the resource. It is called exactly once per Voice.
	Close() error
}

// Device turns clips into voices. The player never opens a second voice
// before closing the previous one.
type Device interface {
	Open(ctx context.Context, clip Clip) (Voice, error)
}

type Options struct {
	Logger      *zap.Logger
	Diagnostics observability.DiagnosticSink
	// OnQueueChange observes state transitions and the number of clips
	// waiting or playing.
	OnQueueChange func(state State, pending int)
}

type queued struct {
	clip Clip
	at   time.Time
}

// current is a dequeued clip together with the context that stops it.
type current struct {
	queued
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Player is the sole user of its Device. It is safe for concurrent use.
type Player struct {
	device   Device
	logger   *zap.Logger
	diag     observability.DiagnosticSink
	onChange func(State, int)

	runCtx  context.Context
	stopRun context.CancelCauseFunc
	wake    chan struct{}
	done    chan struct{}

	// notifyMu orders OnQueueChange calls; each call reports the state
	// read under mu at that moment, so the last call is never stale.
	notifyMu sync.Mutex

	mu        sync.Mutex
	queue     []queued
	state     State
	playing   bool
	closed    bool
	cancelCur context.CancelCauseFunc
}

// NewPlayer starts the playback goroutine. Call Shutdown to stop it.
func NewPlayer(device Device, opts Options) *Player {
	diag := opts.Diagnostics
	if diag == nil {
		diag = observability.Discard
	}
	ctx, stop := context.WithCancelCause(context.Background())
	p := &Player{
		device:   device,
		logger:   observability.OrNop(opts.Logger),
		diag:     diag,
		onChange: opts.OnQueueChange,
		runCtx:   ctx,
		stopRun:  stop,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	go p.run()
	return p
}

// Enqueue appends clip to the queue. Playback starts at once when the player
// is idle; otherwise the clip waits for every clip enqueued before it.
func (p *Player) Enqueue(clip Clip) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, queued{clip: clip, at: time.Now()})
	p.state = StatePlaying
	p.mu.Unlock()

	p.notify()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelCurrent stops the clip that is playing, if any. Queued clips are
// not affected.
func (p *Player) CancelCurrent() {
	p.mu.Lock()
	cancel := p.cancelCur
	p.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

// Shutdown stops the current clip, drops queued clips and waits for the
// playback goroutine to exit. Later Enqueue calls fail with ErrClosed.
func (p *Player) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	var dropped []queued
	if !p.closed {
		p.closed = true
		dropped = p.queue
		p.queue = nil
	}
	p.mu.Unlock()

	p.stopRun(ErrClosed)
	for _, q := range dropped {
		finishClip(q.clip, ErrClosed)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending returns the number of clips waiting or playing.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingLocked()
}

func (p *Player) pendingLocked() int {
	n := len(p.queue)
	if p.playing {
		n++
	}
	return n
}

func (p *Player) run() {
	defer close(p.done)
	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.playOne(item)
	}
}

// next blocks until a clip is queued and marks it as playing. The clip's
// cancel func is installed under the same lock as the dequeue, so a
// CancelCurrent that observes the clip as playing always reaches it. It
// returns false once the player is closed.
func (p *Player) next() (current, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.playing = false
			p.state = StateIdle
			p.mu.Unlock()
			return current{}, false
		}
		if len(p.queue) > 0 {
			ctx, cancel := context.WithCancelCause(p.runCtx)
			item := current{queued: p.queue[0], ctx: ctx, cancel: cancel}
			p.queue[0] = queued{}
			p.queue = p.queue[1:]
			p.playing = true
			p.state = StatePlaying
			p.cancelCur = cancel
			p.mu.Unlock()
			p.notify()
			return item, true
		}
		wasPlaying := p.playing
		p.playing = false
		p.state = StateIdle
		p.mu.Unlock()

		if wasPlaying {
			p.notify()
		}
		select {
		case <-p.wake:
		case <-p.runCtx.Done():
		}
	}
}

func (p *Player) playOne(item current) {
	err := p.play(item.ctx, item.queued)

	p.mu.Lock()
	p.cancelCur = nil
	p.mu.Unlock()
	item.cancel(nil)

	finishClip(item.clip, err)
}

// play runs one clip to completion. Any failure counts as the clip having
// finished so the queue keeps moving.
func (p *Player) play(ctx context.Context, item queued) error {
	clip := item.clip
	logger := p.logger.With(zap.String("clip", clip.Label), zap.String("format", clip.Format))

	voice, err := p.device.Open(ctx, clip)
	if err != nil {
		if cause := stopCause(ctx); cause != nil {
			return cause
		}
		p.report(clip, "open", err)
		return err
	}

	if clip.OnStart != nil {
		clip.OnStart()
	}
	logger.Debug("clip playing", zap.Duration("queued_for", time.Since(item.at)), zap.Int("bytes", len(clip.Data)))

	playErr := voice.Play(ctx)
	if closeErr := voice.Close(); closeErr != nil {
		logger.Warn("clip release failed", zap.Error(closeErr))
	}

	if cause := stopCause(ctx); cause != nil {
		logger.Debug("clip stopped", zap.Error(cause))
		return cause
	}
	if playErr != nil {
		p.report(clip, "play", playErr)
		return playErr
	}
	logger.Debug("clip finished")
	return nil
}

func (p *Player) report(clip Clip, reason string, err error) {
	p.diag.Diagnostic(observability.Diagnostic{
		Kind:   observability.DiagPlaybackFailed,
		Reason: reason,
		Detail: clip.Label,
		Err:    err,
	})
}

func (p *Player) notify() {
	if p.onChange == nil {
		return
	}
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	state, pending := p.state, p.pendingLocked()
	p.mu.Unlock()
	p.onChange(state, pending)
}

func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		return cause
	}
	return ErrCancelled
}

func finishClip(c Clip, err error) {
	if c.OnDone != nil {
		c.OnDone(err)
	}
}
