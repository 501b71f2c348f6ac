package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/chatclient"
	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/playback"
	"github.com/ent0n29/personachat/internal/sessionstore"
	"github.com/ent0n29/personachat/internal/voiceprofile"
)

// Conversation is one persona chat. Turns run one at a time; a Send while
// another is in flight fails with chatclient.ErrConcurrentTurn.
type Conversation struct {
	o         *Orchestrator
	personaID string
	listener  Listener
	voice     voiceprofile.Profile
	logger    *zap.Logger

	// idle holds a token while a turn streams.
	idle chan struct{}
	// speaking holds a token while a reply is synthesized and queued.
	speaking chan struct{}

	mu         sync.Mutex
	sessionID  string
	transcript []Message
	cancelTurn context.CancelFunc
	closed     bool
}

func (c *Conversation) PersonaID() string { return c.personaID }

func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transcript returns a copy of the messages exchanged so far.
func (c *Conversation) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// EnsureSession binds the conversation to the persona's stored session,
// creating one on first use. A resumed session restores its transcript.
func (c *Conversation) EnsureSession(ctx context.Context) (string, error) {
	if id := c.SessionID(); id != "" {
		return id, nil
	}
	id, created, err := c.o.ResolveSession(ctx, c.personaID)
	if err != nil {
		return "", err
	}

	var restored []Message
	if !created {
		records, err := c.o.store.Messages(ctx, id, 0)
		if err != nil {
			c.logger.Warn("transcript restore failed", zap.String("session_id", id), zap.Error(err))
		}
		for _, r := range records {
			restored = append(restored, Message{Role: Role(r.Role), Content: r.Content})
		}
	}

	c.mu.Lock()
	if c.sessionID != "" {
		id = c.sessionID
		c.mu.Unlock()
		return id, nil
	}
	c.sessionID = id
	c.transcript = restored
	c.mu.Unlock()

	c.logger.Info("conversation bound to session", zap.String("session_id", id), zap.Bool("created", created))
	if c.listener.OnSession != nil {
		c.listener.OnSession(id, created)
	}
	return id, nil
}

// NewChat cancels any running turn, waits for it to end, opens a fresh
// session and clears the transcript.
func (c *Conversation) NewChat(ctx context.Context) (string, error) {
	c.Cancel()
	select {
	case c.idle <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-c.idle }()

	id, err := c.o.ResetSession(ctx, c.personaID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessionID = id
	c.transcript = nil
	c.mu.Unlock()

	c.o.countSession("new_chat")
	c.logger.Info("new chat", zap.String("session_id", id))
	if c.listener.OnSession != nil {
		c.listener.OnSession(id, true)
	}
	return id, nil
}

// Cancel stops the running turn, if any. Deltas already delivered stay in
// the transcript.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SkipAudio stops the clip currently playing. Later clips still play.
func (c *Conversation) SkipAudio() {
	if c.o.player != nil {
		c.o.player.CancelCurrent()
	}
}

// Close cancels the running turn and rejects further sends.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send runs one turn: text is streamed to the backend, deltas are reported
// as they arrive, and a non-blank reply is queued for playback when speech
// is enabled. A cancelled or failed turn still keeps and speaks the part of
// the reply already received. The turn slot is freed once the stream ends,
// so the next message may be sent while the reply is being synthesized.
// The returned error is non-nil only when the turn could not start; stream
// failures are reported in TurnResult.
func (c *Conversation) Send(ctx context.Context, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, ErrEmptyMessage
	}

	select {
	case c.idle <- struct{}{}:
	default:
		return TurnResult{}, &chatclient.ConcurrentTurnError{SessionID: c.SessionID()}
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			c.mu.Lock()
			c.cancelTurn = nil
			c.mu.Unlock()
			<-c.idle
		})
	}
	defer release()

	sessionID, err := c.EnsureSession(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return TurnResult{}, ErrClosed
	}
	c.cancelTurn = cancel
	c.mu.Unlock()

	turnID := uuid.NewString()
	started := time.Now()
	log := c.logger.With(zap.String("session_id", sessionID), zap.String("turn_id", turnID))

	c.record(ctx, sessionID, RoleUser, text)
	stream, err := c.o.chat.Open(turnCtx, chatclient.Turn{
		SessionID:   sessionID,
		UserMessage: text,
		PersonaID:   c.personaID,
	})
	if err != nil {
		c.o.countTurn(OutcomeFailed)
		return TurnResult{}, fmt.Errorf("open turn: %w", err)
	}

	m := c.o.metrics
	if m != nil {
		m.ActiveStreams.Inc()
	}
	var reply strings.Builder
	for stream.Next() {
		d := stream.Delta().Text
		if reply.Len() == 0 {
			m.ObserveFirstDelta(time.Since(started))
		}
		reply.WriteString(d)
		if m != nil {
			m.Deltas.Inc()
		}
		if c.listener.OnDelta != nil {
			c.listener.OnDelta(turnID, d)
		}
	}
	if m != nil {
		m.ActiveStreams.Dec()
	}
	_ = stream.Close()

	res := TurnResult{TurnID: turnID, SessionID: sessionID, Text: reply.String()}
	switch stream.State() {
	case chatclient.StateCompleted:
		res.Outcome = OutcomeCompleted
	case chatclient.StateFailed:
		res.Outcome = OutcomeFailed
		res.Err = stream.Err()
	default:
		res.Outcome = OutcomeCancelled
	}
	c.o.countTurn(res.Outcome)
	m.ObserveStage(observability.StageTurnTotal, time.Since(started))
	log.Info("turn finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("reply_chars", len(res.Text)),
		zap.Duration("elapsed", time.Since(started)),
	)

	if strings.TrimSpace(res.Text) != "" {
		c.record(ctx, sessionID, RoleAssistant, res.Text)
	}
	if c.listener.OnTurnEnd != nil {
		c.listener.OnTurnEnd(res)
	}

	if !c.o.ttsEnabled || strings.TrimSpace(res.Text) == "" {
		return res, nil
	}
	// The speech slot is taken before the turn slot is released, so clips
	// are queued in turn order while the next turn is already streaming.
	select {
	case c.speaking <- struct{}{}:
	case <-ctx.Done():
		return res, nil
	}
	defer func() { <-c.speaking }()
	release()

	// Speech follows the caller's ctx, not the turn's: a cancelled stream
	// still speaks what it received.
	if ctx.Err() == nil {
		res.Spoken = c.speak(ctx, turnID, sessionID, res.Text)
	}
	return res, nil
}

// SendRecognized captures one utterance with rec and sends the recognized
// text as a turn. A blank transcription yields ErrEmptyMessage.
func (c *Conversation) SendRecognized(ctx context.Context, rec Recognizer, lang string) (TurnResult, error) {
	text, err := rec.Recognize(ctx, lang)
	if err != nil {
		return TurnResult{}, fmt.Errorf("recognize speech: %w", err)
	}
	return c.Send(ctx, text)
}

func (c *Conversation) record(ctx context.Context, sessionID string, role Role, content string) {
	c.mu.Lock()
	c.transcript = append(c.transcript, Message{Role: role, Content: content})
	c.mu.Unlock()

	err := c.o.store.AppendMessage(context.WithoutCancel(ctx), sessionstore.MessageRecord{
		SessionID: sessionID,
		PersonaID: c.personaID,
		Role:      string(role),
		Content:   content,
	})
	if err != nil {
		c.logger.Warn("persist message failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Conversation) speak(ctx context.Context, turnID, sessionID, text string) bool {
	if !c.o.ttsEnabled || strings.TrimSpace(text) == "" {
		return false
	}
	m := c.o.metrics

	start := time.Now()
	sp, err := c.o.speech.SynthesizeSpeech(ctx, text, c.voice.TTSOptions())
	m.ObserveStage(observability.StageTTS, time.Since(start))
	if err != nil {
		if m != nil {
			m.TTSRequests.WithLabelValues("failed").Inc()
		}
		c.o.diag.Diagnostic(observability.Diagnostic{
			Kind:      observability.DiagTTSFailed,
			Reason:    ttsFailureReason(err),
			SessionID: sessionID,
			Detail:    turnID,
			Err:       err,
		})
		if c.listener.OnSpeechError != nil {
			c.listener.OnSpeechError(turnID, err)
		}
		return false
	}
	if m != nil {
		m.TTSRequests.WithLabelValues("ok").Inc()
	}

	enqueued := time.Now()
	clip := playback.Clip{
		Data:   sp.Data,
		Format: sp.Format,
		Label:  turnID,
		OnStart: func() {
			m.ObserveStage(observability.StageClipWait, time.Since(enqueued))
			c.playbackEvent(PlaybackEvent{TurnID: turnID, State: PlaybackStarted})
		},
		OnDone: func(err error) { c.clipDone(turnID, err) },
	}
	if err := c.o.player.Enqueue(clip); err != nil {
		c.logger.Warn("enqueue clip failed", zap.String("turn_id", turnID), zap.Error(err))
		return false
	}
	return true
}

func (c *Conversation) clipDone(turnID string, err error) {
	m := c.o.metrics
	ev := PlaybackEvent{TurnID: turnID, State: PlaybackFinished, Err: err}
	switch {
	case err == nil:
		if m != nil {
			m.Clips.WithLabelValues("played").Inc()
		}
	case errors.Is(err, playback.ErrCancelled):
		ev.Reason = "skipped"
		if m != nil {
			m.Clips.WithLabelValues("skipped").Inc()
		}
	case errors.Is(err, playback.ErrClosed):
		ev.Reason = "closed"
		if m != nil {
			m.Clips.WithLabelValues("dropped").Inc()
		}
	default:
		// Counted by the diagnostics sink.
		ev.State = PlaybackFailed
	}
	c.playbackEvent(ev)
}

func (c *Conversation) playbackEvent(ev PlaybackEvent) {
	if c.listener.OnPlayback != nil {
		c.listener.OnPlayback(ev)
	}
}

func (o *Orchestrator) countTurn(outcome Outcome) {
	if o.metrics != nil {
		o.metrics.Turns.WithLabelValues(string(outcome)).Inc()
	}
}

// Preview synthesizes text with personaID's voice without queueing it.
func (o *Orchestrator) Preview(ctx context.Context, personaID, text string) (backend.Speech, error) {
	if o.speech == nil {
		return backend.Speech{}, errors.New("speech synthesis not configured")
	}
	return o.speech.SynthesizeSpeech(ctx, text, o.voices.For(personaID).TTSOptions())
}

func ttsFailureReason(err error) string {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("status_%d", apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
