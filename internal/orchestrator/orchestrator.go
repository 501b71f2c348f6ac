package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/reliability"
	"github.com/ent0n29/personachat/internal/sessionstore"
	"github.com/ent0n29/personachat/internal/voiceprofile"
)

const (
	defaultSessionAttempts = 3
	defaultRetryBase       = 200 * time.Millisecond
	defaultRetryCap        = 2 * time.Second
)

type Config struct {
	Sessions SessionCreator
	Chat     ChatStreamer
	// Speech and Player may be nil when replies are not spoken.
	Speech Speaker
	Player Queue
	Store  sessionstore.Store
	Voices *voiceprofile.Set

	TTSEnabled bool
	// SessionAttempts bounds session creation tries on retryable failures.
	SessionAttempts int
	RetryBase       time.Duration
	RetryCap        time.Duration

	Metrics     *observability.Metrics
	Diagnostics observability.DiagnosticSink
	Logger      *zap.Logger
}

// Orchestrator holds the dependencies shared by all conversations.
type Orchestrator struct {
	sessions SessionCreator
	chat     ChatStreamer
	speech   Speaker
	player   Queue
	store    sessionstore.Store
	voices   *voiceprofile.Set

	ttsEnabled bool
	attempts   int
	retryBase  time.Duration
	retryCap   time.Duration

	metrics *observability.Metrics
	diag    observability.DiagnosticSink
	logger  *zap.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil || cfg.Chat == nil {
		return nil, errors.New("orchestrator requires a session creator and a chat streamer")
	}
	if cfg.TTSEnabled && (cfg.Speech == nil || cfg.Player == nil) {
		return nil, errors.New("speech output requires a speaker and a player")
	}
	store := cfg.Store
	if store == nil {
		store = sessionstore.NewInMemoryStore()
	}
	voices := cfg.Voices
	if voices == nil {
		voices = voiceprofile.New(voiceprofile.Profile{})
	}
	attempts := cfg.SessionAttempts
	if attempts <= 0 {
		attempts = defaultSessionAttempts
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	retryCap := cfg.RetryCap
	if retryCap <= 0 {
		retryCap = defaultRetryCap
	}
	diag := cfg.Diagnostics
	if diag == nil {
		diag = observability.Discard
	}
	return &Orchestrator{
		sessions:   cfg.Sessions,
		chat:       cfg.Chat,
		speech:     cfg.Speech,
		player:     cfg.Player,
		store:      store,
		voices:     voices,
		ttsEnabled: cfg.TTSEnabled,
		attempts:   attempts,
		retryBase:  base,
		retryCap:   retryCap,
		metrics:    cfg.Metrics,
		diag:       diag,
		logger:     observability.OrNop(cfg.Logger),
	}, nil
}

// Conversation returns a new conversation with personaID. Conversations for
// the same persona share its stored backend session.
func (o *Orchestrator) Conversation(personaID string, l Listener) *Conversation {
	personaID = strings.TrimSpace(personaID)
	return &Conversation{
		o:         o,
		personaID: personaID,
		listener:  l,
		voice:     o.voices.For(personaID),
		idle:      make(chan struct{}, 1),
		speaking:  make(chan struct{}, 1),
		logger:    o.logger.With(zap.String("persona_id", personaID)),
	}
}

// ResolveSession returns the stored session for personaID, creating one when
// none exists. created reports whether a new backend session was opened.
func (o *Orchestrator) ResolveSession(ctx context.Context, personaID string) (sessionID string, created bool, err error) {
	rec, err := o.store.Get(ctx, personaID)
	if err == nil && rec.SessionID != "" {
		return rec.SessionID, false, nil
	}
	if err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	id, err := o.ResetSession(ctx, personaID)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ResetSession opens a fresh backend session for personaID and makes it the
// stored one.
func (o *Orchestrator) ResetSession(ctx context.Context, personaID string) (string, error) {
	id, err := o.createSession(ctx, personaID)
	if err != nil {
		o.countSession("create_failed")
		return "", err
	}
	if err := o.store.Put(ctx, personaID, id); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	o.countSession("created")
	return id, nil
}

func (o *Orchestrator) createSession(ctx context.Context, personaID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.attempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, o.retryBase, o.retryCap)
			o.logger.Warn("retrying session creation",
				zap.String("persona_id", personaID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := reliability.Wait(ctx, delay); err != nil {
				return "", err
			}
		}
		id, err := o.sessions.CreateSession(ctx, personaID)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", fmt.Errorf("create session for %q: %w", personaID, lastErr)
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// Sessions lists the stored persona sessions.
func (o *Orchestrator) Sessions(ctx context.Context) ([]sessionstore.Record, error) {
	recs, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// ForgetSession drops the stored session of personaID. The next
// conversation with the persona opens a new backend session.
func (o *Orchestrator) ForgetSession(ctx context.Context, personaID string) error {
	if err := o.store.Delete(ctx, personaID); err != nil {
		return fmt.Errorf("forget session: %w", err)
	}
	o.countSession("forgotten")
	return nil
}

// Voices exposes the profile set used for synthesis.
func (o *Orchestrator) Voices() *voiceprofile.Set { return o.voices }

func (o *Orchestrator) countSession(event string) {
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}
