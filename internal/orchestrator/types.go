// Package orchestrator composes the chat client, backend API, session store
// and audio player into per-persona conversations.
package orchestrator

import (
	"context"
	"errors"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/chatclient"
	"github.com/ent0n29/personachat/internal/playback"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	TurnID    string  `json:"turn_id"`
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Outcome   Outcome `json:"outcome"`
	// Err is set for failed turns.
	Err error `json:"-"`
	// Spoken reports whether a clip was queued for the reply.
	Spoken bool `json:"spoken"`
}

type PlaybackState string

const (
	PlaybackStarted  PlaybackState = "started"
	PlaybackFinished PlaybackState = "finished"
	PlaybackFailed   PlaybackState = "failed"
)

// PlaybackEvent reports the progress of a reply's clip.
type PlaybackEvent struct {
	TurnID string
	State  PlaybackState
	// Reason is "skipped" or "closed" when a finished clip did not play to
	// the end.
	Reason string
	Err    error
}

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("conversation closed")
)

// SessionCreator opens backend sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, personaID string) (string, error)
}

// ChatStreamer opens a streamed chat turn.
type ChatStreamer interface {
	Open(ctx context.Context, turn chatclient.Turn) (*chatclient.Stream, error)
}

// Speaker synthesizes reply audio.
type Speaker interface {
	SynthesizeSpeech(ctx context.Context, text string, opts backend.TTSOptions) (backend.Speech, error)
}

// Queue plays clips one after another.
type Queue interface {
	Enqueue(clip playback.Clip) error
	CancelCurrent()
}

// Recognizer turns one captured utterance into text. Capture is platform
// specific, so only the contract lives here.
type Recognizer interface {
	Recognize(ctx context.Context, lang string) (string, error)
}

// Listener receives conversation events. Nil funcs are skipped. Callbacks
// for playback run on the player goroutine and must not block.
type Listener struct {
	OnSession  func(sessionID string, created bool)
	OnDelta    func(turnID, text string)
	OnTurnEnd  func(TurnResult)
	OnPlayback func(PlaybackEvent)
	// OnSpeechError reports a synthesis failure. The turn itself still
	// succeeded.
	OnSpeechError func(turnID string, err error)
}
