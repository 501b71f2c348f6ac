package chatclient

import (
	"errors"
	"fmt"

	"github.com/ent0n29/personachat/internal/transport"
)

// Turn is one user message addressed to a backend session.
type Turn struct {
	SessionID   string
	UserMessage string
	// PersonaID is sent as personaSlug; empty means null.
	PersonaID string
}

// Delta is one server-pushed fragment of the assistant reply.
type Delta struct {
	Text string
}

// DeltaHandler receives streaming text fragments in arrival order.
type DeltaHandler func(text string)

type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// TransportError is a network or HTTP failure of the chat call.
type TransportError = transport.Error

var (
	ErrMissingSessionID  = errors.New("chat turn has no session id")
	ErrConcurrentTurn    = errors.New("a turn is already streaming for this session")
	ErrInactivityTimeout = errors.New("chat stream inactive")
)

// ConcurrentTurnError rejects a second turn while one is still streaming for
// the same session.
type ConcurrentTurnError struct {
	SessionID string
}

func (e *ConcurrentTurnError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, ErrConcurrentTurn)
}

func (e *ConcurrentTurnError) Is(target error) bool { return target == ErrConcurrentTurn }

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	SessionID   string  `json:"sessionId"`
	UserMessage string  `json:"userMessage"`
	PersonaSlug *string `json:"personaSlug"`
}

func newChatRequest(t Turn) chatRequest {
	req := chatRequest{SessionID: t.SessionID, UserMessage: t.UserMessage}
	if t.PersonaID != "" {
		slug := t.PersonaID
		req.PersonaSlug = &slug
	}
	return req
}
