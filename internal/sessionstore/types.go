// Package sessionstore remembers which backend session belongs to each
// persona, and the messages exchanged in it.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Record binds a persona to its current backend session.
type Record struct {
	PersonaID string    `json:"persona_id"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord stores a single user or assistant message of a session.
type MessageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PersonaID string    `json:"persona_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists persona sessions and their transcripts.
type Store interface {
	// Get returns ErrNotFound when the persona has no session yet.
	Get(ctx context.Context, personaID string) (Record, error)
	Put(ctx context.Context, personaID, sessionID string) error
	Delete(ctx context.Context, personaID string) error
	List(ctx context.Context) ([]Record, error)

	AppendMessage(ctx context.Context, msg MessageRecord) error
	// Messages returns the most recent limit messages of a session in
	// chronological order. limit <= 0 returns all of them.
	Messages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)

	Close() error
}

func tail(msgs []MessageRecord, limit int) []MessageRecord {
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]MessageRecord, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out
}
