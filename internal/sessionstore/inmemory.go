package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process. Used for local runs and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Record
	messages map[string][]MessageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Record),
		messages: make(map[string][]MessageRecord),
	}
}

func (s *InMemoryStore) Get(_ context.Context, personaID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[personaID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Put(_ context.Context, personaID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[personaID] = Record{PersonaID: personaID, SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, personaID)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.sessions), nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], normalizeMessage(msg))
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	return tail(arr, limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

func normalizeMessage(msg MessageRecord) MessageRecord {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out
}
