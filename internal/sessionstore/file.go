package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists the store as one JSON document, rewritten atomically on
// every change. Suited to a single local process.
type FileStore struct {
	path string

	mu   sync.Mutex
	data fileData
}

type fileData struct {
	Sessions map[string]Record          `json:"sessions"`
	Messages map[string][]MessageRecord `json:"messages"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file session store requires a path")
	}
	s := &FileStore{
		path: path,
		data: fileData{
			Sessions: make(map[string]Record),
			Messages: make(map[string][]MessageRecord),
		},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode session store %s: %w", path, err)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]Record)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[string][]MessageRecord)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, personaID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Sessions[personaID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) Put(_ context.Context, personaID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[personaID] = Record{PersonaID: personaID, SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	return s.flushLocked()
}

func (s *FileStore) Delete(_ context.Context, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Sessions[personaID]; !ok {
		return nil
	}
	delete(s.data.Sessions, personaID)
	return s.flushLocked()
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRecords(s.data.Sessions), nil
}

func (s *FileStore) AppendMessage(_ context.Context, msg MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Messages[msg.SessionID] = append(s.data.Messages[msg.SessionID], normalizeMessage(msg))
	return s.flushLocked()
}

func (s *FileStore) Messages(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.data.Messages[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	return tail(arr, limit), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create session store temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close session store temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
