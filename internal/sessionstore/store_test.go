package sessionstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "socrates")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "socrates", "s-1"))
	require.NoError(t, s.Put(ctx, "generic-guide", "g-1"))
	rec, err := s.Get(ctx, "socrates")
	require.NoError(t, err)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, s.Put(ctx, "socrates", "s-2"))
	rec, err = s.Get(ctx, "socrates")
	require.NoError(t, err)
	assert.Equal(t, "s-2", rec.SessionID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "generic-guide", list[0].PersonaID)
	assert.Equal(t, "socrates", list[1].PersonaID)

	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"hi", "hello, friend", "what is virtue?"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, s.AppendMessage(ctx, MessageRecord{
			SessionID: "s-2",
			PersonaID: "socrates",
			Role:      role,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, MessageRecord{SessionID: "g-1", Role: "user", Content: "other"}))

	all, err := s.Messages(ctx, "s-2", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "hi", all[0].Content)
	assert.NotEmpty(t, all[0].ID)

	recent, err := s.Messages(ctx, "s-2", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "hello, friend", recent[0].Content)
	assert.Equal(t, "what is virtue?", recent[1].Content)

	none, err := s.Messages(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Delete(ctx, "socrates"))
	require.NoError(t, s.Delete(ctx, "socrates"))
	_, err = s.Get(ctx, "socrates")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "sessions.json"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	ctx := context.Background()

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "socrates", "s-9"))
	require.NoError(t, s.AppendMessage(ctx, MessageRecord{SessionID: "s-9", Role: "user", Content: "hello"}))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	rec, err := reopened.Get(ctx, "socrates")
	require.NoError(t, err)
	assert.Equal(t, "s-9", rec.SessionID)
	msgs, err := reopened.Messages(ctx, "s-9", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path)
	require.Error(t, err)
}

func TestNewStoreSelectsKind(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = NewStore(ctx, Options{Kind: "auto", Path: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, Options{Kind: "file"})
	require.Error(t, err)

	_, err = NewStore(ctx, Options{Kind: "redis"})
	require.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("SESSIONSTORE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SESSIONSTORE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(ctx, `TRUNCATE persona_sessions, chat_messages`)
	require.NoError(t, err)
	exerciseStore(t, s)
}
