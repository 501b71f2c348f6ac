// Package devbackend is a local stand-in for the persona chat backend. It
// implements the same HTTP contract with scripted replies and synthetic
// speech so the client can run end to end without the real service.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/audio"
	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/sessionstore"
)

const (
	maxContextMessages = 30
	tokenTTL           = time.Hour
	toneAmplitude      = 0.25
)

type Config struct {
	// ChunkDelay is slept between streamed fragments.
	ChunkDelay time.Duration
	// Store keeps per-session history. Defaults to an in-memory store.
	Store     sessionstore.Store
	Generator Generator
	Logger    *zap.Logger
}

type Server struct {
	delay  time.Duration
	store  sessionstore.Store
	gen    Generator
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]string // session id -> persona slug as requested
}

func New(cfg Config) *Server {
	store := cfg.Store
	if store == nil {
		store = sessionstore.NewInMemoryStore()
	}
	gen := cfg.Generator
	if gen == nil {
		gen = ScriptedGenerator
	}
	return &Server{
		delay:    cfg.ChunkDelay,
		store:    store,
		gen:      gen,
		logger:   observability.OrNop(cfg.Logger),
		sessions: make(map[string]string),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/session", s.handleCreateSession)
		r.Post("/chat", s.handleChat)
		r.Post("/voice/tts", s.handleTTS)
		r.Get("/isi/token", s.handleToken)
		r.Get("/meta/categories", s.handleCategories)
	})
	return r
}

type createSessionBody struct {
	PersonaSlug *string `json:"personaSlug"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	slug := ""
	if body.PersonaSlug != nil {
		slug = *body.PersonaSlug
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = slug
	s.mu.Unlock()

	s.logger.Info("dev session created", zap.String("session_id", id), zap.String("persona", slug))
	respondJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

type chatBody struct {
	SessionID   string  `json:"sessionId"`
	UserMessage string  `json:"userMessage"`
	PersonaSlug *string `json:"personaSlug"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := decodeJSON(r, &body); err != nil {
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.mu.RLock()
	sessionPersona, ok := s.sessions[body.SessionID]
	s.mu.RUnlock()
	if !ok {
		respondDetail(w, http.StatusNotFound, "session not found")
		return
	}
	userText := strings.TrimSpace(body.UserMessage)
	if userText == "" {
		respondDetail(w, http.StatusBadRequest, "userMessage must not be empty")
		return
	}

	ctx := r.Context()
	history, err := s.store.Messages(ctx, body.SessionID, maxContextMessages)
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.AppendMessage(ctx, sessionstore.MessageRecord{
		SessionID: body.SessionID,
		PersonaID: sessionPersona,
		Role:      "user",
		Content:   userText,
	}); err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	slug := sessionPersona
	if body.PersonaSlug != nil && *body.PersonaSlug != "" {
		slug = *body.PersonaSlug
	}
	persona := PersonaFor(slug)

	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(frame string) error {
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	var reply strings.Builder
	first := true
	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		if !first && s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		first = false
		payload, _ := json.Marshal(map[string]string{"delta": delta})
		if err := write("data: " + string(payload) + "\n\n"); err != nil {
			return err
		}
		reply.WriteString(delta)
		return nil
	}

	genErr := s.gen.Generate(ctx, persona, history, userText, emit)
	if genErr != nil && ctx.Err() == nil {
		s.logger.Warn("dev generation failed", zap.String("session_id", body.SessionID), zap.Error(genErr))
		payload, _ := json.Marshal(map[string]string{"error": genErr.Error()})
		_ = write("event: error\ndata: " + string(payload) + "\n\n")
	}
	_ = write("data: {\"done\": true}\n\n")

	if text := strings.TrimSpace(reply.String()); text != "" {
		// The client may have gone away; the reply is still recorded.
		if err := s.store.AppendMessage(context.WithoutCancel(ctx), sessionstore.MessageRecord{
			SessionID: body.SessionID,
			PersonaID: sessionPersona,
			Role:      "assistant",
			Content:   text,
		}); err != nil {
			s.logger.Warn("dev history append failed", zap.Error(err))
		}
	}
}

type ttsBody struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Token      *string `json:"token"`
}

// handleTTS answers with a WAV tone whose pitch depends on the voice and
// whose length grows with the text, whatever format was requested.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var body ttsBody
	if err := decodeJSON(r, &body); err != nil {
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		respondDetail(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	rate := body.SampleRate
	if rate <= 0 {
		rate = 16000
	}

	samples := audio.Tone(voicePitch(body.Voice), speechLength(body.Text), rate, toneAmplitude)
	data, err := audio.EncodeWAVPCM16(samples, rate)
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func voicePitch(voice string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(voice))
	return 220 + float64(h.Sum32()%440)
}

func speechLength(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * 40 * time.Millisecond
	return min(max(d, 300*time.Millisecond), 4*time.Second)
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      strings.ReplaceAll(uuid.NewString(), "-", ""),
		"expireTime": time.Now().Add(tokenTTL).Unix(),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{
		"traits":     {"curious", "patient", "witty"},
		"background": {"philosophy", "history", "everyday life"},
		"style":      {"socratic", "concise", "warm"},
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
