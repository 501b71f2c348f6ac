package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/voiceprofile"
)

type voiceSummary struct {
	PersonaID string               `json:"persona_id,omitempty"`
	Profile   voiceprofile.Profile `json:"profile"`
}

type listVoicesResponse struct {
	Default  voiceprofile.Profile `json:"default"`
	Personas []voiceSummary       `json:"personas"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	set := s.orch.Voices()
	ids := set.Personas()
	personas := make([]voiceSummary, 0, len(ids))
	for _, id := range ids {
		personas = append(personas, voiceSummary{PersonaID: id, Profile: set.For(id)})
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		Default:  set.Default(),
		Personas: personas,
	})
}

type previewTTSRequest struct {
	PersonaID string `json:"persona_id"`
	Text      string `json:"text"`
}

const defaultPreviewText = "Hello. This is how I will sound."

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultPreviewText
	}

	sp, err := s.orch.Preview(r.Context(), strings.TrimSpace(req.PersonaID), text)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			respondError(w, http.StatusBadGateway, "tts_preview_failed", apiErr.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	contentType := strings.TrimSpace(sp.ContentType)
	if contentType == "" {
		contentType = mimeForTTSFormat(sp.Format)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	if f := strings.TrimSpace(sp.Format); f != "" {
		w.Header().Set("X-Audio-Format", f)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sp.Data)
}

func mimeForTTSFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case strings.Contains(f, "wav"):
		return "audio/wav"
	case strings.Contains(f, "mp3"):
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
