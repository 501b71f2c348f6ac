package httpapi

import "net/http"

type uiSettingsResponse struct {
	TTSEnabled            bool   `json:"tts_enabled"`
	TTSFormat             string `json:"tts_format"`
	PlaybackDevice        string `json:"playback_device"`
	ChatInactivityTimeout int64  `json:"chat_inactivity_timeout_ms"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		TTSEnabled:            s.cfg.TTSEnabled,
		TTSFormat:             s.cfg.TTSFormat,
		PlaybackDevice:        s.cfg.PlaybackDevice,
		ChatInactivityTimeout: s.cfg.ChatInactivityTimeout.Milliseconds(),
	})
}
