package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/config"
	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/orchestrator"
	"github.com/ent0n29/personachat/internal/protocol"
	"github.com/ent0n29/personachat/internal/sessionstore"
)

// MetaSource serves persona category metadata and speech recognition
// tokens.
type MetaSource interface {
	Categories(ctx context.Context) (backend.Categories, error)
	SpeechToken(ctx context.Context) (backend.SpeechToken, error)
}

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Meta         MetaSource
	Metrics      *observability.Metrics
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	meta     MetaSource
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWith(prometheus.NewRegistry(), "personachat")
	}
	return &Server{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		meta:     deps.Meta,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   observability.OrNop(deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the bridge unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandlerFor(s.gatherer))

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/personas/{persona}/session", s.handleResolveSession)
	r.Delete("/v1/personas/{persona}/session", s.handleForgetSession)
	r.Post("/v1/personas/{persona}/session/reset", s.handleResetSession)
	r.Get("/v1/meta/categories", s.handleCategories)
	r.Get("/v1/speech/token", s.handleSpeechToken)
	r.Get("/v1/voices", s.handleListVoices)
	r.Post("/v1/voices/preview", s.handlePreviewTTS)
	r.Get("/v1/ui/settings", s.handleUISettings)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tts_enabled": s.cfg.TTSEnabled,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_store": s.cfg.SessionStore,
		"backend":       s.cfg.BackendBaseURL,
	})
}

type sessionResponse struct {
	PersonaID string `json:"persona_id"`
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
}

func (s *Server) handleResolveSession(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	persona := strings.TrimSpace(chi.URLParam(r, "persona"))
	id, created, err := s.orch.ResolveSession(r.Context(), persona)
	if err != nil {
		respondBackendError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, sessionResponse{PersonaID: persona, SessionID: id, Created: created})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	persona := strings.TrimSpace(chi.URLParam(r, "persona"))
	id, err := s.orch.ResetSession(r.Context(), persona)
	if err != nil {
		respondBackendError(w, err)
		return
	}
	s.metrics.SessionEvents.WithLabelValues("reset").Inc()
	respondJSON(w, http.StatusCreated, sessionResponse{PersonaID: persona, SessionID: id, Created: true})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if s.meta == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "backend not configured")
		return
	}
	cats, err := s.meta.Categories(r.Context())
	if err != nil {
		respondBackendError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cats)
}

func (s *Server) handleSpeechToken(w http.ResponseWriter, r *http.Request) {
	if s.meta == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "backend not configured")
		return
	}
	tok, err := s.meta.SpeechToken(r.Context())
	if err != nil {
		respondBackendError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, tok)
}

type listSessionsResponse struct {
	Sessions []sessionstore.Record `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	recs, err := s.orch.Sessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	if recs == nil {
		recs = []sessionstore.Record{}
	}
	respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: recs})
}

func (s *Server) handleForgetSession(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	persona := strings.TrimSpace(chi.URLParam(r, "persona"))
	if err := s.orch.ForgetSession(r.Context(), persona); err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	persona := strings.TrimSpace(r.URL.Query().Get("persona"))
	if persona == "" {
		respondError(w, http.StatusBadRequest, "missing_persona", "query parameter persona is required")
		return
	}
	if s.orch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})
	var runErr error

	go func() {
		defer close(runDone)
		defer cancel()
		runErr = s.runConnection(ctx, persona, inbound, outbound)
		if runErr != nil {
			s.logger.Warn("chat connection ended", zap.String("persona_id", persona), zap.Error(runErr))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection also unblocks the read loop below.
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				<-runDone
				s.flushOutbound(conn, outbound)
				code, reason := websocket.CloseNormalClosure, ""
				if runErr != nil {
					code, reason = websocket.CloseTryAgainLater, "session unavailable"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(time.Second))
				return
			case msg := <-outbound:
				if !s.writeMessage(conn, msg) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Keep websocket writes single-threaded; drop if the outbound queue is saturated.
			select {
			case outbound <- protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}:
			default:
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// writeMessage writes one outbound message and reports whether the
// connection is still usable.
func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return false
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return true
}

// flushOutbound writes whatever is still queued once the conversation ended.
func (s *Server) flushOutbound(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if !s.writeMessage(conn, msg) {
				return
			}
		default:
			return
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
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

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondBackendError maps a failed backend call onto a gateway status.
func respondBackendError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		respondError(w, http.StatusBadGateway, "backend_rejected", apiErr.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "backend_timeout", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
	}
}
