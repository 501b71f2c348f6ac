package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/chatclient"
	"github.com/ent0n29/personachat/internal/config"
	"github.com/ent0n29/personachat/internal/devbackend"
	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/orchestrator"
	"github.com/ent0n29/personachat/internal/playback"
	"github.com/ent0n29/personachat/internal/voiceprofile"
)

type recordingQueue struct {
	mu    sync.Mutex
	clips []playback.Clip
}

func (q *recordingQueue) Enqueue(c playback.Clip) error {
	q.mu.Lock()
	q.clips = append(q.clips, c)
	q.mu.Unlock()
	if c.OnStart != nil {
		c.OnStart()
	}
	if c.OnDone != nil {
		c.OnDone(nil)
	}
	return nil
}

func (q *recordingQueue) CancelCurrent() {}

type unavailableSessions struct{}

func (unavailableSessions) CreateSession(context.Context, string) (string, error) {
	return "", &backend.APIError{Op: "create session", StatusCode: http.StatusBadRequest, Body: "persona disabled"}
}

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	return newTestServerWith(t, cfg, nil)
}

func newTestServerWith(t *testing.T, cfg config.Config, mutate func(*orchestrator.Config)) *httptest.Server {
	t.Helper()
	dev := httptest.NewServer(devbackend.New(devbackend.Config{}).Router())
	t.Cleanup(dev.Close)

	api := backend.New(backend.Config{BaseURL: dev.URL})
	voices, err := voiceprofile.Parse([]byte("personas:\n  socrates:\n    voice: aicheng\n    format: wav\n"), voiceprofile.Profile{})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, "test_httpapi")
	orchCfg := orchestrator.Config{
		Sessions:   api,
		Chat:       chatclient.New(chatclient.Config{BaseURL: dev.URL}),
		Speech:     api,
		Player:     &recordingQueue{},
		Voices:     voices,
		TTSEnabled: true,
		Metrics:    metrics,
	}
	if mutate != nil {
		mutate(&orchCfg)
	}
	orch, err := orchestrator.New(orchCfg)
	require.NoError(t, err)

	cfg.TTSEnabled = true
	srv := New(cfg, Deps{Orchestrator: orch, Meta: api, Metrics: metrics, Gatherer: reg})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, config.Config{SessionStore: "memory"})

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		var payload map[string]any
		decodeBody(t, res, &payload)
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.NotEmpty(t, payload["status"], path)
	}
}

func TestReadyWithoutOrchestrator(t *testing.T) {
	ts := httptest.NewServer(New(config.Config{}, Deps{}).Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestResolveAndResetSession(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	post := func(path string) (int, sessionResponse) {
		res, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(nil))
		require.NoError(t, err, path)
		var out sessionResponse
		decodeBody(t, res, &out)
		return res.StatusCode, out
	}

	status, first := post("/v1/personas/socrates/session")
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, first.Created)
	require.NotEmpty(t, first.SessionID)

	status, again := post("/v1/personas/socrates/session")
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, again.Created)
	assert.Equal(t, first.SessionID, again.SessionID)

	status, reset := post("/v1/personas/socrates/session/reset")
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, first.SessionID, reset.SessionID)
}

func TestListAndForgetSessions(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res, err := http.Post(ts.URL+"/v1/personas/socrates/session", "application/json", nil)
	require.NoError(t, err)
	var created sessionResponse
	decodeBody(t, res, &created)

	res, err = http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	var listed map[string][]map[string]any
	decodeBody(t, res, &listed)
	require.Len(t, listed["sessions"], 1)
	assert.Equal(t, "socrates", listed["sessions"][0]["persona_id"])
	assert.Equal(t, created.SessionID, listed["sessions"][0]["session_id"])

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/personas/socrates/session", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, err = http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	listed = nil
	decodeBody(t, res, &listed)
	assert.Empty(t, listed["sessions"])
}

func TestCategoriesProxy(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/meta/categories")
	require.NoError(t, err)
	var cats backend.Categories
	decodeBody(t, res, &cats)
	assert.NotEmpty(t, cats.Traits)
	assert.NotEmpty(t, cats.Style)
}

func TestSpeechTokenProxy(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/speech/token")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
	var tok backend.SpeechToken
	decodeBody(t, res, &tok)
	assert.NotEmpty(t, tok.Token)
	assert.Greater(t, tok.ExpireTime, time.Now().Unix())
}

func TestVoicesAndPreview(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res, err := http.Get(ts.URL + "/v1/voices")
	require.NoError(t, err)
	var voices listVoicesResponse
	decodeBody(t, res, &voices)
	assert.Equal(t, "xiaoyun", voices.Default.Voice)
	require.Len(t, voices.Personas, 1)
	assert.Equal(t, "aicheng", voices.Personas[0].Profile.Voice)

	res, err = http.Post(ts.URL+"/v1/voices/preview", "application/json", strings.NewReader(`{"persona_id":"socrates"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equalf(t, http.StatusOK, res.StatusCode, "preview: %s", body)
	assert.Equal(t, "audio/wav", res.Header.Get("Content-Type"))
	assert.Equal(t, "wav", res.Header.Get("X-Audio-Format"))
	assert.True(t, bytes.HasPrefix(body, []byte("RIFF")), "preview body is not WAV")
}

func TestUISettings(t *testing.T) {
	ts := newTestServer(t, config.Config{TTSFormat: "mp3", PlaybackDevice: "timed", ChatInactivityTimeout: time.Minute})
	res, err := http.Get(ts.URL + "/v1/ui/settings")
	require.NoError(t, err)
	var got uiSettingsResponse
	decodeBody(t, res, &got)
	want := uiSettingsResponse{TTSEnabled: true, TTSFormat: "mp3", PlaybackDevice: "timed", ChatInactivityTimeout: 60000}
	assert.Equal(t, want, got)
}

func dialChat(t *testing.T, ts *httptest.Server, persona string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?persona=" + persona
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		require.NoErrorf(t, err, "dial status %d", status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) (map[string]any, []map[string]any) {
	t.Helper()
	var seen []map[string]any
	for i := 0; i < 200; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg, seen
		}
		seen = append(seen, msg)
	}
	require.FailNowf(t, "missing message", "no %s message received", msgType)
	return nil, nil
}

func TestChatWebSocketTurn(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialChat(t, ts, "socrates", nil)

	ready := readMessage(t, conn)
	assert.Equal(t, "session_ready", ready["type"])
	assert.NotEmpty(t, ready["session_id"])
	assert.Equal(t, true, ready["created"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "user_message", "text": "Is virtue teachable?"}))

	end, before := readUntil(t, conn, "assistant_turn_end")
	var text strings.Builder
	for _, m := range before {
		require.Equal(t, "assistant_text_delta", m["type"], "unexpected message before turn end: %+v", m)
		assert.Equal(t, end["turn_id"], m["turn_id"])
		text.WriteString(m["text_delta"].(string))
	}
	assert.Equal(t, "completed", end["reason"])
	assert.Equal(t, end["text"], text.String())

	started := readMessage(t, conn)
	finished := readMessage(t, conn)
	assert.Equal(t, "playback_event", started["type"])
	assert.Equal(t, "started", started["state"])
	assert.Equal(t, "finished", finished["state"])
	assert.Equal(t, end["turn_id"], finished["turn_id"])

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	var snap observability.StageSnapshot
	decodeBody(t, res, &snap)
	assert.NotEmpty(t, snap.Stages, "perf snapshot has no stages after a turn")

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	metricsBody, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(metricsBody), `test_httpapi_turns_total{outcome="completed"} 1`)
}

func TestChatWebSocketResumesTranscript(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	first := dialChat(t, ts, "socrates", nil)
	ready := readMessage(t, first)
	require.NoError(t, first.WriteJSON(map[string]string{"type": "user_message", "text": "hello"}))
	readUntil(t, first, "assistant_turn_end")
	first.Close()

	second := dialChat(t, ts, "socrates", nil)
	resumed := readMessage(t, second)
	assert.Equal(t, ready["session_id"], resumed["session_id"])
	assert.Equal(t, false, resumed["created"])
	transcript, _ := resumed["transcript"].([]any)
	assert.Len(t, transcript, 2)
}

func TestChatWebSocketNewChat(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialChat(t, ts, "generic-guide", nil)
	ready := readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "client_control", "action": "new_chat"}))
	fresh, _ := readUntil(t, conn, "session_ready")
	assert.NotEqual(t, ready["session_id"], fresh["session_id"])
	assert.Equal(t, true, fresh["created"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "client_control", "action": "skip_audio"}))
	ack, _ := readUntil(t, conn, "system_event")
	assert.Equal(t, "audio_skipped", ack["code"])
}

func TestChatWebSocketClosesWhenSessionUnavailable(t *testing.T) {
	ts := newTestServerWith(t, config.Config{}, func(cfg *orchestrator.Config) {
		cfg.Sessions = unavailableSessions{}
		cfg.SessionAttempts = 1
	})
	conn := dialChat(t, ts, "socrates", nil)

	msg := readMessage(t, conn)
	assert.Equal(t, "error_event", msg["type"])
	assert.Equal(t, "session_unavailable", msg["code"])

	// The server closes the socket instead of idling until the client leaves.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestChatWebSocketRejectsInvalidMessage(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialChat(t, ts, "socrates", nil)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_audio_chunk"}`)))
	msg, _ := readUntil(t, conn, "error_event")
	assert.Equal(t, "invalid_client_message", msg["code"])
}

func TestChatWebSocketRequiresPersona(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	res, err := http.Get(ts.URL + "/v1/chat/ws")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestChatWebSocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?persona=socrates"
	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err, "dial with foreign origin succeeded")
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	open := newTestServer(t, config.Config{AllowAnyOrigin: true})
	dialChat(t, open, "socrates", http.Header{"Origin": []string{"https://evil.example"}})
}
