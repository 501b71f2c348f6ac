package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/personachat/internal/observability"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// bodyDoer replies 200 with body for every request.
func bodyDoer(body io.Reader) doerFunc {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       io.NopCloser(body),
		}, nil
	}
}

// splitReader returns data in two reads, cut at offset.
type splitReader struct {
	parts [][]byte
}

func (r *splitReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	r.parts[0] = r.parts[0][n:]
	if len(r.parts[0]) == 0 {
		r.parts = r.parts[1:]
	}
	return n, nil
}

func sseFrame(delta string) string {
	b, _ := json.Marshal(map[string]string{"delta": delta})
	return "data: " + string(b) + "\n\n"
}

func collect(t *testing.T, c *Client, ctx context.Context, turn Turn) ([]string, error) {
	t.Helper()
	var got []string
	err := c.Send(ctx, turn, func(text string) { got = append(got, text) })
	return got, err
}

func flushWrite(t *testing.T, w http.ResponseWriter, s string) {
	t.Helper()
	_, _ = io.WriteString(w, s)
	w.(http.Flusher).Flush()
}

func TestSendDeliversDeltasAcrossWrites(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(t, w, `data: {"delta":"He"}`+"\n\n")
		time.Sleep(20 * time.Millisecond)
		flushWrite(t, w, `data: {"delta":"llo"}`+"\n\n")
		flushWrite(t, w, `data: {"done": true}`+"\n\n")
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1", UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, got)
	assert.Equal(t, "Hello", strings.Join(got, ""))
	assert.False(t, c.Active("s1"))
}

func TestSendSkipsMalformedFrame(t *testing.T) {
	body := `data: {"delta":"one"}` + "\n\n" + "data: not-json\n\n" + `data: {"delta":"two"}` + "\n\n"
	rec := &observability.Recorder{}
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(strings.NewReader(body)), Diagnostics: rec})

	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)

	items := rec.Items()
	require.Len(t, items, 1)
	assert.Equal(t, observability.DiagFrameDropped, items[0].Kind)
	assert.Equal(t, DropInvalidJSON, items[0].Reason)
	assert.Equal(t, "s1", items[0].SessionID)
}

func TestSendToleratesProtocolNoise(t *testing.T) {
	body := strings.Join([]string{
		": keepalive\n\n",
		"event: ping\n\n",
		sseFrame("a"),
		`data: {"other":1}` + "\n\n",
		`data: {"delta":""}` + "\n\n",
		`data: {"delta":7}` + "\n\n",
		"event: error\n" + `data: {"error":"upstream hiccup"}` + "\n\n",
		"id: 3\r\ndata: " + `{"delta":"b"}` + "\r\n\n",
		sseFrame("c"),
		"data: [DONE]\n\n",
	}, "")
	rec := &observability.Recorder{}
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(strings.NewReader(body)), Diagnostics: rec})

	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	var reasons []string
	for _, d := range rec.Items() {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []string{DropNoData, DropNoData, DropNoDelta, DropEmpty, DropNoDelta, DropServerError, DropDone}, reasons)
	assert.Equal(t, "upstream hiccup", rec.Items()[5].Detail)
}

func TestSendSingleByteChunks(t *testing.T) {
	var b strings.Builder
	var want []string
	for i := 0; i < 25; i++ {
		d := fmt.Sprintf("tok%d·", i)
		want = append(want, d)
		b.WriteString(sseFrame(d))
	}
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(iotest.OneByteReader(strings.NewReader(b.String())))})

	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSendEverySplitPoint(t *testing.T) {
	stream := sseFrame("He") + sseFrame("llo") + sseFrame(" 世界")
	want := []string{"He", "llo", " 世界"}
	for cut := 1; cut < len(stream); cut++ {
		r := &splitReader{parts: [][]byte{[]byte(stream[:cut]), []byte(stream[cut:])}}
		c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(r)})
		got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
		require.NoError(t, err)
		require.Equalf(t, want, got, "cut at %d", cut)
	}
}

func TestSendDropsTruncatedTail(t *testing.T) {
	body := sseFrame("a") + `data: {"delta":"b"}`
	rec := &observability.Recorder{}
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(strings.NewReader(body)), Diagnostics: rec})

	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	require.Len(t, rec.Items(), 1)
	assert.Equal(t, DropTruncated, rec.Items()[0].Reason)
}

func TestSendCancellationStopsDelivery(t *testing.T) {
	release := make(chan struct{})
	handlerDone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		flushWrite(t, w, sseFrame("k1")+sseFrame("k2"))
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		_, _ = io.WriteString(w, sseFrame("late1")+sseFrame("late2"))
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	err := c.Send(ctx, Turn{SessionID: "s1"}, func(text string) {
		got = append(got, text)
		if len(got) == 2 {
			cancel()
			close(release)
		}
	})
	require.NoError(t, err)
	<-handlerDone
	assert.Equal(t, []string{"k1", "k2"}, got)
	assert.False(t, c.Active("s1"))
}

func TestStreamCloseFromAnotherGoroutine(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushWrite(t, w, sseFrame("first"))
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	s, err := c.Open(context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)

	require.True(t, s.Next())
	assert.Equal(t, "first", s.Delta().Text)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.Close()
	}()
	assert.False(t, s.Next())
	assert.Equal(t, StateCancelled, s.State())
	assert.NoError(t, s.Err())
	assert.False(t, c.Active("s1"))
}

func TestOpenRejectsNonSuccessStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	delivered := 0
	err := c.Send(context.Background(), Turn{SessionID: "s1"}, func(string) { delivered++ })
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.True(t, te.Retryable())
	assert.Zero(t, delivered)
	assert.False(t, c.Active("s1"), "failed open must release the session slot")
}

func TestOpenRejectsBrokenTransport(t *testing.T) {
	boom := errors.New("connection reset")
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	})})
	err := c.Send(context.Background(), Turn{SessionID: "s1"}, nil)
	require.ErrorIs(t, err, boom)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
}

func TestReadFailureMidStream(t *testing.T) {
	boom := errors.New("unexpected EOF from proxy")
	body := io.MultiReader(strings.NewReader(sseFrame("a")), iotest.ErrReader(boom))
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: bodyDoer(body)})

	s, err := c.Open(context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, "a", s.Delta().Text)
	require.False(t, s.Next())
	assert.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.Err(), boom)
}

func TestConcurrentTurnRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushWrite(t, w, sseFrame("x"))
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	first, err := c.Open(context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, c.Active("s1"))

	_, err = c.Open(context.Background(), Turn{SessionID: "s1"})
	require.ErrorIs(t, err, ErrConcurrentTurn)
	var cte *ConcurrentTurnError
	require.ErrorAs(t, err, &cte)
	assert.Equal(t, "s1", cte.SessionID)

	other, err := c.Open(context.Background(), Turn{SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, 2, c.ActiveCount())
	require.NoError(t, other.Close())

	require.NoError(t, first.Close())
	again, err := c.Open(context.Background(), Turn{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestInactivityTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushWrite(t, w, sseFrame("a"))
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client(), InactivityTimeout: 60 * time.Millisecond})
	got, err := collect(t, c, context.Background(), Turn{SessionID: "s1"})
	require.ErrorIs(t, err, ErrInactivityTimeout)
	assert.Equal(t, []string{"a"}, got)
}

func TestMissingSessionID(t *testing.T) {
	c := New(Config{BaseURL: "http://backend.test", HTTPClient: doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})})
	err := c.Send(context.Background(), Turn{SessionID: "  ", UserMessage: "hi"}, nil)
	require.ErrorIs(t, err, ErrMissingSessionID)
}

func TestRequestPayload(t *testing.T) {
	var bodies []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var m map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		bodies = append(bodies, m)
		flushWrite(t, w, sseFrame("ok"))
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL + "/", HTTPClient: ts.Client()})
	require.NoError(t, c.Send(context.Background(), Turn{SessionID: "s1", UserMessage: "hello"}, nil))
	require.NoError(t, c.Send(context.Background(), Turn{SessionID: "s1", UserMessage: "again", PersonaID: "socrates"}, nil))

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"sessionId": "s1", "userMessage": "hello", "personaSlug": nil}, bodies[0])
	assert.Equal(t, "socrates", bodies[1]["personaSlug"])
}

func TestCancelBeforeHeadersEndsCancelled(t *testing.T) {
	arrived := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-arrived
		cancel()
	}()

	s, err := c.Open(ctx, Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, s.Next())
	assert.Equal(t, StateCancelled, s.State())
	assert.NoError(t, s.Err())
	assert.False(t, c.Active("s1"))
}

func TestSendCancelledBeforeHeadersReturnsNil(t *testing.T) {
	arrived := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, HTTPClient: ts.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-arrived
		cancel()
	}()

	delivered := 0
	err := c.Send(ctx, Turn{SessionID: "s1"}, func(string) { delivered++ })
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.False(t, c.Active("s1"))
}
