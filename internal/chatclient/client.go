// Package chatclient streams one chat turn from the backend and hands the
// assistant reply back as ordered text deltas.
package chatclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/transport"
)

const (
	chatPath           = "/api/chat"
	defaultReadBufSize = 4 << 10
)

// Config controls client construction.
type Config struct {
	BaseURL string
	// HTTPClient defaults to transport.NewHTTPClient().
	HTTPClient transport.Doer
	// InactivityTimeout fails a stream that receives no bytes for this long.
	// Zero disables the limit.
	InactivityTimeout time.Duration
	ReadBufferSize    int
	Logger            *zap.Logger
	Diagnostics       observability.DiagnosticSink
}

// Client sends chat turns. It is safe for concurrent use; at most one stream
// per session id may be active at a time.
type Client struct {
	url         string
	doer        transport.Doer
	inactivity  time.Duration
	readBufSize int
	logger      *zap.Logger
	diag        observability.DiagnosticSink

	mu     sync.Mutex
	active map[string]*Stream
}

func New(cfg Config) *Client {
	doer := cfg.HTTPClient
	if doer == nil {
		doer = transport.NewHTTPClient()
	}
	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultReadBufSize
	}
	diag := cfg.Diagnostics
	if diag == nil {
		diag = observability.Discard
	}
	return &Client{
		url:         transport.JoinURL(cfg.BaseURL, chatPath),
		doer:        doer,
		inactivity:  cfg.InactivityTimeout,
		readBufSize: bufSize,
		logger:      observability.OrNop(cfg.Logger),
		diag:        diag,
		active:      make(map[string]*Stream),
	}
}

// Send streams turn and calls onDelta for every delta in frame order. It
// returns nil when the stream ends or ctx is cancelled; deltas already handed
// to onDelta are never retracted. Cancelling ctx stops delivery at once.
func (c *Client) Send(ctx context.Context, turn Turn, onDelta DeltaHandler) error {
	s, err := c.Open(ctx, turn)
	if err != nil {
		return err
	}
	defer s.Close()

	for s.Next() {
		if onDelta != nil {
			onDelta(s.Delta().Text)
		}
	}
	return s.Err()
}

// Open starts the request for turn and returns once the response headers
// arrived. If ctx is cancelled first, Open returns a Stream that is already
// cancelled and yields no deltas. The returned Stream must be drained or
// closed.
func (c *Client) Open(ctx context.Context, turn Turn) (*Stream, error) {
	sessionID := strings.TrimSpace(turn.SessionID)
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := newStream(streamCtx, cancel, c, sessionID)
	if err := c.claim(s); err != nil {
		cancel()
		return nil, err
	}

	req, err := transport.NewJSONRequest(streamCtx, c.url, newChatRequest(turn))
	if err != nil {
		c.release(s)
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := transport.Do(c.doer, req)
	if err != nil && streamCtx.Err() != nil {
		// Cancelled before the response headers arrived: the turn ends
		// as cancelled, not as a transport failure.
		s.finish(StateCancelled, nil)
		return s, nil
	}
	if err != nil {
		c.release(s)
		cancel()
		c.logger.Warn("chat stream open failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("chat stream opened", zap.String("session_id", sessionID))
	s.start(res.Body)
	return s, nil
}

// Active reports whether sessionID has a stream in flight.
func (c *Client) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// ActiveCount returns the number of streams in flight.
func (c *Client) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Client) claim(s *Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[s.sessionID]; busy {
		return &ConcurrentTurnError{SessionID: s.sessionID}
	}
	c.active[s.sessionID] = s
	return nil
}

func (c *Client) release(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[s.sessionID] == s {
		delete(c.active, s.sessionID)
	}
}
