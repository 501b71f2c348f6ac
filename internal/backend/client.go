// Package backend calls the request/response endpoints of the persona chat
// backend: session creation, speech synthesis, speech tokens and category
// metadata. Streaming chat lives in package chatclient.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/transport"
)

const (
	DefaultVoice      = "xiaoyun"
	DefaultFormat     = "mp3"
	DefaultSampleRate = 16000

	maxAudioBytes = 32 << 20
	maxJSONBytes  = 1 << 20
)

var (
	ErrEmptyText      = errors.New("speech text is empty")
	ErrEmptySessionID = errors.New("backend returned an empty session id")
)

// APIError is a non-2xx reply. Body holds the raw response text.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: backend status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend status %d: %s", e.Op, e.StatusCode, body)
}

func (e *APIError) Retryable() bool {
	return (&transport.Error{StatusCode: e.StatusCode}).Retryable()
}

type Config struct {
	BaseURL    string
	HTTPClient transport.Doer
	Logger     *zap.Logger
}

type Client struct {
	baseURL string
	http    transport.Doer
	logger  *zap.Logger
}

func New(cfg Config) *Client {
	h := cfg.HTTPClient
	if h == nil {
		h = transport.NewHTTPClient()
	}
	return &Client{
		baseURL: strings.TrimSpace(cfg.BaseURL),
		http:    h,
		logger:  observability.OrNop(cfg.Logger),
	}
}

type sessionRequest struct {
	PersonaSlug *string `json:"personaSlug"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSession opens a backend session bound to personaID. An empty persona
// is sent as null and lets the backend pick its default.
func (c *Client) CreateSession(ctx context.Context, personaID string) (string, error) {
	body := sessionRequest{}
	if p := strings.TrimSpace(personaID); p != "" {
		body.PersonaSlug = &p
	}
	var out sessionResponse
	if err := c.postJSON(ctx, "create session", "/api/session", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", ErrEmptySessionID
	}
	c.logger.Debug("backend session created",
		zap.String("persona_id", personaID),
		zap.String("session_id", out.SessionID),
	)
	return out.SessionID, nil
}

// TTSOptions selects the synthesized voice. Zero fields take the defaults.
type TTSOptions struct {
	Voice      string
	Format     string
	SampleRate int
	Token      string
}

func (o TTSOptions) withDefaults() TTSOptions {
	if strings.TrimSpace(o.Voice) == "" {
		o.Voice = DefaultVoice
	}
	if strings.TrimSpace(o.Format) == "" {
		o.Format = DefaultFormat
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	return o
}

type ttsRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Token      *string `json:"token"`
}

// Speech is synthesized audio. Format echoes the requested format and is a
// decoding hint only.
type Speech struct {
	Data        []byte
	Format      string
	ContentType string
}

func (c *Client) SynthesizeSpeech(ctx context.Context, text string, opts TTSOptions) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		return Speech{}, ErrEmptyText
	}
	opts = opts.withDefaults()
	body := ttsRequest{
		Text:       text,
		Voice:      opts.Voice,
		Format:     opts.Format,
		SampleRate: opts.SampleRate,
	}
	if opts.Token != "" {
		body.Token = &opts.Token
	}

	url := transport.JoinURL(c.baseURL, "/api/voice/tts")
	req, err := transport.NewJSONRequest(ctx, url, body)
	if err != nil {
		return Speech{}, fmt.Errorf("synthesize speech: %w", err)
	}
	res, err := c.do(req, "synthesize speech")
	if err != nil {
		return Speech{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes))
	if err != nil {
		return Speech{}, fmt.Errorf("synthesize speech: read audio: %w", err)
	}
	return Speech{Data: data, Format: opts.Format, ContentType: res.Header.Get("Content-Type")}, nil
}

// SpeechToken authorizes the platform speech recognizer.
type SpeechToken struct {
	Token      string `json:"token"`
	ExpireTime int64  `json:"expireTime"`
}

func (c *Client) SpeechToken(ctx context.Context) (SpeechToken, error) {
	var out SpeechToken
	if err := c.getJSON(ctx, "speech token", "/api/isi/token", &out); err != nil {
		return SpeechToken{}, err
	}
	return out, nil
}

// Categories lists the persona filter values offered by the backend.
type Categories struct {
	Traits     []string `json:"traits"`
	Background []string `json:"background"`
	Style      []string `json:"style"`
}

func (c *Client) Categories(ctx context.Context) (Categories, error) {
	var out Categories
	if err := c.getJSON(ctx, "categories", "/api/meta/categories", &out); err != nil {
		return Categories{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	req, err := transport.NewJSONRequest(ctx, transport.JoinURL(c.baseURL, path), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.decode(req, op, out)
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, transport.JoinURL(c.baseURL, path), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.decode(req, op, out)
}

func (c *Client) decode(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	res, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(io.LimitReader(res.Body, maxJSONBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	res, err := transport.Do(c.http, req)
	if err == nil {
		return res, nil
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Op == "status" {
		c.logger.Warn("backend call rejected",
			zap.String("op", op),
			zap.Int("status", terr.StatusCode),
		)
		return nil, &APIError{Op: op, StatusCode: terr.StatusCode, Body: terr.Body}
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}
