// Package transport holds the HTTP plumbing shared by the streaming chat
// client and the request/response backend calls.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/personachat/internal/reliability"
)

// Doer is the fetch-like capability the clients need.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// NewHTTPClient returns a client suited to long-lived streaming responses: no
// overall timeout, only dial and response-header limits.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Error is a network or HTTP failure of a backend call.
type Error struct {
	// Op names the failing step: "encode", "send", "status", "read".
	Op         string
	URL        string
	StatusCode int
	// Body is the (truncated) response text for non-2xx replies.
	Body string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http status %d", e.StatusCode)
		if body := strings.TrimSpace(e.Body); body != "" {
			b.WriteString(": ")
			b.WriteString(body)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may reasonably try again.
func (e *Error) Retryable() bool {
	if e.StatusCode != 0 {
		return reliability.IsRetryableHTTPStatus(e.StatusCode)
	}
	return e.Op == "send"
}

// NewJSONRequest builds a POST carrying v as JSON.
func NewJSONRequest(ctx context.Context, url string, v any) (*http.Request, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Op: "encode", URL: url, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Op: "encode", URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Do sends req and converts transport failures and non-2xx statuses into
// *Error. On success the caller owns res.Body.
func Do(d Doer, req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	res, err := d.Do(req)
	if err != nil {
		return nil, &Error{Op: "send", URL: url, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var body []byte
		if res.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
			_ = res.Body.Close()
		}
		return nil, &Error{Op: "status", URL: url, StatusCode: res.StatusCode, Body: string(body)}
	}
	if res.Body == nil || res.Body == http.NoBody {
		return nil, &Error{Op: "read", URL: url, StatusCode: res.StatusCode, Err: ErrMissingBody}
	}
	return res, nil
}

// ErrMissingBody is returned when a 2xx response carries no body.
var ErrMissingBody = errors.New("response has no body")

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}
