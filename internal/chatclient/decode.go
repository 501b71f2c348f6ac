package chatclient

import (
	"encoding/json"
	"strings"

	"github.com/ent0n29/personachat/internal/frame"
)

// Reasons attached to frame_dropped diagnostics.
const (
	DropNoData      = "no_data"
	DropInvalidJSON = "invalid_json"
	DropServerError = "server_error"
	DropNoDelta     = "no_delta"
	DropEmpty       = "empty"
	DropDone        = "done"
	DropTruncated   = "truncated"
)

// decodeFrame turns one raw frame into a delta. ok is false when the frame is
// protocol noise; reason and detail then describe why it was skipped.
func decodeFrame(raw []byte) (delta string, ok bool, reason, detail string) {
	ev := frame.Parse(raw)
	if !ev.HasData {
		return "", false, DropNoData, ""
	}
	if ev.Data == "[DONE]" {
		return "", false, DropDone, ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(ev.Data), &obj); err != nil {
		return "", false, DropInvalidJSON, truncate(ev.Data, 120)
	}

	if ev.Name == "error" {
		var msg string
		if raw, found := obj["error"]; found {
			_ = json.Unmarshal(raw, &msg)
		}
		return "", false, DropServerError, msg
	}

	rawDelta, found := obj["delta"]
	if !found {
		var done bool
		if rawDone, hasDone := obj["done"]; hasDone && json.Unmarshal(rawDone, &done) == nil && done {
			return "", false, DropDone, ""
		}
		return "", false, DropNoDelta, ""
	}
	if err := json.Unmarshal(rawDelta, &delta); err != nil {
		return "", false, DropNoDelta, "delta is not a string"
	}
	if delta == "" {
		return "", false, DropEmpty, ""
	}
	return delta, true, "", ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
