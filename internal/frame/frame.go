// Package frame splits an append-only byte stream into blank-line delimited
// frames, the framing used by event-stream style chat responses.
package frame

import (
	"bytes"
	"strings"
)

// DefaultDelimiter terminates one frame.
var DefaultDelimiter = []byte("\n\n")

// Split cuts every complete frame out of buf. Frames are returned in order and
// rest holds the undelimited tail. Neither frames nor rest alias buf.
func Split(buf, delim []byte) (frames [][]byte, rest []byte) {
	if len(delim) == 0 {
		delim = DefaultDelimiter
	}
	for {
		idx := bytes.Index(buf, delim)
		if idx < 0 {
			break
		}
		frames = append(frames, bytes.Clone(buf[:idx]))
		buf = buf[idx+len(delim):]
	}
	return frames, bytes.Clone(buf)
}

// Splitter reassembles frames over successive chunks. The zero value uses
// DefaultDelimiter. A Splitter is not safe for concurrent use.
type Splitter struct {
	Delim []byte

	buf []byte
}

// Append adds chunk to the pending buffer and returns the frames it completed.
// A frame split across chunks, including a split inside the delimiter, is
// returned once its delimiter has fully arrived.
func (s *Splitter) Append(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	s.buf = append(s.buf, chunk...)
	frames, rest := Split(s.buf, s.Delim)
	s.buf = rest
	return frames
}

// Remainder returns a copy of the bytes still waiting for a delimiter.
func (s *Splitter) Remainder() []byte {
	return bytes.Clone(s.buf)
}

// Pending reports how many bytes are buffered.
func (s *Splitter) Pending() int { return len(s.buf) }

// Reset discards any buffered partial frame.
func (s *Splitter) Reset() { s.buf = nil }

// Event is the parsed view of one frame.
type Event struct {
	// Name is the value of the "event:" line, empty when absent.
	Name string
	// Data is the trimmed remainder of the first "data:" line.
	Data string
	// HasData is false when no line carried a "data:" prefix.
	HasData bool
}

// Parse extracts the event name and the first data line from a raw frame.
// Lines are trimmed before the prefix check, so "\r\n" line endings and
// indentation are tolerated.
func Parse(raw []byte) Event {
	var ev Event
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case !ev.HasData && strings.HasPrefix(line, "data:"):
			ev.Data = strings.TrimSpace(line[len("data:"):])
			ev.HasData = true
		case ev.Name == "" && strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(line[len("event:"):])
		}
	}
	return ev
}
