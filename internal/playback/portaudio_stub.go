//go:build !portaudio

package playback

import (
	"context"
	"errors"
)

// ErrPortAudioUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioUnavailable = errors.New("portaudio support not compiled in (build with -tags portaudio)")

type PortAudioDevice struct{}

func NewPortAudioDevice() (*PortAudioDevice, error) {
	return nil, ErrPortAudioUnavailable
}

func (d *PortAudioDevice) Open(context.Context, Clip) (Voice, error) {
	return nil, ErrPortAudioUnavailable
}

func (d *PortAudioDevice) Close() error { return nil }
