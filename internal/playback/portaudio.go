//go:build portaudio

package playback

import (
	"context"
	"fmt"
	"math"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/personachat/internal/audio"
)

const framesPerBuffer = 1024

// PortAudioDevice writes WAV clips to the default output device.
type PortAudioDevice struct{}

func NewPortAudioDevice() (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudioDevice{}, nil
}

func (d *PortAudioDevice) Open(_ context.Context, clip Clip) (Voice, error) {
	if len(clip.Data) == 0 {
		return nil, ErrEmptyClip
	}
	buf, err := audio.DecodePCM(clip.Data)
	if err != nil {
		return nil, err
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	out := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(buf.Format.SampleRate), framesPerBuffer, &out)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	return &paVoice{stream: stream, out: out, samples: samples}, nil
}

// Close terminates the PortAudio library.
func (d *PortAudioDevice) Close() error {
	return portaudio.Terminate()
}

type paVoice struct {
	stream  *portaudio.Stream
	out     []float32
	samples []float32
}

func (v *paVoice) Play(ctx context.Context) error {
	if err := v.stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	for off := 0; off < len(v.samples); off += len(v.out) {
		if err := ctx.Err(); err != nil {
			_ = v.stream.Abort()
			return err
		}
		n := copy(v.out, v.samples[off:])
		for i := n; i < len(v.out); i++ {
			v.out[i] = 0
		}
		if err := v.stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return v.stream.Stop()
}

func (v *paVoice) Close() error {
	return v.stream.Close()
}
