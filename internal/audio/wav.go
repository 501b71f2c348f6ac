// Package audio encodes and inspects the WAV clips exchanged with the TTS
// endpoint and the playback devices.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE payload")

// IsWAV sniffs the RIFF/WAVE magic.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// EncodeWAVPCM16 wraps mono 16-bit samples in a WAV container, in memory.
func EncodeWAVPCM16(samples []int, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	file := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	out, err := io.ReadAll(file.Reader())
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return out, nil
}

// Tone synthesizes a sine wave at freq Hz for d, faded in and out over a few
// milliseconds so consecutive clips do not click.
func Tone(freq float64, d time.Duration, sampleRate int, amplitude float64) []int {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if amplitude <= 0 || amplitude > 1 {
		amplitude = 0.3
	}
	n := int(d.Seconds() * float64(sampleRate))
	if n <= 0 {
		return nil
	}
	fade := sampleRate / 200
	if fade*2 > n {
		fade = n / 2
	}
	out := make([]int, n)
	for i := range out {
		gain := amplitude
		if fade > 0 {
			if i < fade {
				gain *= float64(i) / float64(fade)
			} else if i >= n-fade {
				gain *= float64(n-1-i) / float64(fade)
			}
		}
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
		out[i] = int(v * gain * math.MaxInt16)
	}
	return out
}

// Duration reports the playing time of a WAV payload.
func Duration(data []byte) (time.Duration, error) {
	if !IsWAV(data) {
		return 0, ErrNotWAV
	}
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return 0, ErrNotWAV
	}
	dur, err := d.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return dur, nil
}

// DecodePCM returns the full sample buffer of a WAV payload.
func DecodePCM(data []byte) (*goaudio.IntBuffer, error) {
	if !IsWAV(data) {
		return nil, ErrNotWAV
	}
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return buf, nil
}
