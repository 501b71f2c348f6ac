package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/personachat/internal/audio"
)

var ErrEmptyClip = errors.New("clip has no audio data")

// ClipDuration returns the playing time of clip. WAV payloads are measured
// from their header; other formats are estimated from bitrateKbps.
func ClipDuration(clip Clip, bitrateKbps int) (time.Duration, error) {
	if len(clip.Data) == 0 {
		return 0, ErrEmptyClip
	}
	if audio.IsWAV(clip.Data) {
		return audio.Duration(clip.Data)
	}
	if strings.EqualFold(clip.Format, "wav") {
		return 0, audio.ErrNotWAV
	}
	if bitrateKbps <= 0 {
		bitrateKbps = 48
	}
	bits := time.Duration(len(clip.Data)) * 8
	return bits * time.Second / time.Duration(bitrateKbps*1000), nil
}

// TimedDevice produces no sound; each clip occupies the device for its
// duration. It backs headless runs and keeps queue timing realistic.
type TimedDevice struct {
	BitrateKbps int
}

func (d TimedDevice) Open(_ context.Context, clip Clip) (Voice, error) {
	dur, err := ClipDuration(clip, d.BitrateKbps)
	if err != nil {
		return nil, err
	}
	return timedVoice{d: dur}, nil
}

type timedVoice struct {
	d time.Duration
}

func (v timedVoice) Play(ctx context.Context) error {
	t := time.NewTimer(v.d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (timedVoice) Close() error { return nil }

// ExecDevice plays each clip with an external command. The clip is written to
// a temporary file whose path is appended to Command; the file is removed
// when the voice is closed.
type ExecDevice struct {
	Command []string
	TempDir string
}

// DefaultCommands lists players tried, in order, when no command is set.
var DefaultCommands = [][]string{
	{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error"},
	{"mpv", "--no-video", "--really-quiet"},
	{"mpg123", "-q"},
	{"afplay"},
	{"paplay"},
}

// LookupCommand returns the first default player found on PATH.
func LookupCommand() ([]string, bool) {
	for _, cmd := range DefaultCommands {
		if _, err := exec.LookPath(cmd[0]); err == nil {
			return cmd, true
		}
	}
	return nil, false
}

func (d ExecDevice) Open(_ context.Context, clip Clip) (Voice, error) {
	if len(d.Command) == 0 {
		return nil, errors.New("exec device has no command")
	}
	if len(clip.Data) == 0 {
		return nil, ErrEmptyClip
	}

	f, err := os.CreateTemp(d.TempDir, "clip-*."+extension(clip))
	if err != nil {
		return nil, fmt.Errorf("create clip file: %w", err)
	}
	if _, err := f.Write(clip.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("close clip file: %w", err)
	}
	return &execVoice{command: d.Command, path: f.Name()}, nil
}

type execVoice struct {
	command []string
	path    string
}

func (v *execVoice) Play(ctx context.Context) error {
	args := append(append([]string(nil), v.command[1:]...), v.path)
	cmd := exec.CommandContext(ctx, v.command[0], args...)
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", v.command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", v.command[0], err)
	}
	return nil
}

func (v *execVoice) Close() error {
	if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func extension(clip Clip) string {
	if audio.IsWAV(clip.Data) {
		return "wav"
	}
	f := strings.ToLower(strings.TrimSpace(clip.Format))
	if f == "" {
		return "mp3"
	}
	return f
}

// DeviceConfig selects and configures an output device.
type DeviceConfig struct {
	// Kind is one of auto, exec, timed, portaudio.
	Kind        string
	Command     []string
	TempDir     string
	BitrateKbps int
}

// NewDevice builds the configured device. The returned close func releases
// device-wide resources and is never nil.
func NewDevice(cfg DeviceConfig) (Device, func() error, error) {
	noop := func() error { return nil }
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = "auto"
	}

	switch kind {
	case "timed":
		return TimedDevice{BitrateKbps: cfg.BitrateKbps}, noop, nil
	case "exec":
		cmd := cfg.Command
		if len(cmd) == 0 {
			found, ok := LookupCommand()
			if !ok {
				return nil, noop, errors.New("no audio player command found on PATH")
			}
			cmd = found
		}
		return ExecDevice{Command: cmd, TempDir: cfg.TempDir}, noop, nil
	case "portaudio":
		d, err := NewPortAudioDevice()
		if err != nil {
			return nil, noop, err
		}
		return d, d.Close, nil
	case "auto":
		if len(cfg.Command) > 0 {
			return ExecDevice{Command: cfg.Command, TempDir: cfg.TempDir}, noop, nil
		}
		if cmd, ok := LookupCommand(); ok {
			return ExecDevice{Command: cmd, TempDir: cfg.TempDir}, noop, nil
		}
		return TimedDevice{BitrateKbps: cfg.BitrateKbps}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported playback device %q (expected auto|exec|timed|portaudio)", cfg.Kind)
	}
}
