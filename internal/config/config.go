package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the persona chat client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogDevelopment   bool

	AllowAnyOrigin bool

	BackendBaseURL        string
	ChatInactivityTimeout time.Duration
	SessionCreateAttempts int

	// SessionStore is one of memory, file, postgres, auto.
	SessionStore     string
	SessionStorePath string
	DatabaseURL      string

	TTSEnabled        bool
	TTSVoice          string
	TTSFormat         string
	TTSSampleRate     int
	VoiceProfilesFile string

	// PlaybackDevice is one of auto, exec, timed, portaudio.
	PlaybackDevice      string
	PlaybackCommand     []string
	PlaybackBitrateKbps int

	DevBackendBindAddr   string
	DevBackendChunkDelay time.Duration
}

// LoadDotEnv copies variables from the given files (default ".env") into the
// environment without overriding what is already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", "127.0.0.1:8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "personachat"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		BackendBaseURL:     envOrDefault("BACKEND_BASE_URL", "http://127.0.0.1:8000"),
		SessionStore:       strings.ToLower(envOrDefault("SESSION_STORE", "auto")),
		SessionStorePath:   stringsTrimSpace("SESSION_STORE_PATH"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		TTSVoice:           envOrDefault("TTS_VOICE", "xiaoyun"),
		TTSFormat:          strings.ToLower(envOrDefault("TTS_FORMAT", "mp3")),
		VoiceProfilesFile:  stringsTrimSpace("VOICE_PROFILES_FILE"),
		PlaybackDevice:     strings.ToLower(envOrDefault("PLAYBACK_DEVICE", "auto")),
		PlaybackCommand:    commandFromEnv("PLAYBACK_COMMAND"),
		DevBackendBindAddr: envOrDefault("DEVBACKEND_BIND_ADDR", "127.0.0.1:8000"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LogDevelopment, err = boolFromEnv("APP_LOG_DEV", false); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.ChatInactivityTimeout, err = durationFromEnv("CHAT_INACTIVITY_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionCreateAttempts, err = intFromEnv("SESSION_CREATE_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.TTSEnabled, err = boolFromEnv("TTS_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.TTSSampleRate, err = intFromEnv("TTS_SAMPLE_RATE", 16000); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackBitrateKbps, err = intFromEnv("PLAYBACK_BITRATE_KBPS", 48); err != nil {
		return Config{}, err
	}
	if cfg.DevBackendChunkDelay, err = durationFromEnv("DEVBACKEND_CHUNK_DELAY", 40*time.Millisecond); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	u, err := url.Parse(cfg.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL, got %q", cfg.BackendBaseURL)
	}
	if cfg.ChatInactivityTimeout < 0 {
		return fmt.Errorf("CHAT_INACTIVITY_TIMEOUT must be >= 0")
	}
	if cfg.SessionCreateAttempts <= 0 {
		return fmt.Errorf("SESSION_CREATE_ATTEMPTS must be positive")
	}
	switch cfg.SessionStore {
	case "memory", "auto":
	case "file":
		if cfg.SessionStorePath == "" {
			return fmt.Errorf("SESSION_STORE_PATH is required when SESSION_STORE=file")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_STORE=postgres")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory|file|postgres|auto, got %q", cfg.SessionStore)
	}
	switch cfg.TTSFormat {
	case "mp3", "wav":
	default:
		return fmt.Errorf("TTS_FORMAT must be mp3|wav, got %q", cfg.TTSFormat)
	}
	if cfg.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	switch cfg.PlaybackDevice {
	case "auto", "exec", "timed", "portaudio":
	default:
		return fmt.Errorf("PLAYBACK_DEVICE must be auto|exec|timed|portaudio, got %q", cfg.PlaybackDevice)
	}
	if cfg.PlaybackBitrateKbps <= 0 {
		return fmt.Errorf("PLAYBACK_BITRATE_KBPS must be positive")
	}
	if cfg.DevBackendChunkDelay < 0 {
		return fmt.Errorf("DEVBACKEND_CHUNK_DELAY must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// commandFromEnv splits a command line on whitespace. A blank value yields nil.
func commandFromEnv(key string) []string {
	fields := strings.Fields(os.Getenv(key))
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
