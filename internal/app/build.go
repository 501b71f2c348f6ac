// Package app wires configuration into a running persona chat client.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/backend"
	"github.com/ent0n29/personachat/internal/chatclient"
	"github.com/ent0n29/personachat/internal/config"
	"github.com/ent0n29/personachat/internal/httpapi"
	"github.com/ent0n29/personachat/internal/observability"
	"github.com/ent0n29/personachat/internal/orchestrator"
	"github.com/ent0n29/personachat/internal/playback"
	"github.com/ent0n29/personachat/internal/sessionstore"
	"github.com/ent0n29/personachat/internal/voiceprofile"
)

type Options struct {
	Logger *zap.Logger
	// Registry receives the client's metrics. Nil means the global registry.
	Registry *prometheus.Registry
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Backend      *backend.Client
	Orchestrator *orchestrator.Orchestrator
	Player       *playback.Player
	Store        sessionstore.Store
	Metrics      *observability.Metrics

	// Cleanup stops playback and releases the device and the store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := observability.OrNop(opts.Logger)

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if opts.Registry != nil {
		metrics = observability.NewMetricsWith(opts.Registry, cfg.MetricsNamespace)
		gatherer = opts.Registry
	} else {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
		gatherer = prometheus.DefaultGatherer
	}
	diag := observability.NewLogSink(logger, metrics)

	store, err := sessionstore.NewStore(ctx, sessionstore.Options{
		Kind:        cfg.SessionStore,
		Path:        cfg.SessionStorePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	voices, err := voiceprofile.Load(cfg.VoiceProfilesFile, voiceprofile.Profile{
		Voice:      cfg.TTSVoice,
		Format:     cfg.TTSFormat,
		SampleRate: cfg.TTSSampleRate,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	device, closeDevice, err := playback.NewDevice(playback.DeviceConfig{
		Kind:        cfg.PlaybackDevice,
		Command:     cfg.PlaybackCommand,
		BitrateKbps: cfg.PlaybackBitrateKbps,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("playback device init failed: %w", err)
	}
	player := playback.NewPlayer(device, playback.Options{
		Logger:      logger.Named("playback"),
		Diagnostics: diag,
		OnQueueChange: func(_ playback.State, pending int) {
			metrics.QueuedClips.Set(float64(pending))
		},
	})

	api := backend.New(backend.Config{BaseURL: cfg.BackendBaseURL, Logger: logger.Named("backend")})
	chat := chatclient.New(chatclient.Config{
		BaseURL:           cfg.BackendBaseURL,
		InactivityTimeout: cfg.ChatInactivityTimeout,
		Logger:            logger.Named("chat"),
		Diagnostics:       diag,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:        api,
		Chat:            chat,
		Speech:          api,
		Player:          player,
		Store:           store,
		Voices:          voices,
		TTSEnabled:      cfg.TTSEnabled,
		SessionAttempts: cfg.SessionCreateAttempts,
		RetryBase:       200 * time.Millisecond,
		RetryCap:        2 * time.Second,
		Metrics:         metrics,
		Diagnostics:     diag,
		Logger:          logger.Named("orchestrator"),
	})
	if err != nil {
		_ = player.Shutdown(ctx)
		_ = closeDevice()
		_ = store.Close()
		return nil, err
	}

	server := httpapi.New(cfg, httpapi.Deps{
		Orchestrator: orch,
		Meta:         api,
		Metrics:      metrics,
		Gatherer:     gatherer,
		Logger:       logger.Named("http"),
	})

	cleanup := func(ctx context.Context) error {
		err := player.Shutdown(ctx)
		err = multierr.Append(err, closeDevice())
		return multierr.Append(err, store.Close())
	}

	return &BuildResult{
		Config:       cfg,
		API:          server,
		Backend:      api,
		Orchestrator: orch,
		Player:       player,
		Store:        store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
