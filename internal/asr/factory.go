package asr

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/config"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

// Factory builds a fresh Channel per recording
type Factory func(logger zerolog.Logger, metrics *observability.Metrics) Channel

// NewFactory returns a Factory for the configured provider
func NewFactory(cfg *config.Config) (Factory, error) {
	switch cfg.ASRProvider {
	case config.ProviderXFYun:
		return func(logger zerolog.Logger, metrics *observability.Metrics) Channel {
			return NewXFYunChannel(XFYunOptions{
				URL:            cfg.XFYunURL,
				AppID:          cfg.XFYunAppID,
				APIKey:         cfg.XFYunAPIKey,
				RoleType:       cfg.XFYunRoleType,
				ConnectTimeout: cfg.ConnectTimeout(),
				Logger:         logger,
				Metrics:        metrics,
			})
		}, nil
	case config.ProviderDeepgram:
		return func(logger zerolog.Logger, metrics *observability.Metrics) Channel {
			return NewDeepgramChannel(DeepgramOptions{
				APIKey:     cfg.DeepgramAPIKey,
				Model:      cfg.DeepgramModel,
				Language:   cfg.DeepgramLanguage,
				SampleRate: cfg.AudioSampleRate,
				Logger:     logger,
				Metrics:    metrics,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown ASR provider %q", cfg.ASRProvider)
	}
}
