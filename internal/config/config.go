package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ASR provider names accepted by ASR_PROVIDER.
const (
	ProviderXFYun    = "xfyun"
	ProviderDeepgram = "deepgram"
)

// Config holds all configuration for the transcription gateway and the scribe CLI
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080" yaml:"port"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"8081" yaml:"grpc_health_port"`

	// Meeting backend (REST API that owns meetings, recordings and summaries)
	BackendURL     string `envconfig:"BACKEND_URL" default:"" yaml:"backend_url"`
	BackendToken   string `envconfig:"BACKEND_TOKEN" default:"" yaml:"backend_token"` // CLI only; the gateway forwards the browser's token
	BackendTimeout int    `envconfig:"BACKEND_TIMEOUT" default:"10" yaml:"backend_timeout"` // seconds

	// Streaming ASR provider
	ASRProvider       string `envconfig:"ASR_PROVIDER" default:"xfyun" yaml:"asr_provider"` // xfyun, deepgram
	ASRConnectTimeout int    `envconfig:"ASR_CONNECT_TIMEOUT" default:"10" yaml:"asr_connect_timeout"` // seconds

	// XFYun real-time ASR (RTASR)
	XFYunAppID    string `envconfig:"XFYUN_APP_ID" default:"" yaml:"xfyun_app_id"`
	XFYunAPIKey   string `envconfig:"XFYUN_API_KEY" default:"" yaml:"xfyun_api_key"`
	XFYunURL      string `envconfig:"XFYUN_URL" default:"wss://rtasr.xfyun.cn/v1/ws" yaml:"xfyun_url"`
	XFYunRoleType int    `envconfig:"XFYUN_ROLE_TYPE" default:"0" yaml:"xfyun_role_type"` // 2 enables provider-side speaker separation

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:"" yaml:"deepgram_api_key"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2" yaml:"deepgram_model"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"zh-CN" yaml:"deepgram_language"`

	// Audio processing configuration
	AudioSampleRate    int     `envconfig:"AUDIO_SAMPLE_RATE" default:"16000" yaml:"audio_sample_rate"`
	AudioFrameSize     int     `envconfig:"AUDIO_FRAME_SIZE" default:"1280" yaml:"audio_frame_size"`           // bytes per frame (40ms of 16kHz PCM16)
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0" yaml:"vad_energy_threshold"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10" yaml:"vad_silence_frames"`        // Frames of silence to mark speech end

	// Persistence and summary
	SaveDebounceMs           int    `envconfig:"SAVE_DEBOUNCE_MS" default:"5000" yaml:"save_debounce_ms"`
	SummaryPath              string `envconfig:"SUMMARY_PATH" default:"ai/summary" yaml:"summary_path"`
	SummaryFirstChunkTimeout int    `envconfig:"SUMMARY_FIRST_CHUNK_TIMEOUT" default:"60" yaml:"summary_first_chunk_timeout"` // seconds

	// Live-session lock. Empty REDIS_ADDR keeps the lock in process memory.
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"" yaml:"redis_addr"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:"" yaml:"redis_password"`
	SessionLockTTL int    `envconfig:"SESSION_LOCK_TTL" default:"30" yaml:"session_lock_ttl"` // seconds

	// Resilience configuration (backend client)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5" yaml:"circuit_breaker_max_failures"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30" yaml:"circuit_breaker_reset_timeout"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" yaml:"retry_max_attempts"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100" yaml:"retry_initial_backoff"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`         // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`      // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true" yaml:"metrics_enabled"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateBackend checks only what is needed to talk to the meeting backend
func (c *Config) ValidateBackend() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	return nil
}

// Validate checks provider-specific required fields and value ranges
func (c *Config) Validate() error {
	if err := c.ValidateBackend(); err != nil {
		return err
	}

	switch c.ASRProvider {
	case ProviderXFYun:
		if c.XFYunAppID == "" || c.XFYunAPIKey == "" {
			return fmt.Errorf("XFYUN_APP_ID and XFYUN_API_KEY are required for provider %q", c.ASRProvider)
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for provider %q", c.ASRProvider)
		}
	default:
		return fmt.Errorf("unknown ASR_PROVIDER %q", c.ASRProvider)
	}

	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.AudioSampleRate)
	}
	// PCM16 frames must hold whole samples
	if c.AudioFrameSize <= 0 || c.AudioFrameSize%2 != 0 {
		return fmt.Errorf("AUDIO_FRAME_SIZE must be a positive even number of bytes, got %d", c.AudioFrameSize)
	}

	return nil
}

// SaveDebounce returns the transcript autosave quiet period
func (c *Config) SaveDebounce() time.Duration {
	return time.Duration(c.SaveDebounceMs) * time.Millisecond
}

// BackendRequestTimeout returns the per-request timeout for backend calls
func (c *Config) BackendRequestTimeout() time.Duration {
	return time.Duration(c.BackendTimeout) * time.Second
}

// ConnectTimeout returns the ASR handshake timeout
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ASRConnectTimeout) * time.Second
}

// FirstChunkTimeout returns how long a summary request may wait for its first chunk
func (c *Config) FirstChunkTimeout() time.Duration {
	return time.Duration(c.SummaryFirstChunkTimeout) * time.Second
}

// LockTTL returns the live-session lock lease
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.SessionLockTTL) * time.Second
}
