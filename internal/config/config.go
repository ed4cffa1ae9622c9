// Package config provides the configuration schema and loader for the Attune
// voice client.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName selects the speech-to-speech backend.
type ProviderName string

const (
	ProviderGeminiLive     ProviderName = "gemini-live"
	ProviderOpenAIRealtime ProviderName = "openai-realtime"
)

// IsValid reports whether p is a recognised provider name.
func (p ProviderName) IsValid() bool {
	return p == ProviderGeminiLive || p == ProviderOpenAIRealtime
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load].
type Config struct {
	LogLevel LogLevel       `yaml:"log_level"`
	Provider ProviderConfig `yaml:"provider"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Tools    ToolsConfig    `yaml:"tools"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Meter    MeterConfig    `yaml:"meter"`
}

// ProviderConfig selects and authenticates the remote speech model.
type ProviderConfig struct {
	// Name picks the backend: "gemini-live" or "openai-realtime".
	Name ProviderName `yaml:"name"`

	// APIKey authenticates against the provider. When empty the loader
	// falls back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider's default model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesis voice.
	Voice string `yaml:"voice"`

	// Instructions is the free-text system prompt.
	Instructions string `yaml:"instructions"`
}

// CaptureConfig tunes the microphone pipeline and the VAD gate.
type CaptureConfig struct {
	// SilenceThreshold is the RMS energy above which a frame counts as
	// speech, in [0, 1].
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// HangoverFrames is how many consecutive sub-threshold frames are
	// tolerated before an utterance is considered over.
	HangoverFrames int `yaml:"hangover_frames"`

	// PreRollMs is the look-back span retained before speech onset.
	PreRollMs int `yaml:"pre_roll_ms"`

	// FrameMs is the approximate capture frame duration.
	FrameMs int `yaml:"frame_ms"`
}

// PlaybackConfig tunes output scheduling.
type PlaybackConfig struct {
	// LeadMs is the scheduling lead applied when the playback clock lapses.
	LeadMs int `yaml:"lead_ms"`

	// Volume is the initial output gain in [0, 1].
	Volume float64 `yaml:"volume"`
}

// ToolsConfig configures the local tool surface offered to the model.
type ToolsConfig struct {
	// WorkspaceDir is the directory file tools are sandboxed to. Empty
	// disables tools entirely.
	WorkspaceDir string `yaml:"workspace_dir"`

	// AllowExec enables the system_exec tool.
	AllowExec bool `yaml:"allow_exec"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// ListenAddr is the address the /metrics endpoint binds to, e.g.
	// "localhost:9464". Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// MeterConfig configures volume telemetry.
type MeterConfig struct {
	// IntervalMs is the level sampling period.
	IntervalMs int `yaml:"interval_ms"`
}

// Default returns a config populated with the documented defaults. Load
// starts from this and overlays the file's values.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Provider: ProviderConfig{
			Name: ProviderGeminiLive,
		},
		Capture: CaptureConfig{
			SilenceThreshold: 0.02,
			HangoverFrames:   8,
			PreRollMs:        250,
			FrameMs:          128,
		},
		Playback: PlaybackConfig{
			LeadMs: 50,
			Volume: 1,
		},
		Meter: MeterConfig{
			IntervalMs: 50,
		},
	}
}
