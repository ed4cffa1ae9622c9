package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// envKeys maps each provider to its conventional API key environment
// variable, used when provider.api_key is not set in the file.
var envKeys = map[ProviderName]string{
	ProviderGeminiLive:     "GEMINI_API_KEY",
	ProviderOpenAIRealtime: "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A missing file is not an error: the
// defaults are returned, expecting the API key from the environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Unknown fields are rejected, catching typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills the API key from the provider's environment variable when
// the file left it empty.
func applyEnv(cfg *Config) {
	if cfg.Provider.APIKey == "" {
		if key, ok := envKeys[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(key)
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !cfg.Provider.Name.IsValid() {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: gemini-live, openai-realtime", cfg.Provider.Name))
	}
	if cfg.Provider.APIKey == "" {
		key := envKeys[cfg.Provider.Name]
		errs = append(errs, fmt.Errorf("provider.api_key is required (or set %s)", key))
	}

	if t := cfg.Capture.SilenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f is out of range [0, 1]", t))
	}
	if cfg.Capture.HangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.hangover_frames must not be negative, got %d", cfg.Capture.HangoverFrames))
	}
	if cfg.Capture.PreRollMs < 0 {
		errs = append(errs, fmt.Errorf("capture.pre_roll_ms must not be negative, got %d", cfg.Capture.PreRollMs))
	}
	if cfg.Capture.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_ms must be positive, got %d", cfg.Capture.FrameMs))
	}

	if cfg.Playback.LeadMs <= 0 {
		errs = append(errs, fmt.Errorf("playback.lead_ms must be positive, got %d", cfg.Playback.LeadMs))
	}
	if v := cfg.Playback.Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", v))
	}

	if cfg.Tools.AllowExec && cfg.Tools.WorkspaceDir == "" {
		errs = append(errs, fmt.Errorf("tools.allow_exec requires tools.workspace_dir"))
	}

	if cfg.Meter.IntervalMs < 0 {
		errs = append(errs, fmt.Errorf("meter.interval_ms must not be negative, got %d", cfg.Meter.IntervalMs))
	}

	return errors.Join(errs...)
}
