package engine

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Engine        EngineConfig        `mapstructure:"engine"`
	VAD           VADConfig           `mapstructure:"vad"`
	Segment       SegmentConfig       `mapstructure:"segment"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Session       SessionConfig       `mapstructure:"session"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type EngineConfig struct {
	SampleRate   int `mapstructure:"sample_rate"`
	WorkerBuffer int `mapstructure:"worker_buffer"`
}

type VADConfig struct {
	ThresholdRMS float64         `mapstructure:"threshold_rms"`
	Remote       RemoteVADConfig `mapstructure:"remote"`
}

type RemoteVADConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	URL                 string  `mapstructure:"url"`
	HealthIntervalMS    int     `mapstructure:"health_interval_ms"`
	ProbeTimeoutMS      int     `mapstructure:"probe_timeout_ms"`
	DetectTimeoutMS     int     `mapstructure:"detect_timeout_ms"`
	SkipBelowConfidence float64 `mapstructure:"skip_below_confidence"`
	ShadowCompare       bool    `mapstructure:"shadow_compare"`
}

type SegmentConfig struct {
	SilenceMS      int    `mapstructure:"silence_ms"`
	MaxUtteranceMS int    `mapstructure:"max_utterance_ms"`
	FlushPolicy    string `mapstructure:"flush_policy"`
}

type TurnConfig struct {
	CooldownMS      int    `mapstructure:"cooldown_ms"`
	ApologyText     string `mapstructure:"apology_text"`
	GreetingEnabled bool   `mapstructure:"greeting_enabled"`
	STTTimeoutMS    int    `mapstructure:"stt_timeout_ms"`
	TTSTimeoutMS    int    `mapstructure:"tts_timeout_ms"`
	DialogueTimeout int    `mapstructure:"dialogue_timeout_ms"`
}

type SessionConfig struct {
	IdleTimeoutMS   int `mapstructure:"idle_timeout_ms"`
	SweepIntervalMS int `mapstructure:"sweep_interval_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT      VendorConfig `mapstructure:"stt"`
	TTS      VendorConfig `mapstructure:"tts"`
	Dialogue VendorConfig `mapstructure:"dialogue"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
	Buffer      int    `mapstructure:"buffer"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("engine.sample_rate", 8000)
	v.SetDefault("engine.worker_buffer", 512)
	v.SetDefault("vad.threshold_rms", 500)
	v.SetDefault("vad.remote.enabled", false)
	v.SetDefault("vad.remote.health_interval_ms", 300000)
	v.SetDefault("vad.remote.probe_timeout_ms", 2000)
	v.SetDefault("vad.remote.detect_timeout_ms", 3000)
	v.SetDefault("vad.remote.skip_below_confidence", 0.3)
	v.SetDefault("vad.remote.shadow_compare", false)
	v.SetDefault("segment.silence_ms", 800)
	v.SetDefault("segment.max_utterance_ms", 30000)
	v.SetDefault("segment.flush_policy", "idle")
	v.SetDefault("turn.cooldown_ms", 1000)
	v.SetDefault("turn.greeting_enabled", true)
	v.SetDefault("turn.stt_timeout_ms", 15000)
	v.SetDefault("turn.tts_timeout_ms", 20000)
	v.SetDefault("turn.dialogue_timeout_ms", 20000)
	v.SetDefault("session.idle_timeout_ms", 7200000)
	v.SetDefault("session.sweep_interval_ms", 60000)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.buffer", 2048)
	v.SetDefault("privacy.redact_transcripts", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Dialogue.Provider) == "" {
		return fmt.Errorf("vendors.dialogue.provider is required")
	}
	if c.VAD.Remote.Enabled && strings.TrimSpace(c.VAD.Remote.URL) == "" {
		return fmt.Errorf("vad.remote.url is required when remote vad is enabled")
	}
	return nil
}

func (c TurnConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// expandEnvStrings substitutes ${VAR} in every string field so secrets
// stay out of config files.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.Dialogue.Settings = expandSettings(cfg.Vendors.Dialogue.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
