package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Service struct {
	URL       string `yaml:"url" mapstructure:"url"`
	TimeoutMs int    `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}
type Services struct {
	Scoring       Service `yaml:"scoring" mapstructure:"scoring"`
	Transcription Service `yaml:"transcription" mapstructure:"transcription"`
}
type Server struct {
	Addr          string `yaml:"addr" mapstructure:"addr"`
	ReadLimit     int64  `yaml:"read_limit_bytes" mapstructure:"read_limit_bytes"`
	OutboxSize    int    `yaml:"outbox_size" mapstructure:"outbox_size"`
	CloseTimeoutS int    `yaml:"close_timeout_s" mapstructure:"close_timeout_s"`

	// OriginPatterns lists browser origins allowed to open /ws besides the host itself.
	OriginPatterns []string `yaml:"origin_patterns" mapstructure:"origin_patterns"`
}
type Pool struct {
	Main int `yaml:"main" mapstructure:"main"`
	Aux  int `yaml:"aux" mapstructure:"aux"`
}
type Audio struct {
	FlushIntervalMs int  `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms"`
	MaxPendingBytes int  `yaml:"max_pending_bytes" mapstructure:"max_pending_bytes"`
	MaxPendingAgeMs int  `yaml:"max_pending_age_ms" mapstructure:"max_pending_age_ms"`
	FlushFirstChunk bool `yaml:"flush_first_chunk" mapstructure:"flush_first_chunk"`
}
type Window struct {
	MaxLines int `yaml:"max_lines" mapstructure:"max_lines"`
	MaxChars int `yaml:"max_chars" mapstructure:"max_chars"`
}
type Context struct {
	MaxEntries        int    `yaml:"max_entries" mapstructure:"max_entries"`
	BoundaryLookahead int    `yaml:"boundary_lookahead" mapstructure:"boundary_lookahead"`
	Primary           Window `yaml:"primary" mapstructure:"primary"`
	Scripts           Window `yaml:"scripts" mapstructure:"scripts"`
}
type Cache struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}
type Stream struct {
	MinChars      int `yaml:"min_chars" mapstructure:"min_chars"`
	MinIntervalMs int `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
}
type Persist struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	DSN             string `yaml:"dsn" mapstructure:"dsn"`
	FlushRows       int    `yaml:"flush_rows" mapstructure:"flush_rows"`
	FlushIntervalMs int    `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms"`
}
type Analysis struct {
	AutoOnFinal   bool               `yaml:"auto_on_final" mapstructure:"auto_on_final"`
	TaskTimeoutMs int                `yaml:"task_timeout_ms" mapstructure:"task_timeout_ms"`
	TasksFile     string             `yaml:"tasks_file" mapstructure:"tasks_file"`
	AudioSpeaker  string             `yaml:"audio_speaker" mapstructure:"audio_speaker"`
	Weights       map[string]float64 `yaml:"weights" mapstructure:"weights"`
	Instructions  string             `yaml:"instructions" mapstructure:"instructions"`
}
type Auth struct {
	Tokens []string `yaml:"tokens" mapstructure:"tokens"`
}
type Log struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}
type Root struct {
	Pipeline struct {
		Name    string `yaml:"name" mapstructure:"name"`
		Version string `yaml:"version" mapstructure:"version"`
	} `yaml:"pipeline" mapstructure:"pipeline"`
	Server   Server   `yaml:"server" mapstructure:"server"`
	Services Services `yaml:"services" mapstructure:"services"`
	Pool     Pool     `yaml:"pool" mapstructure:"pool"`
	Audio    Audio    `yaml:"audio" mapstructure:"audio"`
	Context  Context  `yaml:"context" mapstructure:"context"`
	Cache    Cache    `yaml:"cache" mapstructure:"cache"`
	Stream   Stream   `yaml:"stream" mapstructure:"stream"`
	Persist  Persist  `yaml:"persist" mapstructure:"persist"`
	Analysis Analysis `yaml:"analysis" mapstructure:"analysis"`
	Auth     Auth     `yaml:"auth" mapstructure:"auth"`
	Log      Log      `yaml:"log" mapstructure:"log"`
}

const envPrefix = "CALLPULSE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.name", "callpulse")
	v.SetDefault("pipeline.version", "dev")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("server.outbox_size", 64)
	v.SetDefault("server.close_timeout_s", 30)
	v.SetDefault("services.scoring.timeout_ms", 20000)
	v.SetDefault("services.transcription.timeout_ms", 15000)
	v.SetDefault("pool.main", 8)
	v.SetDefault("pool.aux", 2)
	v.SetDefault("audio.flush_interval_ms", 2000)
	v.SetDefault("audio.max_pending_bytes", 16000)
	v.SetDefault("audio.max_pending_age_ms", 600)
	v.SetDefault("audio.flush_first_chunk", true)
	v.SetDefault("context.max_entries", 200)
	v.SetDefault("context.boundary_lookahead", 80)
	v.SetDefault("context.primary.max_lines", 60)
	v.SetDefault("context.primary.max_chars", 6000)
	v.SetDefault("context.scripts.max_lines", 12)
	v.SetDefault("context.scripts.max_chars", 1500)
	v.SetDefault("cache.max_entries", 256)
	v.SetDefault("stream.min_chars", 48)
	v.SetDefault("stream.min_interval_ms", 120)
	v.SetDefault("persist.driver", "sqlite")
	v.SetDefault("persist.dsn", "callpulse.sqlite")
	v.SetDefault("persist.flush_rows", 20)
	v.SetDefault("persist.flush_interval_ms", 2000)
	v.SetDefault("analysis.auto_on_final", true)
	v.SetDefault("analysis.task_timeout_ms", 15000)
	v.SetDefault("analysis.audio_speaker", "speaker")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Keys without a real default are still registered so CALLPULSE_* overrides
	// reach Unmarshal.
	v.SetDefault("server.origin_patterns", []string{})
	v.SetDefault("services.scoring.url", "")
	v.SetDefault("services.transcription.url", "")
	v.SetDefault("analysis.tasks_file", "")
	v.SetDefault("analysis.instructions", "")
	v.SetDefault("analysis.weights", map[string]float64{})
	v.SetDefault("auth.tokens", []string{})
}

// New returns a viper instance with defaults, env overrides and, when path is empty,
// the CONFIG_ENV search path (config/<env>/config.yaml, then src/shared/config.yaml).
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join("config", env))
	v.AddConfigPath(filepath.Join("src", "shared"))
	return v
}

// Load reads the config file if present and decodes it. A missing file in the search
// path is not an error; an explicit path that cannot be read is.
func Load(path string) (*Root, *viper.Viper, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals the current viper state into a Root and validates it.
func Decode(v *viper.Viper) (*Root, error) {
	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) Validate() error {
	switch {
	case c.Pool.Main <= 0 || c.Pool.Aux <= 0:
		return fmt.Errorf("config: pool limits must be positive (main=%d aux=%d)", c.Pool.Main, c.Pool.Aux)
	case c.Audio.MaxPendingBytes <= 0 || c.Audio.MaxPendingAgeMs <= 0:
		return fmt.Errorf("config: audio bounds must be positive")
	case c.Context.MaxEntries <= 0:
		return fmt.Errorf("config: context.max_entries must be positive")
	case c.Context.Primary.MaxLines <= 0 || c.Context.Primary.MaxChars <= 0:
		return fmt.Errorf("config: context.primary caps must be positive")
	case c.Context.Scripts.MaxLines <= 0 || c.Context.Scripts.MaxChars <= 0:
		return fmt.Errorf("config: context.scripts caps must be positive")
	case c.Cache.MaxEntries <= 0:
		return fmt.Errorf("config: cache.max_entries must be positive")
	case c.Persist.FlushRows <= 0:
		return fmt.Errorf("config: persist.flush_rows must be positive")
	}
	switch c.Persist.Driver {
	case "sqlite", "file":
	default:
		return fmt.Errorf("config: unknown persist.driver %q", c.Persist.Driver)
	}
	return nil
}

// Watch reloads the config file on change and hands every successfully decoded
// version to fn. Decode failures are passed to onErr and the previous config stays.
func Watch(v *viper.Viper, fn func(*Root), onErr func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}

// YAML renders the effective configuration.
func (c *Root) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func DurMillis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func DurSeconds(n int) time.Duration { return time.Duration(n) * time.Second }
