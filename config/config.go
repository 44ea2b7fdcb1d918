// Package config loads livetranslate settings from a YAML file, a .env file,
// LIVETRANSLATE_* environment variables and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mrsingh-rishi/livetranslate/stt"
)

const (
	EnvPrefix = "LIVETRANSLATE"
	FileName  = "livetranslate"
)

// Config represents the complete configuration
type Config struct {
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Translation   TranslationConfig   `mapstructure:"translation"`
	Membership    MembershipConfig    `mapstructure:"membership"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Store         StoreConfig         `mapstructure:"store"`
	Hub           HubConfig           `mapstructure:"hub"`
}

// TranscriptionConfig locates the transcription service. URL wins over
// Host and Port when set.
type TranscriptionConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TranslationConfig configures the translation gateway.
type TranslationConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// MembershipConfig locates the membership service.
type MembershipConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RelayConfig configures result sharing over the realtime channel.
type RelayConfig struct {
	RealtimeURL     string        `mapstructure:"realtime_url"`
	Topic           string        `mapstructure:"topic"`
	PublishDeadline time.Duration `mapstructure:"publish_deadline"`
}

// AudioConfig configures capture.
type AudioConfig struct {
	SampleRate   int           `mapstructure:"sample_rate"`
	FrameSize    int           `mapstructure:"frame_size"`
	Device       string        `mapstructure:"device"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// StoreConfig enables the Postgres archive when DatabaseURL is set.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// HubConfig configures the development hub.
type HubConfig struct {
	Address      string `mapstructure:"address"`
	MediaRegion  string `mapstructure:"media_region"`
	MaxAttendees int    `mapstructure:"max_attendees"`
}

// SetDefaults registers every key so environment overrides apply to all of
// them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transcription.host", "localhost")
	v.SetDefault("transcription.port", 9090)
	v.SetDefault("transcription.url", "")
	v.SetDefault("transcription.dial_timeout", 10*time.Second)
	v.SetDefault("transcription.write_timeout", 5*time.Second)

	v.SetDefault("translation.api_key", "")
	v.SetDefault("translation.base_url", "")
	v.SetDefault("translation.model", "gpt-4o-mini")
	v.SetDefault("translation.timeout", 15*time.Second)
	v.SetDefault("translation.max_in_flight", 4)
	v.SetDefault("translation.max_tokens", 1000)

	v.SetDefault("membership.base_url", "http://localhost:8080")
	v.SetDefault("membership.timeout", 10*time.Second)

	v.SetDefault("relay.realtime_url", "ws://localhost:8080/realtime")
	v.SetDefault("relay.topic", "transcriptEvent")
	v.SetDefault("relay.publish_deadline", 30*time.Second)

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.frame_size", 4096)
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.poll_interval", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.address", "")
	v.SetDefault("store.database_url", "")

	v.SetDefault("hub.address", ":8080")
	v.SetDefault("hub.media_region", "local")
	v.SetDefault("hub.max_attendees", 250)
}

// NewViper returns a viper instance wired for env overrides. configFile may
// be empty, in which case livetranslate.yaml is looked up in the working
// directory.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The translation service key is commonly exported under its own name.
	_ = v.BindEnv("translation.api_key", EnvPrefix+"_TRANSLATION_API_KEY", "OPENAI_API_KEY")
	return v
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// Load reads the config file if there is one, decodes and validates.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation config: %w", err)
	}
	if err := c.Membership.Validate(); err != nil {
		return fmt.Errorf("membership config: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub config: %w", err)
	}
	return nil
}

// ValidateJoin checks what joining a session needs beyond Validate.
func (c *Config) ValidateJoin() error {
	if c.Translation.APIKey == "" {
		return fmt.Errorf("translation config: api_key is required to join a session")
	}
	return nil
}

// Endpoint is the socket URL of the transcription service.
func (t *TranscriptionConfig) Endpoint() string {
	if t.URL != "" {
		return t.URL
	}
	return stt.URL(t.Host, t.Port)
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.URL != "" {
		if err := validateURL(t.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("url: %w", err)
		}
	} else {
		if t.Host == "" {
			return fmt.Errorf("host cannot be empty when url is not set")
		}
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", t.Port)
		}
	}
	if t.DialTimeout <= 0 || t.WriteTimeout <= 0 {
		return fmt.Errorf("dial_timeout and write_timeout must be positive")
	}
	return nil
}

// Validate validates translation configuration
func (t *TranslationConfig) Validate() error {
	if t.BaseURL != "" {
		if err := validateURL(t.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", t.Timeout)
	}
	if t.MaxInFlight < 1 || t.MaxInFlight > 64 {
		return fmt.Errorf("max_in_flight must be between 1 and 64, got %d", t.MaxInFlight)
	}
	if t.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", t.MaxTokens)
	}
	return nil
}

// Validate validates membership configuration
func (m *MembershipConfig) Validate() error {
	if err := validateURL(m.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", m.Timeout)
	}
	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if err := validateURL(r.RealtimeURL, "ws", "wss"); err != nil {
		return fmt.Errorf("realtime_url: %w", err)
	}
	if r.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if r.PublishDeadline <= 0 {
		return fmt.Errorf("publish_deadline must be positive, got %s", r.PublishDeadline)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.FrameSize < 256 {
		return fmt.Errorf("frame_size must be at least 256 samples, got %d", a.FrameSize)
	}
	if a.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll_interval must be at least 100ms, got %s", a.PollInterval)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error; got %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}
	return nil
}

// Validate validates hub configuration
func (h *HubConfig) Validate() error {
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h.MaxAttendees < 1 {
		return fmt.Errorf("max_attendees must be at least 1, got %d", h.MaxAttendees)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be a %s URL", raw, strings.Join(schemes, " or "))
}
