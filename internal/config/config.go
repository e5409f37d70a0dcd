package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

var (
	ErrNoAPIKey      = errors.New("api_key not set in config")
	ErrInvalidConfig = errors.New("invalid config")
)

// ProjectFile is the per-project config file name searched upward from the
// working directory.
const ProjectFile = "gptool.toml"

// Config holds the gptool configuration.
type Config struct {
	APIKey               string  `mapstructure:"api_key" toml:"api_key" json:"api_key" yaml:"api_key"`
	BaseURL              string  `mapstructure:"base_url" toml:"base_url" json:"base_url" yaml:"base_url"`
	Model                string  `mapstructure:"model" toml:"model" json:"model" yaml:"model"`
	Temperature          float64 `mapstructure:"temperature" toml:"temperature" json:"temperature" yaml:"temperature"`
	Retry                int     `mapstructure:"retry" toml:"retry" json:"retry" yaml:"retry"`                                     // max retries of a completion request
	RetryDelayMs         int     `mapstructure:"retry_delay_ms" toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"` // minimum backoff
	MaxDelayMs           int     `mapstructure:"max_delay_ms" toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`         // maximum backoff
	Cache                bool    `mapstructure:"cache" toml:"cache" json:"cache" yaml:"cache"`
	CachePath            string  `mapstructure:"cache_path" toml:"cache_path" json:"cache_path" yaml:"cache_path"`
	MaxCachedTemperature float64 `mapstructure:"max_cached_temperature" toml:"max_cached_temperature" json:"max_cached_temperature" yaml:"max_cached_temperature"`
	OutDir               string  `mapstructure:"out_dir" toml:"out_dir" json:"out_dir" yaml:"out_dir"`
}

// Load reads configuration from defaults, ~/.config/gptool/config.toml,
// the nearest gptool.toml above the working directory and GPTOOL_* env vars.
func Load() (*Config, error) {
	v := newViper()
	v.SetEnvPrefix("GPTOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api_key", "GPTOOL_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "bind api key env")
	}

	for _, path := range configFiles() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return decode(v)
}

// LoadFrom reads the config from a specific path, without env overrides.
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return decode(v)
}

// Defaults returns the configuration used when no source sets a key.
func Defaults() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "https://api.openai.com/v1")
	v.SetDefault("model", "gpt-4")
	v.SetDefault("temperature", 0.2)
	v.SetDefault("retry", 8)
	v.SetDefault("retry_delay_ms", 15000)
	v.SetDefault("max_delay_ms", 180000)
	v.SetDefault("cache", true)
	v.SetDefault("cache_path", filepath.Join(home, ".gptool", "cache.db"))
	v.SetDefault("max_cached_temperature", 0.5)
	v.SetDefault("out_dir", filepath.Join(".gptool", "out"))
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configFiles lists existing config files, lowest precedence first.
func configFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		user := filepath.Join(home, ".config", "gptool", "config.toml")
		if _, err := os.Stat(user); err == nil {
			files = append(files, user)
		}
	}
	if project := findProjectConfig(); project != "" {
		files = append(files, project)
	}
	return files
}

// findProjectConfig walks up from the working directory looking for gptool.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.Wrapf(ErrInvalidConfig, "temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.Retry < 0 {
		return errors.Wrapf(ErrInvalidConfig, "retry must not be negative, got %d", c.Retry)
	}
	if c.RetryDelayMs < 0 {
		return errors.Wrapf(ErrInvalidConfig, "retry_delay_ms must not be negative, got %d", c.RetryDelayMs)
	}
	if c.MaxDelayMs < c.RetryDelayMs {
		return errors.Wrapf(ErrInvalidConfig, "max_delay_ms (%d) is below retry_delay_ms (%d)", c.MaxDelayMs, c.RetryDelayMs)
	}
	return nil
}

// RequireAPIKey fails when no API key is configured. Only callers that send
// completion requests need one.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return errors.WithHint(ErrNoAPIKey, "set GPTOOL_API_KEY or api_key in ~/.config/gptool/config.toml")
	}
	return nil
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}
