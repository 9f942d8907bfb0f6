package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

type DownloadConfig struct {
	OutDir          string        `mapstructure:"out_dir" yaml:"out_dir"`
	NameFormat      string        `mapstructure:"name_format" yaml:"name_format"`
	BucketURL       string        `mapstructure:"bucket_url" yaml:"bucket_url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" yaml:"transfer_timeout"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStderr bool   `mapstructure:"include_stderr" yaml:"include_stderr"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"out-dir":   "download.out_dir",
	"bucket":    "download.bucket_url",
	"log-level": "log.level",
	"log-file":  "log.path",
	"history":   "store.sqlite_path",
}

// Load reads the optional config file at path, then environment variables
// (MULTIFETCH_ prefix), then any flags in fs that were set on the command line.
// An empty path means defaults only.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set Defaults
	v.SetDefault("download.out_dir", ".")
	v.SetDefault("download.name_format", "%d.txt")
	v.SetDefault("download.bucket_url", "")
	v.SetDefault("download.connect_timeout", 30*time.Second)
	v.SetDefault("download.transfer_timeout", time.Duration(0))
	v.SetDefault("download.user_agent", "multifetch/1.0")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stderr", true)
	v.SetDefault("store.sqlite_path", "")

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("MULTIFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.OutDir == "" {
		c.Download.OutDir = "."
	}

	if c.Download.NameFormat == "" {
		c.Download.NameFormat = "%d.txt"
	}

	if !strings.Contains(c.Download.NameFormat, "%d") {
		return errors.New("download.name_format must contain %d for the download number")
	}

	if c.Download.ConnectTimeout < 0 || c.Download.TransferTimeout < 0 {
		return errors.New("download timeouts must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	return nil
}
