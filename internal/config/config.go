// Package config loads abkit settings from defaults, an optional YAML file and
// ABKIT_ environment variables, in increasing order of precedence.
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
	"go.uber.org/zap"
)

const (
	EnvPrefix = "ABKIT"
	FileName  = "abkit"
)

type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Collector CollectorConfig `mapstructure:"collector"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	TokenFile string `mapstructure:"token_file"`
}

// LogConfig controls the console logger and the optional rotated JSON file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CollectorConfig configures the external analytics sink. An empty URL
// disables it.
type CollectorConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Rate      float64       `mapstructure:"rate"`
	Burst     int           `mapstructure:"burst"`
	QueueSize int           `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "abkit.db")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token_file", ".abkit-token")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 10) // megabytes
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7) // days
	v.SetDefault("log.compress", true)

	v.SetDefault("collector.url", "")
	v.SetDefault("collector.timeout", 5*time.Second)
	v.SetDefault("collector.rate", 0)
	v.SetDefault("collector.burst", 1)
	v.SetDefault("collector.queue_size", 1024)
}

// New returns a viper instance with defaults and environment binding, e.g.
// ABKIT_DB_PATH overrides db.path.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads file, or searches for abkit.yaml in the working directory and
// $HOME/.abkit when file is empty. A missing searched-for file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".abkit"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Watch reloads the config file on change and passes the result to onChange.
// It does nothing when no file was loaded.
func Watch(v *viper.Viper, log *zap.Logger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(reloader(v, log, onChange))
	v.WatchConfig()
}

func reloader(v *viper.Viper, log *zap.Logger, onChange func(*Config)) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		log.Info("configuration file changed, reloading", zap.String("file", e.Name))
		cfg, err := decode(v)
		if err != nil {
			log.Error("failed to reload configuration", zap.Error(err))
			return
		}
		onChange(cfg)
	}
}
