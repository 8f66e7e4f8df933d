package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Signal SignalConfig `mapstructure:"signal"`
	ICE    ICEConfig    `mapstructure:"ice"`
	Media  MediaConfig  `mapstructure:"media"`
	Join   JoinConfig   `mapstructure:"join"`
}

type SignalConfig struct {
	Driver         string        `mapstructure:"driver"`
	MongoURI       string        `mapstructure:"mongo_uri"`
	MongoDatabase  string        `mapstructure:"mongo_database"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
}

type ICEConfig struct {
	STUNServers         []string      `mapstructure:"stun_servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type MediaConfig struct {
	Driver       string `mapstructure:"driver"`
	MaxWidth     int    `mapstructure:"max_width"`
	MaxHeight    int    `mapstructure:"max_height"`
	VideoBitrate int    `mapstructure:"video_bitrate"`
}

type JoinConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

const envPrefix = "CARECALL"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "carecall-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.driver", "memory")
	v.SetDefault("signal.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("signal.mongo_database", "carecall")
	v.SetDefault("signal.retry_delay", "1s")
	v.SetDefault("signal.cleanup_timeout", "5s")

	v.SetDefault("ice.stun_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")

	v.SetDefault("media.driver", "synthetic")
	v.SetDefault("media.max_width", 640)
	v.SetDefault("media.max_height", 480)
	v.SetDefault("media.video_bitrate", 1_000_000)

	v.SetDefault("join.rate_limit", 5)
	v.SetDefault("join.rate_interval", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml, or the file given with
// --config, on top of defaults and CARECALL_* environment overrides.
func Load(args []string) (*Config, *viper.Viper, error) {
	fs := pflag.NewFlagSet("carecall", pflag.ContinueOnError)
	path := fs.String("config", "", "path to a yaml config file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := *path
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if *path != "" {
			return nil, nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal", cfg.Signal.Driver).
		Str("media", cfg.Media.Driver).
		Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.Signal.Driver {
	case "memory", "mongo":
	default:
		return nil, fmt.Errorf("unknown signal.driver %q", cfg.Signal.Driver)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("bad log_level: %w", err)
	}
	return &cfg, nil
}

// ApplyLogLevel sets the global zerolog level.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Watch re-applies log_level whenever the config file changes.
func Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log_level")
		ApplyLogLevel(level)
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}
