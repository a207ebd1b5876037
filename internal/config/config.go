// Package config loads the bot configuration from an optional YAML file,
// a .env file and TELEBOTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "TELEBOTS"

// Scheduling models for the poll loop.
const (
	ModeThread   = "thread"
	ModeDeferred = "deferred"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Commands CommandsConfig `mapstructure:"commands"`
	Home     HomeConfig     `mapstructure:"home"`
	KHL      KHLConfig      `mapstructure:"khl"`
	Torrent  TorrentConfig  `mapstructure:"torrent"`
}

type TelegramConfig struct {
	Token       string        `mapstructure:"token"`
	Admins      []int64       `mapstructure:"admins"       validate:"required,min=1,dive,ne=0"`
	BaseURL     string        `mapstructure:"base_url"     validate:"required,url"`
	Proxy       string        `mapstructure:"proxy"        validate:"omitempty,url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=1s,max=10m"`
	PollLimit   int           `mapstructure:"poll_limit"   validate:"min=1,max=100"`
	Backoff     time.Duration `mapstructure:"backoff"      validate:"min=1s"`
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"min=1s"`
	MaxSends    int           `mapstructure:"max_sends"    validate:"min=1,max=64"`
	Mode        string        `mapstructure:"mode"         validate:"oneof=thread deferred"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type SocketConfig struct {
	Path string `mapstructure:"path"`
}

type CommandsConfig struct {
	File string `mapstructure:"file"`
}

type HomeConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MQTTURL     string        `mapstructure:"mqtt_url"     validate:"required_if=Enabled true,omitempty,url"`
	Sensors     []string      `mapstructure:"sensors"`
	MotionDir   string        `mapstructure:"motion_dir"`
	SnapshotURL string        `mapstructure:"snapshot_url" validate:"omitempty,url"`
	TriggerGap  time.Duration `mapstructure:"trigger_gap"`
}

type KHLConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"     validate:"required,url"`
	Interval    time.Duration `mapstructure:"interval"     validate:"min=5s"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=1m"`
}

type TorrentConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	RPCURL  string `mapstructure:"rpc_url" validate:"required_if=Enabled true,omitempty,url"`
}

// TokenSource supplies the bot token when it is not configured directly.
type TokenSource func() (string, error)

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 60*time.Second)
	v.SetDefault("telegram.poll_limit", 100)
	v.SetDefault("telegram.backoff", 30*time.Second)
	v.SetDefault("telegram.send_timeout", 60*time.Second)
	v.SetDefault("telegram.max_sends", 4)
	v.SetDefault("telegram.mode", ModeThread)
	v.SetDefault("telegram.admins", []int64{})
	v.SetDefault("telegram.proxy", "")
	v.SetDefault("telegram.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("store.path", "telebots.db")
	v.SetDefault("socket.path", "")
	v.SetDefault("commands.file", "")

	v.SetDefault("home.enabled", false)
	v.SetDefault("home.mqtt_url", "")
	v.SetDefault("home.sensors", []string{})
	v.SetDefault("home.motion_dir", "")
	v.SetDefault("home.snapshot_url", "")
	v.SetDefault("home.trigger_gap", 300*time.Second)

	v.SetDefault("khl.enabled", false)
	v.SetDefault("khl.base_url", "https://text.khl.ru")
	v.SetDefault("khl.interval", 30*time.Second)
	v.SetDefault("khl.idle_timeout", 3*time.Hour)

	v.SetDefault("torrent.enabled", false)
	v.SetDefault("torrent.rpc_url", "")
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment are used. tokens is consulted when no token is
// configured; it may be nil.
func Load(path string, tokens TokenSource) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Environment values for lists arrive as one string.
	if raw := v.GetString("telegram.admins"); len(cfg.Telegram.Admins) == 0 && raw != "" {
		admins, err := ParseAdmins(raw)
		if err != nil {
			return nil, err
		}
		cfg.Telegram.Admins = admins
	}

	if cfg.Telegram.Token == "" && tokens != nil {
		token, err := tokens()
		if err != nil {
			return nil, fmt.Errorf("bot token not configured and keychain lookup failed: %w", err)
		}
		cfg.Telegram.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that a token is present.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("invalid config: telegram.token is required")
	}
	return nil
}

// ProxyURL returns the parsed proxy or nil when none is configured.
func (c *Config) ProxyURL() (*url.URL, error) {
	if c.Telegram.Proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(c.Telegram.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	return u, nil
}

// ParseAdmins parses a comma or space separated list of user IDs.
func ParseAdmins(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '[' || r == ']'
	})
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
