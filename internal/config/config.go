// Package config loads QBot runtime configuration from a TOML file and
// environment variables, exposing typed structs and accessors for all sections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// BaseKindQnAMaker answers from a hosted QnA Maker-compatible endpoint.
	BaseKindQnAMaker = "qnamaker"
	// BaseKindFile answers from a local tab-separated knowledge file.
	BaseKindFile = "file"
	// BaseKindGenerative answers from a hosted LLM instead of a curated base.
	BaseKindGenerative = "generative"
)

// Log levels accepted by log.level.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Config is the runtime configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from QBOT_HOME and not read from config.
	HomeDir  string                `mapstructure:"-"`
	Bot      BotConfig             `mapstructure:"bot"`
	Channels ChannelsConfig        `mapstructure:"channels"`
	Bases    map[string]BaseConfig `mapstructure:"bases"`
	Probe    ProbeConfig           `mapstructure:"probe"`
	Log      LogConfig             `mapstructure:"log"`
}

// BotConfig controls how the bot introduces itself.
type BotConfig struct {
	Name        string `mapstructure:"name"`
	WelcomeText string `mapstructure:"welcome_text"`
}

// ChannelsConfig configures the inbound/outbound channels.
type ChannelsConfig struct {
	Console  ConsoleConfig  `mapstructure:"console"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// ConsoleConfig configures the interactive console channel.
type ConsoleConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DisplayName is used for the member joined at session start.
	// Empty means the OS user name.
	DisplayName string `mapstructure:"display_name"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// BaseConfig configures one named knowledge base.
type BaseConfig struct {
	Kind string `mapstructure:"kind"`

	// qnamaker
	Endpoint       string        `mapstructure:"endpoint"`
	KBID           string        `mapstructure:"kb_id"`
	EndpointKey    string        `mapstructure:"endpoint_key"`
	Top            int           `mapstructure:"top"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// file
	Path string `mapstructure:"path"`

	// generative
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`

	// ScoreThreshold is the minimum answer confidence on a 0..1 scale.
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

// ProbeConfig controls the periodic knowledge-base health probe.
type ProbeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	Question string `mapstructure:"question"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaultConfig = Config{
	Bot: BotConfig{
		Name:        "QnaBot",
		WelcomeText: "This bot will introduce you to QnA Maker. Ask it a question to get started.",
	},
	Channels: ChannelsConfig{
		Console: ConsoleConfig{
			Enabled:     true,
			DisplayName: "",
		},
		Telegram: TelegramConfig{
			Enabled: false,
			Token:   "",
		},
	},
	Bases: map[string]BaseConfig{
		"QnABot": {
			Kind:           BaseKindQnAMaker,
			Top:            3,
			ScoreThreshold: 0.3,
			RequestTimeout: 10 * time.Second,
		},
	},
	Probe: ProbeConfig{
		Enabled:  false,
		Schedule: "@hourly",
		Question: "ping",
	},
	Log: LogConfig{
		Level: LogLevelInfo,
	},
}

// defaultUserConfig is the minimal bootstrap config written for first-time
// users. It intentionally contains only user-editable essentials and not the
// full runtime default surface.
var defaultUserConfig = Config{
	Channels: ChannelsConfig{
		Console:  ConsoleConfig{Enabled: true},
		Telegram: TelegramConfig{Enabled: false, Token: ""},
	},
	Bases: map[string]BaseConfig{
		"QnABot": {
			Kind:           BaseKindQnAMaker,
			Endpoint:       "",
			KBID:           "",
			EndpointKey:    "$QNA_ENDPOINT_KEY",
			RequestTimeout: 10 * time.Second,
		},
	},
}

// homeDir returns the QBot home directory.
// Uses QBOT_HOME env var if set, otherwise defaults to ~/.qbot.
func homeDir() (string, error) {
	if dir := os.Getenv("QBOT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

// Load merges hardcoded defaults and config file values in that order.
// The runtime data directory is QBOT_HOME/data (default: ~/.qbot/data).
// Config is always at $QBOT_HOME/config.toml.
func Load() (*Config, error) {
	homeDir, err := homeDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = homeDir

	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	homeDir, err := homeDir()
	if err != nil {
		return err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	// Keep duration fields human-readable in generated TOML.
	for name := range v.GetStringMap("bases") {
		key := "bases." + name + ".request_timeout"
		v.Set(key, v.GetDuration(key).String())
	}

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultUserConfigTOML renders the minimal bootstrap user config as TOML.
func DefaultUserConfigTOML() (string, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.Set("channels.console.enabled", defaultUserConfig.Channels.Console.Enabled)
	v.Set("channels.telegram.enabled", defaultUserConfig.Channels.Telegram.Enabled)
	v.Set("channels.telegram.token", defaultUserConfig.Channels.Telegram.Token)
	for name, base := range defaultUserConfig.Bases {
		v.Set("bases."+name+".kind", base.Kind)
		v.Set("bases."+name+".endpoint", base.Endpoint)
		v.Set("bases."+name+".kb_id", base.KBID)
		v.Set("bases."+name+".endpoint_key", base.EndpointKey)
		v.Set("bases."+name+".request_timeout", base.RequestTimeout.String())
	}

	var out bytes.Buffer
	if err := v.WriteConfigTo(&out); err != nil {
		return "", fmt.Errorf("write default user config: %w", err)
	}
	return out.String(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.name", defaultConfig.Bot.Name)
	v.SetDefault("bot.welcome_text", defaultConfig.Bot.WelcomeText)

	v.SetDefault("channels.console.enabled", defaultConfig.Channels.Console.Enabled)
	v.SetDefault("channels.console.display_name", defaultConfig.Channels.Console.DisplayName)
	v.SetDefault("channels.telegram.enabled", defaultConfig.Channels.Telegram.Enabled)
	v.SetDefault("channels.telegram.token", defaultConfig.Channels.Telegram.Token)

	base := defaultConfig.Bases["QnABot"]
	v.SetDefault("bases.QnABot.kind", base.Kind)
	v.SetDefault("bases.QnABot.top", base.Top)
	v.SetDefault("bases.QnABot.score_threshold", base.ScoreThreshold)
	v.SetDefault("bases.QnABot.request_timeout", base.RequestTimeout)

	v.SetDefault("probe.enabled", defaultConfig.Probe.Enabled)
	v.SetDefault("probe.schedule", defaultConfig.Probe.Schedule)
	v.SetDefault("probe.question", defaultConfig.Probe.Question)

	v.SetDefault("log.level", defaultConfig.Log.Level)
}

// Base returns the named knowledge-base config. The lookup is
// case-insensitive because viper folds TOML table keys to lower case.
func (c *Config) Base(name string) (BaseConfig, bool) {
	for key, base := range c.Bases {
		if strings.EqualFold(key, name) {
			return base, true
		}
	}
	return BaseConfig{}, false
}

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// Validate checks bot identity fields.
func (c BotConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Validate checks required channel fields when the channel is enabled.
func (c TelegramConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return errors.New("token is required when enabled=true")
	}
	return nil
}

// Validate validates console channel settings.
func (c ConsoleConfig) Validate() error {
	return nil
}

// Validate checks required knowledge-base fields for the configured kind.
func (c BaseConfig) Validate() error {
	switch c.Kind {
	case BaseKindQnAMaker:
		if c.Endpoint == "" {
			return errors.New("endpoint is required")
		}
		if c.KBID == "" {
			return errors.New("kb_id is required")
		}
		if c.EndpointKey == "" {
			return errors.New("endpoint_key is required")
		}
		if c.RequestTimeout <= 0 {
			return errors.New("request_timeout must be > 0")
		}
	case BaseKindFile:
		if c.Path == "" {
			return errors.New("path is required")
		}
	case BaseKindGenerative:
		if c.APIKey == "" {
			return errors.New("api_key is required")
		}
		if c.Model == "" {
			return errors.New("model is required")
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unsupported kind %q (allowed: %q, %q, %q)", c.Kind, BaseKindQnAMaker, BaseKindFile, BaseKindGenerative)
	}

	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return errors.New("score_threshold must be within [0, 1]")
	}
	return nil
}

// Validate checks probe fields when the probe is enabled.
func (c ProbeConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Schedule == "" {
		return errors.New("schedule is required when enabled=true")
	}
	if c.Question == "" {
		return errors.New("question is required when enabled=true")
	}
	return nil
}

// Validate checks log level values.
func (c LogConfig) Validate() error {
	switch c.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return fmt.Errorf("invalid log.level %q (allowed: %q, %q, %q, %q)", c.Level, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)
	}
}

// Validate validates startup configuration and returns the first fatal error.
func (cfg *Config) Validate() error {
	var errs []error

	if len(cfg.Bases) == 0 {
		errs = append(errs, errors.New("at least one bases.* entry is required"))
	}
	if !cfg.Channels.Console.Enabled && !cfg.Channels.Telegram.Enabled {
		errs = append(errs, errors.New("at least one channel must be enabled"))
	}

	if err := cfg.Bot.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bot: %w", err))
	}
	if err := cfg.Channels.Console.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("channels.console: %w", err))
	}
	if err := cfg.Channels.Telegram.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("channels.telegram: %w", err))
	}
	if err := cfg.Probe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("probe: %w", err))
	}
	if err := cfg.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	for name, baseCfg := range cfg.Bases {
		if err := baseCfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bases.%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
