// Package config handles loading and validating the pushsub configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nadzzz/pushstream/internal/channel"
	"github.com/nadzzz/pushstream/internal/subscriber"
	"github.com/nadzzz/pushstream/internal/transport"
)

// Config is the root configuration for the pushsub daemon.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Client   ClientConfig    `mapstructure:"client"`
	Channels []ChannelConfig `mapstructure:"channels"`
	Sinks    []SinkConfig    `mapstructure:"sinks"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the admin server settings.
type ServerConfig struct {
	AdminPort int `mapstructure:"admin_port"`
	GRPCPort  int `mapstructure:"grpc_port"` // 0 disables the gRPC health service
}

// ClientConfig configures the push-stream subscription.
type ClientConfig struct {
	UseSSL                           bool          `mapstructure:"use_ssl"`
	Host                             string        `mapstructure:"host"`
	Port                             int           `mapstructure:"port"` // 0 means 80, or 443 with use_ssl
	Timeout                          time.Duration `mapstructure:"timeout"`
	PingTimeout                      time.Duration `mapstructure:"ping_timeout"`
	ReconnectTimeout                 time.Duration `mapstructure:"reconnect_timeout"`
	CheckChannelAvailabilityInterval time.Duration `mapstructure:"check_channel_availability_interval"`
	Modes                            string        `mapstructure:"modes"` // e.g. "eventsource|stream|longpolling"
	URLPrefix                        PrefixConfig  `mapstructure:"url_prefix"`
}

// PrefixConfig holds the URL path prefix of each transport.
type PrefixConfig struct {
	Stream      string `mapstructure:"stream"`
	EventSource string `mapstructure:"eventsource"`
	LongPolling string `mapstructure:"longpolling"`
	WebSocket   string `mapstructure:"websocket"`
}

// ChannelConfig is one channel subscribed at startup.
type ChannelConfig struct {
	Name      string `mapstructure:"name"`
	Backtrack int    `mapstructure:"backtrack"`
}

// SinkConfig defines a relay destination for delivered messages.
type SinkConfig struct {
	Type     string   `mapstructure:"type"`     // log, webhook, redis, kafka
	Channels []string `mapstructure:"channels"` // empty relays every channel

	// webhook
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`

	// redis
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`

	// kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./pushsub.yaml, ./configs/pushsub.yaml, /etc/pushsub/pushsub.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("client.use_ssl", false)
	v.SetDefault("client.host", "localhost")
	v.SetDefault("client.port", 0)
	v.SetDefault("client.timeout", subscriber.DefaultTimeout)
	v.SetDefault("client.ping_timeout", subscriber.DefaultPingTimeout)
	v.SetDefault("client.reconnect_timeout", subscriber.DefaultReconnectTimeout)
	v.SetDefault("client.check_channel_availability_interval", subscriber.DefaultCheckChannelAvailabilityInterval)
	v.SetDefault("client.modes", "eventsource|stream|longpolling")
	v.SetDefault("client.url_prefix.stream", "/sub")
	v.SetDefault("client.url_prefix.eventsource", "/ev")
	v.SetDefault("client.url_prefix.longpolling", "/lp")
	v.SetDefault("client.url_prefix.websocket", "/ws")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("pushsub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/pushsub")
	}

	// Environment variables: PUSHSUB_CLIENT_HOST, PUSHSUB_CLIENT_MODES, etc.
	v.SetEnvPrefix("PUSHSUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional; env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${WEBHOOK_TOKEN}")
	for i := range cfg.Sinks {
		cfg.Sinks[i].Token = resolveEnvRef(cfg.Sinks[i].Token)
		cfg.Sinks[i].Password = resolveEnvRef(cfg.Sinks[i].Password)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration the subscriber cannot
// check itself.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels: empty channel name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels: %q listed twice", ch.Name)
		}
		if ch.Backtrack < 0 {
			return fmt.Errorf("channels: %q has negative backtrack", ch.Name)
		}
		seen[ch.Name] = true
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "log":
		case "webhook":
			if s.Endpoint == "" {
				return fmt.Errorf("sinks[%d]: webhook requires endpoint", i)
			}
		case "redis":
			if s.Addr == "" {
				return fmt.Errorf("sinks[%d]: redis requires addr", i)
			}
		case "kafka":
			if len(s.Brokers) == 0 || s.Topic == "" {
				return fmt.Errorf("sinks[%d]: kafka requires brokers and topic", i)
			}
		default:
			return fmt.Errorf("sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}

// ModeList splits the configured mode list.
func (c ClientConfig) ModeList() []transport.Mode {
	var modes []transport.Mode
	for _, m := range strings.Split(c.Modes, "|") {
		if m = strings.TrimSpace(m); m != "" {
			modes = append(modes, transport.Mode(m))
		}
	}
	return modes
}

// ClientOptions converts the client section into subscriber options.
// Logger, clock and metrics are left for the caller.
func (c *Config) ClientOptions() subscriber.Options {
	cc := c.Client
	return subscriber.Options{
		UseSSL:                           cc.UseSSL,
		Host:                             cc.Host,
		Port:                             cc.Port,
		Timeout:                          cc.Timeout,
		PingTimeout:                      cc.PingTimeout,
		ReconnectTimeout:                 cc.ReconnectTimeout,
		CheckChannelAvailabilityInterval: cc.CheckChannelAvailabilityInterval,
		StreamPrefix:                     cc.URLPrefix.Stream,
		EventSourcePrefix:                cc.URLPrefix.EventSource,
		LongPollingPrefix:                cc.URLPrefix.LongPolling,
		WebSocketPrefix:                  cc.URLPrefix.WebSocket,
		Modes:                            cc.ModeList(),
	}
}

// ChannelOptions returns the subscription options of a configured channel.
func (ch ChannelConfig) ChannelOptions() channel.Options {
	return channel.Options{Backtrack: ch.Backtrack}
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// NewLogger builds a slog logger writing to w according to cfg.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	slog.SetDefault(NewLogger(cfg, os.Stdout))
}
