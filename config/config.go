// Package config loads castctl settings from YAML and CASTCTL_ variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/risa-org/castchannel/channel"
	"github.com/risa-org/castchannel/logger"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// becoming underscores: CASTCTL_CHANNEL_ENDPOINT.
const EnvPrefix = "CASTCTL"

// Config is the whole castctl configuration.
type Config struct {
	Logging logger.Config `mapstructure:"logging"`
	Channel ChannelConfig `mapstructure:"channel"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Store   StoreConfig   `mapstructure:"store"`
}

// ChannelConfig describes the receiver and the channel timings.
type ChannelConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	Capabilities    []string      `mapstructure:"capabilities"`
	// RootsFile is a PEM bundle of trusted device roots. Empty accepts any
	// device chain and is only fit for development.
	RootsFile string `mapstructure:"roots_file"`
	// RelayURL tunnels the connection through a websocket relay.
	RelayURL string `mapstructure:"relay_url"`
}

// RelayConfig configures the websocket relay server.
type RelayConfig struct {
	Listen string   `mapstructure:"listen"`
	Allow  []string `mapstructure:"allow"` // permitted targets, empty allows all
}

// DebugConfig configures the /metrics and /channels server.
type DebugConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the server
}

// StoreConfig selects where device records live.
type StoreConfig struct {
	Path string `mapstructure:"path"` // empty keeps records in memory
}

// DeviceCapabilities parses the configured capability names.
func (c ChannelConfig) DeviceCapabilities() (channel.DeviceCapability, error) {
	return channel.ParseCapabilities(c.Capabilities)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("channel.endpoint", "")
	v.SetDefault("channel.connect_timeout", 10*time.Second)
	v.SetDefault("channel.ping_interval", 5*time.Second)
	v.SetDefault("channel.liveness_timeout", 10*time.Second)
	v.SetDefault("channel.capabilities", []string{})
	v.SetDefault("channel.roots_file", "")
	v.SetDefault("channel.relay_url", "")
	v.SetDefault("relay.listen", ":8010")
	v.SetDefault("relay.allow", []string{})
	v.SetDefault("debug.listen", "")
	v.SetDefault("store.path", "")
}

// Load reads path, or searches ., ./config and /etc/castctl for
// config.yaml when path is empty. A missing searched file is not an error;
// defaults and environment variables still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/castctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would only fail later, mid-connect.
func (c Config) Validate() error {
	ch := c.Channel
	if ch.ConnectTimeout <= 0 {
		return fmt.Errorf("channel.connect_timeout must be positive, got %v", ch.ConnectTimeout)
	}
	if (ch.PingInterval > 0) != (ch.LivenessTimeout > 0) {
		return errors.New("channel.ping_interval and channel.liveness_timeout must be set together")
	}
	if ch.PingInterval > 0 && ch.PingInterval >= ch.LivenessTimeout {
		return fmt.Errorf("channel.ping_interval %v must be shorter than channel.liveness_timeout %v",
			ch.PingInterval, ch.LivenessTimeout)
	}
	if _, err := ch.DeviceCapabilities(); err != nil {
		return fmt.Errorf("channel.capabilities: %w", err)
	}
	return nil
}
