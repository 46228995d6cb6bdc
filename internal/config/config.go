// Package config loads the settings of the sengoku commands from defaults,
// an optional config file and SENGOKU_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SENGOKU_RELAY_ADDR.
const EnvPrefix = "SENGOKU"

// Transport names accepted by peer.transport.
const (
	TransportRelay = "relay"
	TransportRedis = "redis"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Relay struct {
		Addr     string `mapstructure:"addr"`
		Announce bool   `mapstructure:"announce"`
		Instance string `mapstructure:"instance"`
		Bridge   bool   `mapstructure:"bridge"`
	} `mapstructure:"relay"`

	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`

	Peer struct {
		Transport        string        `mapstructure:"transport"`
		Relay            string        `mapstructure:"relay"`
		Name             string        `mapstructure:"name"`
		PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
		Heartbeat        time.Duration `mapstructure:"heartbeat"`
		DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	} `mapstructure:"peer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("relay.addr", ":8090")
	v.SetDefault("relay.announce", false)
	v.SetDefault("relay.instance", "")
	v.SetDefault("relay.bridge", false)

	v.SetDefault("redis.url", "")

	v.SetDefault("peer.transport", TransportRelay)
	v.SetDefault("peer.relay", "")
	v.SetDefault("peer.name", "")
	v.SetDefault("peer.presence_ttl", 0)
	v.SetDefault("peer.heartbeat", 0)
	v.SetDefault("peer.discovery_timeout", 3*time.Second)
}

// Load reads the configuration into a fresh viper instance. file may be
// empty; SENGOKU_CONFIG is consulted then.
func Load(file string) (Config, error) {
	return LoadWith(viper.New(), file)
}

// LoadWith is Load over a caller-owned viper instance, so command flags
// bound to it take precedence.
func LoadWith(v *viper.Viper, file string) (Config, error) {
	var cfg Config

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// The plain host:port variable of older deployments.
	if cfg.Redis.URL == "" {
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			cfg.Redis.URL = "redis://" + addr
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Peer.Transport {
	case TransportRelay:
	case TransportRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("%w: peer.transport=redis needs redis.url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown peer.transport %q", ErrInvalid, c.Peer.Transport)
	}
	if c.Relay.Bridge && c.Redis.URL == "" {
		return fmt.Errorf("%w: relay.bridge needs redis.url", ErrInvalid)
	}
	if c.Peer.PresenceTTL > 0 && c.Peer.Heartbeat <= 0 {
		return fmt.Errorf("%w: peer.presence_ttl needs peer.heartbeat", ErrInvalid)
	}
	if c.Peer.Heartbeat > 0 && c.Peer.PresenceTTL > 0 && c.Peer.Heartbeat >= c.Peer.PresenceTTL {
		return fmt.Errorf("%w: peer.heartbeat must be shorter than peer.presence_ttl", ErrInvalid)
	}
	return nil
}
