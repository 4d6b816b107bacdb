// Package config loads runtime settings from minirpc.yaml, MINIRPC_*
// environment variables and built-in defaults, in decreasing priority.
package config

import (
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
)

type Config struct {
	Client   ClientConfig   `mapstructure:"client"`
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      LogConfig      `mapstructure:"log"`
}

type ClientConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Serializer        string        `mapstructure:"serializer"`
	Strategy          string        `mapstructure:"strategy"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimes    int           `mapstructure:"heartbeat_times"`
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	Serializer        string        `mapstructure:"serializer"`
	Weight            int           `mapstructure:"weight"`
	// Host published to the registry.
	Advertise string `mapstructure:"advertise"`
	// Requests per second, 0 disables. RatePerService gives each service
	// its own bucket.
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	RatePerService bool          `mapstructure:"rate_per_service"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"` // 0 disables
}

type RegistryConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Namespace   string        `mapstructure:"namespace"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Ephemeral   bool          `mapstructure:"ephemeral"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.request_timeout", 500*time.Millisecond)
	v.SetDefault("client.connect_timeout", 500*time.Millisecond)
	v.SetDefault("client.heartbeat_interval", 60*time.Second)
	v.SetDefault("client.serializer", "gob")
	v.SetDefault("client.strategy", "random")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8026)
	v.SetDefault("server.heartbeat_interval", 60*time.Second)
	v.SetDefault("server.heartbeat_times", 10)
	v.SetDefault("server.workers", runtime.NumCPU())
	v.SetDefault("server.queue_size", 1024)
	v.SetDefault("server.serializer", "gob")
	v.SetDefault("server.weight", 0)
	v.SetDefault("server.advertise", "127.0.0.1")
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.rate_per_service", false)
	v.SetDefault("server.handler_timeout", time.Duration(0))

	v.SetDefault("registry.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("registry.namespace", "mini-rpc")
	v.SetDefault("registry.timeout", 5*time.Second)
	v.SetDefault("registry.dial_timeout", 5*time.Second)
	v.SetDefault("registry.ephemeral", true)
	v.SetDefault("registry.lease_ttl", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads path, or minirpc.yaml from . and /etc/minirpc/ when path is
// empty. A missing search-path file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MINIRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("minirpc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/minirpc/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
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
	if _, err := c.Client.Codec(); err != nil {
		return err
	}
	if _, err := c.Server.Codec(); err != nil {
		return err
	}
	if _, err := c.Client.BalanceStrategy(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.New("config: server.port out of range")
	}
	if len(c.Registry.Endpoints) == 0 {
		return errors.New("config: registry.endpoints is empty")
	}
	return nil
}

func (c ClientConfig) Codec() (codec.CodecType, error) {
	return codec.ParseType(c.Serializer)
}

func (c ClientConfig) BalanceStrategy() (loadbalance.Strategy, error) {
	return loadbalance.ParseStrategy(c.Strategy)
}

func (c ServerConfig) Codec() (codec.CodecType, error) {
	return codec.ParseType(c.Serializer)
}
