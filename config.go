package chatnet

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings for a Network and the services it creates.
type Config struct {
	// Environment is "staging" or "production".
	// Fallback: CHATNET_ENVIRONMENT environment variable.
	Environment string `yaml:"environment"`

	// UserAgent is sent on every connection handshake.
	// Fallback: CHATNET_USER_AGENT environment variable.
	UserAgent string `yaml:"user_agent"`

	// Proxy is "host", "host:port" or "socks5://[user:pass@]host[:port]".
	// Fallback: CHATNET_PROXY environment variable.
	Proxy string `yaml:"proxy"`

	// Endpoint overrides the environment's chat endpoint, e.g. "ws://localhost:8080/v1/websocket/".
	// Fallback: CHATNET_ENDPOINT environment variable.
	Endpoint string `yaml:"endpoint"`

	IPv6              bool          `yaml:"ipv6"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// resolveConfig fills empty fields from environment variables and validates required fields.
func resolveConfig(cfg Config) (Config, error) {
	if cfg.Environment == "" {
		cfg.Environment = os.Getenv("CHATNET_ENVIRONMENT")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = os.Getenv("CHATNET_USER_AGENT")
	}
	if cfg.Proxy == "" {
		cfg.Proxy = os.Getenv("CHATNET_PROXY")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("CHATNET_ENDPOINT")
	}
	if !cfg.IPv6 {
		if v, err := strconv.ParseBool(os.Getenv("CHATNET_IPV6")); err == nil {
			cfg.IPv6 = v
		}
	}

	if cfg.Environment == "" {
		cfg.Environment = Staging.String()
	}
	if cfg.UserAgent == "" {
		return cfg, fmt.Errorf("UserAgent is required (set in Config or CHATNET_USER_AGENT env)")
	}
	if cfg.ConnectTimeout < 0 || cfg.RequestTimeout < 0 || cfg.KeepAliveInterval < 0 {
		return cfg, &ConfigurationError{Field: "timeout", Value: "negative", Reason: "durations must be >= 0"}
	}

	return cfg, nil
}

// LoadConfigFile reads a YAML config file. Fields left empty still fall
// back to the environment when the config is passed to NewNetworkFromConfig.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// NewNetworkFromConfig resolves cfg and builds a Network from it. The
// request timeout and keep-alive interval become the defaults for every
// service the network creates.
func NewNetworkFromConfig(cfg Config, opts ...NetworkOption) (*Network, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	env, err := ParseEnvironment(resolved.Environment)
	if err != nil {
		return nil, err
	}

	var base []NetworkOption
	if resolved.Endpoint != "" {
		ep, err := ParseEndpoint(resolved.Endpoint)
		if err != nil {
			return nil, err
		}
		base = append(base, WithEndpoint(ep))
	}
	base = append(base, WithIPv6(resolved.IPv6), WithConnectTimeout(resolved.ConnectTimeout))

	n, err := NewNetwork(env, resolved.UserAgent, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if resolved.RequestTimeout > 0 {
		n.service.requestTimeout = resolved.RequestTimeout
	}
	if resolved.KeepAliveInterval > 0 {
		n.service.keepAliveInterval = resolved.KeepAliveInterval
	}

	if resolved.Proxy != "" {
		p, err := ParseProxy(resolved.Proxy)
		if err != nil {
			return nil, err
		}
		if err := n.SetProxyConfig(*p); err != nil {
			return nil, err
		}
	}
	return n, nil
}
