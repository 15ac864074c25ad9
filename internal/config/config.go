// Package config loads sync server settings from an optional YAML file and
// the environment. Environment variables always win over the file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost        = "localhost"
	DefaultPort        = "1234"
	DefaultSendBuffer  = 256
	DefaultRedisPrefix = "collabtext:"
)

// Config is the full server configuration.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// RedisAddr enables cross-instance fan-out when set.
	RedisAddr   string `yaml:"redis_addr,omitempty"`
	RedisPrefix string `yaml:"redis_prefix,omitempty"`

	// DatabaseURL selects the Postgres version store; empty keeps history
	// in memory.
	DatabaseURL string `yaml:"database_url,omitempty"`

	JoinNoticeDelay time.Duration `yaml:"join_notice_delay,omitempty"`
	// SendBuffer bounds each connection's outbound queue.
	SendBuffer int `yaml:"send_buffer,omitempty"`

	// MDNS advertises the server on the local network.
	MDNS         bool   `yaml:"mdns,omitempty"`
	MDNSInstance string `yaml:"mdns_instance,omitempty"`
}

func Default() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		RedisPrefix:     DefaultRedisPrefix,
		JoinNoticeDelay: 500 * time.Millisecond,
		SendBuffer:      DefaultSendBuffer,
		MDNSInstance:    "collabtext",
	}
}

// Load reads path over the defaults. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// FromEnv loads the file named by SYNC_CONFIG, applies environment
// overrides and validates the result.
func FromEnv() (Config, error) {
	cfg, err := Load(os.Getenv("SYNC_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HOST, PORT, REDIS_ADDR, DATABASE_URL,
// SYNC_JOIN_NOTICE_DELAY and SYNC_MDNS.
func (c *Config) ApplyEnv() error {
	c.Host = getenv("HOST", c.Host)
	c.Port = getenv("PORT", c.Port)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	if v := os.Getenv("SYNC_JOIN_NOTICE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNC_JOIN_NOTICE_DELAY: %w", err)
		}
		c.JoinNoticeDelay = d
	}
	if v := os.Getenv("SYNC_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SYNC_MDNS: %w", err)
		}
		c.MDNS = b
	}
	return nil
}

func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %q", c.Port)
	}
	if c.JoinNoticeDelay < 0 {
		return fmt.Errorf("join_notice_delay must be >= 0, got %s", c.JoinNoticeDelay)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be >= 1, got %d", c.SendBuffer)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// PortNumber is Port as an integer; Validate guarantees it parses.
func (c Config) PortNumber() int {
	n, _ := strconv.Atoi(c.Port)
	return n
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
