// Package config provides TOML configuration parsing and validation for
// socks5d.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete socks5d configuration, loaded from a TOML file.
type Config struct {
	Server ServerConfig `toml:"server"`

	// Users maps username to an Argon2id PHC-formatted password hash,
	// produced by `socks5d hash-password`. Plaintext passwords are never
	// accepted here.
	Users map[string]string `toml:"users"`

	// Blacklist rejects connections from matching source addresses.
	Blacklist []string `toml:"blacklist"`
	// Whitelist, if non-empty, admits only matching source addresses.
	Whitelist []string `toml:"whitelist"`

	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig configures the listener and per-connection limits.
type ServerConfig struct {
	// Addr is the TCP address to accept SOCKS5 connections on.
	Addr string `toml:"addr"`

	// Auth, when true, excludes NO AUTHENTICATION REQUIRED from the offered
	// methods regardless of what the client advertises.
	Auth bool `toml:"auth"`

	// Limit caps concurrent connections. 0 means unlimited.
	Limit int64 `toml:"limit"`

	// HandshakeTimeout bounds method selection, sub-auth, and the request
	// frame, as a Go duration string (e.g. "10s"). Empty uses the default.
	HandshakeTimeout string `toml:"handshake_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Addr is the address to serve /metrics on. Empty disables the
	// endpoint.
	Addr string `toml:"addr"`
}

// Default returns a Config populated with the defaults described in the
// configuration reference.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             "127.0.0.1:1080",
			Auth:             false,
			Limit:            255,
			HandshakeTimeout: "10s",
		},
		Users:     map[string]string{},
		Blacklist: []string{},
		Whitelist: []string{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Load reads and parses a TOML configuration file at path, rejecting
// unrecognized keys and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses TOML configuration bytes into a Config, starting from
// Default() and validating the result. Any key present in data that does
// not map onto a known field is a hard error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration key(s): %s", strings.Join(keys, ", "))
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return cfg, nil
}

// Validate checks the configuration for errors, accumulating every problem
// found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	if c.Server.Limit < 0 {
		errs = append(errs, fmt.Errorf("server.limit must be >= 0"))
	}
	if _, err := c.HandshakeTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("server.handshake_timeout: %w", err))
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	for user, hash := range c.Users {
		if !looksLikeArgon2PHC(hash) {
			errs = append(errs, fmt.Errorf("users[%s]: password must be an Argon2id hash produced by hash-password", user))
		}
	}

	for i, cidr := range c.Blacklist {
		if !isValidCIDROrIP(cidr) {
			errs = append(errs, fmt.Errorf("blacklist[%d]: invalid CIDR or IP: %s", i, cidr))
		}
	}
	for i, cidr := range c.Whitelist {
		if !isValidCIDROrIP(cidr) {
			errs = append(errs, fmt.Errorf("whitelist[%d]: invalid CIDR or IP: %s", i, cidr))
		}
	}

	return errs
}

// HandshakeTimeout parses Server.HandshakeTimeout, defaulting to 10s when
// unset.
func (c *Config) HandshakeTimeout() (time.Duration, error) {
	if c.Server.HandshakeTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(c.Server.HandshakeTimeout)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidCIDROrIP(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}

// looksLikeArgon2PHC reports whether s has the shape of an Argon2id PHC
// string ("$argon2id$..."), without fully validating it; full validation
// happens at verification time.
func looksLikeArgon2PHC(s string) bool {
	return strings.HasPrefix(s, "$argon2id$")
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with password hashes replaced by a
// placeholder, safe to log.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Users = make(map[string]string, len(c.Users))
	for user := range c.Users {
		redacted.Users[user] = redactedValue
	}
	return &redacted
}
