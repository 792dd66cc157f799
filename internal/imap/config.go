// Package imap adapts a generic IMAP server to the mirror's provider
// contract. Categories map onto special-use mailboxes and system flags.
package imap

import (
	"fmt"
	"net/url"
	"strconv"
)

// Config holds connection settings for an IMAP server.
type Config struct {
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	TLS      bool   `toml:"tls" json:"tls"`           // implicit TLS (IMAPS)
	STARTTLS bool   `toml:"starttls" json:"starttls"` // STARTTLS upgrade
	Username string `toml:"username" json:"username"`
}

func (c *Config) port() int {
	switch {
	case c.Port != 0:
		return c.Port
	case c.TLS:
		return 993
	default:
		return 143
	}
}

// Addr returns the "host:port" string.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.port())
}

// Identifier returns a canonical string like "imaps://user@host:port".
func (c *Config) Identifier() string {
	scheme := "imap"
	if c.TLS {
		scheme = "imaps"
	}
	return fmt.Sprintf("%s://%s@%s:%d", scheme, url.PathEscape(c.Username), c.Host, c.port())
}

// Validate reports missing connection settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("imap host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("imap username is required")
	}
	if c.TLS && c.STARTTLS {
		return fmt.Errorf("imap tls and starttls are mutually exclusive")
	}
	return nil
}

// ParseIdentifier parses a config from an identifier URL like
// "imaps://user@host:port".
func ParseIdentifier(identifier string) (*Config, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return nil, fmt.Errorf("parse IMAP identifier: %w", err)
	}

	cfg := &Config{}
	switch u.Scheme {
	case "imaps":
		cfg.TLS = true
	case "imap":
	default:
		return nil, fmt.Errorf("unsupported scheme %q (expected imap or imaps)", u.Scheme)
	}
	cfg.Host = u.Hostname()
	if u.User != nil {
		cfg.Username = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		cfg.Port = port
	}
	return cfg, cfg.Validate()
}
