// Package config handles loading and managing mailmirror configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/wesm/mailmirror/internal/fileutil"
	"github.com/wesm/mailmirror/internal/imap"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/scheduler"
)

// Duration is a time.Duration written as a Go duration string ("15s",
// "2m") in the config file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the mailmirror configuration.
type Config struct {
	Data     DataConfig      `toml:"data"`
	OAuth    OAuthConfig     `toml:"oauth"`
	Sync     SyncConfig      `toml:"sync"`
	Server   ServerConfig    `toml:"server"`
	Accounts []AccountConfig `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
}

// SyncConfig holds fetch, refresh and enrichment settings.
type SyncConfig struct {
	RateLimitQPS    int      `toml:"rate_limit_qps"`
	FetchMaxResults int      `toml:"fetch_max_results"` // per category in a full sync
	QuickInterval   Duration `toml:"quick_interval"`
	QuickTicks      int      `toml:"quick_ticks"`
	SteadyInterval  Duration `toml:"steady_interval"`
	MinSpacing      Duration `toml:"min_spacing"`
	EnrichDelay     Duration `toml:"enrich_delay"`
	StatusTTL       Duration `toml:"status_ttl"` // how long transient status text stays up
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`         // HTTP server port (default: 8080)
	BindAddr        string   `toml:"bind_addr"`        // Listen address (default: 127.0.0.1)
	APIKey          string   `toml:"api_key"`          // API authentication key
	AllowInsecure   bool     `toml:"allow_insecure"`   // permit a non-loopback bind without api_key
	CORSOrigins     []string `toml:"cors_origins"`     // allowed origins; empty disables CORS
	CORSCredentials bool     `toml:"cors_credentials"` // send Access-Control-Allow-Credentials
	CORSMaxAge      int      `toml:"cors_max_age"`     // preflight cache seconds
}

// IsLoopback reports whether the server only listens on a loopback address.
func (s ServerConfig) IsLoopback() bool {
	addr := s.BindAddr
	if addr == "" || strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	return ip != nil && ip.IsLoopback()
}

// ValidateSecure refuses to expose the API beyond loopback without a key.
func (s ServerConfig) ValidateSecure() error {
	if s.IsLoopback() || s.APIKey != "" || s.AllowInsecure {
		return nil
	}
	return fmt.Errorf("refusing to bind %s without [server] api_key (set allow_insecure = true to override)", s.BindAddr)
}

// AccountConfig describes one configured account.
type AccountConfig struct {
	Email            string       `toml:"email"`
	Provider         string       `toml:"provider"` // gmail (default) or imap
	DisplayName      string       `toml:"display_name"`
	FullSyncSchedule string       `toml:"full_sync_schedule"` // cron expression, e.g. "0 3 * * *"
	IMAP             *imap.Config `toml:"imap"`
}

// ProviderName returns the account's provider, defaulting to gmail.
func (a AccountConfig) ProviderName() string {
	if a.Provider == "" {
		return mail.ProviderGmail
	}
	return strings.ToLower(a.Provider)
}

// Validate checks the account entry.
func (a AccountConfig) Validate() error {
	if strings.TrimSpace(a.Email) == "" {
		return errors.New("account email is required")
	}
	switch a.ProviderName() {
	case mail.ProviderGmail:
	case mail.ProviderIMAP:
		if a.IMAP == nil {
			return fmt.Errorf("account %s: [accounts.imap] section is required", a.Email)
		}
		if err := a.IMAP.Validate(); err != nil {
			return fmt.Errorf("account %s: %w", a.Email, err)
		}
	default:
		return fmt.Errorf("account %s: unknown provider %q", a.Email, a.Provider)
	}
	if a.FullSyncSchedule != "" {
		if err := scheduler.ValidateCronExpr(a.FullSyncSchedule); err != nil {
			return fmt.Errorf("account %s: %w", a.Email, err)
		}
	}
	return nil
}

// DefaultHome returns the default mailmirror home directory.
// Respects MAILMIRROR_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILMIRROR_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailmirror"
	}
	return filepath.Join(home, ".mailmirror")
}

// NewDefaultConfig returns a configuration rooted at DefaultHome with
// every default applied.
func NewDefaultConfig() *Config {
	return newDefaultConfig(DefaultHome())
}

func newDefaultConfig(homeDir string) *Config {
	refresh := scheduler.DefaultRefreshConfig()
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		Sync: SyncConfig{
			RateLimitQPS:    5,
			FetchMaxResults: 500,
			QuickInterval:   Duration{refresh.QuickInterval},
			QuickTicks:      refresh.QuickTicks,
			SteadyInterval:  Duration{refresh.SteadyInterval},
			MinSpacing:      Duration{refresh.MinSpacing},
			EnrichDelay:     Duration{200 * time.Millisecond},
			StatusTTL:       Duration{3 * time.Second},
		},
		Server: ServerConfig{
			APIPort:  8080,
			BindAddr: "127.0.0.1",
		},
		Accounts: []AccountConfig{},
	}
}

// Load reads the configuration. With an explicit path the file must exist
// and its directory becomes the home directory. Otherwise config.toml is
// read from homeDir (or DefaultHome when homeDir is empty), and a missing
// file yields the defaults.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	switch {
	case explicit:
		path = expandPath(path)
		if homeDir == "" {
			homeDir = filepath.Dir(path)
		}
	case homeDir == "":
		homeDir = DefaultHome()
	}
	homeDir = expandPath(homeDir)
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := newDefaultConfig(homeDir)
	cfg.configPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, decodeError(err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	if !filepath.IsAbs(cfg.Data.DataDir) {
		cfg.Data.DataDir = filepath.Join(homeDir, cfg.Data.DataDir)
	}
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	return cfg, nil
}

// decodeError adds a hint for the most common mistake: Windows paths
// written with backslashes inside double-quoted TOML strings.
func decodeError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("decode config: %w\n  hint: use forward slashes (C:/Users/me) or single quotes ('C:\\Users\\me') for paths", err)
	}
	return fmt.Errorf("decode config: %w", err)
}

// Validate checks every account entry and rejects duplicates.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if err := a.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(a.Email)
		if seen[key] {
			return fmt.Errorf("account %s is configured twice", a.Email)
		}
		seen[key] = true
	}
	return nil
}

// EnsureHomeDir creates the home and data directories with owner-only
// permissions.
func (c *Config) EnsureHomeDir() error {
	for _, dir := range []string{c.HomeDir, c.Data.DataDir} {
		if err := fileutil.SecureMkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ConfigFilePath returns the path the configuration was (or would be)
// loaded from.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// DatabaseDSN returns the path to the SQLite database.
func (c *Config) DatabaseDSN() string {
	return filepath.Join(c.Data.DataDir, "mailmirror.db")
}

// TokensDir returns the path to the OAuth tokens directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// CredentialsDir returns the path to stored IMAP credentials.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.Data.DataDir, "credentials")
}

// RefreshConfig returns the refresh cadence for the scheduler.
func (c *Config) RefreshConfig() scheduler.RefreshConfig {
	return scheduler.RefreshConfig{
		QuickInterval:  c.Sync.QuickInterval.Duration,
		QuickTicks:     c.Sync.QuickTicks,
		SteadyInterval: c.Sync.SteadyInterval.Duration,
		MinSpacing:     c.Sync.MinSpacing.Duration,
	}
}

// ScheduledAccounts returns accounts with a full-sync schedule.
func (c *Config) ScheduledAccounts() []AccountConfig {
	var scheduled []AccountConfig
	for _, acc := range c.Accounts {
		if acc.FullSyncSchedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// GetAccount returns a copy of the configuration for email, or nil.
func (c *Config) GetAccount(email string) *AccountConfig {
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].Email, email) {
			acc := c.Accounts[i]
			if acc.IMAP != nil {
				cp := *acc.IMAP
				acc.IMAP = &cp
			}
			return &acc
		}
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory. On Windows
// surrounding quotes left by CMD are stripped first.
func expandPath(path string) string {
	if runtime.GOOS == "windows" {
		path = stripQuotes(path)
	}
	if path == "" {
		return path
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
