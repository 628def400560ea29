package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend names accepted by mailbox.backend.
const (
	BackendIMAP  = "imap"
	BackendGmail = "gmail"
)

// Transport security modes for IMAP and SMTP connections.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Mode is the gin mode: "release", "debug" or "test".
	Mode string `mapstructure:"mode" yaml:"mode"`
}

// DatabaseConfig selects the SQL driver backing the message store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx". When empty it follows the DSN: a
	// postgres:// URL selects pgx, anything else sqlite.
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// MailboxConfig identifies the synchronized account.
type MailboxConfig struct {
	// Backend is "imap" (IMAP+SMTP) or "gmail" (Gmail REST API).
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Address is the account email address, used as the From of sent mail.
	Address string `mapstructure:"address" yaml:"address"`

	// Owner scopes stored messages. Defaults to Address.
	Owner string `mapstructure:"owner" yaml:"owner"`
}

// IMAPConfig holds the IMAP server settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the application-specific password. When empty it is
	// read from the system keyring.
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Security string `mapstructure:"security" yaml:"security"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// Addr returns host:port.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SMTPConfig holds the SMTP submission settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Security string `mapstructure:"security" yaml:"security"`
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GmailConfig holds the Gmail REST API settings.
type GmailConfig struct {
	// CredentialsFile is an OAuth client JSON downloaded from the Google
	// Cloud console. With it, the stored token is refreshed as needed.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	// AccessToken is a bearer token used as-is when set.
	AccessToken string `mapstructure:"access_token" yaml:"access_token,omitempty"`

	// Endpoint overrides the API base URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// QuotaUnitsPerSecond bounds the request rate.
	QuotaUnitsPerSecond float64 `mapstructure:"quota_units_per_second" yaml:"quota_units_per_second"`
}

// SyncConfig controls inbound synchronization.
type SyncConfig struct {
	// Limit is the number of most recent remote messages examined per run.
	Limit int `mapstructure:"limit" yaml:"limit"`

	// IntervalSec enables scheduled sync when greater than zero.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// FetchTimeoutSec bounds each remote fetch.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// FetchRetries is how many times a timed-out fetch is retried.
	FetchRetries int `mapstructure:"fetch_retries" yaml:"fetch_retries"`
}

// FetchTimeout returns FetchTimeoutSec as a duration.
func (c SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// Interval returns IntervalSec as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	SMTP     SMTPConfig     `mapstructure:"smtp" yaml:"smtp"`
	Gmail    GmailConfig    `mapstructure:"gmail" yaml:"gmail"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/inboxd/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "inboxd")
}

// defaults lists every configuration key with its default value. Keys must
// be known to viper for environment overrides to apply on Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"server.addr":                  ":3000",
		"server.mode":                  "release",
		"database.driver":              "",
		"database.dsn":                 filepath.Join(configDir(), "inboxd.db"),
		"mailbox.backend":              BackendIMAP,
		"mailbox.address":              "",
		"mailbox.owner":                "",
		"imap.host":                    "imap.gmail.com",
		"imap.port":                    993,
		"imap.username":                "",
		"imap.password":                "",
		"imap.security":                SecurityTLS,
		"imap.mailbox":                 "INBOX",
		"smtp.host":                    "smtp.gmail.com",
		"smtp.port":                    587,
		"smtp.username":                "",
		"smtp.password":                "",
		"smtp.security":                SecurityStartTLS,
		"gmail.credentials_file":       "",
		"gmail.access_token":           "",
		"gmail.endpoint":               "",
		"gmail.quota_units_per_second": 200.0,
		"sync.limit":                   50,
		"sync.interval_sec":            0,
		"sync.fetch_timeout_sec":       30,
		"sync.fetch_retries":           1,
		"log.level":                    "info",
		"log.format":                   "json",
	}
}

// legacyEnv maps configuration keys to the environment variable names the
// deployment has historically used.
var legacyEnv = map[string]string{
	"mailbox.address": "GMAIL_USER",
	"imap.password":   "GMAIL_APP_PASSWORD",
	"imap.host":       "IMAP_HOST",
	"imap.port":       "IMAP_PORT",
	"smtp.host":       "SMTP_HOST",
	"smtp.port":       "SMTP_PORT",
	"database.dsn":    "DATABASE_URL",
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A missing file yields the defaults. Environment variables prefixed with
// INBOXD_ (dots replaced by underscores) override file values, and flags,
// when given, override both. Flag names must match configuration keys.
func LoadConfig(path string, flags *pflag.FlagSet) (*AppConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("inboxd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "INBOXD_"+envName(key), env); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyDerivedDefaults fills fields whose default depends on other fields.
func (c *AppConfig) applyDerivedDefaults() {
	if c.Mailbox.Owner == "" {
		c.Mailbox.Owner = c.Mailbox.Address
	}
	if c.IMAP.Username == "" {
		c.IMAP.Username = c.Mailbox.Address
	}
	if c.SMTP.Username == "" {
		c.SMTP.Username = c.IMAP.Username
	}
	if c.SMTP.Password == "" {
		c.SMTP.Password = c.IMAP.Password
	}
	if c.Sync.Limit <= 0 {
		c.Sync.Limit = 50
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
		if strings.HasPrefix(c.Database.DSN, "postgres://") || strings.HasPrefix(c.Database.DSN, "postgresql://") {
			c.Database.Driver = "pgx"
		}
	}
}

// Validate checks enumerated settings.
func (c *AppConfig) Validate() error {
	switch c.Mailbox.Backend {
	case BackendIMAP, BackendGmail:
	default:
		return fmt.Errorf("unknown mailbox backend %q", c.Mailbox.Backend)
	}
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	for name, mode := range map[string]string{
		"imap.security": c.IMAP.Security,
		"smtp.security": c.SMTP.Security,
	} {
		switch mode {
		case SecurityTLS, SecurityStartTLS, SecurityNone:
		default:
			return fmt.Errorf("invalid %s %q", name, mode)
		}
	}
	return nil
}

// RequireAccount reports an error when no account is configured. Loading
// does not require one so that `config init` and `login` can run first.
func (c *AppConfig) RequireAccount() error {
	if c.Mailbox.Owner == "" {
		return errors.New("mailbox.address must be set (or mailbox.owner when they differ)")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("database", cfg.Database)
	v.Set("mailbox", cfg.Mailbox)
	v.Set("imap", cfg.IMAP)
	v.Set("smtp", cfg.SMTP)
	v.Set("gmail", cfg.Gmail)
	v.Set("sync", cfg.Sync)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
