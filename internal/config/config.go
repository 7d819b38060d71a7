package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvCalDAVPassword  = "UPNEXT_CALDAV_PASSWORD"
	EnvTelegramToken   = "UPNEXT_TELEGRAM_TOKEN"
	EnvTelegramChatID  = "UPNEXT_TELEGRAM_CHAT_ID"
	EnvPreferencesDSN  = "UPNEXT_PREFERENCES_DSN"
	EnvBasicAuthPasswd = "UPNEXT_BASIC_AUTH_PASSWORD"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier; it is also the calendar ID used for
	// selection.
	ID string `yaml:"id" json:"id"`
	// Name is the calendar title.
	Name string `yaml:"name" json:"name"`
}

// CalDAVConfig describes a CalDAV account.
type CalDAVConfig struct {
	URL         string `yaml:"url" json:"url"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	HorizonDays int    `yaml:"horizon_days" json:"horizon_days"`
}

// PreferencesConfig selects the preference store backend.
type PreferencesConfig struct {
	// Driver is one of "sqlite" (default), "postgres" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" json:"-"`
}

// TelegramConfig enables soon-event push messages when Token is set.
type TelegramConfig struct {
	Token  string `yaml:"token" json:"-"`
	ChatID int64  `yaml:"chat_id" json:"chat_id"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone events are resolved into.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Poll is a cron schedule for the reconciliation tick, e.g. "@every 1s".
	Poll string `yaml:"poll" json:"poll"`

	// LogLevel is "debug", "info" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Provider selects the calendar source: "ics" or "caldav".
	Provider string `yaml:"provider" json:"provider"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// CacheDir holds the ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// SelfEmails are the user's own addresses, used to find the user's
	// attendance among event attendees.
	SelfEmails []string `yaml:"self_emails" json:"self_emails"`

	CalDAV      CalDAVConfig      `yaml:"caldav" json:"caldav"`
	Preferences PreferencesConfig `yaml:"preferences" json:"preferences"`
	Telegram    TelegramConfig    `yaml:"telegram" json:"telegram"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen   = "127.0.0.1:8080"
	defaultPoll     = "@every 1s"
	defaultProvider = "ics"
	defaultCacheDir = "/var/lib/upnext/ics-cache"
	defaultPrefsDSN = "/var/lib/upnext/prefs.db"
	minHorizonDays  = 3
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:     defaultListen,
		Timezone:   "Local",
		Poll:       defaultPoll,
		LogLevel:   "info",
		Provider:   defaultProvider,
		ICS:        []ICSConfig{},
		CacheDir:   defaultCacheDir,
		SelfEmails: []string{},
		CalDAV: CalDAVConfig{
			HorizonDays: minHorizonDays,
		},
		Preferences: PreferencesConfig{
			Driver: "sqlite",
			DSN:    defaultPrefsDSN,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Poll == "" {
		c.Poll = defaultPoll
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.Provider {
	case "ics", "caldav":
		// ok
	default:
		c.Provider = defaultProvider
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].ID == "" {
			if c.ICS[i].Name != "" {
				c.ICS[i].ID = c.ICS[i].Name
			} else {
				c.ICS[i].ID = c.ICS[i].URL
			}
		}
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.SelfEmails == nil {
		c.SelfEmails = []string{}
	}
	// The download horizon must cover today plus the two-day query window.
	if c.CalDAV.HorizonDays < minHorizonDays {
		c.CalDAV.HorizonDays = minHorizonDays
	}
	switch c.Preferences.Driver {
	case "sqlite", "postgres", "memory":
		// ok
	case "":
		c.Preferences.Driver = "sqlite"
	default:
		// Unknown driver; keep preferences in memory rather than fail.
		c.Preferences.Driver = "memory"
	}
	if c.Preferences.Driver == "sqlite" && c.Preferences.DSN == "" {
		c.Preferences.DSN = defaultPrefsDSN
	}
}

// ApplyEnv overrides secrets from the environment. A .env file in the
// working directory is loaded first if present.
func (c *Config) ApplyEnv() {
	// .env is optional.
	_ = godotenv.Load()

	if v := os.Getenv(EnvCalDAVPassword); v != "" {
		c.CalDAV.Password = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv(EnvPreferencesDSN); v != "" {
		c.Preferences.DSN = v
	}
	if v := os.Getenv(EnvBasicAuthPasswd); v != "" && c.BasicAuth != nil {
		c.BasicAuth.Password = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.ApplyEnv()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".upnext-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// ResolveLocation returns the configured timezone, falling back to
// time.Local. The boolean is false when the name could not be loaded.
func (c *Config) ResolveLocation() (*time.Location, bool) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, true
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, false
	}
	return loc, true
}
