package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"famcal/internal/viewcache"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID keys imported events; changing it re-imports the feed as new events.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// MemberID and Color are stamped on imported events.
	MemberID string `yaml:"member_id,omitempty" json:"member_id,omitempty"`
	Color    string `yaml:"color,omitempty" json:"color,omitempty"`
}

// SourceID returns ID, falling back to Name and then URL.
func (c ICSConfig) SourceID() string {
	switch {
	case c.ID != "":
		return c.ID
	case c.Name != "":
		return c.Name
	default:
		return c.URL
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// FamilyID selects whose calendar this instance serves.
	FamilyID string `yaml:"family_id" json:"family_id"`
	// CalendarName is used as X-WR-CALNAME on export.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// Timezone is the IANA zone views are cut in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is the cron schedule for feed sync and view refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds the upcoming view.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// StaleAfter makes a view refetch on access once it is this old.
	// Zero leaves refreshing to the scheduler and explicit requests.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// MaxOccurrences caps how many instances one series may produce per view.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// Views are kept warm by the scheduler.
	Views []string `yaml:"views" json:"views"`

	// Database is the SQLite path, or ":memory:".
	Database string `yaml:"database" json:"database"`
	// CacheDir holds downloaded ICS bodies.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultFamilyID    = "default"
	defaultTimezone    = "Asia/Seoul"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 182
	defaultLogLevel    = "info"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		FamilyID:       defaultFamilyID,
		CalendarName:   "Family",
		Timezone:       defaultTimezone,
		WeekStart:      "monday",
		RefreshCron:    defaultRefreshCron,
		HorizonDays:    defaultHorizonDays,
		MaxOccurrences: 500,
		Views:          []string{viewcache.TodayKey, viewcache.UpcomingKey},
		Database:       DBPath(),
		CacheDir:       CacheDir(),
		LogLevel:       defaultLogLevel,
		ICS:            []ICSConfig{},
		BasicAuth:      nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.FamilyID == "" {
		c.FamilyID = defaultFamilyID
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday", "sunday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		// Unknown value; fall back to monday to avoid surprising layouts.
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	if c.MaxOccurrences < 0 {
		c.MaxOccurrences = 0
	}
	if c.Views == nil {
		c.Views = []string{viewcache.TodayKey, viewcache.UpcomingKey}
	}
	if c.Database == "" {
		c.Database = DBPath()
	}
	if c.CacheDir == "" {
		c.CacheDir = CacheDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	for _, v := range c.Views {
		if _, err := viewcache.ParseKey(v); err != nil {
			errs = append(errs, err)
		}
	}
	seen := make(map[string]bool)
	for i, src := range c.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is empty", i))
			continue
		}
		id := src.SourceID()
		if seen[id] {
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.Local
}

// FirstWeekday maps WeekStart to a time.Weekday.
func (c *Config) FirstWeekday() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// ViewOptions builds the view cache options this config describes.
func (c *Config) ViewOptions() viewcache.Options {
	return viewcache.Options{
		Location:       c.Location(),
		HorizonDays:    c.HorizonDays,
		StaleAfter:     c.StaleAfter,
		MaxOccurrences: c.MaxOccurrences,
		WeekStart:      c.FirstWeekday(),
	}
}

// Sources lists the ICS subscriptions with their resolved IDs.
func (c *Config) Sources() []ICSConfig {
	out := make([]ICSConfig, 0, len(c.ICS))
	for _, src := range c.ICS {
		if src.URL == "" {
			continue
		}
		src.ID = src.SourceID()
		out = append(out, src)
	}
	return out
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
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
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
	tmp, err := os.CreateTemp(dir, ".famcal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
