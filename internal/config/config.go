// Package config holds the application configuration: the Usenet server
// fleet, the import pipeline knobs and the ambient service settings. The
// rest of the code observes configuration through ConfigGetter snapshots and
// never mutates it.
package config

import (
	"fmt"
	"strings"
)

const DefaultCategory = "misc"

// DuplicateNzbBehavior selects what happens when a job's mount folder
// already exists.
type DuplicateNzbBehavior string

const (
	DuplicateMarkFailed DuplicateNzbBehavior = "mark-failed"
	DuplicateIncrement  DuplicateNzbBehavior = "increment"
	DuplicateOverwrite  DuplicateNzbBehavior = "overwrite"
)

// ImportStrategy selects how completed items are exposed to library
// importers.
type ImportStrategy string

const (
	ImportStrategyStrm     ImportStrategy = "strm"
	ImportStrategySymlinks ImportStrategy = "symlinks"
)

// ServerConfig describes one Usenet server. Immutable between
// reconfigurations.
type ServerConfig struct {
	ID             string `yaml:"id" mapstructure:"id" json:"id"`
	Name           string `yaml:"name" mapstructure:"name" json:"name"`
	Host           string `yaml:"host" mapstructure:"host" json:"host"`
	Port           int    `yaml:"port" mapstructure:"port" json:"port"`
	TLS            bool   `yaml:"tls" mapstructure:"tls" json:"tls"`
	User           string `yaml:"user" mapstructure:"user" json:"-"`
	Pass           string `yaml:"pass" mapstructure:"pass" json:"-"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	Priority       int    `yaml:"priority" mapstructure:"priority" json:"priority"`
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	RetentionDays  int    `yaml:"retention_days" mapstructure:"retention_days" json:"retention_days"`
}

// IsEnabled treats a missing enabled flag as true.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ImportConfig controls the NZB processing pipeline.
type ImportConfig struct {
	MaxQueueConnections     int                  `yaml:"max_queue_connections" mapstructure:"max_queue_connections" json:"max_queue_connections"`
	DuplicateNzbBehavior    DuplicateNzbBehavior `yaml:"duplicate_nzb_behavior" mapstructure:"duplicate_nzb_behavior" json:"duplicate_nzb_behavior"`
	ImportStrategy          ImportStrategy       `yaml:"import_strategy" mapstructure:"import_strategy" json:"import_strategy"`
	EnsureArticleExistence  bool                 `yaml:"ensure_article_existence" mapstructure:"ensure_article_existence" json:"ensure_article_existence"`
	HealthCheckSamplingRate float64              `yaml:"health_check_sampling_rate" mapstructure:"health_check_sampling_rate" json:"health_check_sampling_rate"`
	MinHealthCheckSegments  int                  `yaml:"min_health_check_segments" mapstructure:"min_health_check_segments" json:"min_health_check_segments"`
	EnsureImportableVideo   bool                 `yaml:"ensure_importable_video" mapstructure:"ensure_importable_video" json:"ensure_importable_video"`
	BlacklistedExtensions   []string             `yaml:"blacklisted_extensions" mapstructure:"blacklisted_extensions" json:"blacklisted_extensions"`
}

// StreamingConfig controls the live read path.
type StreamingConfig struct {
	MaxDownloadWorkers int `yaml:"max_download_workers" mapstructure:"max_download_workers" json:"max_download_workers"`
}

// APIConfig holds the HTTP surface settings.
type APIConfig struct {
	Port                 int    `yaml:"port" mapstructure:"port" json:"port"`
	Key                  string `yaml:"key" mapstructure:"key" json:"-"`
	StrmKey              string `yaml:"strm_key" mapstructure:"strm_key" json:"-"`
	BaseURL              string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	IgnoreSabHistoryLimit bool  `yaml:"ignore_sab_history_limit" mapstructure:"ignore_sab_history_limit" json:"ignore_sab_history_limit"`
}

// DatabaseConfig holds the store location.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path" json:"path"`
}

// LogConfig configures file logging with rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" json:"file"`
	Level      string `yaml:"level" mapstructure:"level" json:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress"`
}

// Config is the complete application configuration.
type Config struct {
	Servers   []ServerConfig  `yaml:"servers" mapstructure:"servers" json:"servers"`
	Import    ImportConfig    `yaml:"import" mapstructure:"import" json:"import"`
	Streaming StreamingConfig `yaml:"streaming" mapstructure:"streaming" json:"streaming"`
	API       APIConfig       `yaml:"api" mapstructure:"api" json:"api"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database" json:"database"`
	Log       LogConfig       `yaml:"log" mapstructure:"log" json:"log,omitempty"`
}

// ConfigGetter returns the current configuration snapshot. Components hold
// the getter, not the config, so reconfiguration is picked up on the next
// operation.
type ConfigGetter func() *Config

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() *Config {
	return &Config{
		Import: ImportConfig{
			MaxQueueConnections:     5,
			DuplicateNzbBehavior:    DuplicateIncrement,
			ImportStrategy:          ImportStrategyStrm,
			EnsureArticleExistence:  true,
			HealthCheckSamplingRate: 0.05,
			MinHealthCheckSegments:  10,
			BlacklistedExtensions:   []string{".exe", ".bat", ".scr", ".lnk", ".url"},
		},
		Streaming: StreamingConfig{
			MaxDownloadWorkers: 15,
		},
		API: APIConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "nzbdav.db",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    5,
			MaxBackups: 5,
			MaxAge:     14,
		},
	}
}

// Validate checks the configuration for values the core cannot operate
// with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Host == "" {
			return fmt.Errorf("server %q: host is required", s.ID)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("server %q: invalid port %d", s.ID, s.Port)
		}
		if s.MaxConnections <= 0 {
			return fmt.Errorf("server %q: max_connections must be positive", s.ID)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s:%d", s.Host, s.Port)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}

	switch c.Import.DuplicateNzbBehavior {
	case DuplicateMarkFailed, DuplicateIncrement, DuplicateOverwrite:
	default:
		return fmt.Errorf("invalid duplicate_nzb_behavior %q", c.Import.DuplicateNzbBehavior)
	}

	switch c.Import.ImportStrategy {
	case ImportStrategyStrm, ImportStrategySymlinks:
	default:
		return fmt.Errorf("invalid import_strategy %q", c.Import.ImportStrategy)
	}

	if r := c.Import.HealthCheckSamplingRate; r <= 0 || r > 1 {
		return fmt.Errorf("health_check_sampling_rate must be in (0, 1], got %v", r)
	}

	if c.Import.MaxQueueConnections < 1 {
		return fmt.Errorf("max_queue_connections must be at least 1")
	}
	for _, s := range c.Servers {
		// The pipeline share may never exceed a server's cap, or live reads
		// would starve.
		if s.IsEnabled() && c.Import.MaxQueueConnections > s.MaxConnections {
			return fmt.Errorf("max_queue_connections (%d) exceeds server %q max_connections (%d)",
				c.Import.MaxQueueConnections, s.ID, s.MaxConnections)
		}
	}

	return nil
}

// MaxConnectionsFor returns the configured cap for a server id, zero when
// unknown.
func (c *Config) MaxConnectionsFor(serverID string) int {
	for _, s := range c.Servers {
		if s.ID == serverID {
			return s.MaxConnections
		}
	}
	return 0
}

// IsBlacklistedExtension reports whether a filename matches the configured
// blacklist.
func (c *Config) IsBlacklistedExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range c.Import.BlacklistedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
