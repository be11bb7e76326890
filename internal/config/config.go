// Package config handles configuration loading, validation, and management for fixity.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete fixity configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Engine configuration for hashing and verification.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Intake configuration for evidence directory monitoring.
	Intake IntakeConfig `toml:"intake" json:"intake" yaml:"intake"`

	// Session configuration for history persistence.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Audit configuration for the chain-of-custody trail.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Metrics configuration for the metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EngineConfig holds hashing and verification configuration.
type EngineConfig struct {
	// Algorithm is the default digest algorithm for verification runs:
	// md5, sha1, sha256, sha512, sha3-256, blake2b, blake3.
	Algorithm string `toml:"algorithm" json:"algorithm" yaml:"algorithm"`

	// Workers bounds concurrent hashing. 0 means one worker per CPU.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// ProgressIntervalMB is how many megabytes pass between progress
	// events while hashing a file.
	ProgressIntervalMB int `toml:"progress_interval_mb" json:"progress_interval_mb" yaml:"progress_interval_mb"`
}

// IntakeConfig holds evidence directory monitoring configuration.
type IntakeConfig struct {
	// Paths is a list of directories to monitor for arriving containers.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// Extensions limits intake to these container extensions. Empty means
	// the built-in container set.
	Extensions []string `toml:"extensions" json:"extensions" yaml:"extensions"`

	// DebounceMs is how long a file must go without writes before it is
	// considered for intake.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MinStableSecs is how long a file's size must hold still before it
	// is submitted. Guards against half-copied images.
	MinStableSecs int `toml:"min_stable_secs" json:"min_stable_secs" yaml:"min_stable_secs"`

	// Recursive determines whether subdirectories are watched too.
	Recursive bool `toml:"recursive" json:"recursive" yaml:"recursive"`

	// MaxFileSize skips files larger than this many bytes. 0 means no
	// limit.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`
}

// SessionConfig holds history persistence configuration.
type SessionConfig struct {
	// DatabasePath is the path to the session database file.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// AutoSave persists history after every completed batch.
	AutoSave bool `toml:"auto_save" json:"auto_save" yaml:"auto_save"`
}

// AuditConfig holds chain-of-custody trail configuration.
type AuditConfig struct {
	// Enabled determines whether the audit trail is written.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the audit log file path.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Examiner names the operator stamped into audit events.
	Examiner string `toml:"examiner" json:"examiner" yaml:"examiner"`

	// CaseID tags every audit event with the active case.
	CaseID string `toml:"case_id" json:"case_id" yaml:"case_id"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled determines whether the metrics endpoint is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address the metrics HTTP handler binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes a file).
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := FixityDir()

	return &Config{
		Version: Version,
		Engine: EngineConfig{
			Algorithm:          "sha256",
			Workers:            0,
			ProgressIntervalMB: 64,
		},
		Intake: IntakeConfig{
			Paths:         []string{},
			Extensions:    DefaultContainerExtensions(),
			DebounceMs:    2000,
			MinStableSecs: 3,
			Recursive:     false,
			MaxFileSize:   0,
		},
		Session: SessionConfig{
			DatabasePath: filepath.Join(dir, "session.db"),
			AutoSave:     true,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "audit.log"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9620",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "fixity.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(FixityDir(), "config.toml")
}

// FixityDir returns the base fixity data directory.
// Uses platform-specific paths or the FIXITY_DATA_DIR environment override.
func FixityDir() string {
	if envDir := os.Getenv("FIXITY_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the configuration points into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Session.DatabasePath),
		filepath.Dir(c.Audit.Path),
		filepath.Dir(c.Logging.FilePath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with FIXITY_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("FIXITY_ALGORITHM"); v != "" {
		c.Engine.Algorithm = v
	}
	if v := os.Getenv("FIXITY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.Workers = n
		}
	}

	if v := os.Getenv("FIXITY_SESSION_PATH"); v != "" {
		c.Session.DatabasePath = v
	}

	if v := os.Getenv("FIXITY_EXAMINER"); v != "" {
		c.Audit.Examiner = v
	}
	if v := os.Getenv("FIXITY_CASE_ID"); v != "" {
		c.Audit.CaseID = v
	}

	if v := os.Getenv("FIXITY_METRICS_LISTEN"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = v
	}

	if v := os.Getenv("FIXITY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FIXITY_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := Config{
		Version: c.Version,
		Engine:  c.Engine,
		Intake:  c.Intake,
		Session: c.Session,
		Audit:   c.Audit,
		Metrics: c.Metrics,
		Logging: c.Logging,
	}
	clone.Intake.Paths = append([]string{}, c.Intake.Paths...)
	clone.Intake.Extensions = append([]string{}, c.Intake.Extensions...)

	return &clone
}
