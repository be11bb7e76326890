// Package config handles configuration loading, validation, and management for fixity.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V1 was the original flat config; v2 introduced the sectioned layout
// plus the audit trail and metrics endpoint.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	dir := FixityDir()

	if cfg.Engine.Algorithm == "" {
		cfg.Engine.Algorithm = "sha256"
		changes = append(changes, "set default engine.algorithm")
	}

	if cfg.Session.DatabasePath == "" {
		cfg.Session.DatabasePath = filepath.Join(dir, "session.db")
		changes = append(changes, "set default session.database_path")
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Path = filepath.Join(dir, "audit.log")
		changes = append(changes, "enabled audit trail")
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9620"
		changes = append(changes, "added metrics configuration")
	}

	if len(cfg.Intake.Extensions) == 0 {
		cfg.Intake.Extensions = DefaultContainerExtensions()
		changes = append(changes, "set default intake.extensions")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a legacy v1 configuration map to the new
// format. V1 files were flat key-value documents.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	if alg, ok := data["algorithm"].(string); ok {
		cfg.Engine.Algorithm = alg
	}

	if paths, ok := data["watch_paths"].([]interface{}); ok {
		cfg.Intake.Paths = nil
		for _, p := range paths {
			if s, ok := p.(string); ok {
				cfg.Intake.Paths = append(cfg.Intake.Paths, s)
			}
		}
	}

	// V1 expressed the settle window as whole seconds.
	if interval, ok := data["interval"].(float64); ok {
		cfg.Intake.DebounceMs = int(interval * 1000)
	}

	if dbPath, ok := data["database_path"].(string); ok {
		cfg.Session.DatabasePath = dbPath
	}

	if logPath, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = logPath
	}

	if examiner, ok := data["examiner"].(string); ok {
		cfg.Audit.Examiner = examiner
	}

	if caseID, ok := data["case_id"].(string); ok {
		cfg.Audit.CaseID = caseID
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = encodeToYAML(cfg)
	default:
		// Default to TOML
		data, err = encodeToTOML(cfg)
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// encodeToTOML encodes the config to TOML format.
func encodeToTOML(cfg *Config) ([]byte, error) {
	return []byte(generateTOML(cfg)), nil
}

// generateTOML generates a well-formatted TOML configuration file with
// section comments, which a marshaler would not produce.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# fixity configuration
# Version %d

version = %d

[engine]
algorithm = "%s"
workers = %d
progress_interval_mb = %d

[intake]
paths = %s
extensions = %s
debounce_ms = %d
min_stable_secs = %d
recursive = %t
max_file_size = %d

[session]
database_path = "%s"
auto_save = %t

[audit]
enabled = %t
path = "%s"
examiner = "%s"
case_id = "%s"

[metrics]
enabled = %t
listen = "%s"

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t
`,
		Version,
		cfg.Version,
		cfg.Engine.Algorithm,
		cfg.Engine.Workers,
		cfg.Engine.ProgressIntervalMB,
		toTOMLArray(cfg.Intake.Paths),
		toTOMLArray(cfg.Intake.Extensions),
		cfg.Intake.DebounceMs,
		cfg.Intake.MinStableSecs,
		cfg.Intake.Recursive,
		cfg.Intake.MaxFileSize,
		cfg.Session.DatabasePath,
		cfg.Session.AutoSave,
		cfg.Audit.Enabled,
		cfg.Audit.Path,
		cfg.Audit.Examiner,
		cfg.Audit.CaseID,
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf(`"%s"`, item)
	}
	result += "]"
	return result
}

// encodeToYAML encodes the config to YAML format.
func encodeToYAML(cfg *Config) ([]byte, error) {
	// YAML is a superset of JSON, and JSON tags are already maintained
	return json.MarshalIndent(cfg, "", "  ")
}

// GetMigrationHistory returns the migration history if stored in the config directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(FixityDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(FixityDir(), "migration_history.json")

	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if unreadable
	}

	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
