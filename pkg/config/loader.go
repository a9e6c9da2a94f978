package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ResolveConfigFilePath returns the configured path for the controller
// config file, consulting the environment variable first and falling
// back to the compiled-in default (spec §6).
func ResolveConfigFilePath() string {
	if p := os.Getenv(ConfigFileEnvVar); p != "" {
		return p
	}
	return DefaultConfigFilePath
}

// checkFilePermissions enforces the strict-mode permission ceiling: the
// file must grant no access to group or other beyond StrictFileMode.
func checkFilePermissions(path string, strict bool) error {
	if !strict {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&^os.FileMode(StrictFileMode) != 0 {
		return fmt.Errorf("config file %s has mode %04o, exceeds strict ceiling %04o", path, mode, StrictFileMode)
	}
	return nil
}

// Load reads, parses and validates the config file at path. Strict file
// permission checking is applied using the to-be-parsed document's own
// strict_file_permissions field, defaulting to true until the document
// is read (so an unreadable-permission file fails closed).
func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path, true); err != nil {
		// Retry once with the document's own setting, since a document
		// may legitimately opt out of strict mode.
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("read config file: %w", rerr)
		}
		var probe struct {
			Strict *bool `json:"strict_file_permissions"`
		}
		if jerr := json.Unmarshal(raw, &probe); jerr == nil && probe.Strict != nil && !*probe.Strict {
			// explicit opt-out, proceed
		} else {
			return nil, err
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.ProcessManager.FilePath != "" && !filepath.IsAbs(cfg.ProcessManager.FilePath) {
		return nil, &InvalidConfigError{"process_manager.file_path", "must be an absolute path"}
	}
	if cfg.ClusterStatus.FilePath != "" && !filepath.IsAbs(cfg.ClusterStatus.FilePath) {
		return nil, &InvalidConfigError{"cluster_status.file_path", "must be an absolute path"}
	}

	return &cfg, nil
}
