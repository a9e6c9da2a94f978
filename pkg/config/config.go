// Package config implements the Controller's Configuration Loader
// (spec §4.A): it parses and validates the single JSON config file,
// exposes typed accessors, and runs a background reloader that re-reads
// the file periodically and notifies registered callbacks when specific
// dotted paths change.
package config

import (
	"fmt"
	"strings"
)

// DeployMode selects the overall serving topology.
type DeployMode string

const (
	DeployModeSingleNode DeployMode = "single_node"
	DeployModePDSeparate DeployMode = "pd_separate"
	DeployModeFlex       DeployMode = "flex"
)

// ProcessManagerConfig controls Process Status File persistence (§4.F.7).
type ProcessManagerConfig struct {
	ToFile   bool   `json:"to_file"`
	FilePath string `json:"file_path"`
}

// ClusterStatusConfig is the config surface for a cluster status dump
// (distinct from the recovery-oriented Process Status File). It is parsed
// and validated only; nothing in this repository writes that file.
type ClusterStatusConfig struct {
	ToFile   bool   `json:"to_file"`
	FilePath string `json:"file_path"`
}

// DIGSConfig carries the tunables forwarded verbatim to the external role
// planner library (§4.A, §9 open question (a): the planner is a black box).
type DIGSConfig struct {
	PrefillSLO            float64 `json:"digs_prefill_slo"`
	DecodeSLO             float64 `json:"digs_decode_slo"`
	TimePeriod            int     `json:"digs_time_period"`
	IsHeterogeneous       bool    `json:"digs_is_heterogeneous"`
	ModelType             string  `json:"digs_model_type"`
	TransferType          string  `json:"digs_transfer_type"`
	PP                    int     `json:"digs_pp"`
	IsAutoPDRoleSwitching bool    `json:"digs_is_auto_pd_role_switching"`
	HasFlex               bool    `json:"digs_has_flex"`
	ModelConfigFilePath   string  `json:"digs_model_config_file_path"`
	MachineConfigFilePath string  `json:"digs_machine_config_file_path"`
}

// CtrlBackupConfig is accepted and validated but inert in the core spec;
// external HA is handled elsewhere (§4.A).
type CtrlBackupConfig struct {
	Enabled bool `json:"enabled"`
}

// TLSConfig enables mutual TLS for the wireclient's outbound connections
// to workers/coordinators and for the Controller's own /metrics listener.
// Leaving cert_file/key_file empty disables TLS entirely (pkg/security's
// TLSConfig.Enabled()).
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// CoordinatorConfig is one statically-configured coordinator endpoint.
// The rank table enumerates workers, not coordinators, so the
// Configuration Loader is the natural place to register the fixed
// coordinator set the Cluster Scheduler publishes to (spec §9 is silent
// on coordinator registration; see DESIGN.md open question).
type CoordinatorConfig struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Config is the fully validated, immutable view of the controller config
// file. Callers obtain one via Load or through a Loader's Current().
type Config struct {
	DeployMode DeployMode `json:"deploy_mode"`

	DefaultPRate int `json:"default_p_rate"`
	DefaultDRate int `json:"default_d_rate"`

	ClusterSynchronizationSeconds int `json:"cluster_synchronization_seconds"`

	ServerOnlineAttemptTimes int `json:"server_online_attempt_times"`
	ServerOnlineWaitSeconds  int `json:"server_online_wait_seconds"`

	HTTPTimeoutSeconds int `json:"http_timeout_seconds"`
	HTTPRetryTimes     int `json:"http_retry_times"`

	StrictFilePermissions bool `json:"strict_file_permissions"`

	LogLevel string `json:"log_level"`

	MaxSwitchAttempts       int `json:"max_switch_attempts"`
	RoleSwitchTimeoutSeconds int `json:"role_switch_timeout_seconds"`
	MaxConcurrentSwitches   int `json:"max_concurrent_switches"`

	DeleteGraceSeconds     int `json:"delete_grace_seconds"`
	FaultyRetentionSeconds int `json:"faulty_retention_seconds"`

	CtrlBackup     CtrlBackupConfig     `json:"ctrl_backup"`
	ProcessManager ProcessManagerConfig `json:"process_manager"`
	ClusterStatus  ClusterStatusConfig  `json:"cluster_status"`
	DIGS           DIGSConfig           `json:"digs"`
	Coordinators   []CoordinatorConfig  `json:"coordinators"`
	TLS            TLSConfig            `json:"tls"`
}

// DefaultConfigFilePath is used when MINDIE_MS_CONTROLLER_CONFIG_FILE_PATH
// is unset (spec §6 CLI surface).
const DefaultConfigFilePath = "/usr/local/mindie/ms-controller/conf/controller_config.json"

const ConfigFileEnvVar = "MINDIE_MS_CONTROLLER_CONFIG_FILE_PATH"

// StrictFileMode is the maximum permission mode accepted when strict mode
// is on: owner read+write, group read-only, nothing for other.
const StrictFileMode = 0640

// Default applies the documented defaults before a file is parsed over
// them, so partially-specified configs still validate.
func Default() Config {
	return Config{
		DeployMode:                    DeployModePDSeparate,
		DefaultPRate:                  50,
		DefaultDRate:                  50,
		ClusterSynchronizationSeconds: 10,
		ServerOnlineAttemptTimes:      30,
		ServerOnlineWaitSeconds:       10,
		HTTPTimeoutSeconds:            10,
		HTTPRetryTimes:                3,
		StrictFilePermissions:         true,
		LogLevel:                      "info",
		MaxSwitchAttempts:             3,
		RoleSwitchTimeoutSeconds:      120,
		MaxConcurrentSwitches:         0, // 0 means no bound: every transition of a group runs at once
		DeleteGraceSeconds:            30,
		FaultyRetentionSeconds:        3600,
		ProcessManager: ProcessManagerConfig{
			ToFile:   true,
			FilePath: "/usr/local/mindie/ms-controller/run/process_status.json",
		},
		ClusterStatus: ClusterStatusConfig{
			ToFile:   false,
			FilePath: "/usr/local/mindie/ms-controller/run/cluster_status.json",
		},
	}
}

// InvalidConfigError reports a validation failure at a specific dotted
// path within the config document (spec §7: InvalidConfig).
type InvalidConfigError struct {
	Path   string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config at %q: %s", e.Path, e.Reason)
}

// Validate checks every field against its documented range (spec §4.A).
func (c *Config) Validate() error {
	switch c.DeployMode {
	case DeployModeSingleNode, DeployModePDSeparate, DeployModeFlex:
	default:
		return &InvalidConfigError{"deploy_mode", "must be one of single_node, pd_separate, flex"}
	}

	if err := boundedInt("default_p_rate", c.DefaultPRate, 0, 100); err != nil {
		return err
	}
	if err := boundedInt("default_d_rate", c.DefaultDRate, 0, 100); err != nil {
		return err
	}
	if c.DefaultPRate+c.DefaultDRate > 100 {
		return &InvalidConfigError{"default_p_rate+default_d_rate", "sum must be <= 100"}
	}

	if err := boundedInt("cluster_synchronization_seconds", c.ClusterSynchronizationSeconds, 1, 3600); err != nil {
		return err
	}
	if err := boundedInt("server_online_attempt_times", c.ServerOnlineAttemptTimes, 1, 1000); err != nil {
		return err
	}
	if err := boundedInt("server_online_wait_seconds", c.ServerOnlineWaitSeconds, 1, 600); err != nil {
		return err
	}
	if err := boundedInt("http_timeout_seconds", c.HTTPTimeoutSeconds, 1, 600); err != nil {
		return err
	}
	if err := boundedInt("http_retry_times", c.HTTPRetryTimes, 0, 20); err != nil {
		return err
	}
	if err := boundedInt("max_switch_attempts", c.MaxSwitchAttempts, 1, 100); err != nil {
		return err
	}
	if err := boundedInt("role_switch_timeout_seconds", c.RoleSwitchTimeoutSeconds, 1, 3600); err != nil {
		return err
	}
	if err := boundedInt("max_concurrent_switches", c.MaxConcurrentSwitches, 0, 768); err != nil {
		return err
	}
	if err := boundedInt("delete_grace_seconds", c.DeleteGraceSeconds, 0, 86400); err != nil {
		return err
	}
	if err := boundedInt("faulty_retention_seconds", c.FaultyRetentionSeconds, 0, 604800); err != nil {
		return err
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &InvalidConfigError{"log_level", "must be one of debug, info, warn, error"}
	}

	for i, co := range c.Coordinators {
		if strings.TrimSpace(co.IP) == "" {
			return &InvalidConfigError{fmt.Sprintf("coordinators[%d].ip", i), "must not be empty"}
		}
		if co.Port < 1 || co.Port > 65535 {
			return &InvalidConfigError{fmt.Sprintf("coordinators[%d].port", i), "must be in range [1, 65535]"}
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return &InvalidConfigError{"tls", "cert_file and key_file must be set together"}
	}
	if c.TLS.CAFile != "" && c.TLS.CertFile == "" {
		return &InvalidConfigError{"tls.ca_file", "requires cert_file and key_file to also be set"}
	}

	if c.ProcessManager.ToFile && strings.TrimSpace(c.ProcessManager.FilePath) == "" {
		return &InvalidConfigError{"process_manager.file_path", "required when process_manager.to_file is true"}
	}
	if c.ClusterStatus.ToFile && strings.TrimSpace(c.ClusterStatus.FilePath) == "" {
		return &InvalidConfigError{"cluster_status.file_path", "required when cluster_status.to_file is true"}
	}

	return nil
}

func boundedInt(path string, v, min, max int) error {
	if v < min || v > max {
		return &InvalidConfigError{path, fmt.Sprintf("must be in range [%d, %d], got %d", min, max, v)}
	}
	return nil
}
