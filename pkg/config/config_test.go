package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path, body string, mode os.FileMode) error {
	return os.WriteFile(path, []byte(body), mode)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown deploy mode",
			mutate:  func(c *Config) { c.DeployMode = "bogus" },
			wantErr: true,
		},
		{
			name:    "p rate out of range",
			mutate:  func(c *Config) { c.DefaultPRate = 101 },
			wantErr: true,
		},
		{
			name: "p+d rate sum over 100",
			mutate: func(c *Config) {
				c.DefaultPRate = 70
				c.DefaultDRate = 60
			},
			wantErr: true,
		},
		{
			name:    "zero cluster sync interval",
			mutate:  func(c *Config) { c.ClusterSynchronizationSeconds = 0 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name: "process manager to_file without path",
			mutate: func(c *Config) {
				c.ProcessManager.ToFile = true
				c.ProcessManager.FilePath = ""
			},
			wantErr: true,
		},
		{
			name:    "negative max concurrent switches",
			mutate:  func(c *Config) { c.MaxConcurrentSwitches = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				var ice *InvalidConfigError
				assert.ErrorAs(t, err, &ice)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiffPaths(t *testing.T) {
	a := Default()
	b := a
	b.DefaultPRate = 10
	b.LogLevel = "debug"
	b.DIGS.PrefillSLO = 1.5

	changed := diffPaths(&a, &b)
	assert.Contains(t, changed, "default_p_rate")
	assert.Contains(t, changed, "log_level")
	assert.Contains(t, changed, "digs")
	assert.NotContains(t, changed, "default_d_rate")
}

func TestDiffPaths_NoChange(t *testing.T) {
	a := Default()
	b := a
	assert.Empty(t, diffPaths(&a, &b))
}

func TestResolveConfigFilePath_Default(t *testing.T) {
	t.Setenv(ConfigFileEnvVar, "")
	assert.Equal(t, DefaultConfigFilePath, ResolveConfigFilePath())
}

func TestResolveConfigFilePath_Env(t *testing.T) {
	t.Setenv(ConfigFileEnvVar, "/tmp/custom_config.json")
	assert.Equal(t, "/tmp/custom_config.json", ResolveConfigFilePath())
}

func TestLoad_RejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	require.NoError(t, writeFile(path, "not json", 0640))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidDocument(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	body := `{
		"deploy_mode": "pd_separate",
		"default_p_rate": 60,
		"default_d_rate": 40,
		"strict_file_permissions": true
	}`
	require.NoError(t, writeFile(path, body, 0640))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DeployModePDSeparate, cfg.DeployMode)
	assert.Equal(t, 60, cfg.DefaultPRate)
	// unspecified fields keep their defaults
	assert.Equal(t, Default().HTTPTimeoutSeconds, cfg.HTTPTimeoutSeconds)
}

func TestLoad_RejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	body := `{"deploy_mode": "pd_separate", "strict_file_permissions": true}`
	require.NoError(t, writeFile(path, body, 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_AllowsLoosePermissionsWhenOptedOut(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	body := `{"deploy_mode": "pd_separate", "strict_file_permissions": false}`
	require.NoError(t, writeFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.StrictFilePermissions)
}
