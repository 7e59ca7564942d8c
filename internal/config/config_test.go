package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[data]
dir = "/var/lib/qra"
backend = "sqlite"

[log]
level = "warn"
format = "json"

[audit]
enabled = true

[metrics]
enabled = true

[policy]
default_ca = 3

[[policy.cas]]
id = 3
name = "Issuing CA"
unique_serial_numbers = true

[policy.cas.approvals]
ADD_END_ENTITY = 2
REVOKE_END_ENTITY = 1

[[policy.cert_profiles]]
id = 1
name = "TLS"
used_extensions = ["1.2.3.4"]

[[policy.cert_profiles]]
id = 2
name = "ACME"
eab_namespaces = ["acme"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qra.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestU_Load_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "qra-data", cfg.Data.Dir)
	assert.Equal(t, BackendFile, cfg.Data.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	require.Len(t, cfg.Policy.CertProfiles, 1)
	assert.Equal(t, filepath.Join("qra-data", "profiles"), cfg.Data.ProfilesPath())
	assert.Equal(t, filepath.Join("qra-data", "audit.jsonl"), cfg.AuditPath())
	assert.Equal(t, filepath.Join("qra-data", "qra.prom"), cfg.MetricsPath())
}

func TestU_Load_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Data.Backend)
	assert.Equal(t, filepath.Join("/var/lib/qra", "qra.db"), cfg.Data.DatabasePath())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Policy.DefaultCA)

	require.Len(t, cfg.Policy.CAs, 1)
	ca := cfg.Policy.CAs[0]
	assert.Equal(t, "Issuing CA", ca.Name)
	assert.True(t, ca.UniqueSerialNumbers)
	assert.Equal(t, map[string]int{"ADD_END_ENTITY": 2, "REVOKE_END_ENTITY": 1}, ca.Approvals)

	require.Len(t, cfg.Policy.CertProfiles, 2)
	assert.Equal(t, []string{"1.2.3.4"}, cfg.Policy.CertProfiles[0].UsedExtensions)
	assert.Equal(t, []string{"acme"}, cfg.Policy.CertProfiles[1].EABNamespaces)
}

func TestU_Load_EnvOverridesFile(t *testing.T) {
	t.Setenv("QRA_LOG_LEVEL", "debug")
	t.Setenv("QRA_DATA_SQLITE__PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/override.db", cfg.Data.DatabasePath())
}

func TestU_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestU_Config_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"[Unit] Validate: unknown backend", func(c *Config) { c.Data.Backend = "postgres" }},
		{"[Unit] Validate: empty data dir", func(c *Config) { c.Data.Dir = "" }},
		{"[Unit] Validate: unknown log level", func(c *Config) { c.Log.Level = "loud" }},
		{"[Unit] Validate: unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"[Unit] Validate: non-positive CA id", func(c *Config) { c.Policy.CAs = []CAConfig{{ID: 0}} }},
		{"[Unit] Validate: duplicate CA id", func(c *Config) { c.Policy.CAs = []CAConfig{{ID: 2}, {ID: 2}} }},
		{"[Unit] Validate: unknown approval action", func(c *Config) {
			c.Policy.CAs = []CAConfig{{ID: 2, Approvals: map[string]int{"LAUNCH": 1}}}
		}},
		{"[Unit] Validate: negative approvals", func(c *Config) {
			c.Policy.CAs = []CAConfig{{ID: 2, Approvals: map[string]int{"ADD_END_ENTITY": -1}}}
		}},
		{"[Unit] Validate: unknown default CA", func(c *Config) { c.Policy.DefaultCA = 9 }},
		{"[Unit] Validate: duplicate cert profile", func(c *Config) {
			c.Policy.CertProfiles = []CertProfileConfig{{ID: 1}, {ID: 1}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
