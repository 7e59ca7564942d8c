// Package config loads the qra configuration from defaults, an optional TOML
// file and QRA_ prefixed environment variables, in that order.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/remiblancher/qpki-ra/internal/approval"
)

// EnvPrefix is the prefix of configuration environment variables. A single
// underscore separates levels and a double underscore is a literal one:
// QRA_DATA_SQLITE__PATH sets data.sqlite_path.
const EnvPrefix = "QRA_"

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete configuration.
type Config struct {
	Data    DataConfig    `koanf:"data"`
	Log     LogConfig     `koanf:"log"`
	Audit   AuditConfig   `koanf:"audit"`
	Metrics MetricsConfig `koanf:"metrics"`
	Policy  PolicyConfig  `koanf:"policy"`
}

// DataConfig locates persisted state. Empty paths are derived from Dir.
type DataConfig struct {
	Dir          string `koanf:"dir"`
	Backend      string `koanf:"backend"`
	SQLitePath   string `koanf:"sqlite_path"`
	ProfilesDir  string `koanf:"profiles_dir"`
	ApprovalsDir string `koanf:"approvals_dir"`
}

// LogConfig configures the technical logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Runtime bool `koanf:"runtime"`

	// Textfile receives the metrics in Prometheus text format when the
	// command exits, for a node exporter textfile collector.
	Textfile string `koanf:"textfile"`
}

// PolicyConfig describes the CAs and certificate profiles known to the RA.
type PolicyConfig struct {
	// DefaultCA is used for end entities whose profile does not name one.
	DefaultCA    int                 `koanf:"default_ca"`
	CAs          []CAConfig          `koanf:"cas"`
	CertProfiles []CertProfileConfig `koanf:"cert_profiles"`
}

// CAConfig describes one CA.
type CAConfig struct {
	ID   int    `koanf:"id"`
	Name string `koanf:"name"`

	// UniqueSerialNumbers rejects subject DN serial numbers already used by
	// another end entity of the CA.
	UniqueSerialNumbers bool `koanf:"unique_serial_numbers"`

	// Approvals maps approval action names to required approval counts.
	Approvals map[string]int `koanf:"approvals"`
}

// CertProfileConfig describes one certificate profile.
type CertProfileConfig struct {
	ID             int      `koanf:"id"`
	Name           string   `koanf:"name"`
	UsedExtensions []string `koanf:"used_extensions"`
	EABNamespaces  []string `koanf:"eab_namespaces"`
}

func defaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:     "qra-data",
			Backend: BackendFile,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Policy: PolicyConfig{
			CertProfiles: []CertProfileConfig{{ID: 1, Name: "ENDUSER"}},
		},
	}
}

// Load reads the configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Data.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("data.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Data.Backend)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	seen := make(map[int]bool)
	for _, ca := range c.Policy.CAs {
		if ca.ID <= 0 {
			return fmt.Errorf("policy.cas: id must be positive, got %d", ca.ID)
		}
		if seen[ca.ID] {
			return fmt.Errorf("policy.cas: duplicate id %d", ca.ID)
		}
		seen[ca.ID] = true
		for action, n := range ca.Approvals {
			if _, err := approval.ParseAction(action); err != nil {
				return fmt.Errorf("policy.cas[%d].approvals: %w", ca.ID, err)
			}
			if n < 0 {
				return fmt.Errorf("policy.cas[%d].approvals.%s: must not be negative", ca.ID, action)
			}
		}
	}
	if c.Policy.DefaultCA != 0 && !seen[c.Policy.DefaultCA] {
		return fmt.Errorf("policy.default_ca %d is not configured", c.Policy.DefaultCA)
	}

	seen = make(map[int]bool)
	for _, cp := range c.Policy.CertProfiles {
		if cp.ID <= 0 {
			return fmt.Errorf("policy.cert_profiles: id must be positive, got %d", cp.ID)
		}
		if seen[cp.ID] {
			return fmt.Errorf("policy.cert_profiles: duplicate id %d", cp.ID)
		}
		seen[cp.ID] = true
	}
	return nil
}

func (d DataConfig) derive(p, name string) string {
	if p != "" {
		return p
	}
	return filepath.Join(d.Dir, name)
}

// ProfilesPath returns the end entity profile directory.
func (d DataConfig) ProfilesPath() string { return d.derive(d.ProfilesDir, "profiles") }

// EndEntitiesPath returns the end entity directory of the file backend.
func (d DataConfig) EndEntitiesPath() string { return filepath.Join(d.Dir, "endentities") }

// DatabasePath returns the SQLite database of the sqlite backend.
func (d DataConfig) DatabasePath() string { return d.derive(d.SQLitePath, "qra.db") }

// ApprovalsPath returns the approval request directory.
func (d DataConfig) ApprovalsPath() string { return d.derive(d.ApprovalsDir, "approvals") }

// AuditPath returns the audit log path, derived from the data directory
// when unset.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.Data.Dir, "audit.jsonl")
}

// MetricsPath returns the metrics textfile path, derived from the data
// directory when unset.
func (c *Config) MetricsPath() string {
	if c.Metrics.Textfile != "" {
		return c.Metrics.Textfile
	}
	return filepath.Join(c.Data.Dir, "qra.prom")
}
