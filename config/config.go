// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/core/descriptor"
)

// Loader kinds.
const (
	LoaderStatic = "static"
	LoaderPlugin = "plugin"
)

// Config is the root configuration structure.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Loader      LoaderConfig      `yaml:"loader"`
	Composition CompositionConfig `yaml:"composition"`
	Teardown    TeardownConfig    `yaml:"teardown"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Journal     JournalConfig     `yaml:"journal"`
	Server      ServerConfig      `yaml:"server"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// LoaderConfig selects how packages are loaded.
// Use "static" for the compiled-in packages or "plugin" for Go plugins.
type LoaderConfig struct {
	Kind   string `yaml:"kind"`
	Dir    string `yaml:"dir"`    // plugin directory
	Suffix string `yaml:"suffix"` // plugin file suffix (default: .so)
}

// CompositionConfig lists the packages to bring up, in activation order.
// An empty module list selects the built-in default plan.
type CompositionConfig struct {
	// Descriptors is an optional directory of descriptor YAML files that
	// replace built-in descriptors of the same name.
	Descriptors string         `yaml:"descriptors,omitempty"`
	Modules     []ModuleConfig `yaml:"modules"`
}

// ModuleConfig is one composition entry.
type ModuleConfig struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`

	// Params is passed verbatim to the package's Init.
	Params yaml.Node `yaml:"params,omitempty"`

	// Requires replaces the descriptor's dependency list when set.
	Requires []descriptor.Dependency `yaml:"requires,omitempty"`
}

// TeardownConfig configures teardown.
type TeardownConfig struct {
	Quiesce time.Duration `yaml:"quiesce"` // grace period after each Destroy
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"` // Enable /metrics endpoint
}

// JournalConfig configures the session journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying environment
// overrides and defaults. ${VAR} references are expanded in the host's own
// string settings only; module params reach Init untouched.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	expandEnv(&cfg)
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func expandEnv(cfg *Config) {
	for _, field := range []*string{
		&cfg.Logging.Level,
		&cfg.Logging.Format,
		&cfg.Loader.Kind,
		&cfg.Loader.Dir,
		&cfg.Loader.Suffix,
		&cfg.Composition.Descriptors,
		&cfg.Journal.DSN,
		&cfg.Server.Host,
	} {
		*field = os.ExpandEnv(*field)
	}
}

// LoadFromEnv creates configuration entirely from environment variables
// and defaults. The composition is the built-in default plan.
//
// Environment variables:
//
//	PKGHOST_LOG_LEVEL        - Log level: debug, info, warn, error (default: info)
//	PKGHOST_LOG_FORMAT       - Log format: json or console (default: json)
//	PKGHOST_LOADER_KIND      - Loader: static or plugin (default: static)
//	PKGHOST_LOADER_DIR       - Plugin directory (default: ./plugins)
//	PKGHOST_LOADER_SUFFIX    - Plugin file suffix (default: .so)
//	PKGHOST_TEARDOWN_QUIESCE - Grace period after each Destroy (default: 0)
//	PKGHOST_METRICS_ENABLED  - Enable /metrics endpoint (default: false)
//	PKGHOST_JOURNAL_ENABLED  - Record sessions in the journal (default: false)
//	PKGHOST_JOURNAL_DSN      - Journal database path (default: pkghost.db)
//	PKGHOST_SERVER_ENABLED   - Serve the status API (default: false)
//	PKGHOST_SERVER_HOST      - Server host (default: 127.0.0.1)
//	PKGHOST_SERVER_PORT      - Server port (default: 8086)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads from path when it exists, otherwise from the
// environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies PKGHOST_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Logging configuration
	if v := os.Getenv("PKGHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PKGHOST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Loader configuration
	if v := os.Getenv("PKGHOST_LOADER_KIND"); v != "" {
		cfg.Loader.Kind = v
	}
	if v := os.Getenv("PKGHOST_LOADER_DIR"); v != "" {
		cfg.Loader.Dir = v
	}
	if v := os.Getenv("PKGHOST_LOADER_SUFFIX"); v != "" {
		cfg.Loader.Suffix = v
	}

	// Teardown configuration
	if v := os.Getenv("PKGHOST_TEARDOWN_QUIESCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Teardown.Quiesce = d
		}
	}

	// Metrics configuration
	if v := os.Getenv("PKGHOST_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}

	// Journal configuration
	if v := os.Getenv("PKGHOST_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = parseBool(v)
	}
	if v := os.Getenv("PKGHOST_JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}

	// Server configuration
	if v := os.Getenv("PKGHOST_SERVER_ENABLED"); v != "" {
		cfg.Server.Enabled = parseBool(v)
	}
	if v := os.Getenv("PKGHOST_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PKGHOST_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Loader.Kind == "" {
		cfg.Loader.Kind = LoaderStatic
	}
	if cfg.Loader.Dir == "" {
		cfg.Loader.Dir = "./plugins"
	}
	if cfg.Loader.Suffix == "" {
		cfg.Loader.Suffix = ".so"
	}
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "pkghost.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8086
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for consistency. Cross-package checks
// on the composition are done by Plan.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	switch c.Loader.Kind {
	case LoaderStatic, LoaderPlugin:
	default:
		errs = append(errs, fmt.Errorf("loader.kind: unknown kind %q", c.Loader.Kind))
	}

	seen := make(map[string]bool)
	for i, m := range c.Composition.Modules {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("composition.modules[%d].name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("composition.modules[%d]: duplicate module %q", i, m.Name))
		}
		seen[m.Name] = true
	}

	if c.Teardown.Quiesce < 0 {
		errs = append(errs, errors.New("teardown.quiesce must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

// Catalog returns the built-in catalog with any descriptor overrides from
// composition.descriptors applied.
func (c *Config) Catalog() (*descriptor.Catalog, error) {
	cat := descriptor.BuiltinCatalog()
	if c.Composition.Descriptors == "" {
		return cat, nil
	}

	descs, err := descriptor.ParseDir(c.Composition.Descriptors)
	if err != nil {
		return nil, fmt.Errorf("load descriptors: %w", err)
	}
	for _, d := range descs {
		if err := cat.Override(d); err != nil {
			return nil, fmt.Errorf("override descriptor %s: %w", d.Name, err)
		}
	}
	return cat, nil
}

// Plan resolves the composition against cat. An empty module list yields
// the default plan.
func (c *Config) Plan(cat *descriptor.Catalog) (descriptor.Plan, error) {
	if len(c.Composition.Modules) == 0 {
		return descriptor.DefaultPlan(cat), nil
	}

	specs := make([]descriptor.ModuleSpec, 0, len(c.Composition.Modules))
	for _, m := range c.Composition.Modules {
		params, err := m.ParamBytes()
		if err != nil {
			return descriptor.Plan{}, fmt.Errorf("module %s: %w", m.Name, err)
		}
		specs = append(specs, descriptor.ModuleSpec{
			Name:     m.Name,
			Required: m.Required,
			Params:   params,
			Requires: m.Requires,
		})
	}
	return descriptor.BuildPlan(cat, specs)
}

// ParamBytes re-encodes the params node as YAML. Absent params yield nil.
func (m ModuleConfig) ParamBytes() ([]byte, error) {
	if m.Params.Kind == 0 {
		return nil, nil
	}
	data, err := yaml.Marshal(&m.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
