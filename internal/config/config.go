// Package config handles bctb-mcp configuration: the profile map, profile
// inheritance, environment expansion, and per-flow validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Flow identifies an authentication flow.
type Flow string

const (
	FlowDeviceCode        Flow = "device_code"
	FlowClientCredentials Flow = "client_credentials"
	FlowAzureCLI          Flow = "azure_cli"
)

// DefaultClusterURL is the public Application Insights API endpoint,
// used when a profile does not point at a dedicated cluster.
const DefaultClusterURL = "https://api.applicationinsights.io"

// Defaults applied to resolved profiles.
const (
	DefaultCacheTTLSeconds = 300
	DefaultPort            = 52345
)

// Config is the top-level configuration file structure.
type Config struct {
	// DefaultProfile names the profile activated when the -profile flag
	// is absent.
	DefaultProfile string `yaml:"default_profile"`

	// Profiles maps profile name to its raw (unresolved) definition.
	Profiles map[string]*RawProfile `yaml:"profiles"`

	// LogLevel controls diagnostic verbosity on stderr.
	LogLevel string `yaml:"log_level"`

	// DataDir is where the cache store and query history live.
	// Defaults to ~/.local/share/bctb.
	DataDir string `yaml:"data_dir"`
}

// RawProfile is a profile as written in the config file, before
// inheritance resolution. Optional scalar fields are pointers so that a
// child profile can be distinguished from "not set" during the merge.
type RawProfile struct {
	ConnectionName string   `yaml:"connection_name"`
	AuthFlow       string   `yaml:"auth_flow"`
	TenantID       string   `yaml:"tenant_id"`
	ClientID       string   `yaml:"client_id"`
	ClientSecret   string   `yaml:"client_secret"`
	AppID          string   `yaml:"application_insights_app_id"`
	ClusterURL     string   `yaml:"kusto_cluster_url"`
	CacheEnabled   *bool    `yaml:"cache_enabled"`
	CacheTTL       *int     `yaml:"cache_ttl_seconds"`
	RemovePII      *bool    `yaml:"remove_pii"`
	Port           *int     `yaml:"port"`
	QueriesFolder  string   `yaml:"queries_folder"`
	References     []string `yaml:"references"`
	Extends        string   `yaml:"extends"`
}

// Profile is a fully resolved profile: inheritance flattened, environment
// placeholders expanded, defaults applied. It carries no Extends field —
// resolution consumes it.
type Profile struct {
	Name           string
	ConnectionName string
	AuthFlow       Flow
	TenantID       string
	ClientID       string
	ClientSecret   string
	AppID          string
	ClusterURL     string
	CacheEnabled   bool
	CacheTTL       int // seconds
	RemovePII      bool
	Port           int
	QueriesFolder  string
	References     []string
}

// DefaultSearchPaths returns the config file search order. An explicit
// path (from the -config flag) is checked first by FindConfig.
func DefaultSearchPaths() []string {
	paths := []string{"bctb.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bctb", "config.yaml"))
	}
	paths = append(paths, "/etc/bctb/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing path from DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Load reads a configuration file. Profile fields keep their ${VAR}
// placeholders here; expansion happens per-field during Resolve so that
// inheritance merges the literal config text, not an early expansion.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]*RawProfile{}
	}
	// Top-level settings take their environment values now. Profile
	// fields stay literal: Resolve expands them after the inheritance
	// merge.
	cfg.DefaultProfile = expand(cfg.DefaultProfile)
	cfg.LogLevel = expand(cfg.LogLevel)
	cfg.DataDir = expand(cfg.DataDir)
	return cfg, nil
}

// Default returns a configuration with a single empty profile, suitable
// for env-only deployments where the UI collaborator passes everything
// through BCTB_* variables.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Profiles: map[string]*RawProfile{
			"default": {},
		},
	}
}

// DefaultDataDir returns the fallback data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bctb"
	}
	return filepath.Join(home, ".local", "share", "bctb")
}
