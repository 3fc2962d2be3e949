package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

// Config file names searched when --config is not given, in order, in the
// working directory and then the home directory.
var configFileNames = []string{".actiongraph.yml", ".actiongraph.yaml"}

// Config is the complete actiongraph configuration.
type Config struct {
	Version  string   `yaml:"version" json:"version"`
	Rules    Rules    `yaml:"rules" json:"rules"`
	Output   Output   `yaml:"output" json:"output"`
	Analysis Analysis `yaml:"analysis" json:"analysis"`
	Server   Server   `yaml:"server" json:"server"`
}

// Rules selects and filters the built-in rules.
type Rules struct {
	Enabled  []string `yaml:"enabled" json:"enabled"`
	Disabled []string `yaml:"disabled" json:"disabled"`
	Ignore   Ignore   `yaml:"ignore" json:"ignore"`
}

// Ignore drops findings after analysis. Patterns are doublestar globs;
// action patterns match action keys (owner/repo@ref), workflow patterns
// match workflow file paths.
type Ignore struct {
	Actions   []string `yaml:"actions" json:"actions"`
	Workflows []string `yaml:"workflows" json:"workflows"`
}

// Output configures report generation.
type Output struct {
	Format      string `yaml:"format" json:"format"` // "cli", "json", "markdown", "sarif", "csv"
	File        string `yaml:"file,omitempty" json:"file,omitempty"`
	MinSeverity string `yaml:"min_severity" json:"min_severity"`
}

// Analysis configures the dependency resolver.
type Analysis struct {
	MaxDepth int    `yaml:"max_depth" json:"max_depth"`
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
}

// Server configures serve mode.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Environment carries the process-environment overrides. GITHUB_TOKEN is
// kept here rather than in Config so it never round-trips through a file.
type Environment struct {
	Token       string `env:"GITHUB_TOKEN"`
	LogLevel    string `env:"ACTIONGRAPH_LOG_LEVEL"`
	LogFormat   string `env:"ACTIONGRAPH_LOG_FORMAT"`
	Format      string `env:"ACTIONGRAPH_FORMAT"`
	OutputFile  string `env:"ACTIONGRAPH_OUTPUT"`
	MinSeverity string `env:"ACTIONGRAPH_MIN_SEVERITY"`
	MaxDepth    int    `env:"ACTIONGRAPH_MAX_DEPTH"`
	CacheDir    string `env:"ACTIONGRAPH_CACHE_DIR"`
	ServerAddr  string `env:"ACTIONGRAPH_SERVER_ADDR"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Version: "1",
		Output: Output{
			Format:      "cli",
			MinSeverity: string(rules.Warning),
		},
		Analysis: Analysis{
			MaxDepth: analyze.DefaultMaxDepth,
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Load reads the configuration. An explicit path must exist; with an empty
// path the usual file names are searched and defaults are returned when
// nothing is found. Environment overrides are not applied here.
func Load(fs afero.Fs, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = findConfigFile(fs)
	}
	if path == "" {
		return Default(), nil
	}

	content, err := afero.ReadFile(fs, path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(fs afero.Fs, cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadEnvironment parses the process environment.
func LoadEnvironment() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return Environment{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// ApplyEnvironment overlays the set environment values onto the config.
func (c *Config) ApplyEnvironment(e Environment) {
	if e.Format != "" {
		c.Output.Format = e.Format
	}
	if e.OutputFile != "" {
		c.Output.File = e.OutputFile
	}
	if e.MinSeverity != "" {
		c.Output.MinSeverity = e.MinSeverity
	}
	if e.MaxDepth > 0 {
		c.Analysis.MaxDepth = e.MaxDepth
	}
	if e.CacheDir != "" {
		c.Analysis.CacheDir = e.CacheDir
	}
	if e.ServerAddr != "" {
		c.Server.Addr = e.ServerAddr
	}
}

func findConfigFile(fs afero.Fs) string {
	for _, name := range configFileNames {
		if _, err := fs.Stat(name); err == nil {
			return name
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range configFileNames {
			path := filepath.Join(home, name)
			if _, err := fs.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Version {
	case "":
		c.Version = "1"
	case "1":
	default:
		return fmt.Errorf("unsupported config version %q", c.Version)
	}

	if s := c.Output.MinSeverity; s != "" && !isValidSeverity(s) {
		return fmt.Errorf("invalid min_severity %q", s)
	}
	if c.Analysis.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative, got %d", c.Analysis.MaxDepth)
	}

	patterns := append(append([]string{}, c.Rules.Ignore.Actions...), c.Rules.Ignore.Workflows...)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	return nil
}

func isValidSeverity(s string) bool {
	switch rules.Severity(strings.ToUpper(s)) {
	case rules.Warning, rules.Medium, rules.High, rules.Error:
		return true
	}
	return false
}

// IsRuleEnabled reports whether a rule is active. A non-empty enabled list
// is exclusive; otherwise everything not in the disabled list runs.
func (c *Config) IsRuleEnabled(ruleID string) bool {
	if len(c.Rules.Enabled) > 0 {
		for _, id := range c.Rules.Enabled {
			if id == ruleID {
				return true
			}
		}
		return false
	}
	for _, id := range c.Rules.Disabled {
		if id == ruleID {
			return false
		}
	}
	return true
}

// ShouldIgnoreAction reports whether an action key matches an ignore glob.
func (c *Config) ShouldIgnoreAction(actionKey string) bool {
	return matchAny(c.Rules.Ignore.Actions, actionKey)
}

// ShouldIgnoreWorkflow reports whether a workflow path matches an ignore
// glob.
func (c *Config) ShouldIgnoreWorkflow(path string) bool {
	return matchAny(c.Rules.Ignore.Workflows, filepath.ToSlash(path))
}

// FilterFindings applies rule selection, ignore globs and the minimum
// severity to a finding list. A finding with workflow locations is dropped
// only when every location is ignored.
func (c *Config) FilterFindings(findings []rules.Finding) []rules.Finding {
	var out []rules.Finding
	for _, f := range findings {
		if !c.IsRuleEnabled(f.RuleID) {
			continue
		}
		if f.ActionKey != "" && c.ShouldIgnoreAction(f.ActionKey) {
			continue
		}
		if len(f.Locations) > 0 && c.allLocationsIgnored(f.Locations) {
			continue
		}
		out = append(out, f)
	}
	return rules.FilterBySeverity(out, rules.Severity(strings.ToUpper(c.Output.MinSeverity)))
}

func (c *Config) allLocationsIgnored(locations []rules.WorkflowLocation) bool {
	if len(c.Rules.Ignore.Workflows) == 0 {
		return false
	}
	for _, loc := range locations {
		if !c.ShouldIgnoreWorkflow(loc.Workflow) {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, subject string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		normalized := filepath.ToSlash(pattern)
		candidates := []string{normalized}
		// A bare pattern also matches anywhere in the tree.
		if !strings.HasPrefix(normalized, "**/") && !strings.HasPrefix(normalized, "/") {
			candidates = append(candidates, "**/"+normalized)
		}
		for _, candidate := range candidates {
			if matched, err := doublestar.Match(candidate, subject); err == nil && matched {
				return true
			}
		}
	}
	return false
}
