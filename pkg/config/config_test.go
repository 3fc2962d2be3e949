package config_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/config"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

func TestLoadDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := config.Load(fs, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Analysis.MaxDepth != analyze.DefaultMaxDepth {
		t.Errorf("default max depth = %d, want %d", cfg.Analysis.MaxDepth, analyze.DefaultMaxDepth)
	}
}

func TestLoadFindsConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `version: "1"
output:
  format: json
  min_severity: HIGH
analysis:
  max_depth: 5
`
	if err := afero.WriteFile(fs, ".actiongraph.yml", []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(fs, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Output.Format != "json" {
		t.Errorf("format = %q, want json", cfg.Output.Format)
	}
	if cfg.Output.MinSeverity != "HIGH" {
		t.Errorf("min_severity = %q, want HIGH", cfg.Output.MinSeverity)
	}
	if cfg.Analysis.MaxDepth != 5 {
		t.Errorf("max_depth = %d, want 5", cfg.Analysis.MaxDepth)
	}
	// Unset fields keep their defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr = %q, want :8080", cfg.Server.Addr)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/actiongraph/conf.yaml", []byte("version: \"1\"\nserver:\n  addr: \":9191\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(fs, "/etc/actiongraph/conf.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9191" {
		t.Errorf("server addr = %q, want :9191", cfg.Server.Addr)
	}

	if _, err := config.Load(fs, "/etc/actiongraph/missing.yaml"); err == nil {
		t.Error("Load with a missing explicit path succeeded, want error")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad yaml",
			content: "version: [",
			wantErr: "parse config file",
		},
		{
			name:    "unknown version",
			content: "version: \"2\"\n",
			wantErr: "unsupported config version",
		},
		{
			name:    "bad severity",
			content: "output:\n  min_severity: SEVERE\n",
			wantErr: "invalid min_severity",
		},
		{
			name:    "negative depth",
			content: "analysis:\n  max_depth: -1\n",
			wantErr: "max_depth must not be negative",
		},
		{
			name:    "bad ignore glob",
			content: "rules:\n  ignore:\n    workflows: [\"[\"]\n",
			wantErr: "invalid ignore pattern",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if err := afero.WriteFile(fs, "/cfg.yml", []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := config.Load(fs, "/cfg.yml")
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.Rules.Disabled = []string{rules.RuleUnpinnedPackageInstall}
	cfg.Output.Format = "sarif"

	if err := config.Save(fs, cfg, "/saved.yml"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := config.Load(fs, "/saved.yml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg.Rules.Disabled, loaded.Rules.Disabled); diff != "" {
		t.Errorf("disabled rules mismatch (-want +got):\n%s", diff)
	}
	if loaded.Output.Format != "sarif" {
		t.Errorf("format = %q, want sarif", loaded.Output.Format)
	}
	if loaded.Analysis.MaxDepth != cfg.Analysis.MaxDepth {
		t.Errorf("max_depth = %d, want %d", loaded.Analysis.MaxDepth, cfg.Analysis.MaxDepth)
	}
}

func TestApplyEnvironment(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyEnvironment(config.Environment{
		Format:      "markdown",
		MinSeverity: "HIGH",
		MaxDepth:    7,
		CacheDir:    "/tmp/actiongraph",
		ServerAddr:  ":9090",
	})

	if cfg.Output.Format != "markdown" {
		t.Errorf("format = %q, want markdown", cfg.Output.Format)
	}
	if cfg.Output.MinSeverity != "HIGH" {
		t.Errorf("min_severity = %q, want HIGH", cfg.Output.MinSeverity)
	}
	if cfg.Analysis.MaxDepth != 7 {
		t.Errorf("max_depth = %d, want 7", cfg.Analysis.MaxDepth)
	}
	if cfg.Analysis.CacheDir != "/tmp/actiongraph" {
		t.Errorf("cache_dir = %q, want /tmp/actiongraph", cfg.Analysis.CacheDir)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server addr = %q, want :9090", cfg.Server.Addr)
	}

	// Empty overrides leave the config untouched.
	cfg.ApplyEnvironment(config.Environment{})
	if cfg.Output.Format != "markdown" || cfg.Analysis.MaxDepth != 7 {
		t.Error("empty environment changed the config")
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("ACTIONGRAPH_MAX_DEPTH", "4")
	t.Setenv("ACTIONGRAPH_LOG_LEVEL", "debug")

	e, err := config.LoadEnvironment()
	if err != nil {
		t.Fatalf("LoadEnvironment: %v", err)
	}
	if e.Token != "ghp_test" {
		t.Errorf("token = %q, want ghp_test", e.Token)
	}
	if e.MaxDepth != 4 {
		t.Errorf("max depth = %d, want 4", e.MaxDepth)
	}
	if e.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", e.LogLevel)
	}
}

func TestIsRuleEnabled(t *testing.T) {
	tests := []struct {
		name   string
		rules  config.Rules
		ruleID string
		want   bool
	}{
		{
			name:   "everything enabled by default",
			ruleID: rules.RuleUnpinnedAction,
			want:   true,
		},
		{
			name:   "disabled list wins",
			rules:  config.Rules{Disabled: []string{rules.RuleUnpinnedAction}},
			ruleID: rules.RuleUnpinnedAction,
			want:   false,
		},
		{
			name:   "enabled list is exclusive",
			rules:  config.Rules{Enabled: []string{rules.RuleMutableTag}},
			ruleID: rules.RuleUnpinnedAction,
			want:   false,
		},
		{
			name:   "enabled list admits its members",
			rules:  config.Rules{Enabled: []string{rules.RuleMutableTag}},
			ruleID: rules.RuleMutableTag,
			want:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Rules = tc.rules
			if got := cfg.IsRuleEnabled(tc.ruleID); got != tc.want {
				t.Errorf("IsRuleEnabled(%q) = %v, want %v", tc.ruleID, got, tc.want)
			}
		})
	}
}

func TestIgnoreGlobs(t *testing.T) {
	cfg := config.Default()
	cfg.Rules.Ignore = config.Ignore{
		Actions:   []string{"octo/*@main", "internal-tools/**"},
		Workflows: []string{"docs/**", "release.yml"},
	}

	actionTests := []struct {
		key  string
		want bool
	}{
		{key: "octo/tool@main", want: true},
		{key: "octo/tool@v4", want: false},
		{key: "internal-tools/lint@v1", want: true},
		{key: "actions/checkout@v4", want: false},
	}
	for _, tc := range actionTests {
		if got := cfg.ShouldIgnoreAction(tc.key); got != tc.want {
			t.Errorf("ShouldIgnoreAction(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}

	workflowTests := []struct {
		path string
		want bool
	}{
		{path: "docs/preview.yml", want: true},
		{path: "release.yml", want: true},
		{path: ".github/workflows/release.yml", want: true},
		{path: ".github/workflows/ci.yml", want: false},
	}
	for _, tc := range workflowTests {
		if got := cfg.ShouldIgnoreWorkflow(tc.path); got != tc.want {
			t.Errorf("ShouldIgnoreWorkflow(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilterFindings(t *testing.T) {
	cfg := config.Default()
	cfg.Rules.Disabled = []string{rules.RuleUnpinnedPackageInstall}
	cfg.Rules.Ignore = config.Ignore{
		Actions:   []string{"trusted/*@*"},
		Workflows: []string{"docs/**"},
	}
	cfg.Output.MinSeverity = "MEDIUM"

	findings := []rules.Finding{
		{
			RuleID:   rules.RuleMutableTag,
			Severity: rules.High,
			Locations: []rules.WorkflowLocation{
				{Workflow: ".github/workflows/ci.yml", Line: 10},
			},
		},
		{
			// Disabled rule.
			RuleID:   rules.RuleUnpinnedPackageInstall,
			Severity: rules.Medium,
		},
		{
			// Ignored action.
			RuleID:    rules.RuleUnpinnedAction,
			Severity:  rules.Medium,
			ActionKey: "trusted/lint@v2",
		},
		{
			// All locations ignored.
			RuleID:   rules.RuleUnpinnedAction,
			Severity: rules.Medium,
			Locations: []rules.WorkflowLocation{
				{Workflow: "docs/preview.yml"},
				{Workflow: "docs/build.yml"},
			},
		},
		{
			// One location survives, so the finding stays.
			RuleID:   rules.RuleUnpinnedAction,
			Severity: rules.Medium,
			Locations: []rules.WorkflowLocation{
				{Workflow: "docs/preview.yml"},
				{Workflow: ".github/workflows/ci.yml"},
			},
		},
		{
			// Below the minimum severity.
			RuleID:   rules.RuleMetadataUnavailable,
			Severity: rules.Warning,
		},
	}

	got := cfg.FilterFindings(findings)
	var gotIDs []string
	for _, f := range got {
		gotIDs = append(gotIDs, f.RuleID)
	}
	want := []string{rules.RuleMutableTag, rules.RuleUnpinnedAction}
	if diff := cmp.Diff(want, gotIDs); diff != "" {
		t.Errorf("filtered rule IDs mismatch (-want +got):\n%s", diff)
	}
}
