package policies

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/spf13/afero"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

// Query is the entrypoint every policy module must populate: each member
// of data.actiongraph.deny becomes one finding.
const Query = "data.actiongraph.deny[x]"

// Engine evaluates rego policies against analysis results.
type Engine struct {
	fs    afero.Fs
	files []string
}

// NewEngine creates a policy engine over the given policy files.
func NewEngine(fs afero.Fs, policyFiles []string) *Engine {
	return &Engine{fs: fs, files: policyFiles}
}

// LoadPolicyFiles resolves a policy path to the .rego files beneath it.
// A directory is walked recursively; a plain path must name a .rego file.
func LoadPolicyFiles(fs afero.Fs, policyPath string) ([]string, error) {
	info, err := fs.Stat(policyPath)
	if err != nil {
		return nil, fmt.Errorf("access policy path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = afero.Walk(fs, policyPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(path) == ".rego" {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk policy directory: %w", err)
		}
	} else {
		if filepath.Ext(policyPath) != ".rego" {
			return nil, fmt.Errorf("policy file %s must have a .rego extension", policyPath)
		}
		files = append(files, policyPath)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found at %s", policyPath)
	}
	return files, nil
}

// EvaluateResult runs every policy against a JSON-shaped view of the
// result, so policies address the same field names the JSON report shows.
func (e *Engine) EvaluateResult(ctx context.Context, result *analyze.Result) ([]rules.Finding, error) {
	if len(e.files) == 0 {
		return nil, nil
	}

	input, err := resultInput(result)
	if err != nil {
		return nil, err
	}

	var findings []rules.Finding
	for _, file := range e.files {
		fileFindings, err := e.evaluateFile(ctx, file, input)
		if err != nil {
			return nil, fmt.Errorf("evaluate policy %s: %w", file, err)
		}
		findings = append(findings, fileFindings...)
	}
	return findings, nil
}

// Apply evaluates the policies and appends the violations to the result,
// keeping its severity and rule tallies consistent. It returns the number
// of findings appended.
func (e *Engine) Apply(ctx context.Context, result *analyze.Result) (int, error) {
	findings, err := e.EvaluateResult(ctx, result)
	if err != nil {
		return 0, err
	}
	if len(findings) == 0 {
		return 0, nil
	}

	result.Findings = append(result.Findings, findings...)
	if result.Summary.FindingsBySeverity == nil {
		result.Summary.FindingsBySeverity = make(map[rules.Severity]int)
	}
	if result.FindingsByType == nil {
		result.FindingsByType = make(map[string]int)
	}
	for _, f := range findings {
		result.Summary.FindingsBySeverity[f.Severity]++
		result.FindingsByType[f.RuleID]++
	}
	return len(findings), nil
}

func resultInput(result *analyze.Result) (map[string]any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result for policy input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decode result for policy input: %w", err)
	}
	return input, nil
}

func (e *Engine) evaluateFile(ctx context.Context, file string, input map[string]any) ([]rules.Finding, error) {
	content, err := afero.ReadFile(e.fs, file)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	r := rego.New(
		rego.Query(Query),
		rego.Module(filepath.Base(file), string(content)),
		rego.Input(input),
	)
	rs, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var findings []rules.Finding
	for _, result := range rs {
		if v, ok := result.Bindings["x"]; ok {
			findings = append(findings, convertViolation(v))
			continue
		}
		for _, expr := range result.Expressions {
			switch value := expr.Value.(type) {
			case []any:
				for _, v := range value {
					findings = append(findings, convertViolation(v))
				}
			case map[string]any:
				findings = append(findings, convertViolation(value))
			}
		}
	}
	return findings, nil
}

// convertViolation maps one deny-set member to a finding. Policies may
// set id, name, severity, message, action, workflow, line, evidence and
// remediation; everything else gets a default.
func convertViolation(v any) rules.Finding {
	violation, ok := v.(map[string]any)
	if !ok {
		return rules.Finding{
			RuleID:   "POLICY_VIOLATION",
			RuleName: "Custom Policy Violation",
			Severity: rules.Medium,
			Category: rules.Policy,
			Message:  fmt.Sprintf("%v", v),
		}
	}

	id := stringField(violation, "id")
	if id == "" {
		id = "POLICY_VIOLATION"
	}
	name := stringField(violation, "name")
	if name == "" {
		name = "Custom Policy Violation"
	}
	message := stringField(violation, "message")
	if message == "" {
		message = stringField(violation, "description")
	}
	if message == "" {
		message = "analysis result violates a custom policy rule"
	}

	finding := rules.Finding{
		RuleID:      id,
		RuleName:    name,
		Severity:    parseSeverity(stringField(violation, "severity")),
		Category:    rules.Policy,
		Message:     message,
		ActionKey:   stringField(violation, "action"),
		Evidence:    stringField(violation, "evidence"),
		Remediation: stringField(violation, "remediation"),
	}

	if workflow := stringField(violation, "workflow"); workflow != "" {
		location := rules.WorkflowLocation{
			Workflow: workflow,
			Line:     intField(violation, "line"),
		}
		finding.Locations = []rules.WorkflowLocation{location}
	}
	return finding
}

func stringField(violation map[string]any, key string) string {
	s, _ := violation[key].(string)
	return s
}

// intField reads a numeric violation field. Rego hands numbers back as
// json.Number; re-marshaled inputs carry float64.
func intField(violation map[string]any, key string) int {
	switch n := violation[key].(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func parseSeverity(s string) rules.Severity {
	switch rules.Severity(s) {
	case rules.High:
		return rules.High
	case rules.Medium:
		return rules.Medium
	case rules.Warning:
		return rules.Warning
	case rules.Error:
		return rules.Error
	default:
		return rules.Medium
	}
}

const examplePolicy = `package actiongraph

import rego.v1

# Policies receive the JSON analysis result as input. Each member added
# to the deny set becomes one finding; recognized violation fields are
# id, name, severity (HIGH|MEDIUM|WARNING|ERROR), message, action,
# workflow, line, evidence and remediation.

# Deny actions that are not pinned to a full commit SHA.
deny contains violation if {
	some action in input.actions
	not regex.match("^[0-9a-f]{40}$", action.ref)
	violation := {
		"id": "POLICY_UNPINNED_ACTION",
		"name": "Action Not Pinned to SHA",
		"severity": "HIGH",
		"message": sprintf("%s is not pinned to a commit SHA", [action.actionKey]),
		"action": action.actionKey,
		"remediation": "Pin the reference to a full commit SHA",
	}
}

# Deny analyses that exceed a HIGH finding budget.
deny contains violation if {
	high := input.summary.findingsBySeverity.HIGH
	high > 5
	violation := {
		"id": "POLICY_HIGH_FINDING_BUDGET",
		"name": "High Finding Budget Exceeded",
		"severity": "ERROR",
		"message": sprintf("analysis produced %d HIGH findings (budget 5)", [high]),
	}
}

# Deny actions without a detectable license.
deny contains violation if {
	some action in input.actions
	not action.license
	violation := {
		"id": "POLICY_UNLICENSED_ACTION",
		"name": "Action Without License",
		"severity": "WARNING",
		"message": sprintf("%s has no detectable license", [action.actionKey]),
		"action": action.actionKey,
	}
}
`

// CreateExamplePolicy writes a commented starter policy to filePath.
func CreateExamplePolicy(fs afero.Fs, filePath string) error {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create policy directory: %w", err)
		}
	}
	if err := afero.WriteFile(fs, filePath, []byte(examplePolicy), 0o644); err != nil {
		return fmt.Errorf("write example policy: %w", err)
	}
	return nil
}
