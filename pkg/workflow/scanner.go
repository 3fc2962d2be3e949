package workflow

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/actiongraph/actiongraph/pkg/reference"
)

// ReferenceType distinguishes step-level action uses from job-level
// reusable workflow calls.
type ReferenceType string

const (
	TypeAction           ReferenceType = "action"
	TypeReusableWorkflow ReferenceType = "reusable-workflow"
)

// UsesReference is one uses: occurrence inside a workflow file.
type UsesReference struct {
	Raw       string              `json:"raw"`
	Reference reference.Reference `json:"reference"`
	Line      int                 `json:"line"`
	JobID     string              `json:"jobId,omitempty"`
	StepIndex int                 `json:"stepIndex"`
	Type      ReferenceType       `json:"type"`
}

// RunCommand is one run: script inside a workflow file.
type RunCommand struct {
	Script    string `json:"script"`
	Line      int    `json:"line"`
	JobID     string `json:"jobId,omitempty"`
	StepIndex int    `json:"stepIndex"`
}

// ScanResult is the outcome of scanning one workflow file. A YAML parse
// failure leaves Error set and the reference list empty; scanning never
// fails hard.
type ScanResult struct {
	Repository string          `json:"repository"`
	Path       string          `json:"path"`
	Document   *yaml.Node      `json:"-"`
	References []UsesReference `json:"usesReferences"`
	Commands   []RunCommand    `json:"-"`
	Error      string          `json:"error,omitempty"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Normalize strips a UTF-8 byte order mark and converts CRLF line endings
// to LF so that YAML parsing and line numbering behave the same for files
// authored on any platform.
func Normalize(content []byte) []byte {
	content = bytes.TrimPrefix(content, utf8BOM)
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

// Scan extracts every uses: reference and run: command from a workflow
// file, keeping source line numbers. Content retrieval is the caller's
// job. Malformed YAML degrades to a result with Error set.
func Scan(repository, path string, content []byte) *ScanResult {
	result := &ScanResult{Repository: repository, Path: path}

	var doc yaml.Node
	if err := yaml.Unmarshal(Normalize(content), &doc); err != nil {
		result.Error = fmt.Sprintf("parse %s: %v", path, err)
		return result
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return result
	}
	result.Document = &doc

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return result
	}

	if jobs := mapValue(root, "jobs"); jobs != nil && jobs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(jobs.Content); i += 2 {
			jobID := jobs.Content[i].Value
			job := jobs.Content[i+1]
			if job.Kind != yaml.MappingNode {
				continue
			}
			// Job-level uses: is a reusable workflow call.
			if uses := mapValue(job, "uses"); uses != nil {
				result.References = append(result.References,
					newUsesReference(uses, jobID, -1, TypeReusableWorkflow))
			}
			if steps := mapValue(job, "steps"); steps != nil && steps.Kind == yaml.SequenceNode {
				result.collectSteps(steps, jobID)
			}
		}
	}

	// Composite action manifests keep their steps under runs:, so the
	// same scanner serves both workflows and manifests.
	if runs := mapValue(root, "runs"); runs != nil && runs.Kind == yaml.MappingNode {
		if steps := mapValue(runs, "steps"); steps != nil && steps.Kind == yaml.SequenceNode {
			result.collectSteps(steps, "")
		}
	}

	return result
}

func (r *ScanResult) collectSteps(steps *yaml.Node, jobID string) {
	for idx, step := range steps.Content {
		if step.Kind != yaml.MappingNode {
			continue
		}
		if uses := mapValue(step, "uses"); uses != nil {
			r.References = append(r.References,
				newUsesReference(uses, jobID, idx, TypeAction))
		}
		if run := mapValue(step, "run"); run != nil && run.Kind == yaml.ScalarNode && run.Value != "" {
			r.Commands = append(r.Commands, RunCommand{
				Script:    run.Value,
				Line:      run.Line,
				JobID:     jobID,
				StepIndex: idx,
			})
		}
	}
}

func newUsesReference(node *yaml.Node, jobID string, stepIndex int, typ ReferenceType) UsesReference {
	// A non-scalar uses: value is malformed; classify its absence.
	raw := ""
	if node.Kind == yaml.ScalarNode {
		raw = node.Value
	}
	return UsesReference{
		Raw:       raw,
		Reference: reference.Parse(raw),
		Line:      node.Line,
		JobID:     jobID,
		StepIndex: stepIndex,
		Type:      typ,
	}
}

// mapValue returns the value node for key in a YAML mapping, or nil.
func mapValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
