package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/reference"
	"github.com/actiongraph/actiongraph/pkg/rules"
	"github.com/actiongraph/actiongraph/pkg/workflow"
)

// Progress is one progress update emitted during a repository analysis.
type Progress struct {
	Phase     string `json:"phase"`
	Message   string `json:"message,omitempty"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// ProgressFunc receives progress updates. It runs on the analysis
// goroutine; slow callbacks slow the run.
type ProgressFunc func(Progress)

const (
	PhaseScanningWorkflows = "scanning-workflows"
	PhaseAnalyzingActions  = "analyzing-actions"
)

// WorkflowSummary is the per-workflow portion of a repository result.
type WorkflowSummary struct {
	Path  string   `json:"path"`
	Uses  []string `json:"uses,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Summary aggregates one repository analysis.
type Summary struct {
	TotalActions       int                    `json:"totalActions"`
	WorkflowCount      int                    `json:"workflowCount"`
	FindingsBySeverity map[rules.Severity]int `json:"findingsBySeverity"`
	ActionsWithLicense int                    `json:"actionsWithLicense"`
	ActionsWithAuthors int                    `json:"actionsWithAuthors"`
	AnalysisErrors     int                    `json:"analysisErrors"`
}

// Result is a full repository analysis.
type Result struct {
	Repository     string            `json:"repository"`
	Ref            string            `json:"ref,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	Duration       time.Duration     `json:"duration"`
	Workflows      []WorkflowSummary `json:"workflows,omitempty"`
	Actions        []*Node           `json:"actions,omitempty"`
	Findings       []rules.Finding   `json:"findings,omitempty"`
	FindingsByType map[string]int    `json:"findingsByType,omitempty"`
	Summary        Summary           `json:"summary"`
}

// AnalyzeRepository analyzes every workflow under .github/workflows of the
// given repository at ref (empty ref means the default branch). A
// repository without workflows yields an empty result, not an error; the
// only errors surfaced here are listing failures that leave nothing to
// analyze.
func (a *Analyzer) AnalyzeRepository(ctx context.Context, owner, repo, ref string, progress ProgressFunc) (*Result, error) {
	repository := owner + "/" + repo
	started := time.Now()

	entries, err := a.client.ListDirectory(ctx, owner, repo, ".github/workflows", ref)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			a.log.WithField("repository", repository).Debug("no workflows directory")
			result := a.emptyResult(repository, ref, started)
			result.Duration = time.Since(started)
			return result, nil
		}
		return nil, fmt.Errorf("list workflows of %s: %w", repository, err)
	}

	var files []workflow.File
	for _, entry := range entries {
		if entry.Type != "file" || !isWorkflowFile(entry.Name) {
			continue
		}
		content, err := a.client.GetFileContent(ctx, owner, repo, entry.Path, ref)
		if err != nil {
			a.log.WithError(err).WithField("workflow", entry.Path).Warn("workflow fetch failed")
			files = append(files, workflow.File{Path: entry.Path, Content: nil})
			continue
		}
		files = append(files, workflow.File{Path: entry.Path, Content: []byte(content)})
	}

	result := a.analyzeFiles(ctx, repository, ref, files, progress)
	result.StartedAt = started
	result.Duration = time.Since(started)
	return result, nil
}

// AnalyzeWorkflows runs the same pipeline over workflow files already in
// hand, typically discovered on local disk.
func (a *Analyzer) AnalyzeWorkflows(ctx context.Context, repository, ref string, files []workflow.File, progress ProgressFunc) *Result {
	started := time.Now()
	result := a.analyzeFiles(ctx, repository, ref, files, progress)
	result.StartedAt = started
	result.Duration = time.Since(started)
	return result
}

type uniqueAction struct {
	ref       reference.Reference
	typ       workflow.ReferenceType
	locations []rules.WorkflowLocation
}

func (a *Analyzer) analyzeFiles(ctx context.Context, repository, ref string, files []workflow.File, progress ProgressFunc) *Result {
	result := a.emptyResult(repository, ref, time.Now())
	notify := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	// Scan phase.
	var scans []*workflow.ScanResult
	for i, file := range files {
		notify(Progress{Phase: PhaseScanningWorkflows, Message: file.Path, Processed: i, Total: len(files)})

		if file.Content == nil {
			result.Workflows = append(result.Workflows, WorkflowSummary{Path: file.Path, Error: "content unavailable"})
			continue
		}
		scan := workflow.Scan(repository, file.Path, file.Content)
		scans = append(scans, scan)

		summary := WorkflowSummary{Path: file.Path, Error: scan.Error}
		for _, uref := range scan.References {
			summary.Uses = append(summary.Uses, uref.Raw)
		}
		result.Workflows = append(result.Workflows, summary)
	}
	notify(Progress{Phase: PhaseScanningWorkflows, Processed: len(files), Total: len(files)})

	// Unique action extraction, insertion ordered.
	var uniques []*uniqueAction
	index := make(map[string]int)
	for _, scan := range scans {
		for _, uref := range scan.References {
			if uref.Reference.Kind != reference.Remote {
				continue
			}
			loc := rules.WorkflowLocation{
				Repository: repository,
				Workflow:   scan.Path,
				Line:       uref.Line,
				JobID:      uref.JobID,
			}
			key := uref.Reference.Key()
			if i, ok := index[key]; ok {
				uniques[i].locations = append(uniques[i].locations, loc)
				continue
			}
			index[key] = len(uniques)
			uniques = append(uniques, &uniqueAction{
				ref:       uref.Reference,
				typ:       uref.Type,
				locations: []rules.WorkflowLocation{loc},
			})
		}
	}

	// Analysis phase, strictly sequential.
	nodes := make([]*Node, len(uniques))
	for i, ua := range uniques {
		notify(Progress{Phase: PhaseAnalyzingActions, Message: ua.ref.Key(), Processed: i, Total: len(uniques)})
		nodes[i] = a.AnalyzeAction(ctx, ua.ref, ua.typ, ua.locations)
	}
	notify(Progress{Phase: PhaseAnalyzingActions, Processed: len(uniques), Total: len(uniques)})

	a.enrich(ctx, nodes)

	result.Actions = nodes
	result.Findings = a.collectFindings(repository, scans, uniques, nodes)
	result.FindingsByType = rules.CountByRule(result.Findings)
	result.Summary = summarize(len(files), nodes, result.Findings)
	return result
}

// collectFindings flattens workflow-level findings and every node finding
// across the analysis trees into one list.
func (a *Analyzer) collectFindings(repository string, scans []*workflow.ScanResult, uniques []*uniqueAction, nodes []*Node) []rules.Finding {
	var findings []rules.Finding

	for _, scan := range scans {
		for _, uref := range scan.References {
			if uref.Reference.Kind != reference.Docker {
				continue
			}
			loc := rules.WorkflowLocation{
				Repository: repository,
				Workflow:   scan.Path,
				Line:       uref.Line,
				JobID:      uref.JobID,
			}
			findings = append(findings, rules.CheckDockerImage(uref.Reference.Image, "", &loc)...)
		}

		for _, cmd := range scan.Commands {
			for _, f := range rules.CheckCommand(cmd.Script, rules.ContextWorkflow, "") {
				f.SourceFile = scan.Path
				if f.SourceLine > 0 {
					f.SourceLine = cmd.Line + f.SourceLine - 1
				} else {
					f.SourceLine = cmd.Line
				}
				f.Locations = []rules.WorkflowLocation{{
					Repository: repository,
					Workflow:   scan.Path,
					Line:       f.SourceLine,
					JobID:      cmd.JobID,
				}}
				findings = append(findings, f)
			}
		}
	}

	// Pin findings for references whose analysis never reached the pin
	// checks, so unresolvable actions still surface as unpinned.
	for i, ua := range uniques {
		if nodes[i] != nil && nodeHasPinFinding(nodes[i]) {
			continue
		}
		findings = append(findings, rules.CheckReferencePin(ua.ref, ua.locations)...)
	}

	walkNodes(nodes, func(n *Node) {
		findings = append(findings, n.Findings...)
	})
	return findings
}

func nodeHasPinFinding(n *Node) bool {
	for _, f := range n.Findings {
		if f.RuleID == rules.RuleUnpinnedAction || f.RuleID == rules.RuleMutableTag {
			return true
		}
	}
	return false
}

func summarize(workflowCount int, nodes []*Node, findings []rules.Finding) Summary {
	summary := Summary{
		TotalActions:       len(nodes),
		WorkflowCount:      workflowCount,
		FindingsBySeverity: rules.CountBySeverity(findings),
	}
	for _, n := range nodes {
		if n.License != "" {
			summary.ActionsWithLicense++
		}
		if len(n.Authors) > 0 {
			summary.ActionsWithAuthors++
		}
	}
	walkNodes(nodes, func(n *Node) {
		if n.Error != "" {
			summary.AnalysisErrors++
		}
	})
	return summary
}

func (a *Analyzer) emptyResult(repository, ref string, started time.Time) *Result {
	return &Result{
		Repository:     repository,
		Ref:            ref,
		StartedAt:      started,
		FindingsByType: map[string]int{},
		Summary:        Summary{FindingsBySeverity: map[rules.Severity]int{}},
	}
}

func isWorkflowFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}
