package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/reference"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

// Generator creates a formatted report from an analysis result.
type Generator struct {
	Result   *analyze.Result
	Format   string
	Verbose  bool
	FilePath string

	// Fs receives the report when FilePath is set; Out receives it
	// otherwise. Both default to the real filesystem and stdout.
	Fs  afero.Fs
	Out io.Writer
}

// NewGenerator creates a report generator writing to stdout or, when
// filePath is set, to that file.
func NewGenerator(result *analyze.Result, format string, verbose bool, filePath string) *Generator {
	return &Generator{
		Result:   result,
		Format:   format,
		Verbose:  verbose,
		FilePath: filePath,
		Fs:       afero.NewOsFs(),
		Out:      os.Stdout,
	}
}

// Generate creates and outputs the report in the configured format.
func (g *Generator) Generate() error {
	switch strings.ToLower(g.Format) {
	case "cli":
		return g.generateCLIReport()
	case "json":
		return g.generateJSONReport()
	case "markdown":
		return g.generateMarkdownReport()
	case "sarif":
		return g.generateSARIFReport()
	case "csv":
		return g.generateCSVReport()
	default:
		return fmt.Errorf("unsupported report format: %s", g.Format)
	}
}

// severityOrder lists severities from most to least severe for display.
var severityOrder = []rules.Severity{rules.Error, rules.High, rules.Medium, rules.Warning}

func severityStyles() map[rules.Severity]*color.Color {
	return map[rules.Severity]*color.Color{
		rules.Error:   color.New(color.FgHiMagenta, color.Bold),
		rules.High:    color.New(color.FgHiRed, color.Bold),
		rules.Medium:  color.New(color.FgYellow),
		rules.Warning: color.New(color.FgBlue),
	}
}

func (g *Generator) generateCLIReport() error {
	out := g.Out
	titleStyle := color.New(color.FgHiCyan, color.Bold)
	subtitleStyle := color.New(color.FgCyan, color.Bold)
	infoStyle := color.New(color.FgBlue)
	successStyle := color.New(color.FgGreen, color.Bold)
	styles := severityStyles()

	fmt.Fprintln(out)
	titleStyle.Fprintln(out, "╔═══════════════════════════════════════════╗")
	titleStyle.Fprintln(out, "║           ACTIONGRAPH ANALYSIS            ║")
	titleStyle.Fprintln(out, "╚═══════════════════════════════════════════╝")

	fmt.Fprintln(out)
	subtitleStyle.Fprintln(out, "► ANALYSIS INFORMATION")
	fmt.Fprintln(out, strings.Repeat("━", 49))
	infoStyle.Fprintf(out, "%-20s ", "Repository:")
	fmt.Fprintln(out, g.Result.Repository)
	if g.Result.Ref != "" {
		infoStyle.Fprintf(out, "%-20s ", "Ref:")
		fmt.Fprintln(out, g.Result.Ref)
	}
	infoStyle.Fprintf(out, "%-20s ", "Started:")
	fmt.Fprintln(out, g.Result.StartedAt.Format(time.RFC1123))
	infoStyle.Fprintf(out, "%-20s ", "Duration:")
	fmt.Fprintln(out, g.Result.Duration.Round(time.Millisecond))
	infoStyle.Fprintf(out, "%-20s ", "Workflows Analyzed:")
	fmt.Fprintln(out, g.Result.Summary.WorkflowCount)
	infoStyle.Fprintf(out, "%-20s ", "Actions Analyzed:")
	fmt.Fprintln(out, g.Result.Summary.TotalActions)
	if g.Result.Summary.AnalysisErrors > 0 {
		infoStyle.Fprintf(out, "%-20s ", "Analysis Errors:")
		fmt.Fprintln(out, g.Result.Summary.AnalysisErrors)
	}

	fmt.Fprintln(out)
	subtitleStyle.Fprintln(out, "► SUMMARY")
	fmt.Fprintln(out, strings.Repeat("━", 49))
	g.renderSummaryTable(out)

	if len(g.Result.Actions) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► ACTIONS")
		fmt.Fprintln(out, strings.Repeat("━", 49))
		g.renderActionsTable(out)
	}

	if len(g.Result.Findings) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► FINDINGS")
		fmt.Fprintln(out, strings.Repeat("━", 49))

		count := 0
		for _, severity := range severityOrder {
			group := findingsWithSeverity(g.Result.Findings, severity)
			if len(group) == 0 {
				continue
			}
			fmt.Fprintln(out)
			styles[severity].Fprintf(out, "■ %s SEVERITY FINDINGS\n", string(severity))
			fmt.Fprintln(out, strings.Repeat("─", 49))
			for _, finding := range group {
				count++
				g.printFinding(out, finding, count, infoStyle)
			}
		}
	} else {
		fmt.Fprintln(out)
		successStyle.Fprintln(out, "✅ NO ISSUES FOUND!")
		fmt.Fprintln(out, "No findings were produced for the analyzed workflows.")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("━", 49))
	fmt.Fprintln(out)
	return nil
}

func (g *Generator) renderSummaryTable(out io.Writer) {
	total := len(g.Result.Findings)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Severity", "Count", "Indicator"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_LEFT})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderColor(
		tablewriter.Colors{tablewriter.Bold},
		tablewriter.Colors{tablewriter.Bold},
		tablewriter.Colors{tablewriter.Bold},
	)

	rowColors := map[rules.Severity]tablewriter.Colors{
		rules.Error:   {tablewriter.Bold, tablewriter.FgHiMagentaColor},
		rules.High:    {tablewriter.Bold, tablewriter.FgHiRedColor},
		rules.Medium:  {tablewriter.Bold, tablewriter.FgYellowColor},
		rules.Warning: {tablewriter.Bold, tablewriter.FgBlueColor},
	}
	for _, severity := range severityOrder {
		count := g.Result.Summary.FindingsBySeverity[severity]
		row := []string{string(severity), strconv.Itoa(count), severityBar(count, total, 20)}
		c := rowColors[severity]
		table.Rich(row, []tablewriter.Colors{c, c, {c[len(c)-1]}})
	}
	table.Rich([]string{"TOTAL", strconv.Itoa(total), ""}, []tablewriter.Colors{
		{tablewriter.Bold}, {tablewriter.Bold}, {tablewriter.Normal},
	})
	table.Render()
}

func (g *Generator) renderActionsTable(out io.Writer) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Action", "Mechanism", "Pin", "License", "Findings"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	for _, node := range g.Result.Actions {
		table.Append([]string{
			node.ActionKey,
			orDash(string(node.Mechanism)),
			pinState(node),
			orDash(node.License),
			strconv.Itoa(len(node.Findings)),
		})
	}
	table.Render()
}

func (g *Generator) printFinding(out io.Writer, finding rules.Finding, number int, infoStyle *color.Color) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "[%d] %s (%s)\n", number, finding.RuleName, finding.RuleID)
	if finding.ActionKey != "" {
		infoStyle.Fprintf(out, "  %-12s ", "Action:")
		fmt.Fprintln(out, finding.ActionKey)
	}
	for _, loc := range finding.Locations {
		infoStyle.Fprintf(out, "  %-12s ", "Location:")
		fmt.Fprintln(out, formatLocation(loc))
	}
	if len(finding.Locations) == 0 && finding.SourceFile != "" {
		infoStyle.Fprintf(out, "  %-12s ", "Source:")
		if finding.SourceLine > 0 {
			fmt.Fprintf(out, "%s:%d\n", finding.SourceFile, finding.SourceLine)
		} else {
			fmt.Fprintln(out, finding.SourceFile)
		}
	}
	infoStyle.Fprintf(out, "  %-12s ", "Message:")
	fmt.Fprintln(out, finding.Message)

	if g.Verbose {
		if finding.Evidence != "" {
			infoStyle.Fprintf(out, "  %-12s ", "Evidence:")
			fmt.Fprintln(out, finding.Evidence)
		}
		if finding.Remediation != "" {
			infoStyle.Fprintf(out, "  %-12s ", "Remediation:")
			fmt.Fprintln(out, finding.Remediation)
		}
	}
}

func (g *Generator) generateJSONReport() error {
	data, err := json.MarshalIndent(g.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return g.writeOutput(data, "JSON")
}

func (g *Generator) generateMarkdownReport() error {
	var b strings.Builder

	b.WriteString("# Actiongraph Analysis Report\n\n")
	b.WriteString("## Analysis Information\n\n")
	b.WriteString(fmt.Sprintf("- **Repository:** %s\n", g.Result.Repository))
	if g.Result.Ref != "" {
		b.WriteString(fmt.Sprintf("- **Ref:** %s\n", g.Result.Ref))
	}
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", g.Result.StartedAt.Format(time.RFC1123)))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", g.Result.Duration.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("- **Workflows Analyzed:** %d\n", g.Result.Summary.WorkflowCount))
	b.WriteString(fmt.Sprintf("- **Actions Analyzed:** %d\n", g.Result.Summary.TotalActions))
	if g.Result.Summary.AnalysisErrors > 0 {
		b.WriteString(fmt.Sprintf("- **Analysis Errors:** %d\n", g.Result.Summary.AnalysisErrors))
	}

	b.WriteString("\n## Summary\n\n")
	b.WriteString("| Severity | Count |\n")
	b.WriteString("|----------|-------|\n")
	emojis := map[rules.Severity]string{
		rules.Error:   "⚪",
		rules.High:    "🔴",
		rules.Medium:  "🟡",
		rules.Warning: "🔵",
	}
	for _, severity := range severityOrder {
		b.WriteString(fmt.Sprintf("| %s %s | %d |\n",
			emojis[severity], severity, g.Result.Summary.FindingsBySeverity[severity]))
	}
	b.WriteString(fmt.Sprintf("| **Total** | %d |\n", len(g.Result.Findings)))

	if len(g.Result.Actions) > 0 {
		b.WriteString("\n## Actions\n\n")
		b.WriteString("| Action | Mechanism | Pin | License | Findings |\n")
		b.WriteString("|--------|-----------|-----|---------|----------|\n")
		for _, node := range g.Result.Actions {
			b.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s | %d |\n",
				node.ActionKey, orDash(string(node.Mechanism)), pinState(node),
				orDash(node.License), len(node.Findings)))
		}
	}

	if len(g.Result.Findings) > 0 {
		b.WriteString("\n## Findings\n")
		for _, severity := range severityOrder {
			group := findingsWithSeverity(g.Result.Findings, severity)
			if len(group) == 0 {
				continue
			}
			b.WriteString(fmt.Sprintf("\n### %s %s Severity Findings\n\n", emojis[severity], severity))
			for i, finding := range group {
				b.WriteString(fmt.Sprintf("#### %d. %s (%s)\n\n", i+1, finding.RuleName, finding.RuleID))
				if finding.ActionKey != "" {
					b.WriteString(fmt.Sprintf("- **Action:** `%s`\n", finding.ActionKey))
				}
				for _, loc := range finding.Locations {
					b.WriteString(fmt.Sprintf("- **Location:** `%s`\n", formatLocation(loc)))
				}
				if len(finding.Locations) == 0 && finding.SourceFile != "" {
					b.WriteString(fmt.Sprintf("- **Source:** `%s:%d`\n", finding.SourceFile, finding.SourceLine))
				}
				b.WriteString(fmt.Sprintf("- **Message:** %s\n", finding.Message))
				if g.Verbose {
					if finding.Evidence != "" {
						b.WriteString(fmt.Sprintf("- **Evidence:**\n```\n%s\n```\n", finding.Evidence))
					}
					if finding.Remediation != "" {
						b.WriteString(fmt.Sprintf("- **Remediation:** %s\n", finding.Remediation))
					}
				}
				b.WriteString("\n")
			}
		}
	} else {
		b.WriteString("\n## ✅ No Issues Found\n\n")
		b.WriteString("No findings were produced for the analyzed workflows.\n")
	}

	b.WriteString("\n---\n")
	b.WriteString("Generated by actiongraph - GitHub Actions dependency analyzer\n")

	return g.writeOutput([]byte(b.String()), "Markdown")
}

func (g *Generator) generateCSVReport() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"rule_id", "rule_name", "severity", "category", "action", "workflow", "line", "message"})
	for _, finding := range g.Result.Findings {
		if len(finding.Locations) == 0 {
			w.Write([]string{
				finding.RuleID, finding.RuleName, string(finding.Severity), string(finding.Category),
				finding.ActionKey, finding.SourceFile, lineField(finding.SourceLine), finding.Message,
			})
			continue
		}
		for _, loc := range finding.Locations {
			w.Write([]string{
				finding.RuleID, finding.RuleName, string(finding.Severity), string(finding.Category),
				finding.ActionKey, loc.Workflow, lineField(loc.Line), finding.Message,
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return g.writeOutput(buf.Bytes(), "CSV")
}

// writeOutput sends a rendered report to the configured file or to Out.
func (g *Generator) writeOutput(data []byte, kind string) error {
	if g.FilePath != "" {
		if err := afero.WriteFile(g.Fs, g.FilePath, data, 0o644); err != nil {
			return fmt.Errorf("write %s report to %s: %w", kind, g.FilePath, err)
		}
		fmt.Fprintf(g.Out, "%s report written to %s\n", kind, g.FilePath)
		return nil
	}
	_, err := g.Out.Write(data)
	if err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
		_, err = io.WriteString(g.Out, "\n")
	}
	return err
}

func findingsWithSeverity(findings []rules.Finding, severity rules.Severity) []rules.Finding {
	var out []rules.Finding
	for _, f := range findings {
		if f.Severity == severity {
			out = append(out, f)
		}
	}
	return out
}

func formatLocation(loc rules.WorkflowLocation) string {
	s := loc.Workflow
	if loc.Line > 0 {
		s += ":" + strconv.Itoa(loc.Line)
	}
	if loc.JobID != "" {
		s += " (job " + loc.JobID + ")"
	}
	if loc.Repository != "" {
		s = loc.Repository + " " + s
	}
	return s
}

// pinState classifies how a node's requested ref is pinned.
func pinState(node *analyze.Node) string {
	switch {
	case reference.IsCommitSHA(node.Ref):
		return "pinned"
	case reference.IsMutableTag(node.Ref):
		return "mutable"
	default:
		return "unpinned"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func lineField(line int) string {
	if line <= 0 {
		return ""
	}
	return strconv.Itoa(line)
}

// severityBar renders a proportional bar for the summary table.
func severityBar(count, total, maxLength int) string {
	if total == 0 || count == 0 {
		return ""
	}
	length := int(math.Round(float64(count) / float64(total) * float64(maxLength)))
	if length == 0 {
		length = 1
	}
	return strings.Repeat("█", length)
}
