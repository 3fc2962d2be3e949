package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/rules"
)

// SARIF is a Static Analysis Results Interchange Format report, following
// the SARIF v2.1.0 specification.
type SARIF struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []SARIFRun `json:"runs"`
}

// SARIFRun is a single analysis run.
type SARIFRun struct {
	Tool       SARIFTool       `json:"tool"`
	Invocation SARIFInvocation `json:"invocation"`
	Results    []SARIFResult   `json:"results"`
	ColumnKind string          `json:"columnKind,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// SARIFTool identifies the analyzer that produced the run.
type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

// SARIFDriver carries tool metadata and the rule catalog.
type SARIFDriver struct {
	Name            string      `json:"name"`
	Version         string      `json:"version,omitempty"`
	InformationURI  string      `json:"informationUri,omitempty"`
	FullName        string      `json:"fullName,omitempty"`
	SemanticVersion string      `json:"semanticVersion,omitempty"`
	Rules           []SARIFRule `json:"rules,omitempty"`
}

// SARIFRule is one rule definition.
type SARIFRule struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name,omitempty"`
	ShortDescription     SARIFMessage           `json:"shortDescription"`
	FullDescription      SARIFMessage           `json:"fullDescription"`
	DefaultConfiguration SARIFRuleConfiguration `json:"defaultConfiguration"`
	Properties           map[string]any         `json:"properties,omitempty"`
}

// SARIFRuleConfiguration holds the default reporting level of a rule.
type SARIFRuleConfiguration struct {
	Level string `json:"level"`
}

// SARIFInvocation describes when the run happened.
type SARIFInvocation struct {
	StartTimeUTC        string `json:"startTimeUtc"`
	EndTimeUTC          string `json:"endTimeUtc"`
	ExecutionSuccessful bool   `json:"executionSuccessful"`
}

// SARIFResult is a single finding.
type SARIFResult struct {
	RuleID              string            `json:"ruleId"`
	RuleIndex           int               `json:"ruleIndex"`
	Level               string            `json:"level"`
	Message             SARIFMessage      `json:"message"`
	Locations           []SARIFLocation   `json:"locations"`
	PartialFingerprints map[string]string `json:"partialFingerprints,omitempty"`
	Properties          map[string]any    `json:"properties,omitempty"`
}

// SARIFMessage is a human-readable message.
type SARIFMessage struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown,omitempty"`
}

// SARIFLocation points at one place a result applies to.
type SARIFLocation struct {
	PhysicalLocation SARIFPhysicalLocation  `json:"physicalLocation"`
	LogicalLocations []SARIFLogicalLocation `json:"logicalLocations,omitempty"`
}

// SARIFPhysicalLocation is a file position.
type SARIFPhysicalLocation struct {
	ArtifactLocation SARIFArtifactLocation `json:"artifactLocation"`
	Region           *SARIFRegion          `json:"region,omitempty"`
}

// SARIFArtifactLocation references a file by URI.
type SARIFArtifactLocation struct {
	URI string `json:"uri"`
}

// SARIFRegion is a line range inside an artifact.
type SARIFRegion struct {
	StartLine int `json:"startLine,omitempty"`
	EndLine   int `json:"endLine,omitempty"`
}

// SARIFLogicalLocation names the job a result belongs to.
type SARIFLogicalLocation struct {
	Name               string `json:"name,omitempty"`
	Kind               string `json:"kind,omitempty"`
	FullyQualifiedName string `json:"fullyQualifiedName,omitempty"`
}

const sarifSchema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

func (g *Generator) generateSARIFReport() error {
	sarif := g.buildSARIF()

	data, err := json.MarshalIndent(sarif, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sarif: %w", err)
	}
	return g.writeOutput(data, "SARIF")
}

// buildSARIF converts the analysis result to SARIF. The rule catalog
// comes from the registry, so downstream viewers see every rule the tool
// knows, not only those that fired.
func (g *Generator) buildSARIF() SARIF {
	catalog := rules.Registry()
	sarifRules := make([]SARIFRule, 0, len(catalog))
	ruleIndex := make(map[string]int, len(catalog))
	for i, d := range catalog {
		ruleIndex[d.ID] = i
		sarifRules = append(sarifRules, SARIFRule{
			ID:               d.ID,
			Name:             d.Name,
			ShortDescription: SARIFMessage{Text: d.Name},
			FullDescription:  SARIFMessage{Text: d.Description},
			DefaultConfiguration: SARIFRuleConfiguration{
				Level: severityToSARIFLevel(d.DefaultSeverity),
			},
			Properties: map[string]any{
				"category": string(d.Category),
				"severity": string(d.DefaultSeverity),
				"tags":     []string{"security", "supply-chain", strings.ToLower(string(d.Category))},
			},
		})
	}

	results := make([]SARIFResult, 0, len(g.Result.Findings))
	for _, finding := range g.Result.Findings {
		results = append(results, g.buildSARIFResult(finding, ruleIndex[finding.RuleID]))
	}

	run := SARIFRun{
		Tool: SARIFTool{
			Driver: SARIFDriver{
				Name:            "actiongraph",
				Version:         "0.1.0",
				SemanticVersion: "0.1.0",
				FullName:        "actiongraph - GitHub Actions dependency analyzer",
				InformationURI:  "https://github.com/actiongraph/actiongraph",
				Rules:           sarifRules,
			},
		},
		Invocation: SARIFInvocation{
			StartTimeUTC:        g.Result.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			EndTimeUTC:          g.Result.StartedAt.Add(g.Result.Duration).UTC().Format("2006-01-02T15:04:05.000Z"),
			ExecutionSuccessful: true,
		},
		Results:    results,
		ColumnKind: "utf16CodeUnits",
		Properties: map[string]any{
			"repository": g.Result.Repository,
			"summary":    g.Result.Summary,
		},
	}

	return SARIF{
		Version: "2.1.0",
		Schema:  sarifSchema,
		Runs:    []SARIFRun{run},
	}
}

func (g *Generator) buildSARIFResult(finding rules.Finding, ruleIndex int) SARIFResult {
	locations := sarifLocations(finding)

	properties := map[string]any{
		"category": string(finding.Category),
		"severity": string(finding.Severity),
	}
	if finding.ActionKey != "" {
		properties["actionKey"] = finding.ActionKey
	}
	if finding.Evidence != "" {
		properties["evidence"] = finding.Evidence
	}
	if finding.Remediation != "" {
		properties["remediation"] = finding.Remediation
	}

	return SARIFResult{
		RuleID:    finding.RuleID,
		RuleIndex: ruleIndex,
		Level:     severityToSARIFLevel(finding.Severity),
		Message:   SARIFMessage{Text: finding.Message},
		Locations: locations,
		PartialFingerprints: map[string]string{
			"actiongraph/v1": fingerprint(finding, locations),
		},
		Properties: properties,
	}
}

func sarifLocations(finding rules.Finding) []SARIFLocation {
	locations := make([]SARIFLocation, 0, len(finding.Locations))
	for _, wl := range finding.Locations {
		loc := SARIFLocation{
			PhysicalLocation: SARIFPhysicalLocation{
				ArtifactLocation: SARIFArtifactLocation{URI: wl.Workflow},
			},
		}
		if wl.Line > 0 {
			loc.PhysicalLocation.Region = &SARIFRegion{StartLine: wl.Line, EndLine: wl.Line}
		}
		if wl.JobID != "" {
			loc.LogicalLocations = []SARIFLogicalLocation{
				{Name: wl.JobID, Kind: "job", FullyQualifiedName: wl.JobID},
			}
		}
		locations = append(locations, loc)
	}
	if len(locations) > 0 {
		return locations
	}

	// Findings raised inside an action carry a manifest position instead
	// of a workflow location.
	uri := finding.SourceFile
	if uri == "" {
		uri = finding.ActionKey
	}
	if uri == "" {
		uri = "unknown"
	}
	loc := SARIFLocation{
		PhysicalLocation: SARIFPhysicalLocation{
			ArtifactLocation: SARIFArtifactLocation{URI: uri},
		},
	}
	if finding.SourceLine > 0 {
		loc.PhysicalLocation.Region = &SARIFRegion{StartLine: finding.SourceLine, EndLine: finding.SourceLine}
	}
	return []SARIFLocation{loc}
}

func severityToSARIFLevel(severity rules.Severity) string {
	switch severity {
	case rules.Error, rules.High:
		return "error"
	case rules.Medium:
		return "warning"
	case rules.Warning:
		return "note"
	default:
		return "warning"
	}
}

// fingerprint identifies a result across runs: rule, first location, line.
func fingerprint(finding rules.Finding, locations []SARIFLocation) string {
	uri := "unknown"
	line := 0
	if len(locations) > 0 {
		uri = locations[0].PhysicalLocation.ArtifactLocation.URI
		if locations[0].PhysicalLocation.Region != nil {
			line = locations[0].PhysicalLocation.Region.StartLine
		}
	}
	return strings.Join([]string{finding.RuleID, uri, strconv.Itoa(line)}, ":")
}
