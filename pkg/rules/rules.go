package rules

import (
	"fmt"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/reference"
)

// Severity represents the severity level of a finding.
type Severity string

const (
	High    Severity = "HIGH"
	Medium  Severity = "MEDIUM"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
)

// Category groups rules by the surface they inspect.
type Category string

const (
	SupplyChain Category = "SUPPLY_CHAIN"
	Container   Category = "CONTAINER"
	RemoteCode  Category = "REMOTE_CODE"
	Analysis    Category = "ANALYSIS"
	Policy      Category = "POLICY"
)

// Rule identifiers. The registry below carries their metadata.
const (
	RuleUnpinnedAction          = "UNPINNED_ACTION_REFERENCE"
	RuleMutableTag              = "MUTABLE_TAG_REFERENCE"
	RuleDockerImplicitLatest    = "DOCKER_IMPLICIT_LATEST"
	RuleDockerFloatingTag       = "DOCKER_FLOATING_TAG"
	RuleDockerfileFloatingBase  = "DOCKERFILE_FLOATING_BASE_IMAGE"
	RuleCompositeNestedUnpinned = "COMPOSITE_NESTED_UNPINNED_ACTION"
	RuleUnpinnedPackageInstall  = "UNPINNED_PACKAGE_INSTALL"
	RuleDockerUnpinnedDeps      = "DOCKER_UNPINNED_DEPENDENCIES"
	RuleCompositeUnpinnedDeps   = "COMPOSITE_UNPINNED_DEPENDENCIES"
	RuleRemoteCodeNoIntegrity   = "REMOTE_CODE_NO_INTEGRITY"
	RuleDockerRemoteCode        = "DOCKER_REMOTE_CODE_NO_INTEGRITY"
	RuleCompositeRemoteCode     = "COMPOSITE_REMOTE_CODE_NO_INTEGRITY"
	RuleMetadataUnavailable     = "ACTION_METADATA_UNAVAILABLE"
	RuleIndirectUnpinnable      = "INDIRECT_UNPINNABLE_ACTION"
	RuleAnalysisError           = "ANALYSIS_ERROR"
)

// WorkflowLocation is one place a subject is used.
type WorkflowLocation struct {
	Repository string `json:"repository,omitempty"`
	Workflow   string `json:"workflow"`
	Line       int    `json:"line,omitempty"`
	JobID      string `json:"jobId,omitempty"`
}

// Finding represents a rule violation or an analysis-level error surfaced
// through the findings channel.
type Finding struct {
	RuleID      string             `json:"ruleId"`
	RuleName    string             `json:"ruleName"`
	Severity    Severity           `json:"severity"`
	Category    Category           `json:"category"`
	Message     string             `json:"message"`
	ActionKey   string             `json:"actionKey,omitempty"`
	SourceFile  string             `json:"sourceFile,omitempty"`
	SourceLine  int                `json:"sourceLine,omitempty"`
	Evidence    string             `json:"evidence,omitempty"`
	Remediation string             `json:"remediation,omitempty"`
	Locations   []WorkflowLocation `json:"workflowLocations,omitempty"`
}

// Descriptor describes one rule for reporting and configuration.
type Descriptor struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	DefaultSeverity Severity `json:"defaultSeverity"`
	Category        Category `json:"category"`
}

// Registry returns the metadata of every built-in rule.
func Registry() []Descriptor {
	return []Descriptor{
		{RuleUnpinnedAction, "Unpinned Action Reference", "Action reference is not pinned to a full commit SHA", Medium, SupplyChain},
		{RuleMutableTag, "Mutable Tag Reference", "Action reference uses a tag that moves between runs", High, SupplyChain},
		{RuleDockerImplicitLatest, "Docker Implicit Latest", "Container image has neither tag nor digest and floats on latest", High, Container},
		{RuleDockerFloatingTag, "Docker Floating Tag", "Container image uses a mutable tag without a digest", High, Container},
		{RuleDockerfileFloatingBase, "Dockerfile Floating Base Image", "Dockerfile FROM base image is not pinned to a digest", High, Container},
		{RuleCompositeNestedUnpinned, "Composite Nested Unpinned Action", "Composite action step uses an unpinned nested action", High, SupplyChain},
		{RuleUnpinnedPackageInstall, "Unpinned Package Install", "Workflow run command installs packages without version pins", Medium, SupplyChain},
		{RuleDockerUnpinnedDeps, "Docker Unpinned Dependencies", "Dockerfile RUN command installs packages without version pins", Medium, Container},
		{RuleCompositeUnpinnedDeps, "Composite Unpinned Dependencies", "Composite step installs packages without version pins", Medium, SupplyChain},
		{RuleRemoteCodeNoIntegrity, "Remote Code Without Integrity Check", "Workflow run command executes downloaded code without integrity verification", High, RemoteCode},
		{RuleDockerRemoteCode, "Docker Remote Code Without Integrity Check", "Dockerfile RUN command executes downloaded code without integrity verification", High, RemoteCode},
		{RuleCompositeRemoteCode, "Composite Remote Code Without Integrity Check", "Composite step executes downloaded code without integrity verification", High, RemoteCode},
		{RuleMetadataUnavailable, "Action Metadata Unavailable", "Action metadata could not be resolved", Warning, Analysis},
		{RuleIndirectUnpinnable, "Indirect Unpinnable Action", "A nested dependency carries findings the parent cannot pin away", High, SupplyChain},
		{RuleAnalysisError, "Analysis Error", "Unexpected failure while analyzing an action", Error, Analysis},
	}
}

// Describe returns the descriptor of a rule ID, if registered.
func Describe(id string) (Descriptor, bool) {
	for _, d := range Registry() {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// CheckReferencePin evaluates the pin state of a remote action reference.
// Unpinned references yield UNPINNED_ACTION_REFERENCE, upgraded to HIGH
// when the ref is a mutable tag, which additionally yields
// MUTABLE_TAG_REFERENCE.
func CheckReferencePin(ref reference.Reference, locations []WorkflowLocation) []Finding {
	if ref.Kind != reference.Remote || ref.IsPinned() {
		return nil
	}

	mutable := ref.IsMutable()
	severity := Medium
	if mutable {
		severity = High
	}

	findings := []Finding{{
		RuleID:      RuleUnpinnedAction,
		RuleName:    "Unpinned Action Reference",
		Severity:    severity,
		Category:    SupplyChain,
		Message:     fmt.Sprintf("Action %s is not pinned to a commit SHA (ref %q)", ref.Slug(), ref.Ref),
		ActionKey:   ref.Key(),
		Evidence:    ref.Raw,
		Remediation: fmt.Sprintf("Pin to a full commit SHA, e.g. %s/%s@<40-hex-sha>", ref.Owner, ref.Repo),
		Locations:   locations,
	}}

	if mutable {
		findings = append(findings, Finding{
			RuleID:      RuleMutableTag,
			RuleName:    "Mutable Tag Reference",
			Severity:    High,
			Category:    SupplyChain,
			Message:     fmt.Sprintf("Ref %q of %s is a mutable tag and can move between runs", ref.Ref, ref.Slug()),
			ActionKey:   ref.Key(),
			Evidence:    ref.Raw,
			Remediation: "Replace the tag with the commit SHA it currently points at",
			Locations:   locations,
		})
	}

	return findings
}

// CheckCompositeUses flags unpinned nested action references inside a
// composite manifest.
func CheckCompositeUses(parentKey string, ref reference.Reference, manifestPath string, line int) []Finding {
	if ref.Kind != reference.Remote || ref.IsPinned() {
		return nil
	}
	return []Finding{{
		RuleID:      RuleCompositeNestedUnpinned,
		RuleName:    "Composite Nested Unpinned Action",
		Severity:    High,
		Category:    SupplyChain,
		Message:     fmt.Sprintf("Composite action %s uses unpinned nested action %s", parentKey, ref.Key()),
		ActionKey:   parentKey,
		SourceFile:  manifestPath,
		SourceLine:  line,
		Evidence:    ref.Raw,
		Remediation: "Pin the nested action to a full commit SHA",
	}}
}

// NewMetadataUnavailableFinding reports an action whose metadata could not
// be resolved. Analysis of such a node stops; the run continues.
func NewMetadataUnavailableFinding(actionKey, reason string, locations []WorkflowLocation) Finding {
	message := fmt.Sprintf("Metadata for action %s is unavailable", actionKey)
	if reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	return Finding{
		RuleID:      RuleMetadataUnavailable,
		RuleName:    "Action Metadata Unavailable",
		Severity:    Warning,
		Category:    Analysis,
		Message:     message,
		ActionKey:   actionKey,
		Remediation: "Verify the action exists and the ref is valid",
		Locations:   locations,
	}
}

// NewIndirectFinding reports that a nested dependency carries findings the
// parent inherits transitively.
func NewIndirectFinding(parentKey, nestedKey string, count int) Finding {
	noun := "finding"
	if count != 1 {
		noun = "findings"
	}
	return Finding{
		RuleID:      RuleIndirectUnpinnable,
		RuleName:    "Indirect Unpinnable Action",
		Severity:    High,
		Category:    SupplyChain,
		Message:     fmt.Sprintf("Nested dependency %s of %s carries %d %s", nestedKey, parentKey, count, noun),
		ActionKey:   parentKey,
		Evidence:    nestedKey,
		Remediation: "Pin or replace the nested dependency, or vendor the action",
	}
}

// NewAnalysisErrorFinding wraps an unexpected failure caught at a node
// boundary.
func NewAnalysisErrorFinding(actionKey, detail string) Finding {
	return Finding{
		RuleID:    RuleAnalysisError,
		RuleName:  "Analysis Error",
		Severity:  Error,
		Category:  Analysis,
		Message:   fmt.Sprintf("Analysis of %s failed: %s", actionKey, detail),
		ActionKey: actionKey,
	}
}

// CountBySeverity tallies findings per severity level.
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

// CountByRule tallies findings per rule ID.
func CountByRule(findings []Finding) map[string]int {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.RuleID]++
	}
	return counts
}

// FilterBySeverity keeps findings at or above the given minimum. The
// filtering order is ERROR > HIGH > MEDIUM > WARNING; an unknown minimum
// keeps everything.
func FilterBySeverity(findings []Finding, min Severity) []Finding {
	rank := severityRank(min)
	if rank < 0 {
		return findings
	}
	var out []Finding
	for _, f := range findings {
		if severityRank(f.Severity) >= rank {
			out = append(out, f)
		}
	}
	return out
}

func severityRank(s Severity) int {
	switch Severity(strings.ToUpper(string(s))) {
	case Warning:
		return 0
	case Medium:
		return 1
	case High:
		return 2
	case Error:
		return 3
	default:
		return -1
	}
}
