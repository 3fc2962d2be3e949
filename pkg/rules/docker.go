package rules

import (
	"fmt"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/reference"
)

// DockerImage is the parsed form of a container image reference.
type DockerImage struct {
	Raw    string `json:"raw"`
	Name   string `json:"name"`
	Tag    string `json:"tag,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// ParseDockerImage splits an image reference into name, tag and digest.
// The tag is the text after the last colon that follows the last slash, so
// registry ports do not masquerade as tags.
func ParseDockerImage(raw string) DockerImage {
	img := DockerImage{Raw: raw}
	rest := raw
	if i := strings.Index(rest, "@"); i >= 0 {
		img.Digest = rest[i+1:]
		rest = rest[:i]
	}
	slash := strings.LastIndex(rest, "/")
	if colon := strings.LastIndex(rest, ":"); colon > slash {
		img.Tag = rest[colon+1:]
		rest = rest[:colon]
	}
	img.Name = rest
	return img
}

// IsPinned reports whether the image carries a content digest. A stray
// "@tag" suffix is not a pin.
func (i DockerImage) IsPinned() bool {
	return strings.HasPrefix(i.Digest, "sha256:") || strings.HasPrefix(i.Digest, "sha512:")
}

// CheckDockerImage evaluates the pin state of a container image used by a
// workflow step or an action manifest. Digest-pinned images are clean; a
// missing tag floats on latest and a mutable tag floats with it.
func CheckDockerImage(image, actionKey string, loc *WorkflowLocation) []Finding {
	img := ParseDockerImage(image)
	if img.IsPinned() || img.Name == "" {
		return nil
	}

	var locations []WorkflowLocation
	if loc != nil {
		locations = []WorkflowLocation{*loc}
	}

	if img.Tag == "" {
		return []Finding{{
			RuleID:      RuleDockerImplicitLatest,
			RuleName:    "Docker Implicit Latest",
			Severity:    High,
			Category:    Container,
			Message:     fmt.Sprintf("Container image %q has no tag and implicitly tracks latest", img.Name),
			ActionKey:   actionKey,
			Evidence:    image,
			Remediation: fmt.Sprintf("Pin the image to a digest, e.g. %s@sha256:<digest>", img.Name),
			Locations:   locations,
		}}
	}

	if reference.IsMutableTag(img.Tag) {
		return []Finding{{
			RuleID:      RuleDockerFloatingTag,
			RuleName:    "Docker Floating Tag",
			Severity:    High,
			Category:    Container,
			Message:     fmt.Sprintf("Container image %q uses mutable tag %q without a digest", img.Name, img.Tag),
			ActionKey:   actionKey,
			Evidence:    image,
			Remediation: fmt.Sprintf("Pin the image to a digest, e.g. %s@sha256:<digest>", img.Name),
			Locations:   locations,
		}}
	}

	return nil
}

type dockerfileInstruction struct {
	keyword string
	args    string
	line    int
}

// parseDockerfile splits a Dockerfile into logical instructions with line
// continuations joined and comments dropped.
func parseDockerfile(content string) []dockerfileInstruction {
	var instructions []dockerfileInstruction
	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		startLine := i + 1
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSuffix(line, "\\") + " " + strings.TrimSpace(lines[i])
		}
		parts := strings.SplitN(line, " ", 2)
		ins := dockerfileInstruction{keyword: strings.ToUpper(parts[0]), line: startLine}
		if len(parts) == 2 {
			ins.args = strings.TrimSpace(parts[1])
		}
		instructions = append(instructions, ins)
	}
	return instructions
}

// CheckDockerfile analyzes the FROM and RUN instructions of a Dockerfile.
// Base images must be digest-pinned; references to earlier build stages
// are excluded. RUN commands go through the docker-context command checks.
func CheckDockerfile(content, actionKey string) []Finding {
	var findings []Finding
	stages := make(map[string]struct{})

	for _, ins := range parseDockerfile(content) {
		switch ins.keyword {
		case "FROM":
			fields := strings.Fields(ins.args)
			idx := 0
			for idx < len(fields) && strings.HasPrefix(fields[idx], "--") {
				idx++
			}
			if idx >= len(fields) {
				continue
			}
			image := fields[idx]

			// The image is checked against stages declared so far before
			// this line's own alias is recorded, so a stage's base image
			// still gets inspected.
			_, isStageRef := stages[strings.ToLower(image)]
			if idx+2 < len(fields) && strings.EqualFold(fields[idx+1], "AS") {
				stages[strings.ToLower(fields[idx+2])] = struct{}{}
			}
			// ARG-substituted images cannot be judged statically.
			if isStageRef || strings.Contains(image, "$") {
				continue
			}
			findings = append(findings, checkBaseImage(image, actionKey, ins.line)...)

		case "RUN":
			for _, f := range CheckCommand(ins.args, ContextDocker, actionKey) {
				f.SourceFile = "Dockerfile"
				f.SourceLine = ins.line
				findings = append(findings, f)
			}
		}
	}

	return findings
}

func checkBaseImage(image, actionKey string, line int) []Finding {
	img := ParseDockerImage(image)
	if img.IsPinned() {
		return nil
	}

	severity := Medium
	var message string
	switch {
	case img.Tag == "":
		severity = High
		message = fmt.Sprintf("Base image %q has no tag and implicitly tracks latest", img.Name)
	case reference.IsMutableTag(img.Tag):
		severity = High
		message = fmt.Sprintf("Base image %q uses mutable tag %q", img.Name, img.Tag)
	default:
		message = fmt.Sprintf("Base image %q is not digest-pinned", image)
	}

	return []Finding{{
		RuleID:      RuleDockerfileFloatingBase,
		RuleName:    "Dockerfile Floating Base Image",
		Severity:    severity,
		Category:    Container,
		Message:     message,
		ActionKey:   actionKey,
		SourceFile:  "Dockerfile",
		SourceLine:  line,
		Evidence:    image,
		Remediation: fmt.Sprintf("Pin the base image to a digest, e.g. %s@sha256:<digest>", img.Name),
	}}
}
