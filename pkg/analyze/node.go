package analyze

import (
	"github.com/actiongraph/actiongraph/pkg/resolve"
	"github.com/actiongraph/actiongraph/pkg/rules"
	"github.com/actiongraph/actiongraph/pkg/workflow"
)

// Node error markers. A marked node is terminal: its subtree was cut off
// rather than analyzed.
const (
	MaxDepthExceeded  = "MAX_DEPTH_EXCEEDED"
	CircularReference = "CIRCULAR_REFERENCE"
	AnalysisFailed    = "ANALYSIS_ERROR"
)

// Graph places one node inside the dependency graph of its run.
type Graph struct {
	DirectDependencies     []string `json:"directDependencies,omitempty"`
	TransitiveDependencies []string `json:"transitiveDependencies,omitempty"`
	Lineage                []string `json:"lineage,omitempty"`
	Ancestors              []string `json:"ancestors,omitempty"`
	Descendants            []string `json:"descendants,omitempty"`
}

// Node is the analysis result of one action at one requested ref.
type Node struct {
	ActionKey      string                 `json:"actionKey"`
	Owner          string                 `json:"owner"`
	Repo           string                 `json:"repo"`
	Path           string                 `json:"path,omitempty"`
	Ref            string                 `json:"ref"`
	ResolvedRef    string                 `json:"resolvedRef,omitempty"`
	DependencyType workflow.ReferenceType `json:"dependencyType"`
	Depth          int                    `json:"depth"`
	Parent         string                 `json:"parent,omitempty"`
	Mechanism      resolve.Mechanism      `json:"mechanism,omitempty"`
	Name           string                 `json:"name,omitempty"`
	License        string                 `json:"license,omitempty"`
	Authors        []string               `json:"authors,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Findings       []rules.Finding        `json:"findings,omitempty"`
	Nested         []*Node                `json:"nested,omitempty"`
	Graph          Graph                  `json:"graph"`
}

// walkNodes visits every node of the given trees exactly once. Memoized
// nodes can be shared between trees; the visited set keeps them from being
// visited (and counted) twice.
func walkNodes(roots []*Node, fn func(*Node)) {
	visited := make(map[*Node]bool)
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		fn(n)
		for _, nested := range n.Nested {
			walk(nested)
		}
	}
	for _, root := range roots {
		walk(root)
	}
}
