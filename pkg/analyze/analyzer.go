package analyze

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/reference"
	"github.com/actiongraph/actiongraph/pkg/resolve"
	"github.com/actiongraph/actiongraph/pkg/rules"
	"github.com/actiongraph/actiongraph/pkg/workflow"
)

// DefaultMaxDepth bounds transitive recursion into composite actions.
const DefaultMaxDepth = 3

// Options configures an Analyzer.
type Options struct {
	// MaxDepth is the deepest nesting level analyzed. Zero or negative
	// selects DefaultMaxDepth.
	MaxDepth int
	Logger   *logrus.Entry
}

// Analyzer resolves actions recursively and applies the rule engine to
// every node it reaches. Nodes are memoized per analyzer instance, so a
// popular action shared by many workflows is analyzed once per run. An
// Analyzer is not safe for concurrent use; one run at a time.
type Analyzer struct {
	client   platform.Client
	resolver *resolve.Resolver
	log      *logrus.Entry
	maxDepth int

	nodes    map[string]*Node
	inFlight map[string]bool
	licenses map[string]licenseInfo
}

// New returns an analyzer for the given platform client.
func New(client platform.Client, opts Options) *Analyzer {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{
		client:   client,
		resolver: resolve.New(client, log),
		log:      log.WithField("component", "analyzer"),
		maxDepth: maxDepth,
		nodes:    make(map[string]*Node),
		inFlight: make(map[string]bool),
		licenses: make(map[string]licenseInfo),
	}
}

// ClearCache drops node memoization, enrichment lookups and the resolver
// caches.
func (a *Analyzer) ClearCache() {
	a.nodes = make(map[string]*Node)
	a.licenses = make(map[string]licenseInfo)
	a.resolver.ClearCache()
}

// request carries one action reference down the recursion.
type request struct {
	ref       reference.Reference
	typ       workflow.ReferenceType
	depth     int
	parentKey string
	lineage   []string
	locations []rules.WorkflowLocation
}

// AnalyzeAction analyzes one action reference as a recursion root.
func (a *Analyzer) AnalyzeAction(ctx context.Context, ref reference.Reference, typ workflow.ReferenceType, locations []rules.WorkflowLocation) *Node {
	return a.analyze(ctx, request{ref: ref, typ: typ, locations: locations})
}

func (a *Analyzer) analyze(ctx context.Context, req request) (node *Node) {
	key := req.ref.Key()
	node = a.newNode(req, key)

	if req.depth >= a.maxDepth {
		node.Error = MaxDepthExceeded
		assembleGraph(node, req.lineage)
		return node
	}
	if a.inFlight[key] {
		node.Error = CircularReference
		assembleGraph(node, req.lineage)
		return node
	}
	if cached, ok := a.nodes[key]; ok {
		return cached
	}

	a.inFlight[key] = true
	defer delete(a.inFlight, key)

	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("action", key).Errorf("analysis panicked: %v", r)
			node = a.newNode(req, key)
			node.Error = AnalysisFailed
			node.Findings = []rules.Finding{rules.NewAnalysisErrorFinding(key, fmt.Sprint(r))}
			assembleGraph(node, req.lineage)
			a.nodes[key] = node
		}
	}()

	log := a.log.WithFields(logrus.Fields{"action": key, "depth": req.depth})
	log.Debug("analyzing action")

	meta, err := a.resolver.Resolve(ctx, req.ref.Owner, req.ref.Repo, req.ref.Path, req.ref.Ref)
	if err != nil {
		log.WithError(err).Debug("resolution failed")
		node.Mechanism = resolve.MechanismUnavailable
		node.Findings = append(node.Findings, rules.NewMetadataUnavailableFinding(key, err.Error(), req.locations))
		assembleGraph(node, req.lineage)
		a.nodes[key] = node
		return node
	}

	node.ResolvedRef = meta.ResolvedRef
	node.Mechanism = meta.Mechanism
	node.Name = meta.Name

	node.Findings = append(node.Findings, rules.CheckReferencePin(req.ref, req.locations)...)

	switch meta.Mechanism {
	case resolve.MechanismUnavailable:
		node.Findings = append(node.Findings, rules.NewMetadataUnavailableFinding(key,
			fmt.Sprintf("no action manifest or Dockerfile at %s", shortSHA(meta.ResolvedRef)), req.locations))

	case resolve.MechanismUnknown:
		// A manifest that exists but does not parse is as opaque as a
		// missing one.
		if meta.ParseError != "" {
			node.Findings = append(node.Findings, rules.NewMetadataUnavailableFinding(key,
				fmt.Sprintf("manifest %s does not parse: %s", meta.ManifestPath, meta.ParseError), req.locations))
		}

	case resolve.MechanismDocker:
		if meta.DockerImage != "" {
			node.Findings = append(node.Findings, rules.CheckDockerImage(meta.DockerImage, key, nil)...)
		}
		if meta.Dockerfile != "" {
			node.Findings = append(node.Findings, rules.CheckDockerfile(meta.Dockerfile, key)...)
		}

	case resolve.MechanismComposite:
		a.analyzeCompositeSteps(ctx, node, meta, req)
	}

	for _, nested := range node.Nested {
		if len(nested.Findings) > 0 {
			node.Findings = append(node.Findings, rules.NewIndirectFinding(key, nested.ActionKey, len(nested.Findings)))
		}
	}

	assembleGraph(node, req.lineage)
	a.nodes[key] = node
	return node
}

func (a *Analyzer) analyzeCompositeSteps(ctx context.Context, node *Node, meta *resolve.Metadata, req request) {
	childLineage := append(append([]string{}, req.lineage...), node.ActionKey)

	for _, step := range meta.Steps {
		if step.Run != "" {
			for _, f := range rules.CheckCommand(step.Run, rules.ContextComposite, node.ActionKey) {
				f.SourceFile = meta.ManifestPath
				if step.Line > 0 {
					f.SourceLine = step.Line + f.SourceLine - 1
				}
				node.Findings = append(node.Findings, f)
			}
		}
		if step.Uses == "" {
			continue
		}

		ref := reference.Parse(step.Uses)
		switch ref.Kind {
		case reference.Docker:
			node.Findings = append(node.Findings, rules.CheckDockerImage(ref.Image, node.ActionKey, nil)...)

		case reference.Local:
			// A local step lives in the same repository at the resolved
			// commit, so the nested reference is commit-exact by
			// construction.
			nested := reference.Reference{
				Kind:  reference.Remote,
				Raw:   step.Uses,
				Owner: node.Owner,
				Repo:  node.Repo,
				Path:  localStepPath(step.Uses),
				Ref:   meta.ResolvedRef,
			}
			node.Nested = append(node.Nested, a.analyze(ctx, request{
				ref:       nested,
				typ:       workflow.TypeAction,
				depth:     req.depth + 1,
				parentKey: node.ActionKey,
				lineage:   childLineage,
			}))

		case reference.Remote:
			node.Findings = append(node.Findings, rules.CheckCompositeUses(node.ActionKey, ref, meta.ManifestPath, step.Line)...)
			node.Nested = append(node.Nested, a.analyze(ctx, request{
				ref:       ref,
				typ:       workflow.TypeAction,
				depth:     req.depth + 1,
				parentKey: node.ActionKey,
				lineage:   childLineage,
			}))
		}
	}
}

func (a *Analyzer) newNode(req request, key string) *Node {
	return &Node{
		ActionKey:      key,
		Owner:          req.ref.Owner,
		Repo:           req.ref.Repo,
		Path:           req.ref.Path,
		Ref:            req.ref.Ref,
		DependencyType: req.typ,
		Depth:          req.depth,
		Parent:         req.parentKey,
	}
}

// assembleGraph derives the graph view of a node from its children, which
// are fully assembled by the time recursion returns.
func assembleGraph(node *Node, lineage []string) {
	var direct []string
	var descendants []string
	seen := make(map[string]bool)

	for _, child := range node.Nested {
		direct = append(direct, child.ActionKey)
		for _, key := range append([]string{child.ActionKey}, child.Graph.Descendants...) {
			if !seen[key] {
				seen[key] = true
				descendants = append(descendants, key)
			}
		}
	}

	directSet := make(map[string]bool, len(direct))
	for _, key := range direct {
		directSet[key] = true
	}
	var transitive []string
	for _, key := range descendants {
		if !directSet[key] {
			transitive = append(transitive, key)
		}
	}

	nodeLineage := append(append([]string{}, lineage...), node.ActionKey)
	ancestors := make([]string, len(nodeLineage))
	for i, key := range nodeLineage {
		ancestors[len(nodeLineage)-1-i] = key
	}

	node.Graph = Graph{
		DirectDependencies:     direct,
		TransitiveDependencies: transitive,
		Lineage:                nodeLineage,
		Ancestors:              ancestors,
		Descendants:            descendants,
	}
}

// localStepPath turns a local uses value like ./.github/actions/build into
// the repository-relative action path.
func localStepPath(uses string) string {
	p := strings.TrimPrefix(uses, "./")
	return strings.Trim(p, "/")
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
