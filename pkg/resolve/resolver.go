package resolve

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/reference"
)

// Mechanism is how an action executes once its manifest is known.
type Mechanism string

const (
	MechanismDocker      Mechanism = "docker"
	MechanismComposite   Mechanism = "composite"
	MechanismJavaScript  Mechanism = "javascript"
	MechanismUnknown     Mechanism = "unknown"
	MechanismUnavailable Mechanism = "unavailable"
)

// Step is one step of a composite action manifest.
type Step struct {
	Uses  string `json:"uses,omitempty"`
	Run   string `json:"run,omitempty"`
	Shell string `json:"shell,omitempty"`
	Line  int    `json:"line,omitempty"`
}

// Metadata describes one action at one resolved commit.
type Metadata struct {
	Owner        string    `json:"owner"`
	Repo         string    `json:"repo"`
	Path         string    `json:"path,omitempty"`
	Ref          string    `json:"ref"`
	ResolvedRef  string    `json:"resolvedRef"`
	Available    bool      `json:"available"`
	Mechanism    Mechanism `json:"mechanism"`
	ManifestPath string    `json:"manifestPath,omitempty"`
	ParseError   string    `json:"parseError,omitempty"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	Author       string    `json:"author,omitempty"`
	Using        string    `json:"using,omitempty"`
	DockerImage  string    `json:"dockerImage,omitempty"`
	Dockerfile   string    `json:"-"`
	Steps        []Step    `json:"steps,omitempty"`
}

// Key identifies the metadata by its resolved commit.
func (m *Metadata) Key() string {
	return Key(m.Owner, m.Repo, m.Path, m.ResolvedRef)
}

// Key builds the owner/repo[/path]@ref identity of an action.
func Key(owner, repo, actionPath, ref string) string {
	slug := owner + "/" + repo
	if actionPath != "" {
		slug += "/" + actionPath
	}
	return slug + "@" + ref
}

type refResult struct {
	sha string
	err error
}

// Resolver turns action references into commit SHAs and manifests. Both
// steps are memoized for the lifetime of the resolver, failures included,
// so one run never asks the platform the same question twice. A Resolver
// is not safe for concurrent use.
type Resolver struct {
	client platform.Client
	log    *logrus.Entry

	refCache  map[string]refResult
	metaCache map[string]*Metadata
}

// New returns a resolver backed by the given platform client.
func New(client platform.Client, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		client:    client,
		log:       log.WithField("component", "resolver"),
		refCache:  make(map[string]refResult),
		metaCache: make(map[string]*Metadata),
	}
}

// ClearCache drops both memoization layers.
func (r *Resolver) ClearCache() {
	r.refCache = make(map[string]refResult)
	r.metaCache = make(map[string]*Metadata)
}

// ResolveRef resolves a ref name to a full commit SHA. A ref that already
// is a full SHA resolves to itself without touching the platform. Names
// are tried as branch, then tag (annotated tags dereferenced to their
// commit), then commitish.
func (r *Resolver) ResolveRef(ctx context.Context, owner, repo, ref string) (string, error) {
	if reference.IsCommitSHA(ref) {
		return strings.ToLower(ref), nil
	}

	key := owner + "/" + repo + "@" + ref
	if cached, ok := r.refCache[key]; ok {
		return cached.sha, cached.err
	}

	sha, err := r.resolveRefRemote(ctx, owner, repo, ref)
	r.refCache[key] = refResult{sha: sha, err: err}
	return sha, err
}

func (r *Resolver) resolveRefRemote(ctx context.Context, owner, repo, ref string) (string, error) {
	var lastErr error

	sha, err := r.client.ResolveBranch(ctx, owner, repo, ref)
	if err == nil {
		return sha, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		lastErr = err
	}

	tag, err := r.client.ResolveTag(ctx, owner, repo, ref)
	if err == nil {
		sha, typ := tag.SHA, tag.Type
		// Annotated tags point at a tag object; peel until a commit
		// surfaces. The bound guards against malformed tag chains.
		for i := 0; typ == "tag" && i < 3; i++ {
			obj, derr := r.client.GetTagObject(ctx, owner, repo, sha)
			if derr != nil {
				lastErr = derr
				typ = ""
				break
			}
			sha, typ = obj.SHA, obj.Type
		}
		if typ == "commit" {
			return sha, nil
		}
	} else if !errors.Is(err, platform.ErrNotFound) {
		lastErr = err
	}

	sha, err = r.client.ResolveCommit(ctx, owner, repo, ref)
	if err == nil {
		return sha, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		lastErr = err
	}

	if lastErr != nil {
		return "", fmt.Errorf("resolve %s/%s@%s: %w", owner, repo, ref, lastErr)
	}
	return "", fmt.Errorf("resolve %s/%s@%s: no branch, tag or commit matches", owner, repo, ref)
}

// Resolve resolves a reference to its commit and fetches the action
// manifest at that commit. A missing manifest is not an error: the
// metadata comes back with Available=false and the unavailable mechanism.
// Only ref resolution failures surface as errors.
func (r *Resolver) Resolve(ctx context.Context, owner, repo, actionPath, ref string) (*Metadata, error) {
	sha, err := r.ResolveRef(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}

	key := Key(owner, repo, actionPath, sha)
	if cached, ok := r.metaCache[key]; ok {
		return cached, nil
	}

	meta := r.fetchMetadata(ctx, owner, repo, actionPath, ref, sha)
	r.metaCache[key] = meta
	return meta, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, owner, repo, actionPath, ref, sha string) *Metadata {
	meta := &Metadata{
		Owner:       owner,
		Repo:        repo,
		Path:        actionPath,
		Ref:         ref,
		ResolvedRef: sha,
	}

	for _, name := range []string{"action.yml", "action.yaml"} {
		manifestPath := path.Join(actionPath, name)
		content, err := r.client.GetFileContent(ctx, owner, repo, manifestPath, sha)
		if err != nil {
			if !errors.Is(err, platform.ErrNotFound) {
				r.log.WithError(err).WithField("action", Key(owner, repo, actionPath, ref)).Debug("manifest fetch failed")
			}
			continue
		}
		meta.Available = true
		meta.ManifestPath = manifestPath
		r.parseManifest(ctx, meta, content)
		return meta
	}

	// Actions without a manifest can still be Docker actions built from a
	// Dockerfile at the action root.
	dockerfilePath := path.Join(actionPath, "Dockerfile")
	if content, err := r.client.GetFileContent(ctx, owner, repo, dockerfilePath, sha); err == nil {
		meta.Available = true
		meta.Mechanism = MechanismDocker
		meta.ManifestPath = dockerfilePath
		meta.Dockerfile = content
		return meta
	}

	meta.Available = false
	meta.Mechanism = MechanismUnavailable
	return meta
}

type manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Runs        struct {
		Using string `yaml:"using"`
		Image string `yaml:"image"`
		Steps []struct {
			Uses  string `yaml:"uses"`
			Run   string `yaml:"run"`
			Shell string `yaml:"shell"`
		} `yaml:"steps"`
	} `yaml:"runs"`
}

func (r *Resolver) parseManifest(ctx context.Context, meta *Metadata, content string) {
	var m manifest
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		r.log.WithError(err).WithField("manifest", meta.ManifestPath).Debug("manifest does not parse")
		meta.Mechanism = MechanismUnknown
		meta.ParseError = err.Error()
		return
	}

	meta.Name = m.Name
	meta.Description = m.Description
	meta.Author = m.Author
	meta.Using = m.Runs.Using
	meta.Mechanism = classifyMechanism(m.Runs.Using)

	switch meta.Mechanism {
	case MechanismDocker:
		image := m.Runs.Image
		if image == "Dockerfile" || image == "./Dockerfile" {
			dockerfilePath := path.Join(meta.Path, "Dockerfile")
			if dockerfile, err := r.client.GetFileContent(ctx, meta.Owner, meta.Repo, dockerfilePath, meta.ResolvedRef); err == nil {
				meta.Dockerfile = dockerfile
			}
		} else {
			meta.DockerImage = strings.TrimPrefix(image, "docker://")
		}
	case MechanismComposite:
		lines := stepLines(content)
		for i, s := range m.Runs.Steps {
			step := Step{Uses: s.Uses, Run: s.Run, Shell: s.Shell}
			if i < len(lines) {
				step.Line = lines[i]
			}
			meta.Steps = append(meta.Steps, step)
		}
	}
}

func classifyMechanism(using string) Mechanism {
	switch {
	case using == "docker" || strings.HasPrefix(using, "docker://"):
		return MechanismDocker
	case using == "composite":
		return MechanismComposite
	case strings.HasPrefix(using, "node"):
		return MechanismJavaScript
	default:
		return MechanismUnknown
	}
}

// stepLines extracts the source line of each runs.steps entry so nested
// findings can point back into the manifest.
func stepLines(content string) []int {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	runs := mappingValue(doc.Content[0], "runs")
	steps := mappingValue(runs, "steps")
	if steps == nil || steps.Kind != yaml.SequenceNode {
		return nil
	}
	lines := make([]int, len(steps.Content))
	for i, item := range steps.Content {
		lines[i] = item.Line
	}
	return lines
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
