package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"

	"github.com/actiongraph/actiongraph/pkg/platform"
)

// Client talks to the GitHub REST API and implements platform.Client.
type Client struct {
	gh *github.Client
}

// NewClient creates a GitHub client. An empty token yields an
// unauthenticated client with the anonymous rate limit.
func NewClient(token string) *Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		hc = oauth2.NewClient(context.Background(), ts)
	}
	return &Client{gh: github.NewClient(hc)}
}

// NewClientFromEnv creates a client authenticated with GITHUB_TOKEN when
// the variable is set.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("GITHUB_TOKEN"))
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func (c *Client) WithBaseURL(rawURL string) (*Client, error) {
	if !strings.HasSuffix(rawURL, "/") {
		rawURL += "/"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// ParseRepositoryURL extracts owner and repo from a GitHub repository URL.
func ParseRepositoryURL(repoURL string) (owner, repo string, err error) {
	if rest, ok := strings.CutPrefix(repoURL, "https://github.com/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
		}
	}

	if rest, ok := strings.CutPrefix(repoURL, "git@github.com:"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
		}
	}

	return "", "", fmt.Errorf("invalid GitHub repository URL: %s", repoURL)
}

// GetFileContent returns the decoded content of a file. Directories and
// missing paths map to platform.ErrNotFound.
func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref}
	file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		if isNotFound(resp) {
			return "", platform.ErrNotFound
		}
		return "", fmt.Errorf("get contents %s/%s/%s@%s: %w", owner, repo, path, ref, err)
	}
	if file == nil {
		return "", platform.ErrNotFound
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode contents of %s: %w", path, err)
	}
	return content, nil
}

// ListDirectory lists a repository directory. Missing paths map to
// platform.ErrNotFound; a file path yields an empty listing.
func (c *Client) ListDirectory(ctx context.Context, owner, repo, path, ref string) ([]platform.DirEntry, error) {
	opts := &github.RepositoryContentGetOptions{Ref: ref}
	_, dir, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		if isNotFound(resp) {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("list %s/%s/%s@%s: %w", owner, repo, path, ref, err)
	}

	entries := make([]platform.DirEntry, 0, len(dir))
	for _, item := range dir {
		entries = append(entries, platform.DirEntry{
			Name: item.GetName(),
			Path: item.GetPath(),
			Type: item.GetType(),
		})
	}
	return entries, nil
}

// ResolveBranch returns the commit SHA at the head of a branch.
func (c *Client) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		if isNotFound(resp) {
			return "", platform.ErrNotFound
		}
		return "", fmt.Errorf("resolve branch %s/%s@%s: %w", owner, repo, branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// ResolveTag returns the object a tag ref points at. The caller decides
// whether an annotated tag needs another dereference.
func (c *Client) ResolveTag(ctx context.Context, owner, repo, tag string) (platform.TagObject, error) {
	ref, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "tags/"+tag)
	if err != nil {
		if isNotFound(resp) {
			return platform.TagObject{}, platform.ErrNotFound
		}
		return platform.TagObject{}, fmt.Errorf("resolve tag %s/%s@%s: %w", owner, repo, tag, err)
	}
	return platform.TagObject{
		SHA:  ref.GetObject().GetSHA(),
		Type: ref.GetObject().GetType(),
	}, nil
}

// GetTagObject dereferences an annotated tag object.
func (c *Client) GetTagObject(ctx context.Context, owner, repo, sha string) (platform.TagObject, error) {
	tag, resp, err := c.gh.Git.GetTag(ctx, owner, repo, sha)
	if err != nil {
		if isNotFound(resp) {
			return platform.TagObject{}, platform.ErrNotFound
		}
		return platform.TagObject{}, fmt.Errorf("get tag object %s/%s %s: %w", owner, repo, sha, err)
	}
	return platform.TagObject{
		SHA:  tag.GetObject().GetSHA(),
		Type: tag.GetObject().GetType(),
	}, nil
}

// ResolveCommit resolves any commitish to a full commit SHA.
func (c *Client) ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error) {
	sha, resp, err := c.gh.Repositories.GetCommitSHA1(ctx, owner, repo, ref, "")
	if err != nil {
		if isNotFound(resp) {
			return "", platform.ErrNotFound
		}
		return "", fmt.Errorf("resolve commit %s/%s@%s: %w", owner, repo, ref, err)
	}
	return sha, nil
}

// GetRepository returns repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*platform.Repository, error) {
	r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if isNotFound(resp) {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	return convertRepository(r), nil
}

// ListOrgRepositories lists the public repositories of an organization,
// following pagination.
func (c *Client) ListOrgRepositories(ctx context.Context, org string) ([]*platform.Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "public",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []*platform.Repository
	for {
		repos, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			if isNotFound(resp) {
				return nil, platform.ErrNotFound
			}
			return nil, fmt.Errorf("list repositories of %s: %w", org, err)
		}
		for _, r := range repos {
			out = append(out, convertRepository(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// RateLimit returns the core API rate budget.
func (c *Client) RateLimit(ctx context.Context) (*platform.RateInfo, error) {
	limits, _, err := c.gh.RateLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	core := limits.GetCore()
	if core == nil {
		return nil, fmt.Errorf("rate limit: no core resource in response")
	}
	return &platform.RateInfo{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}, nil
}

// GetSBOM fetches the dependency-graph SBOM of a repository as raw SPDX
// JSON. Repositories without an accessible dependency graph (404, 403,
// 422) map to platform.ErrNotFound.
func (c *Client) GetSBOM(ctx context.Context, owner, repo string) (json.RawMessage, error) {
	u := fmt.Sprintf("repos/%s/%s/dependency-graph/sbom", owner, repo)
	req, err := c.gh.NewRequest("GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("build sbom request: %w", err)
	}

	var raw json.RawMessage
	resp, err := c.gh.Do(ctx, req, &raw)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity:
				return nil, platform.ErrNotFound
			}
		}
		return nil, fmt.Errorf("get sbom %s/%s: %w", owner, repo, err)
	}
	return raw, nil
}

func convertRepository(r *github.Repository) *platform.Repository {
	return &platform.Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		License:       r.GetLicense().GetSPDXID(),
		Stars:         r.GetStargazersCount(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
	}
}

func isNotFound(resp *github.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}
