package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that the requested object does not exist on the
// platform. Callers treat it as absent data, not as a failure.
var ErrNotFound = errors.New("platform: not found")

// DirEntry is one entry of a repository directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
}

// TagObject is the object a tag ref points at. Lightweight tags point
// straight at a commit; annotated tags point at a tag object that must be
// dereferenced once more to reach the commit.
type TagObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"` // "commit" or "tag"
}

// Repository is the subset of repository metadata the analyzer consumes.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"defaultBranch"`
	License       string `json:"license,omitempty"` // SPDX identifier
	Stars         int    `json:"stars"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived"`
}

// RateInfo is the remaining API budget of the authenticated principal.
type RateInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Client is the read-only remote surface the analyzer runs against. All
// methods return ErrNotFound for objects that do not exist; any other
// error degrades only the piece of analysis that needed the call.
type Client interface {
	// GetFileContent returns the decoded content of a file at ref. An
	// empty ref addresses the default branch.
	GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error)

	// ListDirectory lists a directory at ref.
	ListDirectory(ctx context.Context, owner, repo, path, ref string) ([]DirEntry, error)

	// ResolveBranch returns the commit SHA a branch head points at.
	ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error)

	// ResolveTag returns the object a tag points at without dereferencing
	// annotated tags.
	ResolveTag(ctx context.Context, owner, repo, tag string) (TagObject, error)

	// GetTagObject dereferences an annotated tag object by SHA.
	GetTagObject(ctx context.Context, owner, repo, sha string) (TagObject, error)

	// ResolveCommit resolves any commitish (SHA prefix, ref name) to a
	// full commit SHA.
	ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error)

	// GetRepository returns repository metadata.
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)
}
