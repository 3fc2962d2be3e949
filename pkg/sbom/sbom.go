// Package sbom fetches GitHub dependency-graph SBOMs (SPDX JSON) and
// aggregates dependency statistics across the stored documents.
package sbom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/cache"
	"github.com/actiongraph/actiongraph/pkg/platform"
)

// PhaseFetchingSBOMs is the progress phase reported while SBOMs are
// being fetched for an organization.
const PhaseFetchingSBOMs = "fetching-sboms"

// DefaultTopPackages caps the top-package leaderboard.
const DefaultTopPackages = 10

const keyPrefix = "sbom/"

// Client is the platform surface the SBOM service needs. The GitHub
// client satisfies it.
type Client interface {
	// GetSBOM returns the raw dependency-graph SBOM document, or
	// platform.ErrNotFound when the repository has no accessible
	// dependency graph.
	GetSBOM(ctx context.Context, owner, repo string) (json.RawMessage, error)
	ListOrgRepositories(ctx context.Context, org string) ([]*platform.Repository, error)
}

// Package is one package entry of an SPDX SBOM.
type Package struct {
	SPDXID  string `json:"spdxId"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	License string `json:"license,omitempty"`
}

// RepositorySBOM is the parsed dependency-graph SBOM of one repository.
type RepositorySBOM struct {
	Repository string    `json:"repository"`
	FetchedAt  time.Time `json:"fetchedAt"`
	Packages   []Package `json:"packages"`
}

// PackageStat aggregates one package across every stored SBOM. Name is
// the raw SBOM package name; render it with DisplayName.
type PackageStat struct {
	Name        string   `json:"name"`
	Occurrences int      `json:"occurrences"`
	Versions    []string `json:"versions,omitempty"`
	Newest      string   `json:"newest,omitempty"`
}

// Stats summarizes the stored SBOMs. TopPackages excludes GitHub
// Actions pseudo-packages, which the analyzer already covers.
type Stats struct {
	SBOMCount        int            `json:"sbomCount"`
	UniquePackages   int            `json:"uniquePackages"`
	TotalOccurrences int            `json:"totalOccurrences"`
	TopPackages      []PackageStat  `json:"topPackages,omitempty"`
	Licenses         map[string]int `json:"licenses,omitempty"`
}

// FetchFailure records one repository whose SBOM fetch errored.
type FetchFailure struct {
	Repository string `json:"repository"`
	Error      string `json:"error"`
}

// FetchSummary reports the outcome of an organization-wide fetch.
type FetchSummary struct {
	Organization string         `json:"organization"`
	Repositories int            `json:"repositories"`
	Stored       int            `json:"stored"`
	Absent       int            `json:"absent"`
	Failures     []FetchFailure `json:"failures,omitempty"`
}

// Options configures a Service.
type Options struct {
	Logger *logrus.Entry
}

// Service fetches SBOMs and persists them in a cache store.
type Service struct {
	client Client
	store  cache.Store
	log    *logrus.Entry
}

func NewService(client Client, store cache.Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		log = logrus.NewEntry(silent)
	}
	return &Service{client: client, store: store, log: log}
}

func key(repository string) string {
	return keyPrefix + repository
}

// FetchRepository fetches, parses and stores the SBOM of one repository.
// A repository without an accessible dependency graph returns (nil, nil).
func (s *Service) FetchRepository(ctx context.Context, owner, repo string) (*RepositorySBOM, error) {
	raw, err := s.client.GetSBOM(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			s.log.WithField("repository", owner+"/"+repo).Debug("dependency graph not available")
			return nil, nil
		}
		return nil, fmt.Errorf("fetch sbom of %s/%s: %w", owner, repo, err)
	}

	packages, err := ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sbom of %s/%s: %w", owner, repo, err)
	}

	doc := &RepositorySBOM{
		Repository: owner + "/" + repo,
		FetchedAt:  time.Now().UTC(),
		Packages:   packages,
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode sbom of %s: %w", doc.Repository, err)
	}
	if err := s.store.Set(key(doc.Repository), encoded); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"repository": doc.Repository,
		"packages":   len(doc.Packages),
	}).Debug("stored sbom")
	return doc, nil
}

// FetchOrganization fetches the SBOM of every repository in an
// organization. Cancelling the context returns the partial summary.
func (s *Service) FetchOrganization(ctx context.Context, org string, progress analyze.ProgressFunc) (*FetchSummary, error) {
	repos, err := s.client.ListOrgRepositories(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list repositories of %s: %w", org, err)
	}

	notify := func(p analyze.Progress) {
		if progress != nil {
			progress(p)
		}
	}

	summary := &FetchSummary{Organization: org, Repositories: len(repos)}
	for i, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		notify(analyze.Progress{
			Phase:     PhaseFetchingSBOMs,
			Message:   repo.FullName,
			Processed: i,
			Total:     len(repos),
		})

		doc, err := s.FetchRepository(ctx, repo.Owner, repo.Name)
		switch {
		case err != nil:
			s.log.WithField("repository", repo.FullName).WithError(err).Warn("sbom fetch failed")
			summary.Failures = append(summary.Failures, FetchFailure{
				Repository: repo.FullName,
				Error:      err.Error(),
			})
		case doc == nil:
			summary.Absent++
		default:
			summary.Stored++
		}
	}
	notify(analyze.Progress{
		Phase:     PhaseFetchingSBOMs,
		Processed: summary.Stored + summary.Absent + len(summary.Failures),
		Total:     len(repos),
	})
	return summary, nil
}

// Load returns one stored SBOM by repository slug ("owner/name").
func (s *Service) Load(repository string) (*RepositorySBOM, bool, error) {
	data, ok, err := s.store.Get(key(repository))
	if err != nil || !ok {
		return nil, false, err
	}
	var doc RepositorySBOM
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("decode stored sbom of %s: %w", repository, err)
	}
	return &doc, true, nil
}

// LoadAll returns every stored SBOM, sorted by repository.
func (s *Service) LoadAll() ([]*RepositorySBOM, error) {
	keys, err := s.store.Keys()
	if err != nil {
		return nil, err
	}
	var docs []*RepositorySBOM
	for _, k := range keys {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		doc, ok, err := s.Load(strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Stats recomputes aggregate statistics from the store.
func (s *Service) Stats(limit int) (*Stats, error) {
	docs, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	return Compute(docs, limit), nil
}

// ParseDocument extracts the package entries from a raw dependency-graph
// SBOM document.
func ParseDocument(raw json.RawMessage) ([]Package, error) {
	var envelope struct {
		SBOM struct {
			Packages []struct {
				SPDXID           string `json:"SPDXID"`
				Name             string `json:"name"`
				VersionInfo      string `json:"versionInfo"`
				LicenseConcluded string `json:"licenseConcluded"`
			} `json:"packages"`
		} `json:"sbom"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	packages := make([]Package, 0, len(envelope.SBOM.Packages))
	for _, p := range envelope.SBOM.Packages {
		packages = append(packages, Package{
			SPDXID:  p.SPDXID,
			Name:    p.Name,
			Version: p.VersionInfo,
			License: p.LicenseConcluded,
		})
	}
	return packages, nil
}

// Compute aggregates statistics over a set of SBOMs. limit caps the
// top-package leaderboard; zero or negative means DefaultTopPackages.
func Compute(docs []*RepositorySBOM, limit int) *Stats {
	if limit <= 0 {
		limit = DefaultTopPackages
	}

	type tally struct {
		count    int
		versions map[string]bool
		action   bool
	}
	byName := make(map[string]*tally)
	licenses := make(map[string]int)
	total := 0

	for _, doc := range docs {
		for _, pkg := range doc.Packages {
			total++
			t := byName[pkg.Name]
			if t == nil {
				t = &tally{versions: make(map[string]bool)}
				byName[pkg.Name] = t
			}
			t.count++
			if pkg.Version != "" {
				t.versions[pkg.Version] = true
			}
			if isActionPackage(pkg) {
				t.action = true
			}
			if lic := pkg.License; lic != "" && lic != "NOASSERTION" {
				licenses[lic]++
			}
		}
	}

	stats := &Stats{
		SBOMCount:        len(docs),
		UniquePackages:   len(byName),
		TotalOccurrences: total,
	}
	if len(licenses) > 0 {
		stats.Licenses = licenses
	}

	top := make([]PackageStat, 0, len(byName))
	for name, t := range byName {
		if t.action {
			continue
		}
		versions := make([]string, 0, len(t.versions))
		for v := range t.versions {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		top = append(top, PackageStat{
			Name:        name,
			Occurrences: t.count,
			Versions:    versions,
			Newest:      newestVersion(versions),
		})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Occurrences != top[j].Occurrences {
			return top[i].Occurrences > top[j].Occurrences
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > limit {
		top = top[:limit]
	}
	stats.TopPackages = top
	return stats
}

// DisplayName strips the SPDX ref marker and the ecosystem qualifier
// from a package identifier: "SPDXRef-npm-lodash" keeps its tail, and
// "npm:lodash" becomes "lodash".
func DisplayName(name string) string {
	name = strings.TrimPrefix(name, "SPDXRef-")
	if i := strings.Index(name, ":"); i > 0 {
		return name[i+1:]
	}
	return name
}

// isActionPackage reports whether a package entry describes a GitHub
// Actions step rather than a library dependency. The dependency graph
// lists workflow actions alongside real packages; the analyzer already
// covers those, so the leaderboard skips them.
func isActionPackage(pkg Package) bool {
	if strings.Contains(strings.ToLower(pkg.SPDXID), "githubaction") {
		return true
	}
	if strings.HasPrefix(pkg.Name, "actions:") {
		return true
	}
	return strings.Contains(pkg.Name, "/") && !strings.Contains(pkg.Name, ":")
}

func newestVersion(versions []string) string {
	var newest *goversion.Version
	var raw string
	for _, v := range versions {
		parsed, err := goversion.NewVersion(v)
		if err != nil {
			continue
		}
		if newest == nil || parsed.GreaterThan(newest) {
			newest = parsed
			raw = v
		}
	}
	return raw
}
