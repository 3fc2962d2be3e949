package organization_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/organization"
	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

const toolSHA = "1111111111111111111111111111111111111111"

// fakeForge serves one optional ci.yml workflow per repository plus the
// organization listing and rate-limit surfaces.
type fakeForge struct {
	repos       []*platform.Repository
	listOrgErr  error
	failListing map[string]bool
	workflows   map[string]string // "owner/repo" -> ci.yml content
	branches    map[string]string // "owner/repo@branch" -> sha
	files       map[string]string // "owner/repo@ref:path" -> content
	rates       []*platform.RateInfo
	calls       map[string]int
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		failListing: make(map[string]bool),
		workflows:   make(map[string]string),
		branches:    make(map[string]string),
		files:       make(map[string]string),
		calls:       make(map[string]int),
	}
}

func (f *fakeForge) ListOrgRepositories(ctx context.Context, org string) ([]*platform.Repository, error) {
	f.calls["ListOrgRepositories"]++
	if f.listOrgErr != nil {
		return nil, f.listOrgErr
	}
	return f.repos, nil
}

func (f *fakeForge) RateLimit(ctx context.Context) (*platform.RateInfo, error) {
	f.calls["RateLimit"]++
	if len(f.rates) == 0 {
		return &platform.RateInfo{Limit: 5000, Remaining: 5000, Reset: time.Now()}, nil
	}
	info := f.rates[0]
	f.rates = f.rates[1:]
	return info, nil
}

func (f *fakeForge) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	f.calls["GetFileContent"]++
	content, ok := f.files[owner+"/"+repo+"@"+ref+":"+path]
	if !ok {
		return "", platform.ErrNotFound
	}
	return content, nil
}

func (f *fakeForge) ListDirectory(ctx context.Context, owner, repo, path, ref string) ([]platform.DirEntry, error) {
	f.calls["ListDirectory"]++
	if f.failListing[owner+"/"+repo] {
		return nil, errors.New("api: 500")
	}
	if _, ok := f.workflows[owner+"/"+repo]; !ok {
		return nil, platform.ErrNotFound
	}
	return []platform.DirEntry{
		{Name: "ci.yml", Path: ".github/workflows/ci.yml", Type: "file"},
	}, nil
}

func (f *fakeForge) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	f.calls["ResolveBranch"]++
	sha, ok := f.branches[owner+"/"+repo+"@"+branch]
	if !ok {
		return "", platform.ErrNotFound
	}
	return sha, nil
}

func (f *fakeForge) ResolveTag(ctx context.Context, owner, repo, tag string) (platform.TagObject, error) {
	f.calls["ResolveTag"]++
	return platform.TagObject{}, platform.ErrNotFound
}

func (f *fakeForge) GetTagObject(ctx context.Context, owner, repo, sha string) (platform.TagObject, error) {
	f.calls["GetTagObject"]++
	return platform.TagObject{}, platform.ErrNotFound
}

func (f *fakeForge) ResolveCommit(ctx context.Context, owner, repo, ref string) (string, error) {
	f.calls["ResolveCommit"]++
	return "", platform.ErrNotFound
}

func (f *fakeForge) GetRepository(ctx context.Context, owner, repo string) (*platform.Repository, error) {
	f.calls["GetRepository"]++
	return nil, platform.ErrNotFound
}

func repoInfo(owner, name string) *platform.Repository {
	return &platform.Repository{Owner: owner, Name: name, FullName: owner + "/" + name, DefaultBranch: "main"}
}

// addWorkflowRepo registers a repository whose single workflow references
// octo/tool@main.
func (f *fakeForge) addWorkflowRepo(owner, name string) {
	f.repos = append(f.repos, repoInfo(owner, name))
	f.workflows[owner+"/"+name] = "set"
	f.files[owner+"/"+name+"@:.github/workflows/ci.yml"] = `jobs:
  build:
    steps:
      - uses: octo/tool@main
`
}

func TestAnalyzeOrganization(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "r1")
	forge.repos = append(forge.repos, repoInfo("octo", "r2")) // no workflows
	forge.repos = append(forge.repos, repoInfo("octo", "r3"))
	forge.failListing["octo/r3"] = true
	forge.branches["octo/tool@main"] = toolSHA
	forge.files["octo/tool@"+toolSHA+":action.yml"] = "name: Tool\nruns:\n  using: node20\n"

	var events []analyze.Progress
	analyzer := organization.New(forge, organization.Options{})
	result, err := analyzer.AnalyzeOrganization(context.Background(), "octo", func(p analyze.Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("AnalyzeOrganization: %v", err)
	}

	if result.Organization != "octo" || result.TotalRepositories != 3 {
		t.Errorf("org %q total %d, want octo/3", result.Organization, result.TotalRepositories)
	}
	if len(result.Repositories) != 3 {
		t.Fatalf("len(Repositories) = %d, want 3", len(result.Repositories))
	}
	if result.Repositories[0].Result == nil || result.Repositories[0].Error != "" {
		t.Errorf("r1 = %+v, want a clean result", result.Repositories[0])
	}
	if result.Repositories[1].Result == nil {
		t.Errorf("r2 without workflows should still carry an empty result")
	}
	if result.Repositories[2].Result != nil || result.Repositories[2].Error == "" {
		t.Errorf("r3 = %+v, want a recorded failure", result.Repositories[2])
	}

	if len(result.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(result.Errors))
	}
	if result.Errors[0].Repository != "octo/r3" || !strings.Contains(result.Errors[0].Error, "api: 500") {
		t.Errorf("Errors[0] = %+v", result.Errors[0])
	}

	wantSummary := organization.Summary{
		RepositoriesAnalyzed: 2,
		RepositoriesFailed:   1,
		TotalActions:         1,
		TotalFindings:        2,
		FindingsBySeverity:   map[rules.Severity]int{rules.High: 2},
		TopRules: []organization.RuleCount{
			{RuleID: rules.RuleMutableTag, RuleName: "Mutable Tag Reference", Severity: rules.High, Count: 1, Repositories: []string{"octo/r1"}},
			{RuleID: rules.RuleUnpinnedAction, RuleName: "Unpinned Action Reference", Severity: rules.Medium, Count: 1, Repositories: []string{"octo/r1"}},
		},
		TopActions: []organization.ActionCount{{Slug: "octo/tool", Count: 1}},
	}
	if diff := cmp.Diff(wantSummary, result.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	wantEvents := []analyze.Progress{
		{Phase: organization.PhaseAnalyzingRepositories, Message: "octo/r1", Processed: 0, Total: 3},
		{Phase: organization.PhaseAnalyzingRepositories, Message: "octo/r2", Processed: 1, Total: 3},
		{Phase: organization.PhaseAnalyzingRepositories, Message: "octo/r3", Processed: 2, Total: 3},
		{Phase: organization.PhaseAnalyzingRepositories, Processed: 3, Total: 3},
	}
	if diff := cmp.Diff(wantEvents, events); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeOrganizationIsolatesRepositories(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "r1")
	forge.addWorkflowRepo("octo", "r2")
	forge.branches["octo/tool@main"] = toolSHA
	forge.files["octo/tool@"+toolSHA+":action.yml"] = "name: Tool\nruns:\n  using: node20\n"

	analyzer := organization.New(forge, organization.Options{})
	result, err := analyzer.AnalyzeOrganization(context.Background(), "octo", nil)
	if err != nil {
		t.Fatalf("AnalyzeOrganization: %v", err)
	}

	// Each repository runs on its own analyzer: findings carry only that
	// repository's workflow locations.
	for i, want := range []string{"octo/r1", "octo/r2"} {
		res := result.Repositories[i].Result
		if res == nil || len(res.Findings) == 0 {
			t.Fatalf("repo %s missing findings", want)
		}
		for _, f := range res.Findings {
			for _, loc := range f.Locations {
				if loc.Repository != want {
					t.Errorf("repo %s finding located in %s", want, loc.Repository)
				}
			}
		}
	}
	if got := forge.calls["ResolveBranch"]; got != 2 {
		t.Errorf("ResolveBranch called %d times, want one per repository", got)
	}
}

func TestAnalyzeOrganizationPacesRateLimit(t *testing.T) {
	forge := newFakeForge()
	for _, name := range []string{"r1", "r2", "r3", "r4", "r5"} {
		forge.repos = append(forge.repos, repoInfo("octo", name))
	}
	forge.rates = []*platform.RateInfo{
		{Limit: 5000, Remaining: 3, Reset: time.Now().Add(30 * time.Second)},
	}

	var sleeps []time.Duration
	analyzer := organization.New(forge, organization.Options{
		CheckInterval: 2,
		Sleep:         func(d time.Duration) { sleeps = append(sleeps, d) },
	})
	result, err := analyzer.AnalyzeOrganization(context.Background(), "octo", nil)
	if err != nil {
		t.Fatalf("AnalyzeOrganization: %v", err)
	}
	if result.Summary.RepositoriesAnalyzed != 5 {
		t.Errorf("RepositoriesAnalyzed = %d, want 5", result.Summary.RepositoriesAnalyzed)
	}

	// Checks run before repos 3 and 5; only the first sees a low budget.
	if got := forge.calls["RateLimit"]; got != 2 {
		t.Errorf("RateLimit called %d times, want 2", got)
	}
	if len(sleeps) != 1 {
		t.Fatalf("slept %d times, want 1", len(sleeps))
	}
	if sleeps[0] < 25*time.Second {
		t.Errorf("slept %v, want roughly until reset", sleeps[0])
	}
}

func TestAnalyzeOrganizationListingError(t *testing.T) {
	forge := newFakeForge()
	forge.listOrgErr = errors.New("api: 502")

	analyzer := organization.New(forge, organization.Options{})
	result, err := analyzer.AnalyzeOrganization(context.Background(), "octo", nil)
	if !errors.Is(err, forge.listOrgErr) {
		t.Fatalf("err = %v, want wrapped listing error", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestAnalyzeOrganizationHonorsCancellation(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "r1")
	forge.addWorkflowRepo("octo", "r2")
	forge.branches["octo/tool@main"] = toolSHA
	forge.files["octo/tool@"+toolSHA+":action.yml"] = "name: Tool\nruns:\n  using: node20\n"

	ctx, cancel := context.WithCancel(context.Background())
	var once bool
	analyzer := organization.New(forge, organization.Options{})
	result, err := analyzer.AnalyzeOrganization(ctx, "octo", func(analyze.Progress) {
		if !once {
			once = true
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("AnalyzeOrganization: %v", err)
	}
	// The first repository was already in flight; the second is skipped.
	if len(result.Repositories) != 1 {
		t.Errorf("len(Repositories) = %d, want 1 (partial result)", len(result.Repositories))
	}
	if result.TotalRepositories != 2 {
		t.Errorf("TotalRepositories = %d, want 2", result.TotalRepositories)
	}
}
