package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/organization"
	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/rules"
	"github.com/actiongraph/actiongraph/pkg/server"
)

const toolSHA = "2222222222222222222222222222222222222222"

type fakeForge struct {
	repos       []*platform.Repository
	workflows   map[string]string // "owner/repo" present -> serve ci.yml
	branches    map[string]string // "owner/repo@branch" -> sha
	files       map[string]string // "owner/repo@ref:path" -> content
	failListing map[string]bool
	gate        chan struct{} // when set, ListDirectory blocks until closed
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		workflows:   make(map[string]string),
		branches:    make(map[string]string),
		files:       make(map[string]string),
		failListing: make(map[string]bool),
	}
}

// addWorkflowRepo registers a repository whose single workflow references
// octo/tool@main, resolvable to a plain node action.
func (f *fakeForge) addWorkflowRepo(owner, name string) {
	f.workflows[owner+"/"+name] = "set"
	f.files[owner+"/"+name+"@:.github/workflows/ci.yml"] = `jobs:
  build:
    steps:
      - uses: octo/tool@main
`
	f.branches["octo/tool@main"] = toolSHA
	f.files["octo/tool@"+toolSHA+":action.yml"] = "name: Tool\nruns:\n  using: node20\n"
}

func (f *fakeForge) GetFileContent(_ context.Context, owner, repo, path, ref string) (string, error) {
	content, ok := f.files[owner+"/"+repo+"@"+ref+":"+path]
	if !ok {
		return "", platform.ErrNotFound
	}
	return content, nil
}

func (f *fakeForge) ListDirectory(_ context.Context, owner, repo, path, ref string) ([]platform.DirEntry, error) {
	if f.gate != nil {
		<-f.gate
	}
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

func (f *fakeForge) ResolveBranch(_ context.Context, owner, repo, branch string) (string, error) {
	sha, ok := f.branches[owner+"/"+repo+"@"+branch]
	if !ok {
		return "", platform.ErrNotFound
	}
	return sha, nil
}

func (f *fakeForge) ResolveTag(context.Context, string, string, string) (platform.TagObject, error) {
	return platform.TagObject{}, platform.ErrNotFound
}

func (f *fakeForge) GetTagObject(context.Context, string, string, string) (platform.TagObject, error) {
	return platform.TagObject{}, platform.ErrNotFound
}

func (f *fakeForge) ResolveCommit(context.Context, string, string, string) (string, error) {
	return "", platform.ErrNotFound
}

func (f *fakeForge) GetRepository(context.Context, string, string) (*platform.Repository, error) {
	return nil, platform.ErrNotFound
}

func (f *fakeForge) ListOrgRepositories(context.Context, string) ([]*platform.Repository, error) {
	return f.repos, nil
}

func (f *fakeForge) RateLimit(context.Context) (*platform.RateInfo, error) {
	return &platform.RateInfo{Limit: 5000, Remaining: 5000, Reset: time.Now()}, nil
}

func newTestServer(t *testing.T, forge *fakeForge, opts server.Options) *httptest.Server {
	t.Helper()
	s := server.New(forge, opts)
	t.Cleanup(s.Close)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return res
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type progressPayload struct {
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error"`
}

func waitForStatus(t *testing.T, base, id, want string) progressPayload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last progressPayload
	for time.Now().Before(deadline) {
		res := getJSON(t, base+"/api/progress/"+id)
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			t.Fatalf("GET progress = %d, want 200", res.StatusCode)
		}
		decodeBody(t, res, &last)
		if last.Status == want {
			return last
		}
		if last.Status == server.StatusFailed && want != server.StatusFailed {
			t.Fatalf("session failed: %s", last.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s stuck at %q, want %q", id, last.Status, want)
	return last
}

func startAnalysis(t *testing.T, base, body string) string {
	t.Helper()
	res := postJSON(t, base+"/api/analyze", body)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/analyze = %d, want 202", res.StatusCode)
	}
	var accepted struct {
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, res, &accepted)
	if accepted.SessionID == "" {
		t.Fatal("empty sessionId")
	}
	return accepted.SessionID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, newFakeForge(), server.Options{})

	res := getJSON(t, ts.URL+"/healthz")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", res.StatusCode)
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAnalyzeSessionLifecycle(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "app")
	forge.gate = make(chan struct{})
	ts := newTestServer(t, forge, server.Options{})

	id := startAnalysis(t, ts.URL, `{"owner":"octo","repo":"app"}`)

	// The forge is gated, so the session cannot have finished yet.
	res := getJSON(t, ts.URL+"/api/result/"+id)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("GET result while running = %d, want 409", res.StatusCode)
	}
	var conflict map[string]string
	decodeBody(t, res, &conflict)
	if st := conflict["status"]; st != server.StatusPending && st != server.StatusRunning {
		t.Errorf("conflict status = %q, want pending or running", st)
	}

	close(forge.gate)
	progress := waitForStatus(t, ts.URL, id, server.StatusComplete)
	if progress.Processed != progress.Total {
		t.Errorf("final progress = %d/%d, want processed == total", progress.Processed, progress.Total)
	}

	res = getJSON(t, ts.URL+"/api/result/"+id)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET result = %d, want 200", res.StatusCode)
	}
	var result analyze.Result
	decodeBody(t, res, &result)
	if result.Repository != "octo/app" {
		t.Errorf("Repository = %q, want octo/app", result.Repository)
	}
	if result.Summary.WorkflowCount != 1 || len(result.Actions) != 1 {
		t.Errorf("result = %d workflows, %d actions, want 1 and 1",
			result.Summary.WorkflowCount, len(result.Actions))
	}
	var ruleIDs []string
	for _, f := range result.Findings {
		ruleIDs = append(ruleIDs, f.RuleID)
	}
	want := []string{rules.RuleUnpinnedAction, rules.RuleMutableTag}
	if diff := cmp.Diff(want, ruleIDs); diff != "" {
		t.Errorf("finding rules mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	ts := newTestServer(t, newFakeForge(), server.Options{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"owner":`, "invalid json"},
		{"missing repo", `{"owner":"octo"}`, "owner and repo are required"},
		{"missing owner", `{"repo":"app"}`, "owner and repo are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, ts.URL+"/api/analyze", tt.body)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", res.StatusCode)
			}
			var body map[string]string
			decodeBody(t, res, &body)
			if body["error"] != tt.want {
				t.Errorf("error = %q, want %q", body["error"], tt.want)
			}
		})
	}
}

func TestAnalyzeOrgSession(t *testing.T) {
	forge := newFakeForge()
	forge.repos = []*platform.Repository{
		{Owner: "octo", Name: "r1", FullName: "octo/r1", DefaultBranch: "main"},
	}
	ts := newTestServer(t, forge, server.Options{})

	res := postJSON(t, ts.URL+"/api/analyze-org", `{"org":"octo"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/analyze-org = %d, want 202", res.StatusCode)
	}
	var accepted struct {
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, res, &accepted)

	waitForStatus(t, ts.URL, accepted.SessionID, server.StatusComplete)

	res = getJSON(t, ts.URL+"/api/result/"+accepted.SessionID)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET result = %d, want 200", res.StatusCode)
	}
	var result organization.Result
	decodeBody(t, res, &result)
	if result.Organization != "octo" || result.TotalRepositories != 1 {
		t.Errorf("result = org %q with %d repositories, want octo with 1",
			result.Organization, result.TotalRepositories)
	}
	if result.Summary.RepositoriesAnalyzed != 1 {
		t.Errorf("RepositoriesAnalyzed = %d, want 1", result.Summary.RepositoriesAnalyzed)
	}
}

func TestAnalyzeOrgValidation(t *testing.T) {
	ts := newTestServer(t, newFakeForge(), server.Options{})

	res := postJSON(t, ts.URL+"/api/analyze-org", `{}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["error"] != "org is required" {
		t.Errorf("error = %q, want org is required", body["error"])
	}
}

func TestFailedAnalysis(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "app")
	forge.failListing["octo/app"] = true
	ts := newTestServer(t, forge, server.Options{})

	id := startAnalysis(t, ts.URL, `{"owner":"octo","repo":"app"}`)

	progress := waitForStatus(t, ts.URL, id, server.StatusFailed)
	if !strings.Contains(progress.Error, "api: 500") {
		t.Errorf("progress error = %q, want the listing failure", progress.Error)
	}

	res := getJSON(t, ts.URL+"/api/result/"+id)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("GET result of failed session = %d, want 409", res.StatusCode)
	}
	var body map[string]string
	decodeBody(t, res, &body)
	if body["status"] != server.StatusFailed || !strings.Contains(body["error"], "api: 500") {
		t.Errorf("conflict body = %v, want failed status with error", body)
	}
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t, newFakeForge(), server.Options{})

	for _, path := range []string{"/api/progress/deadbeef", "/api/result/deadbeef"} {
		res := getJSON(t, ts.URL+path)
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, res.StatusCode)
		}
		res.Body.Close()
	}
}

func TestSessionExpiry(t *testing.T) {
	forge := newFakeForge()
	forge.addWorkflowRepo("octo", "app")
	ts := newTestServer(t, forge, server.Options{SessionTTL: 20 * time.Millisecond})

	id := startAnalysis(t, ts.URL, `{"owner":"octo","repo":"app"}`)
	waitForStatus(t, ts.URL, id, server.StatusComplete)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		res := getJSON(t, ts.URL+"/api/progress/"+id)
		res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never expired")
}
