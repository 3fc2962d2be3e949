package workflow_test

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/actiongraph/actiongraph/pkg/reference"
	"github.com/actiongraph/actiongraph/pkg/workflow"
)

const ciWorkflow = `name: CI
on: push

jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - name: Setup
        uses: actions/setup-node@8f4b7f84864484a7bf31766abe9204da3cbe65b3
      - run: npm install express
      - uses: docker://alpine:3.19
  call:
    uses: octo/shared/.github/workflows/ci.yml@main
`

func TestScan(t *testing.T) {
	result := workflow.Scan("octo/app", ".github/workflows/ci.yml", []byte(ciWorkflow))

	if result.Error != "" {
		t.Fatalf("unexpected scan error: %s", result.Error)
	}
	if result.Repository != "octo/app" || result.Path != ".github/workflows/ci.yml" {
		t.Errorf("result identity = %s %s", result.Repository, result.Path)
	}

	if len(result.References) != 4 {
		t.Fatalf("expected 4 references, got %d: %+v", len(result.References), result.References)
	}

	checkout := result.References[0]
	if checkout.Raw != "actions/checkout@v4" || checkout.Line != 8 ||
		checkout.JobID != "build" || checkout.StepIndex != 0 || checkout.Type != workflow.TypeAction {
		t.Errorf("checkout reference = %+v", checkout)
	}
	if checkout.Reference.Kind != reference.Remote {
		t.Errorf("checkout classified as %s", checkout.Reference.Kind)
	}

	setup := result.References[1]
	if setup.Line != 10 || setup.StepIndex != 1 || !setup.Reference.IsPinned() {
		t.Errorf("setup-node reference = %+v", setup)
	}

	docker := result.References[2]
	if docker.Line != 12 || docker.Reference.Kind != reference.Docker || docker.Reference.Image != "alpine:3.19" {
		t.Errorf("docker reference = %+v", docker)
	}

	reusable := result.References[3]
	if reusable.Type != workflow.TypeReusableWorkflow || reusable.JobID != "call" ||
		reusable.StepIndex != -1 || reusable.Line != 14 {
		t.Errorf("reusable workflow reference = %+v", reusable)
	}
	if reusable.Reference.Path != ".github/workflows/ci.yml" {
		t.Errorf("reusable workflow path = %q", reusable.Reference.Path)
	}

	if len(result.Commands) != 1 {
		t.Fatalf("expected 1 run command, got %d", len(result.Commands))
	}
	cmd := result.Commands[0]
	if cmd.Script != "npm install express" || cmd.Line != 11 || cmd.JobID != "build" || cmd.StepIndex != 2 {
		t.Errorf("run command = %+v", cmd)
	}

	if result.Document == nil {
		t.Error("parsed document should be retained")
	}
}

func TestScanCompositeManifest(t *testing.T) {
	manifest := `name: My composite
runs:
  using: composite
  steps:
    - uses: actions/cache@v3
    - run: pip install requests
      shell: bash
`
	result := workflow.Scan("octo/action", "action.yml", []byte(manifest))

	if result.Error != "" {
		t.Fatalf("unexpected scan error: %s", result.Error)
	}
	if len(result.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(result.References))
	}
	if result.References[0].Line != 5 || result.References[0].Type != workflow.TypeAction {
		t.Errorf("composite reference = %+v", result.References[0])
	}
	if len(result.Commands) != 1 || result.Commands[0].Script != "pip install requests" {
		t.Errorf("composite commands = %+v", result.Commands)
	}
}

func TestScanNormalizesBOMAndCRLF(t *testing.T) {
	content := "\xEF\xBB\xBFname: CI\r\njobs:\r\n  a:\r\n    steps:\r\n      - uses: actions/checkout@v4\r\n"

	result := workflow.Scan("octo/app", "ci.yml", []byte(content))
	if result.Error != "" {
		t.Fatalf("unexpected scan error: %s", result.Error)
	}
	if len(result.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(result.References))
	}
	if result.References[0].Line != 5 {
		t.Errorf("line = %d, want 5", result.References[0].Line)
	}
}

func TestScanMalformedYAML(t *testing.T) {
	result := workflow.Scan("octo/app", "broken.yml", []byte("jobs:\n  a: [unclosed"))

	if result.Error == "" {
		t.Fatal("expected degraded result with error")
	}
	if len(result.References) != 0 {
		t.Errorf("degraded result should carry no references, got %d", len(result.References))
	}
}

func TestScanNonScalarUses(t *testing.T) {
	content := `jobs:
  a:
    steps:
      - uses: [not, a, string]
`
	result := workflow.Scan("octo/app", "odd.yml", []byte(content))
	if result.Error != "" {
		t.Fatalf("unexpected scan error: %s", result.Error)
	}
	if len(result.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(result.References))
	}
	if result.References[0].Reference.Kind != reference.Invalid {
		t.Errorf("non-scalar uses classified as %s", result.References[0].Reference.Kind)
	}
}

func TestDiscoverLocal(t *testing.T) {
	fsys := afero.NewMemMapFs()
	files := map[string]string{
		".github/workflows/ci.yml":         ciWorkflow,
		".github/workflows/release.yaml":   "jobs: {}\n",
		".github/workflows/README.md":      "not a workflow",
		".github/workflows/sub/deploy.yml": "jobs: {}\n",
	}
	for path, content := range files {
		if err := afero.WriteFile(fsys, path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	found, err := workflow.DiscoverLocal(fsys, ".")
	if err != nil {
		t.Fatalf("DiscoverLocal: %v", err)
	}
	if len(found) != 3 {
		t.Errorf("expected 3 workflow files, got %d", len(found))
	}

	none, err := workflow.DiscoverLocal(afero.NewMemMapFs(), ".")
	if err != nil {
		t.Fatalf("DiscoverLocal on empty fs: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no files, got %d", len(none))
	}
}
