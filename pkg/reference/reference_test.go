package reference_test

import (
	"strings"
	"testing"

	"github.com/actiongraph/actiongraph/pkg/reference"
	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want reference.Reference
	}{
		{
			name: "simple action",
			raw:  "actions/checkout@v4",
			want: reference.Reference{
				Kind:  reference.Remote,
				Raw:   "actions/checkout@v4",
				Owner: "actions",
				Repo:  "checkout",
				Ref:   "v4",
			},
		},
		{
			name: "subdirectory action",
			raw:  "github/codeql-action/init@v3",
			want: reference.Reference{
				Kind:  reference.Remote,
				Raw:   "github/codeql-action/init@v3",
				Owner: "github",
				Repo:  "codeql-action",
				Path:  "init",
				Ref:   "v3",
			},
		},
		{
			name: "deep subdirectory",
			raw:  "org/mono/actions/setup/go@main",
			want: reference.Reference{
				Kind:  reference.Remote,
				Raw:   "org/mono/actions/setup/go@main",
				Owner: "org",
				Repo:  "mono",
				Path:  "actions/setup/go",
				Ref:   "main",
			},
		},
		{
			name: "sha pinned",
			raw:  "actions/checkout@8f4b7f84864484a7bf31766abe9204da3cbe65b3",
			want: reference.Reference{
				Kind:  reference.Remote,
				Raw:   "actions/checkout@8f4b7f84864484a7bf31766abe9204da3cbe65b3",
				Owner: "actions",
				Repo:  "checkout",
				Ref:   "8f4b7f84864484a7bf31766abe9204da3cbe65b3",
			},
		},
		{
			name: "reusable workflow path",
			raw:  "octo/shared/.github/workflows/ci.yml@v1",
			want: reference.Reference{
				Kind:  reference.Remote,
				Raw:   "octo/shared/.github/workflows/ci.yml@v1",
				Owner: "octo",
				Repo:  "shared",
				Path:  ".github/workflows/ci.yml",
				Ref:   "v1",
			},
		},
		{
			name: "docker with tag",
			raw:  "docker://alpine:3.19",
			want: reference.Reference{
				Kind:  reference.Docker,
				Raw:   "docker://alpine:3.19",
				Image: "alpine:3.19",
			},
		},
		{
			name: "docker bare image",
			raw:  "docker://alpine",
			want: reference.Reference{
				Kind:  reference.Docker,
				Raw:   "docker://alpine",
				Image: "alpine",
			},
		},
		{
			name: "local action",
			raw:  "./.github/actions/build",
			want: reference.Reference{
				Kind: reference.Local,
				Raw:  "./.github/actions/build",
				Path: "./.github/actions/build",
			},
		},
		{
			name: "parent relative local action",
			raw:  "../shared/action",
			want: reference.Reference{
				Kind: reference.Local,
				Raw:  "../shared/action",
				Path: "../shared/action",
			},
		},
		{
			name: "empty string",
			raw:  "",
			want: reference.Reference{Kind: reference.Invalid},
		},
		{
			name: "blank string",
			raw:  "   ",
			want: reference.Reference{Kind: reference.Invalid, Raw: "   "},
		},
		{
			name: "missing ref",
			raw:  "actions/checkout",
			want: reference.Reference{Kind: reference.Invalid, Raw: "actions/checkout"},
		},
		{
			name: "trailing at",
			raw:  "actions/checkout@",
			want: reference.Reference{Kind: reference.Invalid, Raw: "actions/checkout@"},
		},
		{
			name: "missing repo",
			raw:  "actions@v4",
			want: reference.Reference{Kind: reference.Invalid, Raw: "actions@v4"},
		},
		{
			name: "leading at",
			raw:  "@v4",
			want: reference.Reference{Kind: reference.Invalid, Raw: "@v4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reference.Parse(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

// Re-parsing the canonical key of a remote reference must classify to the
// same owner, repo, path and ref.
func TestParseKeyRoundTrip(t *testing.T) {
	raws := []string{
		"actions/checkout@v4",
		"github/codeql-action/init@v3",
		"org/mono/actions/setup/go@8f4b7f84864484a7bf31766abe9204da3cbe65b3",
	}
	for _, raw := range raws {
		first := reference.Parse(raw)
		second := reference.Parse(first.Key())
		if first.Owner != second.Owner || first.Repo != second.Repo ||
			first.Path != second.Path || first.Ref != second.Ref {
			t.Errorf("round trip of %q changed classification: %+v vs %+v", raw, first, second)
		}
		if second.Key() != first.Key() {
			t.Errorf("round trip of %q changed key: %q vs %q", raw, first.Key(), second.Key())
		}
	}
}

func TestIsPinned(t *testing.T) {
	sha := "8f4b7f84864484a7bf31766abe9204da3cbe65b3"

	tests := []struct {
		ref  string
		want bool
	}{
		{sha, true},
		{strings.ToUpper(sha), true},
		{sha[:39], false},
		{sha + "a", false},
		{"v1.2.3", false},
		{"main", false},
		{"g" + sha[:39], false},
	}

	for _, tt := range tests {
		got := reference.Parse("actions/checkout@" + tt.ref).IsPinned()
		if got != tt.want {
			t.Errorf("IsPinned with ref %q = %v, want %v", tt.ref, got, tt.want)
		}
	}

	if (reference.Reference{Kind: reference.Docker, Image: "alpine"}).IsPinned() {
		t.Error("docker reference should never report pinned")
	}
}

func TestIsMutableTag(t *testing.T) {
	mutable := []string{"latest", "LATEST", "stable", "edge", "main", "Master", "dev", "develop", "v2", "v10"}
	for _, ref := range mutable {
		if !reference.IsMutableTag(ref) {
			t.Errorf("IsMutableTag(%q) = false, want true", ref)
		}
	}

	immutable := []string{"v2.3.1", "v1.0", "release-2024", "8f4b7f84864484a7bf31766abe9204da3cbe65b3", ""}
	for _, ref := range immutable {
		if reference.IsMutableTag(ref) {
			t.Errorf("IsMutableTag(%q) = true, want false", ref)
		}
	}
}
