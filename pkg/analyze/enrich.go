package analyze

import (
	"context"
	"errors"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/platform"
)

// licenseInfo is the per-repository enrichment result, cached for the run.
type licenseInfo struct {
	license string
	authors []string
}

var licenseFiles = []string{"LICENSE", "LICENSE.md", "LICENSE.txt"}

// licensePatterns map well-known license text fragments to SPDX IDs. Order
// matters: more specific fragments come first.
var licensePatterns = []struct {
	id      string
	needles []string
}{
	{"Apache-2.0", []string{"apache license", "version 2.0"}},
	{"MIT", []string{"permission is hereby granted, free of charge"}},
	{"GPL-3.0", []string{"gnu general public license", "version 3"}},
	{"GPL-2.0", []string{"gnu general public license", "version 2"}},
	{"MPL-2.0", []string{"mozilla public license version 2.0"}},
	{"BSD-3-Clause", []string{"redistribution and use", "neither the name"}},
	{"BSD-2-Clause", []string{"redistribution and use"}},
	{"ISC", []string{"permission to use, copy, modify, and/or distribute"}},
	{"Unlicense", []string{"this is free and unencumbered software"}},
}

// enrich fills license and author information on every node of the given
// trees. Lookups are per-repository and cached, so a run touching the same
// owner/repo through many actions pays for one lookup.
func (a *Analyzer) enrich(ctx context.Context, roots []*Node) {
	walkNodes(roots, func(n *Node) {
		if n.Owner == "" || n.Repo == "" {
			return
		}
		info := a.lookupLicense(ctx, n.Owner, n.Repo, n.ResolvedRef, n.Ref)
		n.License = info.license
		n.Authors = info.authors
	})
}

func (a *Analyzer) lookupLicense(ctx context.Context, owner, repo, resolvedRef, ref string) licenseInfo {
	key := owner + "/" + repo
	if cached, ok := a.licenses[key]; ok {
		return cached
	}

	info := licenseInfo{authors: []string{owner}}
	defaultBranch := ""

	meta, err := a.client.GetRepository(ctx, owner, repo)
	if err == nil {
		defaultBranch = meta.DefaultBranch
		if meta.License != "" && meta.License != "NOASSERTION" {
			info.license = meta.License
		}
	} else if !errors.Is(err, platform.ErrNotFound) {
		a.log.WithError(err).WithField("repository", key).Debug("repository metadata lookup failed")
	}

	if info.license == "" {
		refs := dedupeRefs(resolvedRef, ref, defaultBranch)
		for _, tryRef := range refs {
			if id := a.licenseFromFiles(ctx, owner, repo, tryRef); id != "" {
				info.license = id
				break
			}
		}
	}

	a.licenses[key] = info
	return info
}

func (a *Analyzer) licenseFromFiles(ctx context.Context, owner, repo, ref string) string {
	for _, name := range licenseFiles {
		content, err := a.client.GetFileContent(ctx, owner, repo, name, ref)
		if err != nil {
			continue
		}
		if id := matchLicense(content); id != "" {
			return id
		}
	}
	return ""
}

// matchLicense maps license text to an SPDX identifier by fragment
// matching.
func matchLicense(content string) string {
	lower := strings.ToLower(content)
	for _, pattern := range licensePatterns {
		matched := true
		for _, needle := range pattern.needles {
			if !strings.Contains(lower, needle) {
				matched = false
				break
			}
		}
		if matched {
			return pattern.id
		}
	}
	return ""
}

func dedupeRefs(refs ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}
