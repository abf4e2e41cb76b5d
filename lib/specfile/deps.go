// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package specfile

import (
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Dependency is the (name, version) pair derived from a vendored URL
// for the generated Provides declarations.
type Dependency struct {
	Name    string
	Version string
}

var (
	// versionPattern matches the first dotted version triple anywhere
	// in the URL.
	versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

	// revisionPattern matches a 40-character token, the length of a
	// full git SHA-1, used as the version when no dotted triple is
	// present (dependencies pinned to a commit).
	revisionPattern = regexp.MustCompile(`\w{40}`)
)

// Parse derives a Dependency from a download URL. The project name is
// taken from the URL path: most forges put it in the second path
// segment (https://github.com/organization/project_name/...), while
// mirror.bazel.build URLs embed the original host and shift the name
// to the third segment
// (https://mirror.bazel.build/github.com/organization/project_name/...).
// Names are lowercased. The second return is false when the URL's path
// is too short to contain a project name; such URLs get no Provides
// entry.
func Parse(rawURL string) (Dependency, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Dependency{}, false
	}
	cleaned := path.Clean(parsed.Path)
	if cleaned == "/" || cleaned == "." {
		return Dependency{}, false
	}
	segments := strings.Split(cleaned, "/")

	index := 2
	if strings.Contains(rawURL, "mirror.bazel.build") {
		index = 3
	}
	if index >= len(segments) {
		return Dependency{}, false
	}

	dep := Dependency{Name: strings.ToLower(segments[index])}
	if m := versionPattern.FindString(rawURL); m != "" {
		dep.Version = m
	} else if m := revisionPattern.FindString(rawURL); m != "" {
		dep.Version = m
	}
	return dep, true
}

// Dependencies converts a URL list into a sorted, deduplicated
// dependency list.
func Dependencies(urls []string) []Dependency {
	seen := make(map[Dependency]struct{})
	var deps []Dependency
	for _, u := range urls {
		dep, ok := Parse(u)
		if !ok {
			continue
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Version < deps[j].Version
	})
	return deps
}
