// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns a short name for each of the run directories given, built from the path
// components that distinguish it from the others.
//
// If only one component differs it is used alone, if more than one differs the first and last differing
// components are joined with "...". If nothing differs, the base name is used.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	split := make([][]string, len(paths))
	for ii, p := range paths {
		split[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	names := make([]string, len(paths))
	for ii, parts := range split {
		var differing []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(differing, kk) {
					differing = append(differing, kk)
				}
			}
		}
		slices.Sort(differing)
		switch len(differing) {
		case 0:
			names[ii] = parts[len(parts)-1]
		case 1:
			names[ii] = parts[differing[0]]
		default:
			names[ii] = parts[differing[0]] + "..." + parts[differing[len(differing)-1]]
		}
	}
	return names
}
