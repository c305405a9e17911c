// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package set has operations on string sets held as slices. Results are
// sorted.
package set

import "sort"

func index(a []string) map[string]bool {
	m := make(map[string]bool, len(a))
	for _, v := range a {
		m[v] = true
	}
	return m
}

func sorted(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Intersection returns the items in both a and b.
func Intersection(a, b []string) []string {
	in := index(a)
	out := map[string]bool{}
	for _, v := range b {
		if in[v] {
			out[v] = true
		}
	}
	return sorted(out)
}

// Union returns the items in a or b.
func Union(a, b []string) []string {
	out := index(a)
	for _, v := range b {
		out[v] = true
	}
	return sorted(out)
}

// Difference returns the items of a that are not in b.
func Difference(a, b []string) []string {
	out := index(a)
	for _, v := range b {
		delete(out, v)
	}
	return sorted(out)
}

// Keys returns the keys of m.
func Keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
