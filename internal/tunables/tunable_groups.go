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

// Package tunables holds the tunable parameter model: typed, bounded
// parameters organized into covariant groups.
package tunables

import (
	"sort"
	"strings"

	"opentune.dev/opentune/internal/tuneerr"
)

// Values is a flat mapping from tunable name to value. Values read back from
// storage are strings; Groups.Assign coerces them to the tunable types.
type Values map[string]interface{}

// Groups is a registry of covariant groups. The set of tunables is fixed at
// construction (or grown through Merge) while their values are mutable.
// Groups is not safe for concurrent use; every trial owns its own Copy.
type Groups struct {
	order  []string
	groups map[string]*CovariantGroup
	index  map[string]*CovariantGroup
}

// NewGroups creates a registry from covariant groups. Tunable names must be
// unique across groups.
func NewGroups(groups ...*CovariantGroup) (*Groups, error) {
	tg := &Groups{
		groups: make(map[string]*CovariantGroup, len(groups)),
		index:  make(map[string]*CovariantGroup),
	}
	for _, g := range groups {
		if _, ok := tg.groups[g.name]; ok {
			return nil, tuneerr.NewMergeConflictError(g.name, "", "covariant group defined twice")
		}
		for _, t := range g.tunables {
			if owner, ok := tg.index[t.name]; ok {
				return nil, tuneerr.NewMergeConflictError(g.name, t.name, "already defined in group %q", owner.name)
			}
		}
		tg.add(g)
	}
	return tg, nil
}

func (tg *Groups) add(g *CovariantGroup) {
	tg.order = append(tg.order, g.name)
	tg.groups[g.name] = g
	for _, t := range g.tunables {
		tg.index[t.name] = g
	}
}

// Len returns the number of tunables.
func (tg *Groups) Len() int { return len(tg.index) }

// GroupNames returns the covariant group names in insertion order.
func (tg *Groups) GroupNames() []string { return append([]string(nil), tg.order...) }

// Groups returns the covariant groups in insertion order.
func (tg *Groups) Groups() []*CovariantGroup {
	out := make([]*CovariantGroup, len(tg.order))
	for i, name := range tg.order {
		out[i] = tg.groups[name]
	}
	return out
}

// Group returns the covariant group with the given name.
func (tg *Groups) Group(name string) (*CovariantGroup, bool) {
	g, ok := tg.groups[name]
	return g, ok
}

// Tunable returns a tunable and its owning group.
func (tg *Groups) Tunable(name string) (*Tunable, *CovariantGroup, bool) {
	g, ok := tg.index[name]
	if !ok {
		return nil, nil, false
	}
	return g.index[name], g, true
}

// Get returns the current value of a tunable.
func (tg *Groups) Get(name string) (interface{}, error) {
	t, _, ok := tg.Tunable(name)
	if !ok {
		return nil, tuneerr.NewDomainError(name, nil, "unknown tunable")
	}
	return t.current, nil
}

// Set assigns one tunable and returns its previous value.
func (tg *Groups) Set(name string, v interface{}) (interface{}, error) {
	g, ok := tg.index[name]
	if !ok {
		return nil, tuneerr.NewDomainError(name, nil, "unknown tunable")
	}
	return g.set(name, v)
}

// SetTunable assigns a value to the tunable of this registry that has the
// same name as t.
func (tg *Groups) SetTunable(t *Tunable, v interface{}) (interface{}, error) {
	return tg.Set(t.name, v)
}

// Assign sets several tunables at once. Every name and value is validated
// before anything is changed, so a failing Assign leaves the registry as it
// was.
func (tg *Groups) Assign(values Values) error {
	canonical := make(map[string]interface{}, len(values))
	for name, v := range values {
		t, _, ok := tg.Tunable(name)
		if !ok {
			return tuneerr.NewDomainError(name, nil, "unknown tunable")
		}
		c, err := t.validate(v)
		if err != nil {
			return err
		}
		canonical[name] = c
	}
	for name, c := range canonical {
		if _, err := tg.index[name].set(name, c); err != nil {
			return err
		}
	}
	return nil
}

// ParamValues returns a flat mapping of tunable values, optionally limited to
// some covariant groups.
func (tg *Groups) ParamValues(groupNames ...string) Values {
	out := Values{}
	for _, g := range tg.selected(groupNames) {
		for _, t := range g.tunables {
			out[t.name] = t.current
		}
	}
	return out
}

// Reset restores the defaults, optionally limited to some covariant groups.
func (tg *Groups) Reset(groupNames ...string) {
	for _, g := range tg.selected(groupNames) {
		g.reset()
	}
}

// IsUpdated reports whether any of the selected groups changed since the last
// ResetUpdated.
func (tg *Groups) IsUpdated(groupNames ...string) bool {
	for _, g := range tg.selected(groupNames) {
		if g.updated {
			return true
		}
	}
	return false
}

// ResetUpdated marks the selected groups as unchanged.
func (tg *Groups) ResetUpdated(groupNames ...string) {
	for _, g := range tg.selected(groupNames) {
		g.ResetUpdated()
	}
}

// IsDefaults reports whether every tunable holds its default value.
func (tg *Groups) IsDefaults() bool {
	for _, g := range tg.groups {
		if !g.IsDefaults() {
			return false
		}
	}
	return true
}

// Cost sums the cost of the updated groups.
func (tg *Groups) Cost() float64 {
	var c float64
	for _, g := range tg.groups {
		c += g.Cost()
	}
	return c
}

func (tg *Groups) selected(groupNames []string) []*CovariantGroup {
	if len(groupNames) == 0 {
		out := make([]*CovariantGroup, 0, len(tg.order))
		for _, name := range tg.order {
			out = append(out, tg.groups[name])
		}
		return out
	}
	out := make([]*CovariantGroup, 0, len(groupNames))
	for _, name := range groupNames {
		if g, ok := tg.groups[name]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Subgroup returns an independent copy holding only the named groups.
func (tg *Groups) Subgroup(groupNames ...string) (*Groups, error) {
	out := &Groups{
		groups: make(map[string]*CovariantGroup, len(groupNames)),
		index:  make(map[string]*CovariantGroup),
	}
	for _, name := range groupNames {
		g, ok := tg.groups[name]
		if !ok {
			return nil, tuneerr.NewDomainError("", nil, "unknown covariant group %q", name)
		}
		if _, dup := out.groups[name]; dup {
			continue
		}
		out.add(g.copy())
	}
	return out, nil
}

// Copy returns a deep, independent copy.
func (tg *Groups) Copy() *Groups {
	out := &Groups{
		groups: make(map[string]*CovariantGroup, len(tg.groups)),
		index:  make(map[string]*CovariantGroup, len(tg.index)),
	}
	for _, name := range tg.order {
		out.add(tg.groups[name].copy())
	}
	return out
}

// Merge adds the groups and tunables of other that are not yet defined here.
// A group present in both must declare the same tunables, domains and cost,
// and a tunable must not move to another group; otherwise Merge fails with a
// MergeConflictError and changes nothing. Merged groups are copied, so other
// stays independent.
func (tg *Groups) Merge(other *Groups) error {
	var added []*CovariantGroup
	for _, name := range other.order {
		og := other.groups[name]
		if g, ok := tg.groups[name]; ok {
			if !g.sameDomain(og) {
				return tuneerr.NewMergeConflictError(name, "", "covariant group already defined with a different domain or cost")
			}
			continue
		}
		for _, t := range og.tunables {
			if owner, ok := tg.index[t.name]; ok {
				return tuneerr.NewMergeConflictError(name, t.name, "already defined in group %q", owner.name)
			}
		}
		added = append(added, og)
	}
	for _, og := range added {
		tg.add(og.copy())
	}
	return nil
}

// Equal compares registries by content, independently of construction order.
func (tg *Groups) Equal(o *Groups) bool {
	if o == nil || len(tg.groups) != len(o.groups) {
		return false
	}
	for name, g := range tg.groups {
		og, ok := o.groups[name]
		if !ok || !g.Equal(og) {
			return false
		}
	}
	return true
}

// String renders the registry canonically, with groups sorted by name.
func (tg *Groups) String() string {
	names := append([]string(nil), tg.order...)
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = tg.groups[name].String()
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// CanonicalValues renders a flat value mapping as name=value lines sorted by
// name. This is the input of the tunable config content hash.
func CanonicalValues(values Values) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(FormatValue(values[name]))
		b.WriteByte('\n')
	}
	return b.String()
}
