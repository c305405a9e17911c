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

package tunables

import (
	"fmt"
	"sort"
	"strings"

	"opentune.dev/opentune/internal/tuneerr"
)

// CovariantGroup is a named set of tunables that change together, with the
// relative cost of changing them.
type CovariantGroup struct {
	name        string
	description string
	cost        float64
	tunables    []*Tunable
	index       map[string]*Tunable
	updated     bool
}

// NewCovariantGroup creates a group owning the given tunables. A new group is
// considered updated.
func NewCovariantGroup(name string, cost float64, ts ...*Tunable) (*CovariantGroup, error) {
	if name == "" {
		return nil, tuneerr.NewDomainError("", nil, "covariant group must have a name")
	}
	if cost < 0 {
		return nil, tuneerr.NewDomainError("", nil, "covariant group %q has negative cost", name)
	}
	g := &CovariantGroup{
		name:    name,
		cost:    cost,
		index:   make(map[string]*Tunable, len(ts)),
		updated: true,
	}
	for _, t := range ts {
		if _, ok := g.index[t.name]; ok {
			return nil, tuneerr.NewDomainError(t.name, nil, "duplicate tunable in covariant group %q", name)
		}
		g.index[t.name] = t
		g.tunables = append(g.tunables, t)
	}
	return g, nil
}

// Name of the group.
func (g *CovariantGroup) Name() string { return g.name }

// Description of the group.
func (g *CovariantGroup) Description() string { return g.description }

// RawCost is the configured cost regardless of the updated flag.
func (g *CovariantGroup) RawCost() float64 { return g.cost }

// Cost is the price of applying the group: its cost if updated, 0 otherwise.
func (g *CovariantGroup) Cost() float64 {
	if g.updated {
		return g.cost
	}
	return 0
}

// IsUpdated reports whether any tunable of the group changed since the last
// ResetUpdated.
func (g *CovariantGroup) IsUpdated() bool { return g.updated }

// ResetUpdated clears the updated flag of the group and of its tunables.
func (g *CovariantGroup) ResetUpdated() {
	g.updated = false
	for _, t := range g.tunables {
		t.updated = false
	}
}

// Tunables returns the tunables in declaration order.
func (g *CovariantGroup) Tunables() []*Tunable {
	return append([]*Tunable(nil), g.tunables...)
}

// Tunable returns the tunable with the given name.
func (g *CovariantGroup) Tunable(name string) (*Tunable, bool) {
	t, ok := g.index[name]
	return t, ok
}

// IsDefaults reports whether every tunable holds its default value.
func (g *CovariantGroup) IsDefaults() bool {
	for _, t := range g.tunables {
		if !t.IsDefault() {
			return false
		}
	}
	return true
}

func (g *CovariantGroup) set(name string, v interface{}) (prev interface{}, err error) {
	t, ok := g.index[name]
	if !ok {
		return nil, tuneerr.NewDomainError(name, nil, "unknown tunable in covariant group %q", g.name)
	}
	prev = t.current
	changed, err := t.set(v)
	if err != nil {
		return nil, err
	}
	if changed {
		g.updated = true
	}
	return prev, nil
}

func (g *CovariantGroup) reset() {
	for _, t := range g.tunables {
		if t.current != t.def {
			t.current = t.def
			t.updated = true
			g.updated = true
		}
	}
}

// sameDomain reports whether two groups declare the same tunables with the
// same domains and cost.
func (g *CovariantGroup) sameDomain(o *CovariantGroup) bool {
	if g.name != o.name || g.cost != o.cost || len(g.tunables) != len(o.tunables) {
		return false
	}
	for _, t := range g.tunables {
		ot, ok := o.index[t.name]
		if !ok || !t.sameDomain(ot) {
			return false
		}
	}
	return true
}

// Equal compares groups by name, cost and tunable values, independently of
// declaration order.
func (g *CovariantGroup) Equal(o *CovariantGroup) bool {
	if g.name != o.name || g.cost != o.cost || len(g.tunables) != len(o.tunables) {
		return false
	}
	for _, t := range g.tunables {
		ot, ok := o.index[t.name]
		if !ok || !t.Equal(ot) {
			return false
		}
	}
	return true
}

// String renders the group canonically, with tunables sorted by name.
func (g *CovariantGroup) String() string {
	ts := g.Tunables()
	sort.Slice(ts, func(i, j int) bool { return ts[i].Less(ts[j]) })
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return fmt.Sprintf("%s:%g{%s}", g.name, g.cost, strings.Join(parts, ", "))
}

func (g *CovariantGroup) copy() *CovariantGroup {
	c := &CovariantGroup{
		name:        g.name,
		description: g.description,
		cost:        g.cost,
		index:       make(map[string]*Tunable, len(g.tunables)),
		updated:     g.updated,
	}
	for _, t := range g.tunables {
		tc := t.copy()
		c.tunables = append(c.tunables, tc)
		c.index[tc.name] = tc
	}
	return c
}
