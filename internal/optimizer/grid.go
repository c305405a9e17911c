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

package optimizer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

const largeGrid = 10000

// Grid walks the cartesian product of the grids of all tunables, never
// suggesting a configuration twice. Every tunable must be categorical or
// quantized.
type Grid struct {
	*base
	points []tunables.Values
	used   map[string]bool
	next   int
}

func newGrid(b *base) (*Grid, error) {
	b.name = "grid"
	type axis struct {
		name   string
		values []interface{}
	}
	var axes []axis
	size := 1
	for _, name := range b.tunables.GroupNames() {
		g, _ := b.tunables.Group(name)
		for _, t := range g.Tunables() {
			values, err := t.Grid()
			if err != nil {
				return nil, errors.Wrap(err, "grid search needs categorical or quantized tunables")
			}
			axes = append(axes, axis{name: t.Name(), values: values})
			size *= len(values)
		}
	}
	if size > largeGrid {
		logger.WithField("size", size).Warning("grid search over a large number of configurations")
	}

	points := make([]tunables.Values, 0, size)
	idx := make([]int, len(axes))
	for {
		p := make(tunables.Values, len(axes))
		for i, a := range axes {
			p[a.name] = a.values[idx[i]]
		}
		points = append(points, p)

		i := len(axes) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return &Grid{base: b, points: points, used: make(map[string]bool, len(points))}, nil
}

func (g *Grid) SupportsPreload() bool { return true }

// Remaining returns the number of configurations not yet tried.
func (g *Grid) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining()
}

func (g *Grid) remaining() int {
	n := 0
	for _, p := range g.points {
		if !g.used[tunables.CanonicalValues(p)] {
			n++
		}
	}
	return n
}

func (g *Grid) NotConverged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suggestions < g.maxSuggestions && g.remaining() > 0
}

func (g *Grid) Suggest(context.Context) (*tunables.Groups, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	groups := g.tunables.Copy()
	if g.nextSuggestion() {
		g.used[tunables.CanonicalValues(groups.ParamValues())] = true
	} else {
		for g.next < len(g.points) && g.used[tunables.CanonicalValues(g.points[g.next])] {
			g.next++
		}
		if g.next == len(g.points) {
			return nil, errors.New("grid search exhausted")
		}
		p := g.points[g.next]
		g.used[tunables.CanonicalValues(p)] = true
		if err := groups.Assign(p); err != nil {
			return nil, err
		}
	}
	logger.WithFields(logrus.Fields{
		"optimizer":  g.name,
		"iteration":  g.suggestions,
		"suggestion": groups.String(),
	}).Info("suggest")
	return groups, nil
}

func (g *Grid) Register(groups *tunables.Groups, st statestore.Status, scores map[string]float64) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[tunables.CanonicalValues(groups.ParamValues())] = true
	return g.register(groups, st, scores)
}

func (g *Grid) BulkRegister(configs []tunables.Values, scores []map[string]float64, statuses []statestore.Status) (bool, error) {
	return g.bulkRegister(configs, scores, statuses, func(gr *tunables.Groups, st statestore.Status, s map[string]float64) error {
		_, err := g.Register(gr, st, s)
		return err
	})
}
