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
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// Mock suggests random configurations, starting with the defaults.
type Mock struct {
	*base
	rng *rand.Rand
}

func newMock(b *base, cfg config.View) *Mock {
	b.name = "mock"
	seed := time.Now().UnixNano()
	if cfg.IsSet(consts.OptimizerSeed) {
		seed = cfg.GetInt64(consts.OptimizerSeed)
	}
	return &Mock{base: b, rng: rand.New(rand.NewSource(seed))}
}

func (m *Mock) SupportsPreload() bool { return true }

func (m *Mock) Suggest(context.Context) (*tunables.Groups, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := m.tunables.Copy()
	if !m.nextSuggestion() {
		values := tunables.Values{}
		for _, name := range groups.GroupNames() {
			g, _ := groups.Group(name)
			for _, t := range g.Tunables() {
				values[t.Name()] = t.Sample(m.rng)
			}
		}
		if err := groups.Assign(values); err != nil {
			return nil, err
		}
	}
	logger.WithFields(logrus.Fields{
		"optimizer":  m.name,
		"iteration":  m.suggestions,
		"suggestion": groups.String(),
	}).Info("suggest")
	return groups, nil
}

func (m *Mock) Register(groups *tunables.Groups, st statestore.Status, scores map[string]float64) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(groups, st, scores)
}

func (m *Mock) BulkRegister(configs []tunables.Values, scores []map[string]float64, statuses []statestore.Status) (bool, error) {
	return m.bulkRegister(configs, scores, statuses, func(g *tunables.Groups, st statestore.Status, s map[string]float64) error {
		_, err := m.Register(g, st, s)
		return err
	})
}
