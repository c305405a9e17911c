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

package environment

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// mockNoise is the standard deviation of the noise added to mock scores.
const mockNoise = 0.2

// Mock produces a score from the distance of every tunable to the low end
// of its domain. With a seed the score gets gaussian noise.
type Mock struct {
	*base
	mu      sync.Mutex
	rng     *rand.Rand
	scale   []float64
	metrics []string
	delay   time.Duration
}

func newMock(b *base, def MockDefinition) *Mock {
	m := &Mock{
		base:    b,
		scale:   def.Range,
		metrics: def.Metrics,
		delay:   def.Delay,
	}
	if def.Seed != nil {
		m.rng = rand.New(rand.NewSource(*def.Seed))
	}
	if len(m.metrics) == 0 {
		m.metrics = []string{"score"}
	}
	return m
}

func (m *Mock) Setup(_ context.Context, groups *tunables.Groups, global Params) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setup(groups, global); err != nil {
		return false, err
	}
	m.ready = true
	return true, nil
}

func (m *Mock) Run(ctx context.Context) (*Outcome, error) {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if !ready {
		return failed(), nil
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	score := m.score()
	results := make(map[string]interface{}, len(m.metrics))
	for _, metric := range m.metrics {
		results[metric] = score
	}
	return &Outcome{Status: statestore.Succeeded, Timestamp: time.Now().UTC(), Results: results}, nil
}

func (m *Mock) score() float64 {
	var sum float64
	var n int
	for _, name := range m.tunables.GroupNames() {
		g, _ := m.tunables.Group(name)
		for _, t := range g.Tunables() {
			v := normalized(t)
			sum += v * v
			n++
		}
	}
	var score float64
	if n > 0 {
		score = sum / float64(n)
	}
	if m.rng != nil {
		score += m.rng.NormFloat64() * mockNoise
	}
	score = math.Max(0, math.Min(1, score))
	if len(m.scale) == 2 {
		score = m.scale[0] + score*(m.scale[1]-m.scale[0])
	}
	return score
}

// normalized maps the current value of t onto [0, 1].
func normalized(t *tunables.Tunable) float64 {
	var v float64
	if t.Type() == tunables.Categorical {
		cats := t.Categories()
		if len(cats) < 2 {
			return 0
		}
		for i, c := range cats {
			if c == t.Value() {
				v = float64(i) / float64(len(cats)-1)
			}
		}
	} else {
		lo, hi := t.Range()
		num, _ := t.NumericValue()
		if hi > lo {
			v = (num - lo) / (hi - lo)
		}
	}
	return math.Max(0, math.Min(1, v))
}

func (m *Mock) Status(context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report(), nil
}

func (m *Mock) Teardown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	return nil
}
