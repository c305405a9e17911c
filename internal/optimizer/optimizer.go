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

// Package optimizer proposes the configurations to benchmark and learns from
// their results.
package optimizer

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

const defaultMaxSuggestions = 100

var logger = logrus.WithFields(logrus.Fields{
	"app":       "opentune",
	"component": "optimizer",
})

// Optimizer suggests configurations and registers their scores.
type Optimizer interface {
	Name() string
	// Targets returns the objectives the optimizer works on.
	Targets() []statestore.Objective
	// Tunables returns the tunable space with default values.
	Tunables() *tunables.Groups
	// Suggest returns an independent copy of the tunables holding the next
	// configuration to try.
	Suggest(ctx context.Context) (*tunables.Groups, error)
	// Register records the outcome of a configuration. It returns the scores
	// as the optimizer sees them: every target turned into a value to
	// minimize.
	Register(groups *tunables.Groups, st statestore.Status, scores map[string]float64) (map[string]float64, error)
	// BulkRegister records stored results, typically on warm-up. It reports
	// whether there was anything to register.
	BulkRegister(configs []tunables.Values, scores []map[string]float64, statuses []statestore.Status) (bool, error)
	NotConverged() bool
	SupportsPreload() bool
	// BestObservation returns the best scores seen, in their original
	// direction, and the configuration that produced them. Both are nil when
	// nothing succeeded yet.
	BestObservation() (map[string]float64, *tunables.Groups)
}

// New builds the optimizer selected by optimizer.type.
func New(cfg config.View, groups *tunables.Groups, targets []statestore.Objective) (Optimizer, error) {
	b, err := newBase(cfg, groups, targets)
	if err != nil {
		return nil, err
	}
	switch t := cfg.GetString(consts.OptimizerType); t {
	case "", "mock":
		return newMock(b, cfg), nil
	case "one_shot":
		return newOneShot(b), nil
	case "grid":
		g, err := newGrid(b)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, errors.Errorf("unknown optimizer type %q", t)
	}
}

// base holds the bookkeeping shared by all optimizers.
type base struct {
	mu                sync.Mutex
	name              string
	tunables          *tunables.Groups
	targets           []statestore.Objective
	maxSuggestions    int
	startWithDefaults bool
	suggestions       int

	bestScore  float64
	bestScores map[string]float64
	bestConfig *tunables.Groups
}

func newBase(cfg config.View, groups *tunables.Groups, targets []statestore.Objective) (*base, error) {
	if len(targets) == 0 {
		targets = []statestore.Objective{{Name: "score", Direction: statestore.Minimize, Weight: 1}}
	}
	for _, t := range targets {
		if t.Direction != statestore.Minimize && t.Direction != statestore.Maximize {
			return nil, errors.Errorf("objective %q has invalid direction %q", t.Name, t.Direction)
		}
	}
	b := &base{
		tunables:          groups.Copy(),
		targets:           append([]statestore.Objective(nil), targets...),
		maxSuggestions:    defaultMaxSuggestions,
		startWithDefaults: true,
	}
	b.tunables.Reset()
	if cfg.IsSet(consts.OptimizerMaxSuggestions) {
		b.maxSuggestions = cfg.GetInt(consts.OptimizerMaxSuggestions)
	}
	if b.maxSuggestions <= 0 {
		return nil, errors.Errorf("%s must be positive, got %d", consts.OptimizerMaxSuggestions, b.maxSuggestions)
	}
	if cfg.IsSet(consts.OptimizerStartWithDefaults) {
		b.startWithDefaults = cfg.GetBool(consts.OptimizerStartWithDefaults)
	}
	return b, nil
}

func (b *base) Name() string { return b.name }

func (b *base) Targets() []statestore.Objective {
	return append([]statestore.Objective(nil), b.targets...)
}

func (b *base) Tunables() *tunables.Groups { return b.tunables.Copy() }

// TargetNames joins the objective names the way trials record them.
func TargetNames(o Optimizer) string {
	var names []string
	for _, t := range o.Targets() {
		names = append(names, t.Name)
	}
	return strings.Join(names, ",")
}

// TargetDirections joins the objective directions the way trials record them.
func TargetDirections(o Optimizer) string {
	var dirs []string
	for _, t := range o.Targets() {
		dirs = append(dirs, string(t.Direction))
	}
	return strings.Join(dirs, ",")
}

func (b *base) NotConverged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suggestions < b.maxSuggestions
}

// nextSuggestion counts a suggestion and reports whether it should be the
// defaults.
func (b *base) nextSuggestion() (defaults bool) {
	b.suggestions++
	defaults = b.startWithDefaults
	b.startWithDefaults = false
	return defaults
}

func sign(d statestore.Direction) float64 {
	if d == statestore.Maximize {
		return -1
	}
	return 1
}

// register validates an outcome, turns the scores into values to minimize
// and tracks the best configuration.
func (b *base) register(groups *tunables.Groups, st statestore.Status, scores map[string]float64) (map[string]float64, error) {
	if !st.IsTerminal() {
		return nil, errors.Errorf("cannot register a trial in status %s", st)
	}
	if st.IsSucceeded() && scores == nil {
		return nil, errors.New("a succeeded trial needs scores")
	}
	if !st.IsSucceeded() && scores != nil {
		return nil, errors.Errorf("a trial in status %s cannot have scores", st)
	}
	if !st.IsSucceeded() {
		logger.WithField("status", st).Debug("registered unsuccessful trial")
		return nil, nil
	}

	adjusted := make(map[string]float64, len(b.targets))
	var total float64
	for _, t := range b.targets {
		v, ok := scores[t.Name]
		if !ok {
			return nil, errors.Errorf("scores have no value for objective %q", t.Name)
		}
		adjusted[t.Name] = v * sign(t.Direction)
		w := t.Weight
		if w == 0 {
			w = 1
		}
		total += w * adjusted[t.Name]
	}
	if math.IsNaN(total) {
		return nil, errors.New("scores are not numbers")
	}

	if b.bestConfig == nil || total < b.bestScore {
		b.bestScore = total
		b.bestScores = make(map[string]float64, len(b.targets))
		for _, t := range b.targets {
			b.bestScores[t.Name] = scores[t.Name]
		}
		b.bestConfig = groups.Copy()
	}
	return adjusted, nil
}

func (b *base) BestObservation() (map[string]float64, *tunables.Groups) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bestConfig == nil {
		return nil, nil
	}
	out := make(map[string]float64, len(b.bestScores))
	for k, v := range b.bestScores {
		out[k] = v
	}
	return out, b.bestConfig.Copy()
}

// bulkRegister checks the shapes of stored results and registers each one
// with reg. Results that no longer fit the tunable space or the objectives
// are skipped.
func (b *base) bulkRegister(configs []tunables.Values, scores []map[string]float64, statuses []statestore.Status,
	reg func(*tunables.Groups, statestore.Status, map[string]float64) error) (bool, error) {
	if len(configs) != len(scores) {
		return false, errors.Errorf("%d configs but %d scores", len(configs), len(scores))
	}
	if statuses != nil && len(statuses) != len(configs) {
		return false, errors.Errorf("%d configs but %d statuses", len(configs), len(statuses))
	}
	if len(configs) == 0 {
		return false, nil
	}

	for i, values := range configs {
		st := statestore.Succeeded
		if statuses != nil {
			st = statuses[i]
		}
		groups := b.tunables.Copy()
		if err := groups.Assign(values); err != nil {
			logger.WithError(err).Warning("skipping stored config outside of the tunable space")
			continue
		}
		if err := reg(groups, st, scores[i]); err != nil {
			logger.WithError(err).Warning("skipping stored result")
		}
	}

	b.mu.Lock()
	if b.startWithDefaults {
		logger.Info("prior results exist, not starting with defaults")
		b.startWithDefaults = false
	}
	b.mu.Unlock()
	return true, nil
}
