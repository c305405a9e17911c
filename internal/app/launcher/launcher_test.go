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

package launcher

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/scheduler"
	"opentune.dev/opentune/internal/statestore"
	statestoreTesting "opentune.dev/opentune/internal/statestore/testing"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

const experimentYAML = `
experiment:
  id: launcher-test
  description: mock run
  objectives:
    - name: score
      direction: min
tunables:
  - name: provision
    cost: 1000
    params:
      - name: vmSize
        type: categorical
        values: [B2s, B2ms, B4ms]
        default: B4ms
  - name: kernel
    cost: 1
    params:
      - name: migration_cost_ns
        type: int
        range: [0, 500000]
        special: [-1]
        default: -1
environment:
  type: mock
  name: mock-env
optimizer:
  type: mock
  seed: 7
  maxSuggestions: 4
scheduler:
  type: sync
globals:
  region: westus
`

func newConfig(t *testing.T) *viper.Viper {
	t.Helper()
	cfg := viper.New()
	cfg.SetConfigType("yaml")
	require.NoError(t, cfg.ReadConfig(bytes.NewBufferString(experimentYAML)))
	return cfg
}

func TestRunMockExperiment(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	cfg := newConfig(t)
	storage := statestoreTesting.NewStorageForTesting(t, cfg, statestoreTesting.NewSQLite)

	l, err := NewWithStorage(ctx, cfg, storage)
	require.NoError(err)
	defer l.Close()

	r, err := l.Run(ctx)
	require.NoError(err)
	require.Equal("launcher-test", r.ExperimentID)
	require.Equal(statestore.Succeeded, r.Status)
	require.Equal(scheduler.Stats{Trials: 4, Succeeded: 4}, r.Stats)
	require.Contains(r.BestScores, "score")
	require.NotNil(r.BestConfig)

	exp, err := storage.Experiment(ctx, statestore.ExperimentInfo{ID: "launcher-test"}, false)
	require.NoError(err)
	require.Equal(statestore.Succeeded, exp.Info().Status)
	require.Equal("mock run", exp.Info().Description)
	res, err := exp.Load(ctx, -1)
	require.NoError(err)
	require.Len(res.TrialIDs, 4)
}

func TestRunFailsBelowExpectedTrials(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	cfg := newConfig(t)
	Options{ExpectedTrials: 10}.Apply(cfg)
	storage := statestoreTesting.NewStorageForTesting(t, cfg, statestoreTesting.NewSQLite)

	l, err := NewWithStorage(ctx, cfg, storage)
	require.NoError(err)
	defer l.Close()

	r, err := l.Run(ctx)
	require.Error(err)
	require.Contains(err.Error(), "expected at least 10")
	require.Equal(statestore.Failed, r.Status)

	exp, err := storage.Experiment(ctx, statestore.ExperimentInfo{ID: "launcher-test"}, false)
	require.NoError(err)
	require.Equal(statestore.Failed, exp.Info().Status)
}

func TestCyclicRunHasNoBestObservation(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	cfg := newConfig(t)
	storage := statestoreTesting.NewStorageForTesting(t, cfg, statestoreTesting.NewSQLite)

	// Store a config to cycle over through a one shot run first.
	cfg.Set(consts.OptimizerType, "one_shot")
	l, err := NewWithStorage(ctx, cfg, storage)
	require.NoError(err)
	_, err = l.Run(ctx)
	require.NoError(err)

	cfg.Set(consts.SchedulerType, scheduler.TypeCyclic)
	cfg.Set(consts.SchedulerCycleConfigIDs, []int64{1})
	cfg.Set(consts.SchedulerMaxTrials, 2)
	l, err = NewWithStorage(ctx, cfg, storage)
	require.NoError(err)
	r, err := l.Run(ctx)
	require.NoError(err)
	require.Equal(2, r.Stats.Trials)
	require.Nil(r.BestScores)
	require.Nil(r.BestConfig)
}

func TestNewRejectsBadConfig(t *testing.T) {
	testCases := []struct {
		description string
		key         string
		value       interface{}
	}{
		{"missing experiment id", consts.ExperimentID, ""},
		{"unknown environment type", consts.Environment + ".type", "vm"},
		{"unknown optimizer", consts.OptimizerType, "bayes"},
		{"unknown scheduler", consts.SchedulerType, "eager"},
		{"bad objective direction", consts.ExperimentObjectives, []map[string]interface{}{{"name": "score", "direction": "up"}}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			ctx := utilTesting.NewContext(t)
			cfg := newConfig(t)
			storage := statestoreTesting.NewStorageForTesting(t, cfg, statestoreTesting.NewSQLite)
			cfg.Set(tc.key, tc.value)
			_, err := NewWithStorage(ctx, cfg, storage)
			require.Error(t, err)
		})
	}
}

func TestCheck(t *testing.T) {
	testCases := []struct {
		description string
		stats       scheduler.Stats
		expected    int
		ok          bool
	}{
		{"nothing ran", scheduler.Stats{}, 0, false},
		{"all succeeded", scheduler.Stats{Trials: 5, Succeeded: 5}, 0, true},
		{"enough trials", scheduler.Stats{Trials: 5, Succeeded: 5}, 5, true},
		{"too few trials", scheduler.Stats{Trials: 4, Succeeded: 4}, 5, false},
		{"one in five failed", scheduler.Stats{Trials: 5, Succeeded: 4, Failed: 1}, 0, true},
		{"two in five failed", scheduler.Stats{Trials: 5, Succeeded: 3, Failed: 2}, 0, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			err := check(tc.stats, tc.expected)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestOptionsApply(t *testing.T) {
	require := require.New(t)
	cfg := newConfig(t)
	Options{ExperimentID: "other", MaxTrials: 7, ConfigID: 3}.Apply(cfg)

	require.Equal("other", cfg.GetString(consts.ExperimentID))
	require.Equal(7, cfg.GetInt(consts.SchedulerMaxTrials))
	require.Equal(int64(3), cfg.GetInt64(consts.SchedulerConfigID))
	require.False(cfg.IsSet(consts.SchedulerTrialConfigRepeatCount))
	require.False(cfg.IsSet(consts.LauncherExpectedTrials))
}
