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

package scheduler

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	envTesting "opentune.dev/opentune/internal/environment/testing"
	"opentune.dev/opentune/internal/optimizer"
	"opentune.dev/opentune/internal/runner"
	"opentune.dev/opentune/internal/statestore"
	statestoreTesting "opentune.dev/opentune/internal/statestore/testing"
	tunablesTesting "opentune.dev/opentune/internal/tunables/testing"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

func forEachBackend(t *testing.T, f func(t *testing.T, exp *statestore.Experiment)) {
	names := make([]string, 0, len(statestoreTesting.Backends))
	for name := range statestoreTesting.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		setup := statestoreTesting.Backends[name]
		t.Run(name, func(t *testing.T) {
			f(t, newExperiment(t, setup))
		})
	}
}

func newExperiment(t *testing.T, setup func(testing.TB, config.Mutable) func()) *statestore.Experiment {
	t.Helper()
	st := statestoreTesting.NewStorageForTesting(t, viper.New(), setup)
	exp, err := st.Experiment(utilTesting.NewContext(t), statestore.ExperimentInfo{
		ID:         xid.New().String(),
		Objectives: []statestore.Objective{{Name: "score", Direction: statestore.Minimize}},
	}, true)
	require.NoError(t, err)
	return exp
}

func newRunners(t *testing.T, envs ...*envTesting.Recorder) []*runner.TrialRunner {
	t.Helper()
	var runners []*runner.TrialRunner
	for i, env := range envs {
		if env.Groups == nil {
			env.Groups = tunablesTesting.NewGroups(t)
		}
		r, err := runner.New(i+1, env, nil)
		require.NoError(t, err)
		runners = append(runners, r)
	}
	return runners
}

func newOptimizer(t *testing.T, exp *statestore.Experiment, settings map[string]interface{}) optimizer.Optimizer {
	t.Helper()
	cfg := viper.New()
	cfg.Set(consts.OptimizerSeed, 1)
	for k, v := range settings {
		cfg.Set(k, v)
	}
	opt, err := optimizer.New(cfg, tunablesTesting.NewGroups(t), exp.Objectives())
	require.NoError(t, err)
	return opt
}

// allTrials returns every trial of exp, finished or not, in id order.
func allTrials(t *testing.T, exp *statestore.Experiment) []*statestore.Trial {
	t.Helper()
	ctx := utilTesting.NewContext(t)
	var trials []*statestore.Trial
	for id := int64(1); ; id++ {
		tr, err := exp.Trial(ctx, id)
		if statestore.IsNotFound(err) {
			return trials
		}
		require.NoError(t, err)
		trials = append(trials, tr)
	}
}

func TestCyclicReplaysConfigs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, exp *statestore.Experiment) {
		require := require.New(t)
		ctx := utilTesting.NewContext(t)

		// Nine distinct configs, all finished so nothing is pending.
		for i := 0; i < 9; i++ {
			tg := tunablesTesting.NewGroups(t)
			_, err := tg.Set("migration_cost_ns", i*1000)
			require.NoError(err)
			tr, err := exp.NewTrial(ctx, tg, time.Time{}, nil)
			require.NoError(err)
			require.Equal(int64(i+1), tr.ConfigID())
			require.NoError(tr.Update(ctx, statestore.Failed, time.Now().UTC(), nil))
		}

		env := &envTesting.Recorder{}
		s, err := New(Settings{
			Type:                   TypeCyclic,
			CycleConfigIDs:         []int64{5, 9},
			MaxTrials:              4,
			TrialConfigRepeatCount: 1,
			Runners:                1,
			Teardown:               true,
		}, exp, nil, newRunners(t, env), nil)
		require.NoError(err)
		require.NoError(s.Start(ctx))

		var configIDs []int64
		for _, tr := range allTrials(t, exp)[9:] {
			configIDs = append(configIDs, tr.ConfigID())
			require.Equal(statestore.Succeeded, tr.Status())
			require.Equal("none", tr.Metadata()[MetaOptimizer])
		}
		require.Equal([]int64{5, 9, 5, 9}, configIDs)
		require.Equal(Stats{Trials: 4, Succeeded: 4}, s.Stats())
		require.Equal(int64(8000), env.LastValues()["migration_cost_ns"])

		_, _, _, teardowns := env.Calls()
		require.Equal(1, teardowns)
		scores, best := s.BestObservation()
		require.Nil(scores)
		require.Nil(best)
	})
}

func TestSyncSetupFailureSkipsRun(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	exp := newExperiment(t, statestoreTesting.NewSQLite)
	env := &envTesting.Recorder{SetupFails: true}

	s, err := New(Settings{Type: TypeSync, TrialConfigRepeatCount: 1, Runners: 1},
		exp, newOptimizer(t, exp, map[string]interface{}{consts.OptimizerMaxSuggestions: 3}), newRunners(t, env), nil)
	require.NoError(err)
	require.NoError(s.Start(ctx))

	setups, runs, statuses, teardowns := env.Calls()
	require.Equal(3, setups)
	require.Equal(0, runs)
	require.Equal(0, statuses)
	require.Equal(0, teardowns)
	require.Equal(Stats{Trials: 3, Failed: 3}, s.Stats())

	for _, tr := range allTrials(t, exp) {
		require.Equal(statestore.Failed, tr.Status())
	}
	scores, best := s.BestObservation()
	require.Nil(scores)
	require.Nil(best)
}

func TestParallelUsesEveryRunner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, exp *statestore.Experiment) {
		require := require.New(t)
		ctx := utilTesting.NewContext(t)
		envs := []*envTesting.Recorder{{Delay: 50 * time.Millisecond}, {Delay: 50 * time.Millisecond}}

		s, err := New(Settings{
			Type:                          TypeParallel,
			MaxTrials:                     5,
			TrialConfigRepeatCount:        1,
			Runners:                       2,
			PollingInterval:               10 * time.Millisecond,
			IdleWorkerSchedulingBatchSize: 1,
		}, exp, newOptimizer(t, exp, nil), newRunners(t, envs...), nil)
		require.NoError(err)
		require.NoError(s.Start(ctx))

		trials := allTrials(t, exp)
		require.Len(trials, 5)
		used := map[int]int{}
		for _, tr := range trials {
			require.Equal(statestore.Succeeded, tr.Status())
			used[tr.RunnerID()]++
		}
		require.Len(used, 2)
		require.Equal(5, used[1]+used[2])
		require.Equal(Stats{Trials: 5, Succeeded: 5}, s.Stats())

		for i, env := range envs {
			_, runs, _, _ := env.Calls()
			require.Equal(used[i+1], runs)
		}

		scores, best := s.BestObservation()
		require.Equal(map[string]float64{"score": 0}, scores)
		require.NotNil(best)
	})
}

func TestParallelBoundsConcurrency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, exp *statestore.Experiment) {
		require := require.New(t)
		ctx := utilTesting.NewContext(t)
		const delay = 200 * time.Millisecond

		for i := 0; i < 5; i++ {
			tg := tunablesTesting.NewGroups(t)
			_, err := tg.Set("migration_cost_ns", i*1000)
			require.NoError(err)
			_, err = exp.NewTrial(ctx, tg, time.Time{}, nil)
			require.NoError(err)
		}

		active := &envTesting.Concurrency{}
		envs := []*envTesting.Recorder{{Delay: delay, Active: active}, {Delay: delay, Active: active}}
		s, err := New(Settings{
			Type:                          TypeParallel,
			MaxTrials:                     5,
			TrialConfigRepeatCount:        1,
			Runners:                       2,
			PollingInterval:               10 * time.Millisecond,
			IdleWorkerSchedulingBatchSize: 1,
		}, exp, newOptimizer(t, exp, nil), newRunners(t, envs...), nil)
		require.NoError(err)

		start := time.Now()
		require.NoError(s.Start(ctx))
		elapsed := time.Since(start)

		require.Equal(2, active.Peak())
		require.GreaterOrEqual(elapsed, 3*delay)
		require.Less(elapsed, 5*delay)

		trials := allTrials(t, exp)
		require.Len(trials, 5)
		for _, tr := range trials {
			require.Equal(statestore.Succeeded, tr.Status())
		}
		require.Equal(Stats{Trials: 5, Succeeded: 5}, s.Stats())
	})
}

func TestWarmUpTakesOverStaleTrials(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	exp := newExperiment(t, statestoreTesting.NewSQLite)

	done, err := exp.NewTrial(ctx, tunablesTesting.NewGroups(t), time.Time{}, nil)
	require.NoError(err)
	require.NoError(done.Update(ctx, statestore.Running, time.Now().UTC(), nil))
	require.NoError(done.Update(ctx, statestore.Succeeded, time.Now().UTC(), map[string]interface{}{"score": 7.0}))

	tg := tunablesTesting.NewGroups(t)
	_, err = tg.Set("vmSize", "B2s")
	require.NoError(err)
	stale, err := exp.NewTrial(ctx, tg, time.Time{}, nil)
	require.NoError(err)
	require.NoError(stale.SetRunner(ctx, 7))
	require.NoError(stale.Update(ctx, statestore.Running, time.Now().UTC(), nil))

	env := &envTesting.Recorder{Results: map[string]interface{}{"score": 3.0}}
	s, err := New(Settings{Type: TypeSync, TrialConfigRepeatCount: 1, Runners: 1},
		exp, newOptimizer(t, exp, map[string]interface{}{consts.OptimizerMaxSuggestions: 1}), newRunners(t, env), nil)
	require.NoError(err)
	require.NoError(s.Start(ctx))

	resumed, err := exp.Trial(ctx, stale.ID())
	require.NoError(err)
	require.Equal(statestore.Succeeded, resumed.Status())
	require.Equal(1, resumed.RunnerID())

	trials := allTrials(t, exp)
	require.Len(trials, 3)
	// Earlier results were preloaded, so the new suggestion is not the defaults.
	require.Equal("false", trials[2].Metadata()[MetaIsDefaults])
	require.Equal(Stats{Trials: 2, Succeeded: 2}, s.Stats())

	scores, _ := s.BestObservation()
	require.Equal(map[string]float64{"score": 3}, scores)
}

func TestRepeatsShareTheConfig(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	exp := newExperiment(t, statestoreTesting.NewSQLite)
	env := &envTesting.Recorder{}

	s, err := New(Settings{Type: TypeSync, TrialConfigRepeatCount: 3, Runners: 1},
		exp, newOptimizer(t, exp, map[string]interface{}{consts.OptimizerType: "one_shot"}), newRunners(t, env), nil)
	require.NoError(err)
	require.NoError(s.Start(ctx))

	trials := allTrials(t, exp)
	require.Len(trials, 3)
	for i, tr := range trials {
		require.Equal(trials[0].ConfigID(), tr.ConfigID())
		require.Equal(map[string]string{
			MetaOptimizer:     "one_shot",
			MetaOptTarget:     "score",
			MetaOptDirection:  "min",
			MetaRepeat:        []string{"1", "2", "3"}[i],
			MetaIsDefaults:    "true",
			MetaTrialRunnerID: "1",
		}, tr.Metadata())
	}

	group, err := exp.ConfigTrialGroup(ctx, trials[0].ConfigID())
	require.NoError(err)
	require.Len(group.Trials(), 3)
}

func TestConfigIDRunsFirst(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	exp := newExperiment(t, statestoreTesting.NewSQLite)

	tg := tunablesTesting.NewGroups(t)
	_, err := tg.Set("vmSize", "B2s")
	require.NoError(err)
	old, err := exp.NewTrial(ctx, tg, time.Time{}, nil)
	require.NoError(err)
	require.NoError(old.Update(ctx, statestore.Failed, time.Now().UTC(), nil))

	env := &envTesting.Recorder{}
	s, err := New(Settings{Type: TypeSync, TrialConfigRepeatCount: 1, Runners: 1, ConfigID: old.ConfigID()},
		exp, newOptimizer(t, exp, map[string]interface{}{consts.OptimizerType: "one_shot"}), newRunners(t, env), nil)
	require.NoError(err)
	require.NoError(s.Start(ctx))

	trials := allTrials(t, exp)
	require.Len(trials, 3)
	require.Equal(old.ConfigID(), trials[1].ConfigID())
	require.Equal("false", trials[1].Metadata()[MetaIsDefaults])
	require.Equal("true", trials[2].Metadata()[MetaIsDefaults])
}

func TestStartStopsWithContext(t *testing.T) {
	require := require.New(t)
	exp := newExperiment(t, statestoreTesting.NewSQLite)
	block := make(chan struct{})
	defer close(block)
	envs := []*envTesting.Recorder{{Block: block}, {Block: block}}

	s, err := New(Settings{Type: TypeParallel, TrialConfigRepeatCount: 1, Runners: 2, PollingInterval: 10 * time.Millisecond},
		exp, newOptimizer(t, exp, nil), newRunners(t, envs...), nil)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(utilTesting.NewContext(t), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(s.Start(ctx), context.DeadlineExceeded)

	// Interrupted trials are not left running.
	for _, tr := range allTrials(t, exp) {
		require.NotEqual(statestore.Running, tr.Status())
	}
}

func TestNewValidates(t *testing.T) {
	exp := newExperiment(t, statestoreTesting.NewSQLite)
	opt := newOptimizer(t, exp, nil)
	runners := newRunners(t, &envTesting.Recorder{})
	syncSettings := Settings{Type: TypeSync, TrialConfigRepeatCount: 1, Runners: 1}

	_, err := New(syncSettings, exp, nil, runners, nil)
	assert.Error(t, err)
	_, err = New(syncSettings, exp, opt, nil, nil)
	assert.Error(t, err)
	_, err = New(Settings{Type: TypeCyclic, CycleConfigIDs: []int64{1}, TrialConfigRepeatCount: 1, Runners: 1}, exp, opt, runners, nil)
	assert.Error(t, err)
	_, err = New(Settings{Type: TypeSync, Runners: 1}, exp, opt, runners, nil)
	assert.Error(t, err)
}

func TestIdleWorkerBatchIsBounded(t *testing.T) {
	exp := newExperiment(t, statestoreTesting.NewSQLite)
	opt := newOptimizer(t, exp, nil)
	runners := newRunners(t, &envTesting.Recorder{}, &envTesting.Recorder{})

	for batch, expected := range map[int]int{0: 2, 1: 1, 2: 2, 5: 2} {
		s, err := New(Settings{Type: TypeParallel, TrialConfigRepeatCount: 1, Runners: 2, IdleWorkerSchedulingBatchSize: batch},
			exp, opt, runners, nil)
		require.NoError(t, err)
		assert.Equal(t, expected, s.settings.IdleWorkerSchedulingBatchSize, "batch %d", batch)
	}
}

const schedulerYAML = `
scheduler:
  type: cyclic
  cycleConfigIds: [5, 9]
  trialConfigRepeatCount: 2
  teardown: false
  pollingInterval: 250ms
`

func TestSettingsFromConfig(t *testing.T) {
	require := require.New(t)

	s, err := SettingsFromConfig(viper.New())
	require.NoError(err)
	require.Equal(&Settings{
		Type:                          TypeSync,
		TrialConfigRepeatCount:        1,
		Teardown:                      true,
		Runners:                       1,
		PollingInterval:               time.Second,
		IdleWorkerSchedulingBatchSize: 1,
	}, s)

	cfg := viper.New()
	cfg.SetConfigType("yaml")
	require.NoError(cfg.ReadConfig(bytes.NewBufferString(schedulerYAML)))
	s, err = SettingsFromConfig(cfg)
	require.NoError(err)
	require.Equal([]int64{5, 9}, s.CycleConfigIDs)
	require.Equal(2, s.MaxTrials)
	require.Equal(2, s.TrialConfigRepeatCount)
	require.False(s.Teardown)
	require.Equal(250*time.Millisecond, s.PollingInterval)

	testCases := []struct {
		description string
		settings    map[string]interface{}
	}{
		{"unknown type", map[string]interface{}{consts.SchedulerType: "fifo"}},
		{"cyclic without configs", map[string]interface{}{consts.SchedulerType: TypeCyclic}},
		{"no repeats", map[string]interface{}{consts.SchedulerTrialConfigRepeatCount: 0}},
		{"no runners", map[string]interface{}{consts.SchedulerRunners: 0}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			cfg := viper.New()
			for k, v := range tc.settings {
				cfg.Set(k, v)
			}
			_, err := SettingsFromConfig(cfg)
			assert.Error(t, err)
		})
	}
}
