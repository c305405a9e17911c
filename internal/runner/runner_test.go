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

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"opentune.dev/opentune/internal/environment"
	envTesting "opentune.dev/opentune/internal/environment/testing"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/statestore"
	statestoreTesting "opentune.dev/opentune/internal/statestore/testing"
	tunablesTesting "opentune.dev/opentune/internal/tunables/testing"
	"opentune.dev/opentune/internal/tuneerr"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

func newTrial(t *testing.T) *statestore.Trial {
	t.Helper()
	ctx := utilTesting.NewContext(t)
	st := statestoreTesting.NewStorageForTesting(t, viper.New(), statestoreTesting.NewSQLite)
	exp, err := st.Experiment(ctx, statestore.ExperimentInfo{
		ID:         xid.New().String(),
		Objectives: []statestore.Objective{{Name: "score", Direction: statestore.Minimize}},
	}, true)
	require.NoError(t, err)
	tr, err := exp.NewTrial(ctx, tunablesTesting.NewGroups(t), time.Time{}, nil)
	require.NoError(t, err)
	return tr
}

func reload(t *testing.T, tr *statestore.Trial) *statestore.Trial {
	t.Helper()
	fresh, err := tr.Experiment().Trial(utilTesting.NewContext(t), tr.ID())
	require.NoError(t, err)
	return fresh
}

// refusingRunning stores every update except the one starting a trial.
type refusingRunning struct {
	statestore.Service
}

func (s refusingRunning) UpdateTrial(ctx context.Context, expID string, trialID int64, st statestore.Status, ts time.Time, results map[string]string) error {
	if st == statestore.Running {
		return errors.New("disk full")
	}
	return s.Service.UpdateTrial(ctx, expID, trialID, st, ts, results)
}

func TestRunningUpdateFailureFailsTheTrial(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	base := statestoreTesting.NewStorageForTesting(t, viper.New(), statestoreTesting.NewSQLite)
	st := statestore.NewStorage(refusingRunning{base.Service()}, nil)
	exp, err := st.Experiment(ctx, statestore.ExperimentInfo{ID: xid.New().String()}, true)
	require.NoError(err)
	tr, err := exp.NewTrial(ctx, tunablesTesting.NewGroups(t), time.Time{}, nil)
	require.NoError(err)

	env := &envTesting.Recorder{Groups: tunablesTesting.NewGroups(t)}
	r, err := New(1, env, nil)
	require.NoError(err)
	res, err := r.Run(ctx, tr, nil)
	require.EqualError(err, "disk full")
	require.Nil(res)

	setups, runs, _, _ := env.Calls()
	require.Equal(1, setups)
	require.Equal(0, runs)
	stored := reload(t, tr)
	require.Equal(statestore.Failed, stored.Status())
	require.Equal(1, stored.RunnerID())

	pending, err := exp.PendingTrials(ctx, time.Now().UTC(), true)
	require.NoError(err)
	require.Empty(pending)
}

func TestNewValidates(t *testing.T) {
	_, err := New(0, &envTesting.Recorder{}, nil)
	assert.Error(t, err)
	_, err = New(1, nil, nil)
	assert.Error(t, err)
}

func TestRunSucceeded(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	tr := newTrial(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	env := &envTesting.Recorder{
		Groups:    tunablesTesting.NewGroups(t),
		Results:   map[string]interface{}{"score": 0.5, "host": "vm-1"},
		Telemetry: []statestore.TelemetrySample{{Timestamp: now, Metric: "cpu", Value: "0.9"}},
	}
	r, err := New(3, env, nil)
	require.NoError(err)

	res, err := r.Run(ctx, tr, environment.Params{"region": "westus"})
	require.NoError(err)
	require.Equal(statestore.Succeeded, res.Status)
	require.Equal(map[string]float64{"score": 0.5}, res.Scores)
	require.Equal(3, res.RunnerID)
	require.False(r.IsRunning())

	params := env.LastParams()
	require.Equal("westus", params["region"])
	require.Equal(3, params[ParamTrialRunnerID])
	require.Equal(tr.ID(), params[ParamTrialID])
	require.Equal(tr.ExperimentID(), params[ParamExperimentID])

	stored := reload(t, tr)
	require.Equal(statestore.Succeeded, stored.Status())
	require.Equal(3, stored.RunnerID())
	require.Equal(map[string]string{"score": "0.5", "host": "vm-1"}, stored.Results())

	samples, err := tr.Experiment().LoadTelemetry(ctx, tr.ID())
	require.NoError(err)
	require.Len(samples, 1)
	require.Equal("cpu", samples[0].Metric)
}

func TestSetupFailureSkipsRun(t *testing.T) {
	testCases := []struct {
		description string
		env         *envTesting.Recorder
	}{
		{"setup reports false", &envTesting.Recorder{SetupFails: true}},
		{"setup errors", &envTesting.Recorder{SetupErr: errors.New("no quota")}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			tr := newTrial(t)
			r, err := New(1, tc.env, nil)
			require.NoError(err)

			res, err := r.Run(utilTesting.NewContext(t), tr, nil)
			require.NoError(err)
			require.Equal(statestore.Failed, res.Status)
			require.Nil(res.Scores)

			setups, runs, statuses, _ := tc.env.Calls()
			require.Equal(1, setups)
			require.Equal(0, runs)
			require.Equal(0, statuses)
			require.Equal(statestore.Failed, reload(t, tr).Status())
		})
	}
}

func TestRunFailuresEndTheTrial(t *testing.T) {
	testCases := []struct {
		description string
		env         *envTesting.Recorder
		expected    statestore.Status
	}{
		{"run errors", &envTesting.Recorder{RunErr: errors.New("benchmark crashed")}, statestore.Failed},
		{"run panics", &envTesting.Recorder{Panic: "boom"}, statestore.Failed},
		{"non-terminal status", &envTesting.Recorder{RunStatus: statestore.Running}, statestore.Failed},
		{"timed out", &envTesting.Recorder{RunStatus: statestore.TimedOut}, statestore.TimedOut},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			tr := newTrial(t)
			r, err := New(1, tc.env, nil)
			require.NoError(err)

			res, err := r.Run(utilTesting.NewContext(t), tr, nil)
			require.NoError(err)
			require.Equal(tc.expected, res.Status)
			require.Nil(res.Scores)
			require.Equal(tc.expected, reload(t, tr).Status())
			require.False(r.IsRunning())
		})
	}
}

func TestRunRefusesTrialOfAnotherRunner(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	tr := newTrial(t)
	require.NoError(tr.SetRunner(ctx, 2))

	env := &envTesting.Recorder{}
	r, err := New(1, env, nil)
	require.NoError(err)
	_, err = r.Run(ctx, tr, nil)
	require.True(tuneerr.IsStateError(err), "%v", err)

	setups, _, _, _ := env.Calls()
	require.Equal(0, setups)
}

func TestRunIgnoresTunablesOutsideTheEnvironment(t *testing.T) {
	require := require.New(t)
	tg := tunablesTesting.NewGroups(t)
	sub, err := tg.Subgroup("kernel")
	require.NoError(err)
	env := &envTesting.Recorder{Groups: sub}
	r, err := New(1, env, nil)
	require.NoError(err)

	_, err = r.Run(utilTesting.NewContext(t), newTrial(t), nil)
	require.NoError(err)
	require.NotContains(env.LastValues(), "vmSize")
	require.Contains(env.LastValues(), "prob")
}

func TestStartStopSharesTheLoop(t *testing.T) {
	require := require.New(t)
	loop := eventloop.NewWithTimeout(time.Second)
	a, err := New(1, &envTesting.Recorder{}, loop)
	require.NoError(err)
	b, err := New(2, &envTesting.Recorder{}, loop)
	require.NoError(err)

	a.Start()
	b.Start()
	a.Start()
	require.True(loop.IsRunning())

	require.NoError(a.Stop())
	require.True(loop.IsRunning())
	require.NoError(b.Stop())
	require.False(loop.IsRunning())
	require.NoError(b.Stop())
}

func TestTeardown(t *testing.T) {
	env := &envTesting.Recorder{}
	r, err := New(1, env, nil)
	require.NoError(t, err)
	require.NoError(t, r.Teardown(utilTesting.NewContext(t)))
	_, _, _, teardowns := env.Calls()
	require.Equal(t, 1, teardowns)
}
