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

// Package runner drives a single trial through the lifecycle of an
// environment.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/environment"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// Keys a runner adds to the global configuration of its environment.
const (
	ParamTrialRunnerID = "trial_runner_id"
	ParamExperimentID  = "experiment_id"
	ParamTrialID       = "trial_id"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "opentune",
	"component": "runner",
})

// Result is the outcome of one trial as seen by the scheduler.
type Result struct {
	TrialID   int64
	RunnerID  int
	Status    statestore.Status
	Timestamp time.Time
	// Scores holds the numeric results of a succeeded trial, nil otherwise.
	Scores map[string]float64
}

// TrialRunner binds one environment to the trials it runs. A runner runs at
// most one trial at a time.
type TrialRunner struct {
	id   int
	env  environment.Environment
	loop *eventloop.Context

	mu      sync.Mutex
	started bool
	running bool
}

// New creates a runner. Runner ids start at 1; loop may be nil when the
// environment needs no background work.
func New(id int, env environment.Environment, loop *eventloop.Context) (*TrialRunner, error) {
	if id <= statestore.NoRunner {
		return nil, errors.Errorf("invalid trial runner id %d", id)
	}
	if env == nil {
		return nil, errors.New("trial runner needs an environment")
	}
	return &TrialRunner{id: id, env: env, loop: loop}, nil
}

func (r *TrialRunner) ID() int { return r.id }

func (r *TrialRunner) Environment() environment.Environment { return r.env }

// Start takes a reference on the shared event loop.
func (r *TrialRunner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	if r.loop != nil {
		r.loop.Enter()
	}
	r.started = true
}

// Stop releases the event loop reference taken by Start.
func (r *TrialRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	if r.loop != nil {
		return r.loop.Exit()
	}
	return nil
}

// IsRunning reports whether a trial is in progress.
func (r *TrialRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run sets up the environment for trial, runs it and records the outcome.
// Environment failures, including panics, end the trial as FAILED and are
// not returned as errors. An error means the trial could not be claimed or
// its outcome could not be stored.
func (r *TrialRunner) Run(ctx context.Context, trial *statestore.Trial, global environment.Params) (res *Result, err error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.Errorf("trial runner %d is busy", r.id)
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if trial.RunnerID() != r.id {
		if err := trial.SetRunner(ctx, r.id); err != nil {
			return nil, err
		}
	}

	log := logger.WithFields(logrus.Fields{
		"experiment":  trial.ExperimentID(),
		"trial":       trial.ID(),
		"runner":      r.id,
		"environment": r.env.Name(),
	})
	res = &Result{TrialID: trial.ID(), RunnerID: r.id}

	// Outcomes are stored even when ctx is canceled mid-run.
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("environment panicked")
			err = r.fail(storeCtx, trial, res)
		}
	}()

	groups, err := r.tunables(trial)
	if err != nil {
		log.WithError(err).Warning("trial config does not fit the environment")
		return res, r.fail(storeCtx, trial, res)
	}

	ok, err := r.env.Setup(ctx, groups, r.params(trial, global))
	if err != nil || !ok {
		log.WithError(err).WithField("tunables", groups.String()).Warning("setup failed")
		return res, r.fail(storeCtx, trial, res)
	}

	if err := trial.Update(storeCtx, statestore.Running, time.Now().UTC(), nil); err != nil {
		log.WithError(err).Error("cannot mark the trial running")
		// The trial is claimed, so no pending query offers it again.
		if ferr := r.fail(storeCtx, trial, res); ferr != nil {
			log.WithError(ferr).Error("cannot mark the trial failed")
		}
		return nil, err
	}

	out, err := r.env.Run(ctx)
	if err != nil {
		log.WithError(err).Warning("run failed")
		return res, r.fail(storeCtx, trial, res)
	}
	st, ts, results := out.Status, out.Timestamp, out.Results
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if !st.IsTerminal() {
		log.WithField("status", st).Warning("environment finished without a final status")
		st, results = statestore.Failed, nil
	}

	if report, err := r.env.Status(ctx); err != nil {
		log.WithError(err).Warning("cannot read environment telemetry")
	} else if len(report.Telemetry) > 0 {
		if err := trial.UpdateTelemetry(storeCtx, st, ts, report.Telemetry); err != nil {
			return nil, err
		}
	}

	if err := trial.Update(storeCtx, st, ts, results); err != nil {
		return nil, err
	}
	res.Status, res.Timestamp = st, ts
	if st.IsSucceeded() {
		res.Scores = numeric(results)
	}
	log.WithFields(logrus.Fields{
		"status":  st,
		"results": results,
	}).Info("trial finished")
	return res, nil
}

// Teardown releases the resources of the environment.
func (r *TrialRunner) Teardown(ctx context.Context) error {
	if r.IsRunning() {
		return errors.Errorf("trial runner %d is busy", r.id)
	}
	return r.env.Teardown(ctx)
}

func (r *TrialRunner) fail(ctx context.Context, trial *statestore.Trial, res *Result) error {
	res.Status, res.Timestamp, res.Scores = statestore.Failed, time.Now().UTC(), nil
	return trial.Update(ctx, statestore.Failed, res.Timestamp, nil)
}

// tunables returns the environment's tunables holding the trial's values.
// Values of tunables the environment does not use are ignored.
func (r *TrialRunner) tunables(trial *statestore.Trial) (*tunables.Groups, error) {
	groups := r.env.TunableParams().Copy()
	values := tunables.Values{}
	for name, v := range trial.Config() {
		if _, _, ok := groups.Tunable(name); ok {
			values[name] = v
		}
	}
	if err := groups.Assign(values); err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *TrialRunner) params(trial *statestore.Trial, global environment.Params) environment.Params {
	p := make(environment.Params, len(global)+3)
	for k, v := range global {
		p[k] = v
	}
	p[ParamExperimentID] = trial.ExperimentID()
	p[ParamTrialID] = trial.ID()
	p[ParamTrialRunnerID] = r.id
	return p
}

// numeric keeps the results that are numbers.
func numeric(results map[string]interface{}) map[string]float64 {
	scores := make(map[string]float64, len(results))
	for k, v := range results {
		switch n := v.(type) {
		case float64:
			scores[k] = n
		case float32:
			scores[k] = float64(n)
		case int:
			scores[k] = float64(n)
		case int32:
			scores[k] = float64(n)
		case int64:
			scores[k] = float64(n)
		}
	}
	return scores
}
