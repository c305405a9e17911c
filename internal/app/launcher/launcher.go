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

// Package launcher builds the object graph of one experiment from the
// configuration and runs it to completion.
package launcher

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/environment"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/optimizer"
	"opentune.dev/opentune/internal/runner"
	"opentune.dev/opentune/internal/scheduler"
	"opentune.dev/opentune/internal/service"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
	"opentune.dev/opentune/internal/util"
)

// maxFailedShare is the share of failed trials above which a run fails.
const maxFailedShare = 0.2

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "app.launcher",
	})
)

// Options are the command line overrides of a run. Zero values keep the
// configured settings.
type Options struct {
	ExperimentID           string
	TrialConfigRepeatCount int
	MaxTrials              int
	ConfigID               int64
	ExpectedTrials         int
}

// Apply writes the set options into cfg.
func (o Options) Apply(cfg config.Mutable) {
	if o.ExperimentID != "" {
		cfg.Set(consts.ExperimentID, o.ExperimentID)
	}
	if o.TrialConfigRepeatCount > 0 {
		cfg.Set(consts.SchedulerTrialConfigRepeatCount, o.TrialConfigRepeatCount)
	}
	if o.MaxTrials > 0 {
		cfg.Set(consts.SchedulerMaxTrials, o.MaxTrials)
	}
	if o.ConfigID > 0 {
		cfg.Set(consts.SchedulerConfigID, o.ConfigID)
	}
	if o.ExpectedTrials > 0 {
		cfg.Set(consts.LauncherExpectedTrials, o.ExpectedTrials)
	}
}

// Report summarizes a finished run.
type Report struct {
	ExperimentID string
	Status       statestore.Status
	Stats        scheduler.Stats
	BestScores   map[string]float64
	BestConfig   tunables.Values
}

// Launcher owns everything one run needs.
type Launcher struct {
	storage  *statestore.Storage
	sched    *scheduler.Scheduler
	expected int
	mc       *util.MultiClose
}

// New opens the storage and builds a Launcher on it. Close releases the
// storage.
func New(ctx context.Context, cfg config.View) (*Launcher, error) {
	storage, err := statestore.Open(cfg)
	if err != nil {
		return nil, err
	}
	l, err := NewWithStorage(ctx, cfg, storage)
	if err != nil {
		storage.Close()
		return nil, err
	}
	l.mc.AddCloseWithErrorFunc(storage.Close)
	return l, nil
}

// NewWithStorage attaches to the configured experiment in storage,
// creating it when needed, and builds its runners, optimizer and scheduler.
// The storage is not closed by Close.
func NewWithStorage(ctx context.Context, cfg config.View, storage *statestore.Storage) (*Launcher, error) {
	info, err := ExperimentInfo(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := storage.Experiment(ctx, info, true)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot attach to experiment %s", info.ID)
	}
	if exp.Info().Status.IsPending() {
		if _, err = storage.ClaimExperiment(ctx, exp.ID()); err != nil {
			return nil, errors.Wrapf(err, "cannot claim experiment %s", exp.ID())
		}
	}

	defs, err := tunables.ReadDefinitions(cfg, consts.Tunables)
	if err != nil {
		return nil, err
	}
	groups, err := defs.Build()
	if err != nil {
		return nil, err
	}
	envDef, err := environment.ReadDefinition(cfg, consts.Environment)
	if err != nil {
		return nil, err
	}
	settings, err := scheduler.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := service.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	loop := eventloop.New(cfg)
	runners := make([]*runner.TrialRunner, settings.Runners)
	for i := range runners {
		env, err := environment.New(*envDef, groups, svc, loop)
		if err != nil {
			return nil, err
		}
		if runners[i], err = runner.New(i+1, env, loop); err != nil {
			return nil, err
		}
	}

	var opt optimizer.Optimizer
	if settings.Type != scheduler.TypeCyclic {
		if opt, err = optimizer.New(cfg, groups, exp.Objectives()); err != nil {
			return nil, err
		}
	}

	global := environment.Params{}
	if cfg.IsSet(consts.GlobalConfig) {
		if err = cfg.UnmarshalKey(consts.GlobalConfig, &global); err != nil {
			return nil, errors.Wrapf(err, "cannot decode %s", consts.GlobalConfig)
		}
	}

	sched, err := scheduler.New(*settings, exp, opt, runners, global)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"experiment": exp.ID(),
		"scheduler":  settings.Type,
		"runners":    settings.Runners,
		"tunables":   groups.Len(),
	}).Info("experiment ready")

	return &Launcher{
		storage:  storage,
		sched:    sched,
		expected: cfg.GetInt(consts.LauncherExpectedTrials),
		mc:       util.NewMultiClose(),
	}, nil
}

// ExperimentInfo reads the experiment description from cfg.
func ExperimentInfo(cfg config.View) (statestore.ExperimentInfo, error) {
	info := statestore.ExperimentInfo{
		ID:            cfg.GetString(consts.ExperimentID),
		Description:   cfg.GetString(consts.ExperimentDescription),
		RootEnvConfig: cfg.GetString(consts.ExperimentEnvironment),
		GitRepo:       cfg.GetString(consts.ExperimentGitRepo),
		GitCommit:     cfg.GetString(consts.ExperimentGitCommit),
	}
	if info.ID == "" {
		return info, errors.Errorf("%s is required", consts.ExperimentID)
	}
	if cfg.IsSet(consts.ExperimentObjectives) {
		if err := cfg.UnmarshalKey(consts.ExperimentObjectives, &info.Objectives); err != nil {
			return info, errors.Wrapf(err, "cannot decode %s", consts.ExperimentObjectives)
		}
	}
	return info, nil
}

// Run schedules trials until the scheduler stops, records the experiment
// status and checks that the run did useful work.
func (l *Launcher) Run(ctx context.Context) (*Report, error) {
	exp := l.sched.Experiment()
	runErr := l.sched.Start(ctx)

	r := &Report{
		ExperimentID: exp.ID(),
		Stats:        l.sched.Stats(),
	}
	scores, best := l.sched.BestObservation()
	if best != nil {
		r.BestScores = scores
		r.BestConfig = best.ParamValues()
	}

	err := runErr
	if err == nil {
		err = check(r.Stats, l.expected)
	}
	switch {
	case err == nil:
		r.Status = statestore.Succeeded
	case errors.Is(runErr, context.Canceled):
		r.Status = statestore.Canceled
	default:
		r.Status = statestore.Failed
	}

	if ferr := exp.Finish(context.WithoutCancel(ctx), r.Status); ferr != nil {
		logger.WithError(ferr).WithField("experiment", exp.ID()).Error("cannot record the experiment status")
		if err == nil {
			err = ferr
		}
	}
	logger.WithFields(logrus.Fields{
		"experiment": exp.ID(),
		"status":     r.Status.String(),
		"trials":     r.Stats.Trials,
		"failed":     r.Stats.Failed,
		"best":       r.BestScores,
	}).Info("run finished")
	return r, err
}

// check fails runs that ran nothing, ran fewer trials than expected or
// failed too often.
func check(s scheduler.Stats, expected int) error {
	if s.Trials == 0 {
		return errors.New("no trials were run")
	}
	if expected > 0 && s.Trials < expected {
		return errors.Errorf("%d trials ran, expected at least %d", s.Trials, expected)
	}
	if float64(s.Failed) > maxFailedShare*float64(s.Trials) {
		return errors.Errorf("%d of %d trials failed", s.Failed, s.Trials)
	}
	return nil
}

// Close releases what New opened.
func (l *Launcher) Close() error {
	return l.mc.Close()
}
