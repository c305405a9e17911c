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

// Package scheduler runs the optimization loop: it warms the optimizer up
// from stored results, turns suggestions into trials and hands pending
// trials to trial runners until a stop condition is met.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/environment"
	"opentune.dev/opentune/internal/optimizer"
	"opentune.dev/opentune/internal/runner"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tuneerr"
	"opentune.dev/opentune/internal/tunables"
)

// Metadata recorded with every trial the scheduler creates.
const (
	MetaOptimizer     = "optimizer"
	MetaOptTarget     = "opt_target"
	MetaOptDirection  = "opt_direction"
	MetaRepeat        = "repeat_i"
	MetaIsDefaults    = "is_defaults"
	MetaTrialRunnerID = "trial_runner_id"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "opentune",
	"component": "scheduler",
})

// Stats counts the trials this scheduler handed to runners.
type Stats struct {
	Trials    int
	Succeeded int
	Failed    int
}

// Scheduler drives trial runners against one experiment.
type Scheduler struct {
	settings Settings
	exp      *statestore.Experiment
	opt      optimizer.Optimizer
	space    *tunables.Groups
	runners  []*runner.TrialRunner
	exec     executor

	// Bookkeeping owned by the scheduling goroutine.
	scheduledByMe map[int64]bool
	queued        map[int64]bool
	registered    map[int64]bool
	watermark     int64
	trialCount    int
	nextRunner    int

	statsMu sync.Mutex
	stats   Stats
}

// New creates a scheduler. The optimizer must be nil for the cyclic type
// and set for the others. global is passed to every environment setup.
func New(settings Settings, exp *statestore.Experiment, opt optimizer.Optimizer, runners []*runner.TrialRunner, global environment.Params) (*Scheduler, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, errors.New("scheduler needs an experiment")
	}
	if len(runners) == 0 {
		return nil, errors.New("scheduler needs at least one trial runner")
	}
	if settings.Type == TypeCyclic && opt != nil {
		return nil, errors.New("a cyclic scheduler does not use an optimizer")
	}
	if settings.Type != TypeCyclic && opt == nil {
		return nil, errors.Errorf("a %s scheduler needs an optimizer", settings.Type)
	}

	s := &Scheduler{
		settings:      settings,
		exp:           exp,
		opt:           opt,
		runners:       runners,
		scheduledByMe: map[int64]bool{},
		queued:        map[int64]bool{},
		registered:    map[int64]bool{},
	}
	if opt != nil {
		s.space = opt.Tunables()
	} else {
		s.space = runners[0].Environment().TunableParams().Copy()
	}

	if settings.Type == TypeParallel {
		batch := settings.IdleWorkerSchedulingBatchSize
		if batch < 1 {
			logger.WithField("batch", batch).Warning("invalid idle worker batch size, waiting for all runners")
			batch = len(runners)
		}
		if batch > len(runners) {
			batch = len(runners)
		}
		s.settings.IdleWorkerSchedulingBatchSize = batch
		s.exec = newParallelExecutor(runners, global, s.onResult, settings.PollingInterval, settings.SchedulingTimeout)
	} else {
		s.settings.IdleWorkerSchedulingBatchSize = 1
		s.exec = newSyncExecutor(runners, global, s.onResult)
	}
	return s, nil
}

// Experiment returns the experiment the scheduler works on.
func (s *Scheduler) Experiment() *statestore.Experiment { return s.exp }

// Stats returns the trial counts so far.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// BestObservation returns the best scores and their configuration, or nils
// when there is no optimizer or nothing succeeded.
func (s *Scheduler) BestObservation() (map[string]float64, *tunables.Groups) {
	if s.opt == nil {
		return nil, nil
	}
	scores, best := s.opt.BestObservation()
	logger.WithFields(logrus.Fields{
		"experiment": s.exp.ID(),
		"scores":     scores,
	}).Info("best observation")
	return scores, best
}

func (s *Scheduler) onResult(res *runner.Result) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Trials++
	if res.Status.IsSucceeded() {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
}

// Start runs the loop until a stop condition is met and every trial it
// started has finished.
func (s *Scheduler) Start(ctx context.Context) (err error) {
	log := logger.WithFields(logrus.Fields{
		"experiment": s.exp.ID(),
		"scheduler":  s.settings.Type,
		"runners":    len(s.runners),
	})
	if s.opt != nil {
		log = log.WithField("optimizer", s.opt.Name())
	}
	log.Info("starting")

	for _, r := range s.runners {
		r.Start()
	}
	defer func() {
		s.exec.close()
		for _, r := range s.runners {
			if serr := r.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
	}()

	if s.settings.ConfigID > 0 {
		groups, err := s.loadConfig(ctx, s.settings.ConfigID)
		if err != nil {
			return err
		}
		if err := s.scheduleTrial(ctx, groups); err != nil {
			return err
		}
	}

	isWarmUp, err := s.warmUp(ctx)
	if err != nil {
		return err
	}

	for {
		if err := s.runSchedule(ctx, isWarmUp); err != nil {
			return err
		}
		isWarmUp = false
		more, err := s.scheduleNew(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	// Run what the last pass queued, then drain.
	if err := s.runSchedule(ctx, false); err != nil {
		return err
	}
	if err := s.exec.waitAll(ctx); err != nil {
		return err
	}
	if err := s.registerResults(ctx); err != nil {
		return err
	}
	log.WithField("stats", s.Stats()).Info("done")

	if s.settings.Teardown {
		return s.teardown(ctx)
	}
	return nil
}

// warmUp loads the results of earlier runs. They reach the optimizer only
// when it supports preloading. It reports whether the first run pass should
// pick up trials left behind by an earlier run.
func (s *Scheduler) warmUp(ctx context.Context) (bool, error) {
	preload := s.opt != nil && s.opt.SupportsPreload()
	res, err := s.exp.Load(ctx, -1)
	if err != nil {
		return false, err
	}
	for _, id := range res.TrialIDs {
		s.registered[id] = true
	}
	s.advanceWatermark()

	if len(res.TrialIDs) == 0 {
		return preload, nil
	}
	if !preload {
		logger.WithField("trials", len(res.TrialIDs)).Info("optimizer does not preload, ignoring earlier results")
		return false, nil
	}
	if _, err := s.opt.BulkRegister(res.Configs, res.Scores, res.Statuses); err != nil {
		return false, err
	}
	logger.WithField("trials", len(res.TrialIDs)).Info("optimizer warmed up from earlier results")
	return true, nil
}

// runSchedule hands the pending trials to runners. A warm-up pass also
// takes over trials that an earlier run left running.
func (s *Scheduler) runSchedule(ctx context.Context, warmUp bool) error {
	trials, err := s.exp.PendingTrials(ctx, time.Now().UTC(), warmUp)
	if err != nil {
		return err
	}
	for _, tr := range trials {
		if s.scheduledByMe[tr.ID()] {
			continue
		}
		s.scheduledByMe[tr.ID()] = true
		delete(s.queued, tr.ID())
		logger.WithFields(logrus.Fields{
			"trial":  tr.ID(),
			"config": tr.ConfigID(),
		}).Info("running trial")
		ok, err := s.exec.assign(ctx, tr, warmUp)
		if ok {
			s.trialCount++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// scheduleNew registers new results and queues as many configurations as
// there are idle runners. It reports false when a stop condition is met.
func (s *Scheduler) scheduleNew(ctx context.Context) (bool, error) {
	if err := s.exec.waitIdle(ctx, s.settings.IdleWorkerSchedulingBatchSize); err != nil {
		return false, err
	}
	if err := s.registerResults(ctx); err != nil {
		return false, err
	}
	slots := s.exec.idleCount()
	for i := 0; i < slots; i++ {
		if !s.notDone() {
			return false, nil
		}
		groups, err := s.nextConfig(ctx)
		if err != nil {
			return false, err
		}
		if err := s.scheduleTrial(ctx, groups); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Scheduler) notDone() bool {
	if s.settings.MaxTrials > 0 && s.trialCount+len(s.queued) >= s.settings.MaxTrials {
		return false
	}
	if s.opt != nil && !s.opt.NotConverged() {
		return false
	}
	return true
}

func (s *Scheduler) nextConfig(ctx context.Context) (*tunables.Groups, error) {
	if s.opt != nil {
		return s.opt.Suggest(ctx)
	}
	ids := s.settings.CycleConfigIDs
	return s.loadConfig(ctx, ids[(s.trialCount+len(s.queued))%len(ids)])
}

func (s *Scheduler) loadConfig(ctx context.Context, configID int64) (*tunables.Groups, error) {
	values, err := s.exp.LoadTunableConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	groups := s.space.Copy()
	if err := groups.Assign(values); err != nil {
		return nil, errors.Wrapf(err, "stored config %d", configID)
	}
	logger.WithFields(logrus.Fields{
		"config": configID,
		"values": groups.String(),
	}).Info("loaded stored config")
	return groups, nil
}

// scheduleTrial stores the trials for groups, one per repeat, spreading
// them over the runners.
func (s *Scheduler) scheduleTrial(ctx context.Context, groups *tunables.Groups) error {
	name, targets, directions := "none", "", ""
	if s.opt != nil {
		name, targets, directions = s.opt.Name(), optimizer.TargetNames(s.opt), optimizer.TargetDirections(s.opt)
	}
	isDefaults := strconv.FormatBool(groups.IsDefaults())

	for repeat := 1; repeat <= s.settings.TrialConfigRepeatCount; repeat++ {
		runnerID := s.runners[s.nextRunner].ID()
		s.nextRunner = (s.nextRunner + 1) % len(s.runners)

		tr, err := s.exp.NewTrial(ctx, groups, time.Now().UTC(), map[string]string{
			MetaOptimizer:     name,
			MetaOptTarget:     targets,
			MetaOptDirection:  directions,
			MetaRepeat:        strconv.Itoa(repeat),
			MetaIsDefaults:    isDefaults,
			MetaTrialRunnerID: strconv.Itoa(runnerID),
		})
		if err != nil {
			return err
		}
		s.queued[tr.ID()] = true
		logger.WithFields(logrus.Fields{
			"trial":  tr.ID(),
			"config": tr.ConfigID(),
			"repeat": repeat,
			"runner": runnerID,
		}).Info("queued trial")
	}
	return nil
}

// registerResults passes results not seen yet to the optimizer.
func (s *Scheduler) registerResults(ctx context.Context) error {
	res, err := s.exp.Load(ctx, s.watermark)
	if err != nil {
		return err
	}
	var (
		configs  []tunables.Values
		scores   []map[string]float64
		statuses []statestore.Status
	)
	for i, id := range res.TrialIDs {
		if s.registered[id] {
			continue
		}
		s.registered[id] = true
		configs = append(configs, res.Configs[i])
		scores = append(scores, res.Scores[i])
		statuses = append(statuses, res.Statuses[i])
	}
	s.advanceWatermark()
	if s.opt == nil || len(configs) == 0 {
		return nil
	}
	logger.WithField("trials", len(configs)).Debug("registering results")
	_, err = s.opt.BulkRegister(configs, scores, statuses)
	return err
}

// advanceWatermark moves past the contiguous run of registered trial ids so
// that later loads skip them.
func (s *Scheduler) advanceWatermark() {
	for s.registered[s.watermark+1] {
		delete(s.registered, s.watermark+1)
		s.watermark++
	}
}

func (s *Scheduler) teardown(ctx context.Context) error {
	fs := make([]func() error, len(s.runners))
	for i, r := range s.runners {
		r := r
		fs[i] = func() error {
			return r.Teardown(ctx)
		}
	}
	// Every runner tears down even when another one failed.
	return tuneerr.WaitOnErrors(logger, fs...)()
}
