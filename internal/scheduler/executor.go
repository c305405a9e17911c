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
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/environment"
	"opentune.dev/opentune/internal/runner"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tuneerr"
)

// executor hands claimed trials to trial runners. All methods are called
// from the scheduling goroutine.
type executor interface {
	// assign claims trial for an idle runner and runs it. It reports false
	// when another runner holds the trial.
	assign(ctx context.Context, trial *statestore.Trial, reassign bool) (bool, error)
	// idleCount returns how many runners can take a trial now.
	idleCount() int
	// waitIdle blocks until at least n runners are idle.
	waitIdle(ctx context.Context, n int) error
	// waitAll blocks until no trial is in flight.
	waitAll(ctx context.Context) error
	// close waits for in-flight trials, whatever the state of the scheduler.
	close()
}

// preferredRunner returns the runner a trial was created for, if any.
func preferredRunner(trial *statestore.Trial) int {
	if id := trial.RunnerID(); id != statestore.NoRunner {
		return id
	}
	id, err := strconv.Atoi(trial.Metadata()[MetaTrialRunnerID])
	if err != nil {
		return statestore.NoRunner
	}
	return id
}

// claim binds trial to runnerID. A trial another runner holds is skipped.
func claim(ctx context.Context, trial *statestore.Trial, runnerID int, reassign bool) (bool, error) {
	var err error
	if reassign {
		err = trial.ReassignRunner(ctx, runnerID)
	} else {
		err = trial.SetRunner(ctx, runnerID)
	}
	if tuneerr.IsStateError(err) {
		logger.WithError(err).WithField("trial", trial.ID()).Info("trial claimed elsewhere, skipping")
		return false, nil
	}
	return err == nil, err
}

// syncExecutor runs each trial on the calling goroutine.
type syncExecutor struct {
	runners  map[int]*runner.TrialRunner
	first    int
	global   environment.Params
	onResult func(*runner.Result)
}

func newSyncExecutor(runners []*runner.TrialRunner, global environment.Params, onResult func(*runner.Result)) *syncExecutor {
	e := &syncExecutor{
		runners:  make(map[int]*runner.TrialRunner, len(runners)),
		first:    runners[0].ID(),
		global:   global,
		onResult: onResult,
	}
	for _, r := range runners {
		e.runners[r.ID()] = r
	}
	return e
}

func (e *syncExecutor) assign(ctx context.Context, trial *statestore.Trial, reassign bool) (bool, error) {
	r, ok := e.runners[preferredRunner(trial)]
	if !ok {
		r = e.runners[e.first]
	}
	if ok, err := claim(ctx, trial, r.ID(), reassign); !ok || err != nil {
		return false, err
	}
	res, err := r.Run(ctx, trial, e.global)
	if err != nil {
		return true, err
	}
	e.onResult(res)
	return true, nil
}

func (e *syncExecutor) idleCount() int { return 1 }

func (e *syncExecutor) waitIdle(context.Context, int) error { return nil }

func (e *syncExecutor) waitAll(context.Context) error { return nil }

func (e *syncExecutor) close() {}

// parallelExecutor runs trials on their own goroutines. Runners move
// between the idle and busy sets only on the scheduling goroutine, when it
// applies the completions workers send back.
type parallelExecutor struct {
	runners  map[int]*runner.TrialRunner
	order    []int
	global   environment.Params
	onResult func(*runner.Result)

	pollingInterval   time.Duration
	schedulingTimeout time.Duration

	mu   sync.Mutex
	idle map[int]struct{}
	busy map[int]struct{}
	errs []error

	completions chan func()
	wg          sync.WaitGroup
}

func newParallelExecutor(runners []*runner.TrialRunner, global environment.Params, onResult func(*runner.Result),
	pollingInterval, schedulingTimeout time.Duration) *parallelExecutor {
	e := &parallelExecutor{
		runners:           make(map[int]*runner.TrialRunner, len(runners)),
		global:            global,
		onResult:          onResult,
		pollingInterval:   pollingInterval,
		schedulingTimeout: schedulingTimeout,
		idle:              make(map[int]struct{}, len(runners)),
		busy:              make(map[int]struct{}, len(runners)),
		completions:       make(chan func(), len(runners)),
	}
	for _, r := range runners {
		e.runners[r.ID()] = r
		e.order = append(e.order, r.ID())
		e.idle[r.ID()] = struct{}{}
	}
	return e
}

func (e *parallelExecutor) idleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.idle)
}

func (e *parallelExecutor) busyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.busy)
}

// take moves an idle runner to busy, preferring the given one.
func (e *parallelExecutor) take(preferred int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := statestore.NoRunner
	if _, ok := e.idle[preferred]; ok {
		id = preferred
	} else {
		for _, candidate := range e.order {
			if _, ok := e.idle[candidate]; ok {
				id = candidate
				break
			}
		}
	}
	if id != statestore.NoRunner {
		delete(e.idle, id)
		e.busy[id] = struct{}{}
	}
	return id
}

func (e *parallelExecutor) release(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, id)
	e.idle[id] = struct{}{}
}

func (e *parallelExecutor) assign(ctx context.Context, trial *statestore.Trial, reassign bool) (bool, error) {
	if err := e.waitIdle(ctx, 1); err != nil {
		return false, err
	}
	id := e.take(preferredRunner(trial))
	ok, err := claim(ctx, trial, id, reassign)
	if !ok || err != nil {
		e.release(id)
		return false, err
	}

	r := e.runners[id]
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := r.Run(ctx, trial, e.global)
		e.completions <- func() {
			e.release(id)
			if err != nil {
				e.mu.Lock()
				e.errs = append(e.errs, err)
				e.mu.Unlock()
				return
			}
			e.onResult(res)
		}
	}()
	return true, nil
}

// apply runs the completions already sent.
func (e *parallelExecutor) apply() {
	for {
		select {
		case f := <-e.completions:
			f()
		default:
			return
		}
	}
}

// err returns the errors of finished trials collected since the last call.
func (e *parallelExecutor) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	err := e.errs[0]
	for _, extra := range e.errs[1:] {
		logger.WithError(extra).Error("trial runner failed")
	}
	e.errs = nil
	return err
}

func (e *parallelExecutor) waitFor(ctx context.Context, done func() bool, reason string) error {
	ticker := backoff.NewTicker(backoff.NewConstantBackOff(e.pollingInterval))
	defer ticker.Stop()

	start := time.Now()
	next := e.schedulingTimeout
	for {
		e.apply()
		if done() {
			return e.err()
		}
		if waited := time.Since(start); e.schedulingTimeout > 0 && waited >= next {
			logger.WithError(&tuneerr.SchedulingTimeoutError{Waited: waited, Reason: reason}).Warning("still waiting")
			next += e.schedulingTimeout
		}
		select {
		case f := <-e.completions:
			f()
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *parallelExecutor) waitIdle(ctx context.Context, n int) error {
	if n > len(e.runners) {
		n = len(e.runners)
	}
	logger.WithField("idle", n).Debug("waiting for idle trial runners")
	return e.waitFor(ctx, func() bool { return e.idleCount() >= n }, "no idle trial runner")
}

func (e *parallelExecutor) waitAll(ctx context.Context) error {
	logger.WithFields(logrus.Fields{"busy": e.busyCount()}).Debug("waiting for all trial runners")
	return e.waitFor(ctx, func() bool { return e.busyCount() == 0 }, "trials still running")
}

func (e *parallelExecutor) close() {
	e.wg.Wait()
	e.apply()
}
