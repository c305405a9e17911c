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

// Package testing provides a scriptable environment for tests of the code
// that drives environments.
package testing

import (
	"context"
	"sync"
	"time"

	"opentune.dev/opentune/internal/environment"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// Recorder is an environment that records its calls and returns canned
// answers. The zero value of each answer field means success.
type Recorder struct {
	EnvName string
	Groups  *tunables.Groups

	// SetupFails makes Setup report false.
	SetupFails bool
	SetupErr   error
	// RunStatus overrides the status returned by Run. Unknown means SUCCEEDED.
	RunStatus statestore.Status
	RunErr    error
	// Results is returned by a succeeded Run. Nil results return a score
	// computed by Score, or 0.
	Results map[string]interface{}
	Score   func(tunables.Values) float64
	// Panic makes Run panic with the given value.
	Panic     interface{}
	Telemetry []statestore.TelemetrySample
	// Block makes Run wait until the channel is closed or ctx is done.
	Block <-chan struct{}
	Delay time.Duration
	// Active, when shared by several recorders, tracks how many of their
	// runs overlap.
	Active *Concurrency

	mu         sync.Mutex
	setups     int
	runs       int
	statuses   int
	teardowns  int
	lastParams environment.Params
	lastValues tunables.Values
}

var _ environment.Environment = (*Recorder)(nil)

func (r *Recorder) Name() string {
	if r.EnvName == "" {
		return "recorder"
	}
	return r.EnvName
}

func (r *Recorder) TunableParams() *tunables.Groups {
	if r.Groups == nil {
		g, _ := tunables.NewGroups()
		return g
	}
	return r.Groups
}

func (r *Recorder) Setup(_ context.Context, groups *tunables.Groups, global environment.Params) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups++
	r.lastParams = environment.Params{}
	for k, v := range global {
		r.lastParams[k] = v
	}
	r.lastValues = groups.ParamValues()
	if r.SetupErr != nil {
		return false, r.SetupErr
	}
	return !r.SetupFails, nil
}

func (r *Recorder) Run(ctx context.Context) (*environment.Outcome, error) {
	r.mu.Lock()
	r.runs++
	values := r.lastValues
	r.mu.Unlock()

	if r.Active != nil {
		r.Active.enter()
		defer r.Active.leave()
	}

	if r.Panic != nil {
		panic(r.Panic)
	}
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.RunErr != nil {
		return nil, r.RunErr
	}
	st := r.RunStatus
	if st == statestore.Unknown {
		st = statestore.Succeeded
	}
	out := &environment.Outcome{Status: st, Timestamp: time.Now().UTC()}
	if st.IsSucceeded() {
		out.Results = r.Results
		if out.Results == nil {
			score := 0.0
			if r.Score != nil {
				score = r.Score(values)
			}
			out.Results = map[string]interface{}{"score": score}
		}
	}
	return out, nil
}

func (r *Recorder) Status(context.Context) (*environment.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses++
	return &environment.Report{Status: statestore.Ready, Timestamp: time.Now().UTC(), Telemetry: r.Telemetry}, nil
}

func (r *Recorder) Teardown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns++
	return nil
}

// Concurrency counts the runs in progress and remembers the highest count.
type Concurrency struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (c *Concurrency) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur++
	if c.cur > c.peak {
		c.peak = c.cur
	}
}

func (c *Concurrency) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur--
}

// Peak returns the largest number of overlapping runs seen.
func (c *Concurrency) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Calls returns how often Setup, Run, Status and Teardown were called.
func (r *Recorder) Calls() (setups, runs, statuses, teardowns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setups, r.runs, r.statuses, r.teardowns
}

// LastParams returns the global params of the last Setup.
func (r *Recorder) LastParams() environment.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastParams
}

// LastValues returns the tunable values of the last Setup.
func (r *Recorder) LastValues() tunables.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastValues
}
