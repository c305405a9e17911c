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

package statestore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/tunables"
)

// Trial is a handle on a stored trial. Its accessors reflect the record as
// last read or written through this handle.
type Trial struct {
	exp *Experiment
	rec TrialRecord
}

func (t *Trial) ID() int64 { return t.rec.TrialID }

func (t *Trial) ExperimentID() string { return t.rec.ExperimentID }

func (t *Trial) ConfigID() int64 { return t.rec.ConfigID }

func (t *Trial) RunnerID() int { return t.rec.RunnerID }

func (t *Trial) Status() Status { return t.rec.Status }

func (t *Trial) NotBefore() time.Time { return t.rec.NotBefore }

func (t *Trial) Start() time.Time { return t.rec.Start }

func (t *Trial) End() time.Time { return t.rec.End }

// Config returns a copy of the stored parameter values.
func (t *Trial) Config() tunables.Values {
	out := make(tunables.Values, len(t.rec.Config))
	for k, v := range t.rec.Config {
		out[k] = v
	}
	return out
}

// Metadata returns a copy of the trial params that are not tunables.
func (t *Trial) Metadata() map[string]string { return copyStrings(t.rec.Metadata) }

// Results returns a copy of the recorded results.
func (t *Trial) Results() map[string]string { return copyStrings(t.rec.Results) }

// Scores projects the objective results onto numbers.
func (t *Trial) Scores() map[string]float64 {
	return ScoresFrom(t.rec.Results, t.exp.info.Objectives)
}

// Experiment returns the owning experiment.
func (t *Trial) Experiment() *Experiment { return t.exp }

// Tunables returns an independent copy of base holding this trial's values.
func (t *Trial) Tunables(base *tunables.Groups) (*tunables.Groups, error) {
	groups := base.Copy()
	if err := groups.Assign(t.rec.Config); err != nil {
		return nil, err
	}
	return groups, nil
}

// SetRunner claims the trial for runnerID.
func (t *Trial) SetRunner(ctx context.Context, runnerID int) error {
	err := t.exp.st.do(ctx, func() error {
		return t.exp.st.s.SetTrialRunner(ctx, t.rec.ExperimentID, t.rec.TrialID, runnerID)
	})
	if err != nil {
		return err
	}
	t.rec.RunnerID = runnerID
	return nil
}

// ReassignRunner moves a trial left behind by a previous run to runnerID.
func (t *Trial) ReassignRunner(ctx context.Context, runnerID int) error {
	err := t.exp.st.do(ctx, func() error {
		return t.exp.st.s.ReassignTrialRunner(ctx, t.rec.ExperimentID, t.rec.TrialID, runnerID)
	})
	if err != nil {
		return err
	}
	if runnerID != t.rec.RunnerID {
		logger.WithFields(logrus.Fields{
			"experiment": t.rec.ExperimentID,
			"trial":      t.rec.TrialID,
			"from":       t.rec.RunnerID,
			"to":         runnerID,
		}).Info("reassigned trial")
	}
	t.rec.RunnerID = runnerID
	return nil
}

// Update moves the trial to st. Results are only accepted with a terminal
// status; replaying the same terminal update is a no-op.
func (t *Trial) Update(ctx context.Context, st Status, ts time.Time, results map[string]interface{}) error {
	stored := make(map[string]string, len(results))
	for k, v := range results {
		stored[k] = tunables.FormatValue(v)
	}
	err := t.exp.st.do(ctx, func() error {
		return t.exp.st.s.UpdateTrial(ctx, t.rec.ExperimentID, t.rec.TrialID, st, ts, stored)
	})
	if err != nil {
		return err
	}

	switch {
	case st == Running && t.rec.Status != Running:
		t.rec.Start = ts
	case st.IsTerminal() && !t.rec.Status.IsTerminal():
		t.rec.End = ts
		t.rec.Results = stored
	}
	t.rec.Status = st
	return nil
}

// UpdateTelemetry appends samples observed while the trial was in st.
func (t *Trial) UpdateTelemetry(ctx context.Context, st Status, ts time.Time, samples []TelemetrySample) error {
	return t.exp.st.do(ctx, func() error {
		return t.exp.st.s.UpdateTrialTelemetry(ctx, t.rec.ExperimentID, t.rec.TrialID, st, ts, samples)
	})
}
