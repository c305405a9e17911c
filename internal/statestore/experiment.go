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

// Experiment is a handle on a stored experiment.
type Experiment struct {
	st   *Storage
	info ExperimentInfo
}

// LoadResult holds the terminal trials returned by Experiment.Load, in
// trial id order. Scores[i] is nil unless Statuses[i] is SUCCEEDED.
type LoadResult struct {
	TrialIDs []int64
	Configs  []tunables.Values
	Scores   []map[string]float64
	Statuses []Status
}

// ID returns the experiment id.
func (e *Experiment) ID() string { return e.info.ID }

// Info returns the experiment as stored when it was attached.
func (e *Experiment) Info() ExperimentInfo { return e.info }

// Objectives returns the recorded optimization targets.
func (e *Experiment) Objectives() []Objective {
	return append([]Objective(nil), e.info.Objectives...)
}

// NewTrial persists a PENDING trial running the current values of groups.
// Trial creation is not retried: a retried create could allocate twice.
func (e *Experiment) NewTrial(ctx context.Context, groups *tunables.Groups, notBefore time.Time, metadata map[string]string) (*Trial, error) {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	rec, err := e.st.s.CreateTrial(ctx, e.info.ID, groups.ParamValues(), notBefore, metadata)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"experiment": e.info.ID,
		"trial":      rec.TrialID,
		"config":     rec.ConfigID,
	}).Debug("created trial")
	return &Trial{exp: e, rec: *rec}, nil
}

// PendingTrials returns the trials due at asOf in trial id order.
func (e *Experiment) PendingTrials(ctx context.Context, asOf time.Time, includeRunning bool) ([]*Trial, error) {
	var recs []*TrialRecord
	err := e.st.do(ctx, func() error {
		var err error
		recs, err = e.st.s.PendingTrials(ctx, e.info.ID, asOf, includeRunning)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.wrap(recs), nil
}

// Trial returns a single trial.
func (e *Experiment) Trial(ctx context.Context, trialID int64) (*Trial, error) {
	var rec *TrialRecord
	err := e.st.do(ctx, func() error {
		var err error
		rec, err = e.st.s.GetTrial(ctx, e.info.ID, trialID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Trial{exp: e, rec: *rec}, nil
}

// Load returns the terminal trials with an id greater than lastTrialID.
func (e *Experiment) Load(ctx context.Context, lastTrialID int64) (*LoadResult, error) {
	var recs []*TrialRecord
	err := e.st.do(ctx, func() error {
		var err error
		recs, err = e.st.s.LoadTrials(ctx, e.info.ID, lastTrialID)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &LoadResult{}
	for _, r := range recs {
		res.TrialIDs = append(res.TrialIDs, r.TrialID)
		res.Configs = append(res.Configs, r.Config)
		res.Statuses = append(res.Statuses, r.Status)
		if r.Status.IsSucceeded() {
			res.Scores = append(res.Scores, ScoresFrom(r.Results, e.info.Objectives))
		} else {
			res.Scores = append(res.Scores, nil)
		}
	}
	return res, nil
}

// LoadTunableConfig returns the values stored under configID.
func (e *Experiment) LoadTunableConfig(ctx context.Context, configID int64) (tunables.Values, error) {
	var values tunables.Values
	err := e.st.do(ctx, func() error {
		var err error
		values, err = e.st.s.GetConfig(ctx, configID)
		return err
	})
	return values, err
}

// LoadTelemetry returns the telemetry of a trial in timestamp order.
func (e *Experiment) LoadTelemetry(ctx context.Context, trialID int64) ([]TelemetrySample, error) {
	var samples []TelemetrySample
	err := e.st.do(ctx, func() error {
		var err error
		samples, err = e.st.s.GetTelemetry(ctx, e.info.ID, trialID)
		return err
	})
	return samples, err
}

// ConfigTrialGroup returns the trials of this experiment that ran configID.
func (e *Experiment) ConfigTrialGroup(ctx context.Context, configID int64) (*ConfigTrialGroup, error) {
	var recs []*TrialRecord
	err := e.st.do(ctx, func() error {
		var err error
		recs, err = e.st.s.ConfigTrials(ctx, e.info.ID, configID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFoundf("Experiment %s has no trial with config id:%d", e.info.ID, configID)
	}
	return &ConfigTrialGroup{configID: configID, trials: e.wrap(recs)}, nil
}

// Finish records the final status of the experiment.
func (e *Experiment) Finish(ctx context.Context, st Status) error {
	err := e.st.do(ctx, func() error {
		return e.st.s.FinishExperiment(ctx, e.info.ID, st)
	})
	if err == nil {
		e.info.Status = st
	}
	return err
}

func (e *Experiment) wrap(recs []*TrialRecord) []*Trial {
	trials := make([]*Trial, len(recs))
	for i, r := range recs {
		trials[i] = &Trial{exp: e, rec: *r}
	}
	return trials
}

// ConfigTrialGroup is the set of trials of one experiment that share a
// tunable config.
type ConfigTrialGroup struct {
	configID int64
	trials   []*Trial
}

// ID is the smallest trial id of the group.
func (g *ConfigTrialGroup) ID() int64 { return g.trials[0].ID() }

// ConfigID returns the shared config id.
func (g *ConfigTrialGroup) ConfigID() int64 { return g.configID }

// Trials returns the members in trial id order.
func (g *ConfigTrialGroup) Trials() []*Trial { return append([]*Trial(nil), g.trials...) }

// TunableConfig returns the shared values.
func (g *ConfigTrialGroup) TunableConfig() tunables.Values { return g.trials[0].Config() }
