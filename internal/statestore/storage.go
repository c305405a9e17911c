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
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/expbo"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "statestore",
	})
)

// Storage is the optimization-facing view of a Service. Reads that fail
// with a transient error are retried with the storage retry policy.
type Storage struct {
	s     Service
	retry *backoff.ExponentialBackOff
}

// Open creates the configured backend and wraps it.
func Open(cfg config.View) (*Storage, error) {
	retry, err := expbo.FromConfig(cfg, consts.StorageRetry)
	if err != nil {
		return nil, err
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewStorage(s, retry), nil
}

// NewStorage wraps s. A nil retry policy uses expbo.DefaultPolicy.
func NewStorage(s Service, retry *backoff.ExponentialBackOff) *Storage {
	if retry == nil {
		retry = backoff.NewExponentialBackOff()
		if err := expbo.UnmarshalExponentialBackOff(expbo.DefaultPolicy, retry); err != nil {
			panic(err)
		}
	}
	return &Storage{s: s, retry: retry}
}

// Service returns the wrapped backend.
func (st *Storage) Service() Service { return st.s }

// HealthCheck indicates if the database is reachable.
func (st *Storage) HealthCheck(ctx context.Context) error { return st.s.HealthCheck(ctx) }

// Close the underlying backend.
func (st *Storage) Close() error { return st.s.Close() }

func (st *Storage) do(ctx context.Context, op func() error) error {
	return expbo.Retry(ctx, st.retry, op)
}

// Experiment attaches to the experiment info.ID, creating it when absent and
// createIfAbsent is set. Attaching again never rewrites what was recorded.
func (st *Storage) Experiment(ctx context.Context, info ExperimentInfo, createIfAbsent bool) (*Experiment, error) {
	if info.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "experiment id is required")
	}
	info.Objectives = append([]Objective(nil), info.Objectives...)
	for i, o := range info.Objectives {
		if o.Name == "" {
			return nil, status.Errorf(codes.InvalidArgument, "objective %d of experiment %s has no name", i, info.ID)
		}
		switch o.Direction {
		case Minimize, Maximize:
		case "":
			info.Objectives[i].Direction = Minimize
		default:
			return nil, status.Errorf(codes.InvalidArgument, "objective %s has an invalid direction %q", o.Name, o.Direction)
		}
		if o.Weight == 0 {
			info.Objectives[i].Weight = 1
		}
	}

	var stored *ExperimentInfo
	err := st.do(ctx, func() error {
		var err error
		stored, err = st.s.GetOrCreateExperiment(ctx, &info, createIfAbsent)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"experiment": stored.ID,
		"status":     stored.Status.String(),
	}).Debug("attached to experiment")
	return &Experiment{st: st, info: *stored}, nil
}

// RunnableExperiments lists the ids of experiments nobody claimed yet.
func (st *Storage) RunnableExperiments(ctx context.Context) ([]string, error) {
	var ids []string
	err := st.do(ctx, func() error {
		var err error
		ids, err = st.s.RunnableExperiments(ctx)
		return err
	})
	return ids, err
}

// ClaimExperiment marks a pending experiment as running. It reports false
// when somebody else claimed it first.
func (st *Storage) ClaimExperiment(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := st.do(ctx, func() error {
		var err error
		claimed, err = st.s.ClaimExperiment(ctx, id)
		return err
	})
	return claimed, err
}

// FinishExperiment records the final status of experiment id.
func (st *Storage) FinishExperiment(ctx context.Context, id string, s Status) error {
	return st.do(ctx, func() error {
		return st.s.FinishExperiment(ctx, id, s)
	})
}

// ScoresFrom projects the objective metrics of results onto numbers.
// Without objectives every numeric result is kept. Values that are not
// numbers are dropped.
func ScoresFrom(results map[string]string, objectives []Objective) map[string]float64 {
	scores := map[string]float64{}
	parse := func(name string) {
		v, ok := results[name]
		if !ok {
			return
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			scores[name] = f
		}
	}
	if len(objectives) == 0 {
		for name := range results {
			parse(name)
		}
		return scores
	}
	for _, o := range objectives {
		parse(o.Name)
	}
	return scores
}

func notFoundf(format string, args ...interface{}) error {
	return status.Error(codes.NotFound, fmt.Sprintf(format, args...))
}
