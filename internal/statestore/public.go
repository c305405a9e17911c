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

// Package statestore persists experiments, trials, their tunable
// configurations, results and telemetry. Backends are Redis and SQLite;
// Storage, Experiment and Trial wrap a backend Service with the
// optimization-facing API.
package statestore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/tunables"
)

// NoRunner is the runner id of a trial no runner has claimed.
const NoRunner = 0

// Direction tells whether an objective is minimized or maximized.
type Direction string

// Optimization directions.
const (
	Minimize Direction = "min"
	Maximize Direction = "max"
)

// Objective is one optimization target.
type Objective struct {
	Name      string    `mapstructure:"name"`
	Direction Direction `mapstructure:"direction"`
	Weight    float64   `mapstructure:"weight"`
}

// ExperimentInfo describes an experiment as stored.
type ExperimentInfo struct {
	ID            string
	Description   string
	RootEnvConfig string
	GitRepo       string
	GitCommit     string
	Objectives    []Objective
	Status        Status
}

// TrialRecord is a stored trial.
type TrialRecord struct {
	ExperimentID string
	TrialID      int64
	ConfigID     int64
	Config       tunables.Values
	Metadata     map[string]string
	RunnerID     int
	Status       Status
	NotBefore    time.Time
	Start        time.Time
	End          time.Time
	Results      map[string]string
}

// TelemetrySample is one metric observed while a trial runs.
type TelemetrySample struct {
	Timestamp time.Time
	Metric    string
	Value     string
}

// Service is a generic interface for talking to a storage backend.
type Service interface {
	// HealthCheck indicates if the database is reachable.
	HealthCheck(ctx context.Context) error

	// GetOrCreateExperiment returns the stored experiment. When it does not
	// exist it is created from info if createIfAbsent is set, otherwise
	// NotFound is returned. Stored values win over info.
	GetOrCreateExperiment(ctx context.Context, info *ExperimentInfo, createIfAbsent bool) (*ExperimentInfo, error)

	// RunnableExperiments lists the ids of experiments that are neither
	// claimed nor finished.
	RunnableExperiments(ctx context.Context) ([]string, error)

	// ClaimExperiment marks a pending experiment as running. Only one caller
	// can win.
	ClaimExperiment(ctx context.Context, id string) (bool, error)

	// FinishExperiment records the final status of an experiment.
	FinishExperiment(ctx context.Context, id string, st Status) error

	// CreateTrial stores a new PENDING trial for values, reusing the config
	// id of an identical assignment stored earlier.
	CreateTrial(ctx context.Context, expID string, values tunables.Values, notBefore time.Time, metadata map[string]string) (*TrialRecord, error)

	// GetTrial returns a single trial.
	GetTrial(ctx context.Context, expID string, trialID int64) (*TrialRecord, error)

	// PendingTrials returns the trials due at asOf, ordered by id. Without
	// includeRunning only unclaimed PENDING or READY trials are returned;
	// with it RUNNING ones and claimed ones are included as well.
	PendingTrials(ctx context.Context, expID string, asOf time.Time, includeRunning bool) ([]*TrialRecord, error)

	// SetTrialRunner assigns an unclaimed trial to runnerID.
	SetTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error

	// ReassignTrialRunner moves a non-terminal trial to runnerID regardless
	// of its current runner.
	ReassignTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error

	// UpdateTrial moves a trial to st at ts, recording results with a
	// terminal status.
	UpdateTrial(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, results map[string]string) error

	// UpdateTrialTelemetry appends samples. Repeating a (timestamp, metric)
	// pair is a no-op.
	UpdateTrialTelemetry(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, samples []TelemetrySample) error

	// LoadTrials returns the terminal trials with an id greater than
	// lastTrialID, ordered by id.
	LoadTrials(ctx context.Context, expID string, lastTrialID int64) ([]*TrialRecord, error)

	// GetConfig returns the stored parameter values of a config id.
	GetConfig(ctx context.Context, configID int64) (tunables.Values, error)

	// GetTelemetry returns the telemetry of a trial ordered by timestamp
	// then metric.
	GetTelemetry(ctx context.Context, expID string, trialID int64) ([]TelemetrySample, error)

	// ConfigTrials returns the trials of an experiment that ran configID,
	// ordered by id.
	ConfigTrials(ctx context.Context, expID string, configID int64) ([]*TrialRecord, error)

	// Closes the connection to the underlying storage.
	Close() error
}

// New creates a Service based on the configuration.
func New(cfg config.View) (Service, error) {
	var s Service
	switch t := cfg.GetString(consts.StorageType); t {
	case "", "redis":
		s = newRedis(cfg)
	case "sqlite":
		var err error
		s, err = newSQLite(cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown storage type %q", t)
	}
	if cfg.GetBool(consts.TelemetryPrometheusEnable) {
		return &instrumentedService{
			s: s,
		}, nil
	}
	return s, nil
}

// IsNotFound reports whether err is a storage NotFound error.
func IsNotFound(err error) bool {
	st, ok := status.FromError(errors.Cause(err))
	return ok && st.Code() == codes.NotFound
}
