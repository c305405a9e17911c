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

	"go.opencensus.io/trace"
	"opentune.dev/opentune/internal/telemetry"
	"opentune.dev/opentune/internal/tunables"
)

var (
	mStateStoreCreateExperimentCount = telemetry.Counter("statestore/getorcreateexperimentcount", "number of experiments looked up or created")
	mStateStoreClaimExperimentCount  = telemetry.Counter("statestore/claimexperimentcount", "number of experiment claims attempted")
	mStateStoreFinishExperimentCount = telemetry.Counter("statestore/finishexperimentcount", "number of experiments finished")
	mStateStoreCreateTrialCount      = telemetry.Counter("statestore/createtrialcount", "number of trials created")
	mStateStoreGetTrialCount         = telemetry.Counter("statestore/gettrialcount", "number of trials retrieved")
	mStateStorePendingTrialsCount    = telemetry.Counter("statestore/pendingtrialscount", "number of pending trial queries")
	mStateStoreSetRunnerCount        = telemetry.Counter("statestore/setrunnercount", "number of runner assignments")
	mStateStoreUpdateTrialCount      = telemetry.Counter("statestore/updatetrialcount", "number of trial status updates")
	mStateStoreTelemetryCount        = telemetry.Counter("statestore/telemetrycount", "number of telemetry updates")
	mStateStoreLoadTrialsCount       = telemetry.Counter("statestore/loadtrialscount", "number of trial loads")
	mStateStoreGetConfigCount        = telemetry.Counter("statestore/getconfigcount", "number of configs retrieved")
)

// instrumentedService is a wrapper for a statestore service that provides instrumentation (metrics and tracing) of the database.
type instrumentedService struct {
	s Service
}

// Close the connection to the database.
func (is *instrumentedService) Close() error {
	return is.s.Close()
}

// HealthCheck indicates if the database is reachable.
func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

func (is *instrumentedService) GetOrCreateExperiment(ctx context.Context, info *ExperimentInfo, createIfAbsent bool) (*ExperimentInfo, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetOrCreateExperiment")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreCreateExperimentCount)
	return is.s.GetOrCreateExperiment(ctx, info, createIfAbsent)
}

func (is *instrumentedService) RunnableExperiments(ctx context.Context) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.RunnableExperiments")
	defer span.End()
	return is.s.RunnableExperiments(ctx)
}

func (is *instrumentedService) ClaimExperiment(ctx context.Context, id string) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ClaimExperiment")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreClaimExperimentCount)
	return is.s.ClaimExperiment(ctx, id)
}

func (is *instrumentedService) FinishExperiment(ctx context.Context, id string, st Status) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.FinishExperiment")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreFinishExperimentCount)
	return is.s.FinishExperiment(ctx, id, st)
}

func (is *instrumentedService) CreateTrial(ctx context.Context, expID string, values tunables.Values, notBefore time.Time, metadata map[string]string) (*TrialRecord, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.CreateTrial")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreCreateTrialCount)
	return is.s.CreateTrial(ctx, expID, values, notBefore, metadata)
}

func (is *instrumentedService) GetTrial(ctx context.Context, expID string, trialID int64) (*TrialRecord, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetTrial")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetTrialCount)
	return is.s.GetTrial(ctx, expID, trialID)
}

func (is *instrumentedService) PendingTrials(ctx context.Context, expID string, asOf time.Time, includeRunning bool) ([]*TrialRecord, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.PendingTrials")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStorePendingTrialsCount)
	return is.s.PendingTrials(ctx, expID, asOf, includeRunning)
}

func (is *instrumentedService) SetTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.SetTrialRunner")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreSetRunnerCount)
	return is.s.SetTrialRunner(ctx, expID, trialID, runnerID)
}

func (is *instrumentedService) ReassignTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ReassignTrialRunner")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreSetRunnerCount)
	return is.s.ReassignTrialRunner(ctx, expID, trialID, runnerID)
}

func (is *instrumentedService) UpdateTrial(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, results map[string]string) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.UpdateTrial")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreUpdateTrialCount)
	return is.s.UpdateTrial(ctx, expID, trialID, st, ts, results)
}

func (is *instrumentedService) UpdateTrialTelemetry(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, samples []TelemetrySample) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.UpdateTrialTelemetry")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreTelemetryCount)
	return is.s.UpdateTrialTelemetry(ctx, expID, trialID, st, ts, samples)
}

func (is *instrumentedService) LoadTrials(ctx context.Context, expID string, lastTrialID int64) ([]*TrialRecord, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.LoadTrials")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreLoadTrialsCount)
	return is.s.LoadTrials(ctx, expID, lastTrialID)
}

func (is *instrumentedService) GetConfig(ctx context.Context, configID int64) (tunables.Values, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetConfig")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetConfigCount)
	return is.s.GetConfig(ctx, configID)
}

func (is *instrumentedService) GetTelemetry(ctx context.Context, expID string, trialID int64) ([]TelemetrySample, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetTelemetry")
	defer span.End()
	return is.s.GetTelemetry(ctx, expID, trialID)
}

func (is *instrumentedService) ConfigTrials(ctx context.Context, expID string, configID int64) ([]*TrialRecord, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ConfigTrials")
	defer span.End()
	return is.s.ConfigTrials(ctx, expID, configID)
}
