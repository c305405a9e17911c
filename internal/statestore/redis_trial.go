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
	"sort"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"opentune.dev/opentune/internal/tunables"
	"opentune.dev/opentune/internal/tuneerr"
)

// CreateTrial stores a new PENDING trial.
func (rb *redisBackend) CreateTrial(ctx context.Context, expID string, values tunables.Values, notBefore time.Time, metadata map[string]string) (*TrialRecord, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	if _, err = experimentStatus(redisConn, expID); err != nil {
		return nil, err
	}
	configID, err := rb.configID(redisConn, values)
	if err != nil {
		return nil, err
	}
	trialID, err := redis.Int64(redisConn.Do("INCR", trialSeqKey(expID)))
	if err != nil {
		err = errors.Wrapf(err, "failed to allocate a trial id for experiment %s", expID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	redisConn.Send("MULTI")
	redisConn.Send("HMSET", trialKey(expID, trialID),
		fieldConfigID, configID,
		fieldRunnerID, NoRunner,
		fieldNotBefore, encodeTime(notBefore),
		fieldStart, 0,
		fieldEnd, 0,
		fieldStatus, Pending.String(),
	)
	if len(metadata) > 0 {
		redisConn.Send("HMSET", redis.Args{}.Add(trialParamsKey(expID, trialID)).AddFlat(metadata)...)
	}
	redisConn.Send("ZADD", trialsKey(expID), trialID, trialID)
	redisConn.Send("ZADD", activeTrialsKey(expID), trialID, trialID)
	redisConn.Send("ZADD", configTrialsKey(expID, configID), trialID, trialID)
	if _, err = redisConn.Do("EXEC"); err != nil {
		redisLogger.WithFields(logrus.Fields{
			"cmd":   "EXEC",
			"key":   trialKey(expID, trialID),
			"error": err.Error(),
		}).Error("failed to create the trial")
		err = errors.Wrapf(err, "failed to create trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	return &TrialRecord{
		ExperimentID: expID,
		TrialID:      trialID,
		ConfigID:     configID,
		Config:       toValues(stringValues(values)),
		Metadata:     copyStrings(metadata),
		RunnerID:     NoRunner,
		Status:       Pending,
		NotBefore:    decodeTime(encodeTime(notBefore)),
		Results:      map[string]string{},
	}, nil
}

// configID returns the id of the stored config equal to values, storing it
// first if needed. The params are written before the hash is published, and
// a writer losing the SETNX race drops its copy.
func (rb *redisBackend) configID(redisConn redis.Conn, values tunables.Values) (int64, error) {
	hash := ConfigHash(values)
	id, err := redis.Int64(redisConn.Do("GET", configHashKey(hash)))
	if err == nil {
		return id, nil
	}
	if err != redis.ErrNil {
		err = errors.Wrap(err, "failed to look up config hash")
		return 0, status.Errorf(codes.Internal, "%v", err)
	}

	newID, err := redis.Int64(redisConn.Do("INCR", configIDSeq))
	if err != nil {
		err = errors.Wrap(err, "failed to allocate a config id")
		return 0, status.Errorf(codes.Internal, "%v", err)
	}
	params := stringValues(values)
	if len(params) > 0 {
		if _, err = redisConn.Do("HMSET", redis.Args{}.Add(configKey(newID)).AddFlat(params)...); err != nil {
			err = errors.Wrapf(err, "failed to store config %d", newID)
			return 0, status.Errorf(codes.Internal, "%v", err)
		}
	}
	won, err := redis.Bool(redisConn.Do("SETNX", configHashKey(hash), newID))
	if err != nil {
		err = errors.Wrap(err, "failed to publish config hash")
		return 0, status.Errorf(codes.Internal, "%v", err)
	}
	if won {
		return newID, nil
	}

	if _, err = redisConn.Do("DEL", configKey(newID)); err != nil {
		redisLogger.WithError(err).Warningf("failed to drop duplicate config %d", newID)
	}
	id, err = redis.Int64(redisConn.Do("GET", configHashKey(hash)))
	if err != nil {
		err = errors.Wrap(err, "failed to look up config hash")
		return 0, status.Errorf(codes.Internal, "%v", err)
	}
	return id, nil
}

// GetConfig returns the parameter values stored for configID.
func (rb *redisBackend) GetConfig(ctx context.Context, configID int64) (tunables.Values, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)
	return readConfig(redisConn, configID)
}

func readConfig(redisConn redis.Conn, configID int64) (tunables.Values, error) {
	params, err := redis.StringMap(redisConn.Do("HGETALL", configKey(configID)))
	if err != nil {
		err = errors.Wrapf(err, "failed to read config %d", configID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if len(params) == 0 {
		last, err := redis.Int64(redisConn.Do("GET", configIDSeq))
		if err != nil && err != redis.ErrNil {
			err = errors.Wrap(err, "failed to read the config id sequence")
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		if configID < 1 || configID > last {
			return nil, status.Error(codes.NotFound, fmt.Sprintf("Config id:%d not found", configID))
		}
	}
	return toValues(params), nil
}

// GetTrial returns a single trial.
func (rb *redisBackend) GetTrial(ctx context.Context, expID string, trialID int64) (*TrialRecord, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)
	return readTrial(redisConn, expID, trialID)
}

func readTrial(redisConn redis.Conn, expID string, trialID int64) (*TrialRecord, error) {
	fields, err := redis.StringMap(redisConn.Do("HGETALL", trialKey(expID, trialID)))
	if err != nil {
		err = errors.Wrapf(err, "failed to read trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if len(fields) == 0 {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("Trial %s:%d not found", expID, trialID))
	}

	tr := &TrialRecord{ExperimentID: expID, TrialID: trialID}
	if err = parseTrialFields(fields, tr); err != nil {
		err = errors.Wrapf(err, "corrupt trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if tr.Metadata, err = redis.StringMap(redisConn.Do("HGETALL", trialParamsKey(expID, trialID))); err != nil {
		err = errors.Wrapf(err, "failed to read params of trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if tr.Results, err = redis.StringMap(redisConn.Do("HGETALL", trialResultsKey(expID, trialID))); err != nil {
		err = errors.Wrapf(err, "failed to read results of trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if tr.Config, err = readConfig(redisConn, tr.ConfigID); err != nil {
		return nil, err
	}
	return tr, nil
}

func parseTrialFields(fields map[string]string, tr *TrialRecord) error {
	var err error
	if tr.ConfigID, err = strconv.ParseInt(fields[fieldConfigID], 10, 64); err != nil {
		return err
	}
	if tr.RunnerID, err = strconv.Atoi(fields[fieldRunnerID]); err != nil {
		return err
	}
	if tr.Status, err = ParseStatus(fields[fieldStatus]); err != nil {
		return err
	}
	for _, ts := range []struct {
		field string
		dst   *time.Time
	}{
		{fieldNotBefore, &tr.NotBefore},
		{fieldStart, &tr.Start},
		{fieldEnd, &tr.End},
	} {
		n, err := strconv.ParseInt(fields[ts.field], 10, 64)
		if err != nil {
			return err
		}
		*ts.dst = decodeTime(n)
	}
	return nil
}

// trialsByIDs reads the trials listed in a sorted set, in score order.
func trialsByIDs(redisConn redis.Conn, expID string, ids []int64, keep func(*TrialRecord) bool) ([]*TrialRecord, error) {
	var trials []*TrialRecord
	for _, id := range ids {
		tr, err := readTrial(redisConn, expID, id)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(tr) {
			trials = append(trials, tr)
		}
	}
	return trials, nil
}

func zrangeIDs(redisConn redis.Conn, args ...interface{}) ([]int64, error) {
	ids, err := redis.Int64s(redisConn.Do("ZRANGEBYSCORE", args...))
	if err != nil {
		err = errors.Wrapf(err, "failed to list trials from %v", args[0])
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return ids, nil
}

// PendingTrials returns the trials due at asOf.
func (rb *redisBackend) PendingTrials(ctx context.Context, expID string, asOf time.Time, includeRunning bool) ([]*TrialRecord, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := zrangeIDs(redisConn, activeTrialsKey(expID), "-inf", "+inf")
	if err != nil {
		return nil, err
	}
	return trialsByIDs(redisConn, expID, ids, func(tr *TrialRecord) bool {
		return isSchedulable(tr, asOf, includeRunning)
	})
}

func isSchedulable(tr *TrialRecord, asOf time.Time, includeRunning bool) bool {
	if tr.NotBefore.After(asOf) {
		return false
	}
	if includeRunning {
		return tr.Status.IsPending() || tr.Status == Running
	}
	return tr.Status.IsPending() && tr.RunnerID == NoRunner
}

// LoadTrials returns the terminal trials after lastTrialID.
func (rb *redisBackend) LoadTrials(ctx context.Context, expID string, lastTrialID int64) ([]*TrialRecord, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := zrangeIDs(redisConn, trialsKey(expID), fmt.Sprintf("(%d", lastTrialID), "+inf")
	if err != nil {
		return nil, err
	}
	return trialsByIDs(redisConn, expID, ids, func(tr *TrialRecord) bool {
		return tr.Status.IsTerminal()
	})
}

// ConfigTrials returns the trials of expID that ran configID.
func (rb *redisBackend) ConfigTrials(ctx context.Context, expID string, configID int64) ([]*TrialRecord, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := zrangeIDs(redisConn, configTrialsKey(expID, configID), "-inf", "+inf")
	if err != nil {
		return nil, err
	}
	return trialsByIDs(redisConn, expID, ids, nil)
}

func trialState(redisConn redis.Conn, expID string, trialID int64) (Status, int, error) {
	values, err := redis.Strings(redisConn.Do("HMGET", trialKey(expID, trialID), fieldStatus, fieldRunnerID))
	if err != nil {
		err = errors.Wrapf(err, "failed to read trial %s:%d", expID, trialID)
		return Unknown, NoRunner, status.Errorf(codes.Internal, "%v", err)
	}
	if len(values) != 2 || values[0] == "" {
		return Unknown, NoRunner, status.Error(codes.NotFound, fmt.Sprintf("Trial %s:%d not found", expID, trialID))
	}
	st, err := ParseStatus(values[0])
	if err != nil {
		return Unknown, NoRunner, status.Errorf(codes.Internal, "%v", err)
	}
	runner, err := strconv.Atoi(values[1])
	if err != nil {
		return Unknown, NoRunner, status.Errorf(codes.Internal, "%v", err)
	}
	return st, runner, nil
}

// SetTrialRunner assigns an unclaimed trial to runnerID.
func (rb *redisBackend) SetTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	return rb.assignRunner(ctx, expID, trialID, runnerID, false)
}

// ReassignTrialRunner moves a non-terminal trial to runnerID.
func (rb *redisBackend) ReassignTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	return rb.assignRunner(ctx, expID, trialID, runnerID, true)
}

func (rb *redisBackend) assignRunner(ctx context.Context, expID string, trialID int64, runnerID int, force bool) error {
	if runnerID < 1 {
		return status.Errorf(codes.InvalidArgument, "invalid runner id %d", runnerID)
	}
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	return rb.withLock(ctx, trialLockName(expID, trialID), func() error {
		st, current, err := trialState(redisConn, expID, trialID)
		if err != nil {
			return err
		}
		if err = checkRunnerChange(expID, trialID, st, current, runnerID, force); err != nil {
			return err
		}
		if _, err = redisConn.Do("HSET", trialKey(expID, trialID), fieldRunnerID, runnerID); err != nil {
			err = errors.Wrapf(err, "failed to assign trial %s:%d", expID, trialID)
			return status.Errorf(codes.Internal, "%v", err)
		}
		return nil
	})
}

func checkRunnerChange(expID string, trialID int64, st Status, current, runnerID int, force bool) error {
	if st.IsTerminal() {
		return tuneerr.NewStateError(expID, trialID, st.String(), st.String(), "cannot assign runner %d to a finished trial", runnerID)
	}
	if !force && current != NoRunner && current != runnerID {
		return tuneerr.NewStateError(expID, trialID, st.String(), st.String(), "trial is claimed by runner %d", current)
	}
	return nil
}

// UpdateTrial moves a trial to st at ts.
func (rb *redisBackend) UpdateTrial(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, results map[string]string) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	return rb.withLock(ctx, trialLockName(expID, trialID), func() error {
		from, _, err := trialState(redisConn, expID, trialID)
		if err != nil {
			return err
		}
		stored, err := redis.StringMap(redisConn.Do("HGETALL", trialResultsKey(expID, trialID)))
		if err != nil {
			err = errors.Wrapf(err, "failed to read results of trial %s:%d", expID, trialID)
			return status.Errorf(codes.Internal, "%v", err)
		}
		noop, err := checkTransition(expID, trialID, from, st, len(results) > 0, sameStrings(stored, results))
		if err != nil || noop {
			return err
		}

		redisConn.Send("MULTI")
		redisConn.Send("HSET", trialKey(expID, trialID), fieldStatus, st.String())
		if st == Running && from != Running {
			redisConn.Send("HSET", trialKey(expID, trialID), fieldStart, encodeTime(ts))
		}
		if st.IsTerminal() {
			redisConn.Send("HSET", trialKey(expID, trialID), fieldEnd, encodeTime(ts))
			if len(results) > 0 {
				redisConn.Send("HMSET", redis.Args{}.Add(trialResultsKey(expID, trialID)).AddFlat(results)...)
			}
			redisConn.Send("ZREM", activeTrialsKey(expID), trialID)
		}
		if _, err = redisConn.Do("EXEC"); err != nil {
			redisLogger.WithFields(logrus.Fields{
				"cmd":    "EXEC",
				"key":    trialKey(expID, trialID),
				"status": st.String(),
				"error":  err.Error(),
			}).Error("failed to update the trial")
			err = errors.Wrapf(err, "failed to update trial %s:%d", expID, trialID)
			return status.Errorf(codes.Internal, "%v", err)
		}
		return nil
	})
}

// UpdateTrialTelemetry appends samples, ignoring replayed ones.
func (rb *redisBackend) UpdateTrialTelemetry(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, samples []TelemetrySample) error {
	if st == Unknown {
		return status.Errorf(codes.InvalidArgument, "telemetry of trial %s:%d reported with an unknown status", expID, trialID)
	}
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	if _, _, err = trialState(redisConn, expID, trialID); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	redisConn.Send("MULTI")
	for _, s := range samples {
		redisConn.Send("HSETNX", trialTelemetryKey(expID, trialID), telemetryField(s.Timestamp, s.Metric), s.Value)
	}
	if _, err = redisConn.Do("EXEC"); err != nil {
		err = errors.Wrapf(err, "failed to record telemetry of trial %s:%d", expID, trialID)
		return status.Errorf(codes.Internal, "%v", err)
	}
	return nil
}

// GetTelemetry returns the telemetry of a trial ordered by timestamp.
func (rb *redisBackend) GetTelemetry(ctx context.Context, expID string, trialID int64) ([]TelemetrySample, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	if _, _, err = trialState(redisConn, expID, trialID); err != nil {
		return nil, err
	}
	fields, err := redis.StringMap(redisConn.Do("HGETALL", trialTelemetryKey(expID, trialID)))
	if err != nil {
		err = errors.Wrapf(err, "failed to read telemetry of trial %s:%d", expID, trialID)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	samples := make([]TelemetrySample, 0, len(fields))
	for field, value := range fields {
		ts, metric, err := parseTelemetryField(field)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		samples = append(samples, TelemetrySample{Timestamp: ts, Metric: metric, Value: value})
	}
	sortTelemetry(samples)
	return samples, nil
}

func sortTelemetry(samples []TelemetrySample) {
	sort.Slice(samples, func(i, j int) bool {
		if !samples[i].Timestamp.Equal(samples[j].Timestamp) {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		}
		return samples[i].Metric < samples[j].Metric
	})
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
