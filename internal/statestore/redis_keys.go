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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	allExperiments = "experiments"
	configIDSeq    = "config_id"

	fieldDescription   = "description"
	fieldRootEnvConfig = "root_env_config"
	fieldGitRepo       = "git_repo"
	fieldGitCommit     = "git_commit"
	fieldStatus        = "status"
	fieldConfigID      = "config_id"
	fieldRunnerID      = "runner_id"
	fieldNotBefore     = "ts_not_before"
	fieldStart         = "ts_start"
	fieldEnd           = "ts_end"
)

func experimentKey(id string) string { return "experiment:" + id }

func objectivesKey(id string) string { return experimentKey(id) + ":objectives" }

func trialSeqKey(id string) string { return experimentKey(id) + ":trial_id" }

// trialsKey is a sorted set of every trial id of the experiment.
func trialsKey(id string) string { return experimentKey(id) + ":trials" }

// activeTrialsKey holds the ids of trials not yet in a terminal state.
func activeTrialsKey(id string) string { return experimentKey(id) + ":active" }

func configTrialsKey(id string, configID int64) string {
	return fmt.Sprintf("%s:config:%d", experimentKey(id), configID)
}

func configKey(configID int64) string { return fmt.Sprintf("config:%d", configID) }

func configHashKey(hash string) string { return "config:hash:" + hash }

func trialKey(expID string, trialID int64) string {
	return fmt.Sprintf("trial:%s:%d", expID, trialID)
}

func trialParamsKey(expID string, trialID int64) string {
	return trialKey(expID, trialID) + ":params"
}

func trialResultsKey(expID string, trialID int64) string {
	return trialKey(expID, trialID) + ":results"
}

func trialTelemetryKey(expID string, trialID int64) string {
	return trialKey(expID, trialID) + ":telemetry"
}

func experimentLockName(id string) string { return "lock:" + experimentKey(id) }

func trialLockName(expID string, trialID int64) string {
	return "lock:" + trialKey(expID, trialID)
}

func encodeObjective(o Objective) string {
	return strings.Join([]string{o.Name, string(o.Direction), strconv.FormatFloat(o.Weight, 'g', -1, 64)}, "|")
}

func decodeObjective(s string) (Objective, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return Objective{}, errors.Errorf("malformed objective %q", s)
	}
	w, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Objective{}, errors.Wrapf(err, "malformed objective weight %q", s)
	}
	return Objective{Name: parts[0], Direction: Direction(parts[1]), Weight: w}, nil
}

// Timestamps are stored as Unix nanoseconds, 0 meaning unset.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Telemetry fields are "<unix nanos>|<metric>" so a replayed sample maps to
// the same field.
func telemetryField(ts time.Time, metric string) string {
	return strconv.FormatInt(encodeTime(ts), 10) + "|" + metric
}

func parseTelemetryField(field string) (time.Time, string, error) {
	i := strings.IndexByte(field, '|')
	if i < 0 {
		return time.Time{}, "", errors.Errorf("malformed telemetry field %q", field)
	}
	n, err := strconv.ParseInt(field[:i], 10, 64)
	if err != nil {
		return time.Time{}, "", errors.Wrapf(err, "malformed telemetry field %q", field)
	}
	return decodeTime(n), field[i+1:], nil
}
