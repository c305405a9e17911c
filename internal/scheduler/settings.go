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
	"time"

	"github.com/pkg/errors"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

// Scheduler types.
const (
	TypeSync     = "sync"
	TypeParallel = "parallel"
	TypeCyclic   = "cyclic"
)

const (
	defaultPollingInterval = time.Second
	defaultRunners         = 1
)

// Settings control the scheduling loop.
type Settings struct {
	Type string
	// MaxTrials bounds the trials handed to runners. Zero means no bound.
	MaxTrials              int
	TrialConfigRepeatCount int
	// ConfigID is a stored config to run before asking for suggestions.
	ConfigID int64
	Teardown bool
	// Runners is the number of trial runners to create.
	Runners                       int
	PollingInterval               time.Duration
	SchedulingTimeout             time.Duration
	IdleWorkerSchedulingBatchSize int
	CycleConfigIDs                []int64
}

// SettingsFromConfig reads the scheduler.* settings.
func SettingsFromConfig(cfg config.View) (*Settings, error) {
	s := &Settings{
		Type:                          cfg.GetString(consts.SchedulerType),
		MaxTrials:                     cfg.GetInt(consts.SchedulerMaxTrials),
		TrialConfigRepeatCount:        1,
		ConfigID:                      cfg.GetInt64(consts.SchedulerConfigID),
		Teardown:                      true,
		Runners:                       defaultRunners,
		PollingInterval:               defaultPollingInterval,
		SchedulingTimeout:             cfg.GetDuration(consts.SchedulerSchedulingTimeout),
		IdleWorkerSchedulingBatchSize: 1,
	}
	if s.Type == "" {
		s.Type = TypeSync
	}
	if cfg.IsSet(consts.SchedulerTrialConfigRepeatCount) {
		s.TrialConfigRepeatCount = cfg.GetInt(consts.SchedulerTrialConfigRepeatCount)
	}
	if cfg.IsSet(consts.SchedulerTeardown) {
		s.Teardown = cfg.GetBool(consts.SchedulerTeardown)
	}
	if cfg.IsSet(consts.SchedulerRunners) {
		s.Runners = cfg.GetInt(consts.SchedulerRunners)
	}
	if cfg.IsSet(consts.SchedulerPollingInterval) {
		s.PollingInterval = cfg.GetDuration(consts.SchedulerPollingInterval)
	}
	if cfg.IsSet(consts.SchedulerIdleWorkerSchedulingBatchSize) {
		s.IdleWorkerSchedulingBatchSize = cfg.GetInt(consts.SchedulerIdleWorkerSchedulingBatchSize)
	}
	if cfg.IsSet(consts.SchedulerCycleConfigIDs) {
		if err := cfg.UnmarshalKey(consts.SchedulerCycleConfigIDs, &s.CycleConfigIDs); err != nil {
			return nil, errors.Wrapf(err, "cannot read %s", consts.SchedulerCycleConfigIDs)
		}
	}
	return s, s.Validate()
}

// Validate checks the settings and fills in what follows from them.
func (s *Settings) Validate() error {
	switch s.Type {
	case TypeSync, TypeParallel:
	case TypeCyclic:
		if len(s.CycleConfigIDs) == 0 {
			return errors.Errorf("%s needs %s", TypeCyclic, consts.SchedulerCycleConfigIDs)
		}
		if s.MaxTrials <= 0 {
			s.MaxTrials = len(s.CycleConfigIDs)
		}
	default:
		return errors.Errorf("unknown scheduler type %q", s.Type)
	}
	if s.TrialConfigRepeatCount <= 0 {
		return errors.Errorf("invalid %s %d", consts.SchedulerTrialConfigRepeatCount, s.TrialConfigRepeatCount)
	}
	if s.Runners <= 0 {
		return errors.Errorf("invalid %s %d", consts.SchedulerRunners, s.Runners)
	}
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	return nil
}
