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

// Package tuneerr defines the error taxonomy shared by the tunables model,
// the trial store, the runners and the schedulers.
//
// DomainError, MergeConflictError and StateError report a violated invariant
// and are always propagated to the caller. SchedulingTimeoutError is logged
// and retried by the scheduler loop. EnvironmentFailure is recovered into a
// FAILED trial.
package tuneerr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DomainError is returned when a value is outside of a tunable's declared
// domain, or when a tunable definition itself is inconsistent.
type DomainError struct {
	Tunable string
	Value   interface{}
	Reason  string
}

func (e *DomainError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("tunable %q: %s", e.Tunable, e.Reason)
	}
	return fmt.Sprintf("tunable %q: invalid value %v: %s", e.Tunable, e.Value, e.Reason)
}

// NewDomainError creates a DomainError with a formatted reason.
func NewDomainError(tunable string, value interface{}, format string, args ...interface{}) error {
	return errors.WithStack(&DomainError{
		Tunable: tunable,
		Value:   value,
		Reason:  fmt.Sprintf(format, args...),
	})
}

// MergeConflictError is returned when two tunable groups define the same
// parameter (or covariant group) incompatibly.
type MergeConflictError struct {
	Group   string
	Tunable string
	Reason  string
}

func (e *MergeConflictError) Error() string {
	if e.Tunable == "" {
		return fmt.Sprintf("cannot merge covariant group %q: %s", e.Group, e.Reason)
	}
	return fmt.Sprintf("cannot merge tunable %q of group %q: %s", e.Tunable, e.Group, e.Reason)
}

// NewMergeConflictError creates a MergeConflictError with a formatted reason.
func NewMergeConflictError(group, tunable string, format string, args ...interface{}) error {
	return errors.WithStack(&MergeConflictError{
		Group:   group,
		Tunable: tunable,
		Reason:  fmt.Sprintf(format, args...),
	})
}

// StateError is returned for an illegal trial or experiment transition, e.g.
// re-terminating a trial with a different status, or claiming a trial that
// another runner already holds.
type StateError struct {
	ExperimentID string
	TrialID      int64
	From         string
	To           string
	Reason       string
}

func (e *StateError) Error() string {
	if e.TrialID == 0 {
		return fmt.Sprintf("experiment %s: %s -> %s: %s", e.ExperimentID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("trial %s:%d: %s -> %s: %s", e.ExperimentID, e.TrialID, e.From, e.To, e.Reason)
}

// NewStateError creates a StateError with a formatted reason.
func NewStateError(experimentID string, trialID int64, from, to string, format string, args ...interface{}) error {
	return errors.WithStack(&StateError{
		ExperimentID: experimentID,
		TrialID:      trialID,
		From:         from,
		To:           to,
		Reason:       fmt.Sprintf(format, args...),
	})
}

// SchedulingTimeoutError is reported when no idle runner or no pending trial
// became available within the scheduler's bounded wait.
type SchedulingTimeoutError struct {
	Waited time.Duration
	Reason string
}

func (e *SchedulingTimeoutError) Error() string {
	return fmt.Sprintf("scheduling timed out after %s: %s", e.Waited, e.Reason)
}

// EnvironmentFailure wraps an error raised by an environment during one of
// its phases.
type EnvironmentFailure struct {
	Environment string
	Phase       string
	Err         error
}

func (e *EnvironmentFailure) Error() string {
	return fmt.Sprintf("environment %q failed during %s: %v", e.Environment, e.Phase, e.Err)
}

func (e *EnvironmentFailure) Unwrap() error {
	return e.Err
}

// NewEnvironmentFailure wraps err as an EnvironmentFailure. A nil err yields a
// failure without a cause, e.g. a setup that reported false.
func NewEnvironmentFailure(env, phase string, err error) error {
	if err == nil {
		err = errors.New("reported failure")
	}
	return &EnvironmentFailure{Environment: env, Phase: phase, Err: err}
}

// IsDomainError reports whether err is, or wraps, a DomainError.
func IsDomainError(err error) bool {
	var e *DomainError
	return errors.As(err, &e)
}

// IsMergeConflict reports whether err is, or wraps, a MergeConflictError.
func IsMergeConflict(err error) bool {
	var e *MergeConflictError
	return errors.As(err, &e)
}

// IsStateError reports whether err is, or wraps, a StateError.
func IsStateError(err error) bool {
	var e *StateError
	return errors.As(err, &e)
}

// IsSchedulingTimeout reports whether err is, or wraps, a SchedulingTimeoutError.
func IsSchedulingTimeout(err error) bool {
	var e *SchedulingTimeoutError
	return errors.As(err, &e)
}

// IsEnvironmentFailure reports whether err is, or wraps, an EnvironmentFailure.
func IsEnvironmentFailure(err error) bool {
	var e *EnvironmentFailure
	return errors.As(err, &e)
}
