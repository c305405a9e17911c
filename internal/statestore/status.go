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
	"strings"

	"github.com/pkg/errors"
	"opentune.dev/opentune/internal/tuneerr"
)

// Status is the lifecycle state of a trial or an experiment.
type Status int

// Trial and experiment statuses. READY is an alias-like pre-run state kept
// for stores written by other tools; it behaves like PENDING.
const (
	Unknown Status = iota
	Pending
	Ready
	Running
	Succeeded
	Canceled
	Failed
	TimedOut
)

var statusNames = [...]string{"UNKNOWN", "PENDING", "READY", "RUNNING", "SUCCEEDED", "CANCELED", "FAILED", "TIMED_OUT"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[Unknown]
	}
	return statusNames[s]
}

// ParseStatus parses the stored form of a status.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(s, name) {
			return Status(i), nil
		}
	}
	return Unknown, errors.Errorf("unknown status %q", s)
}

// IsPending reports whether the trial has not started yet.
func (s Status) IsPending() bool { return s == Pending || s == Ready }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Succeeded, Canceled, Failed, TimedOut:
		return true
	}
	return false
}

// IsSucceeded reports whether the trial produced results.
func (s Status) IsSucceeded() bool { return s == Succeeded }

// checkTransition validates a trial status change. A trial that has not
// started may only fail, as when its setup does; every other end goes
// through RUNNING. It returns noop when the update replays an identical
// terminal update.
func checkTransition(expID string, trialID int64, from, to Status, hasResults, sameResults bool) (noop bool, err error) {
	switch {
	case to == Unknown:
		return false, tuneerr.NewStateError(expID, trialID, from.String(), to.String(), "cannot set an unknown status")
	case hasResults && !to.IsTerminal():
		return false, tuneerr.NewStateError(expID, trialID, from.String(), to.String(), "results can only be recorded with a terminal status")
	case from.IsTerminal():
		if from == to && sameResults {
			return true, nil
		}
		return false, tuneerr.NewStateError(expID, trialID, from.String(), to.String(), "trial already ended")
	case to.IsPending():
		return false, tuneerr.NewStateError(expID, trialID, from.String(), to.String(), "a trial cannot go back to pending")
	case from.IsPending() && to.IsTerminal() && to != Failed:
		return false, tuneerr.NewStateError(expID, trialID, from.String(), to.String(), "a trial that never ran can only fail")
	}
	return false, nil
}
