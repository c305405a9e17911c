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

package tuneerr

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code converts an error into a grpc code. It differs from status.Code in
// that it knows the opentune error taxonomy, looks through wrapped errors and
// returns the proper codes for context cancelation and deadline exceeded.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch errors.Cause(err) {
	case context.DeadlineExceeded:
		return codes.DeadlineExceeded
	case context.Canceled:
		return codes.Canceled
	}

	switch {
	case IsDomainError(err):
		return codes.InvalidArgument
	case IsMergeConflict(err):
		return codes.AlreadyExists
	case IsStateError(err):
		return codes.FailedPrecondition
	case IsSchedulingTimeout(err):
		return codes.DeadlineExceeded
	case IsEnvironmentFailure(err):
		return codes.Aborted
	}

	if s, ok := status.FromError(errors.Cause(err)); ok {
		return s.Code()
	}
	return codes.Unknown
}

// WaitFunc will wait until all called functions return.  WaitFunc returns the
// first error returned, otherwise it returns nil.
type WaitFunc func() error

// WaitOnErrors immediately starts a new go routine for each function passed it.
// It returns a WaitFunc. Any additional errors not returned are instead logged.
func WaitOnErrors(logger *logrus.Entry, fs ...func() error) WaitFunc {
	errs := make(chan error, len(fs))
	for _, f := range fs {
		go func(f func() error) {
			errs <- f()
		}(f)
	}

	return func() error {
		var first error
		for range fs {
			err := <-errs
			if first == nil {
				first = err
			} else {
				if err != nil {
					logger.WithError(err).Warning("Multiple errors occurred in parallel execution. This error is suppressed by the error returned.")
				}
			}
		}
		return first
	}
}
