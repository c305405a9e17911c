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

// Package expbo parses compact exponential backoff policies and retries
// transient storage failures with them.
package expbo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"opentune.dev/opentune/internal/config"
)

// DefaultPolicy is used when no policy is configured.
const DefaultPolicy = "[0.05 1] *1.5 ~0.33 <30"

// UnmarshalExponentialBackOff populates ExponentialBackOff structure parsing strings of format:
// "[InitInterval MaxInterval] *Multiplier ~RandomizationFactor <MaxElapsedTime"
// All durations are in seconds.
//
// Example: "[0.250 30] *1.5 ~0.33 <7200"
func UnmarshalExponentialBackOff(s string, b *backoff.ExponentialBackOff) error {
	var (
		min, max, mult, rand, limit float64
		err                         error
	)

	parse := func(word, trimmed, field string) (float64, error) {
		v, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "cannot parse %s value from %q", field, word)
		}
		return v, nil
	}

	for _, word := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(word, "["):
			min, err = parse(word, strings.TrimPrefix(word, "["), "InitInterval")
		case strings.HasSuffix(word, "]"):
			max, err = parse(word, strings.TrimSuffix(word, "]"), "MaxInterval")
		case strings.HasPrefix(word, "*"):
			mult, err = parse(word, strings.TrimPrefix(word, "*"), "Multiplier")
		case strings.HasPrefix(word, "~"):
			rand, err = parse(word, strings.TrimPrefix(word, "~"), "RandomizationFactor")
		case strings.HasPrefix(word, "<"):
			limit, err = parse(word, strings.TrimPrefix(word, "<"), "MaxElapsedTime")
		default:
			return errors.Errorf("unexpected word %q", word)
		}
		if err != nil {
			return err
		}
	}

	b.InitialInterval = time.Duration(min * float64(time.Second))
	b.MaxInterval = time.Duration(max * float64(time.Second))
	b.Multiplier = mult
	b.RandomizationFactor = rand
	b.MaxElapsedTime = time.Duration(limit * float64(time.Second))
	return nil
}

// FromConfig builds the policy stored under key, or DefaultPolicy when the
// key is not set.
func FromConfig(cfg config.View, key string) (*backoff.ExponentialBackOff, error) {
	s := DefaultPolicy
	if cfg.IsSet(key) {
		s = cfg.GetString(key)
	}
	b := backoff.NewExponentialBackOff()
	if err := UnmarshalExponentialBackOff(s, b); err != nil {
		return nil, errors.Wrapf(err, "invalid backoff policy %s", key)
	}
	return b, nil
}

// IsTransient reports whether err is a storage error worth retrying.
func IsTransient(err error) bool {
	st, ok := status.FromError(errors.Cause(err))
	return ok && st.Code() == codes.Unavailable
}

// Retry runs op until it succeeds, fails with a non transient error, the
// policy gives up or ctx is done. The policy is reset before use.
func Retry(ctx context.Context, b *backoff.ExponentialBackOff, op func() error) error {
	policy := *b
	policy.Reset()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(&policy, ctx))
}
