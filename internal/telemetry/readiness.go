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

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/tag"
)

const (
	// HealthCheckEndpoint answers liveness requests. With a query string it
	// also runs the readiness checks.
	HealthCheckEndpoint     = "/healthz"
	defaultReadinessTimeout = 5 * time.Second
)

var (
	keyCheck         = tag.MustNewKey("check")
	mReadinessFailed = Counter("readiness/failures", "failed readiness checks", keyCheck)
)

// ReadinessCheck is a named dependency the application needs before it can
// schedule trials, such as the experiment storage.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// Readiness runs the readiness checks for the admin server and remembers the
// last outcome of each.
type Readiness struct {
	checks   []ReadinessCheck
	timeout  time.Duration
	onChange func(ready bool)

	mu      sync.Mutex
	results map[string]error
	ready   *bool
}

// NewReadiness creates a Readiness. onChange, when set, is called whenever
// the overall outcome flips, including the first time the checks run.
func NewReadiness(checks []ReadinessCheck, timeout time.Duration, onChange func(ready bool)) *Readiness {
	if timeout <= 0 {
		timeout = defaultReadinessTimeout
	}
	return &Readiness{
		checks:   checks,
		timeout:  timeout,
		onChange: onChange,
		results:  map[string]error{},
	}
}

// Check runs every check and returns an error naming each one that failed.
func (r *Readiness) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var failed []string
	for _, c := range r.checks {
		err := c.Check(ctx)
		r.record(ctx, c.Name, err)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", c.Name, err))
		}
	}
	r.setReady(len(failed) == 0)
	if len(failed) > 0 {
		return errors.Errorf("not ready: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (r *Readiness) record(ctx context.Context, name string, err error) {
	r.mu.Lock()
	prev, seen := r.results[name]
	r.results[name] = err
	r.mu.Unlock()

	log := logger.WithField("check", name)
	switch {
	case err != nil && seen && prev != nil:
		log.WithError(err).Warning("readiness check is still failing")
	case err != nil:
		log.WithError(err).Warning("readiness check failed")
	case !seen:
		log.Info("readiness check passed")
	case prev != nil:
		log.Info("readiness check recovered")
	}
	if err != nil {
		RecordUnitMeasurement(ctx, mReadinessFailed, tag.Upsert(keyCheck, name))
	}
}

func (r *Readiness) setReady(ready bool) {
	r.mu.Lock()
	changed := r.ready == nil || *r.ready != ready
	r.ready = &ready
	r.mu.Unlock()
	if changed && r.onChange != nil {
		r.onChange(ready)
	}
}

// Ready reports the outcome of the last Check. It is false until the checks
// have run once.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready != nil && *r.ready
}

// ServeHTTP answers ok for liveness. A request with a query string, such as
// ?readiness=true, runs the checks and answers 503 when one fails.
func (r *Readiness) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if len(req.URL.Query()) > 0 {
		if err := r.Check(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok")
}
