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
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"go.opencensus.io/zpages"
	"opentune.dev/opentune/internal/consts"
)

const (
	zpagesEndpoint = "/debug"
	// opencensus keeps one span in ten thousand unless told otherwise.
	defaultTraceSamplingFraction = 1e-4
)

// bindTraceSampling sets the share of storage spans that reach
// /debug/tracez and Jaeger.
func bindTraceSampling(p Params, b Bindings) error {
	cfg := p.Config()
	if !cfg.IsSet(consts.TelemetryTraceSamplingFraction) {
		return nil
	}
	fraction := cfg.GetFloat64(consts.TelemetryTraceSamplingFraction)
	if fraction < 0 || fraction > 1 {
		return errors.Errorf("%s must be within [0, 1], got %v", consts.TelemetryTraceSamplingFraction, fraction)
	}

	trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(fraction)})
	b.AddCloser(func() {
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(defaultTraceSamplingFraction)})
	})
	logger.WithField("fraction", fraction).Info("trace sampling configured")
	return nil
}

func bindZpages(p Params, b Bindings) error {
	if !p.Config().GetBool(consts.TelemetryZpagesEnable) {
		logger.Info("zPages: Disabled")
		return nil
	}

	mux := http.NewServeMux()
	zpages.Handle(mux, zpagesEndpoint)
	b.TelemetryHandle(zpagesEndpoint+"/", mux)

	logger.WithFields(logrus.Fields{
		"endpoint": zpagesEndpoint,
		"service":  p.ServiceName(),
	}).Info("zPages: ENABLED")
	return nil
}
