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

// Package telemetry wires opencensus metrics and traces, health probes and
// debug pages into the admin HTTP server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/logging"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "telemetry",
	})
)

// Params exposes what telemetry needs from the application.
type Params interface {
	Config() config.View
	ServiceName() string
}

// Bindings is where telemetry registers its handlers and closers.
type Bindings interface {
	TelemetryHandle(pattern string, handler http.Handler)
	TelemetryHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
	AddCloser(c func())
	AddCloserErr(c func() error)
}

// Setup configures the telemetry for the application.
func Setup(p Params, b Bindings) error {
	bindings := []func(p Params, b Bindings) error{
		configureOpencensus,
		bindTraceSampling,
		bindJaeger,
		bindPrometheus,
		bindZpages,
		bindHelp,
		bindConfigz,
	}

	for _, f := range bindings {
		if err := f(p, b); err != nil {
			return err
		}
	}
	return nil
}

func configureOpencensus(p Params, b Bindings) error {
	cfg := p.Config()
	periodString := cfg.GetString(consts.TelemetryReportingPeriod)
	reportingPeriod, err := time.ParseDuration(periodString)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":           err,
			"reportingPeriod": periodString,
		}).Info("Failed to parse telemetry.reportingPeriod, defaulting to 1m")
		reportingPeriod = time.Minute * 1
	}

	// Change the frequency of updates to the metrics endpoint
	view.SetReportingPeriod(reportingPeriod)

	if err = view.Register(config.CfgReloadCountView, logging.LogLinesView); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"reportingPeriod": reportingPeriod,
	}).Info("telemetry has been configured.")
	return nil
}
