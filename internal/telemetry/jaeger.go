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
	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
	"opentune.dev/opentune/internal/consts"
)

func bindJaeger(p Params, b Bindings) error {
	cfg := p.Config()
	if !cfg.GetBool(consts.TelemetryJaegerEnable) {
		logger.Info("Jaeger Tracing: Disabled")
		return nil
	}

	agentEndpointURI := cfg.GetString(consts.TelemetryJaegerAgentEndpoint)
	collectorEndpointURI := cfg.GetString(consts.TelemetryJaegerCollectorEndpoint)

	je, err := jaeger.NewExporter(jaeger.Options{
		AgentEndpoint:     agentEndpointURI,
		CollectorEndpoint: collectorEndpointURI,
		ServiceName:       p.ServiceName(),
	})
	if err != nil {
		return errors.Wrapf(err, "cannot create the Jaeger exporter for agent %q and collector %q", agentEndpointURI, collectorEndpointURI)
	}

	trace.RegisterExporter(je)
	b.AddCloser(func() {
		trace.UnregisterExporter(je)
		je.Flush()
	})

	logger.WithFields(logrus.Fields{
		"agentEndpoint":     agentEndpointURI,
		"collectorEndpoint": collectorEndpointURI,
	}).Info("Jaeger Tracing: ENABLED")
	return nil
}
