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
	ocPrometheus "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"opentune.dev/opentune/internal/consts"
)

const (
	defaultPrometheusEndpoint = "/metrics"
	metricsNamespace          = "opentune"
)

// Version is the opentune release reported by the build_info metric and the
// command line. Release builds set it with -ldflags.
var Version = "dev"

func bindPrometheus(p Params, b Bindings) error {
	cfg := p.Config()
	if !cfg.GetBool(consts.TelemetryPrometheusEnable) {
		logger.Info("Prometheus Metrics: Disabled")
		return nil
	}

	endpoint := cfg.GetString(consts.TelemetryPrometheusEndpoint)
	if endpoint == "" {
		endpoint = defaultPrometheusEndpoint
	}

	registry, err := newRegistry(p.ServiceName())
	if err != nil {
		return err
	}
	// Every opencensus view, such as the storage counters and the readiness
	// failures, is labeled with the service that recorded it.
	exporter, err := ocPrometheus.NewExporter(ocPrometheus.Options{
		Namespace:   metricsNamespace,
		Registry:    registry,
		ConstLabels: prometheus.Labels{"service": p.ServiceName()},
		OnError: func(err error) {
			logger.WithError(err).Warning("cannot export opencensus views to Prometheus")
		},
	})
	if err != nil {
		return errors.Wrap(err, "Failed to initialize OpenCensus exporter to Prometheus")
	}

	view.RegisterExporter(exporter)
	b.AddCloser(func() {
		view.UnregisterExporter(exporter)
	})
	b.TelemetryHandle(endpoint, exporter)

	logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"service":  p.ServiceName(),
	}).Info("Prometheus Metrics: ENABLED")
	return nil
}

// newRegistry holds the process and Go runtime collectors plus a constant
// build_info gauge for service.
func newRegistry(service string) (*prometheus.Registry, error) {
	buildInfo := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "build_info",
		Help:        "Always 1, labeled with the opentune version and the service running it.",
		ConstLabels: prometheus.Labels{"service": service, "version": Version},
	}, func() float64 { return 1 })

	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		buildInfo,
	} {
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "Failed to register prometheus collector")
		}
	}
	return registry, nil
}
