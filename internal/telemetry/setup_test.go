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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/trace"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

type daemonParams struct {
	cfg config.View
}

func (p daemonParams) Config() config.View  { return p.cfg }
func (p daemonParams) ServiceName() string { return "daemon" }

type adminMux struct {
	*http.ServeMux
	closers []func() error
}

func (m *adminMux) TelemetryHandle(pattern string, handler http.Handler) {
	m.Handle(pattern, handler)
}

func (m *adminMux) TelemetryHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.HandleFunc(pattern, handler)
}

func (m *adminMux) AddCloser(c func()) {
	m.AddCloserErr(func() error { c(); return nil })
}

func (m *adminMux) AddCloserErr(c func() error) {
	m.closers = append(m.closers, c)
}

func (m *adminMux) close(t *testing.T) {
	for i := len(m.closers) - 1; i >= 0; i-- {
		require.NoError(t, m.closers[i]())
	}
}

func (m *adminMux) get(t *testing.T, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func setupAdmin(t *testing.T, settings map[string]interface{}) (*adminMux, error) {
	t.Helper()
	cfg := viper.New()
	cfg.Set(consts.TelemetryReportingPeriod, "1s")
	for k, v := range settings {
		cfg.Set(k, v)
	}
	m := &adminMux{ServeMux: http.NewServeMux()}
	err := Setup(daemonParams{cfg: cfg}, m)
	t.Cleanup(func() { m.close(t) })
	return m, err
}

func TestSetupServesAdminPages(t *testing.T) {
	require := require.New(t)
	m, err := setupAdmin(t, map[string]interface{}{
		consts.TelemetryPrometheusEnable: true,
		consts.TelemetryZpagesEnable:     true,
		consts.StorageType:               "sqlite",
	})
	require.NoError(err)

	code, body := m.get(t, "/metrics")
	require.Equal(http.StatusOK, code)
	require.Contains(body, `opentune_build_info{service="daemon",version="dev"} 1`)
	require.Contains(body, "go_goroutines")

	code, body = m.get(t, "/help")
	require.Equal(http.StatusOK, code)
	require.Contains(body, "opentune Admin Help")
	require.Contains(body, "?readiness=true")

	code, body = m.get(t, "/configz")
	require.Equal(http.StatusOK, code)
	require.Contains(body, "<tr><td>storage</td>")
	require.Contains(body, "sqlite")

	code, _ = m.get(t, "/debug/tracez")
	require.Equal(http.StatusOK, code)
}

func TestSetupLeavesPagesDisabled(t *testing.T) {
	m, err := setupAdmin(t, nil)
	require.NoError(t, err)
	for _, path := range []string{"/metrics", "/help", "/configz", "/debug/tracez"} {
		code, _ := m.get(t, path)
		require.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestTraceSampling(t *testing.T) {
	testCases := []struct {
		description string
		fraction    interface{}
		fail        bool
	}{
		{"above one", 2, true},
		{"negative", -0.5, true},
		{"every span", 1, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			m, err := setupAdmin(t, map[string]interface{}{consts.TelemetryTraceSamplingFraction: tc.fraction})
			if tc.fail {
				require.Error(err)
				return
			}
			require.NoError(err)
			_, span := trace.StartSpan(context.Background(), "statestore/instrumented.GetTrial")
			span.End()
			require.True(span.SpanContext().IsSampled())

			m.close(t)
			m.closers = nil
		})
	}
}
