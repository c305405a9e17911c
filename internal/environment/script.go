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

package environment

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/service"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
	"opentune.dev/opentune/internal/tuneerr"
)

type executor func(ctx context.Context, lines []string, env map[string]string) (*service.ExecResult, error)

func localExecutor(le service.LocalExec, cwd string) executor {
	return func(ctx context.Context, lines []string, env map[string]string) (*service.ExecResult, error) {
		return le.LocalExec(ctx, lines, env, cwd)
	}
}

// remoteExecutor runs scripts on the event loop so that many runners share
// one set of background workers.
func remoteExecutor(re service.RemoteExec, loop *eventloop.Context) executor {
	return func(ctx context.Context, lines []string, env map[string]string) (*service.ExecResult, error) {
		var res *service.ExecResult
		err := loop.Submit(ctx, func(ctx context.Context) error {
			var err error
			res, err = re.RemoteExec(ctx, lines, env)
			return err
		}).Wait(ctx)
		return res, err
	}
}

// Script runs shell scripts for each phase. The run script prints its
// results as "metric,value" CSV lines; the telemetry script prints
// "timestamp,metric,value" lines with RFC 3339 timestamps.
type Script struct {
	*base
	mu        sync.Mutex
	exec      executor
	setup     []string
	run       []string
	teardown  []string
	telemetry []string
	shellEnv  []string
}

func newScript(b *base, def Definition, exec executor) *Script {
	return &Script{
		base:      b,
		exec:      exec,
		setup:     def.Setup,
		run:       def.Run,
		teardown:  def.Teardown,
		telemetry: def.Telemetry,
		shellEnv:  def.ShellEnvParams,
	}
}

func (s *Script) env() map[string]string {
	env := make(map[string]string, len(s.params))
	if len(s.shellEnv) == 0 {
		for k, v := range s.params {
			env[k] = tunables.FormatValue(v)
		}
		return env
	}
	for _, k := range s.shellEnv {
		if v, ok := s.params[k]; ok {
			env[k] = tunables.FormatValue(v)
		}
	}
	return env
}

func (s *Script) runPhase(ctx context.Context, phase string, lines []string) (*service.ExecResult, error) {
	if len(lines) == 0 {
		return &service.ExecResult{}, nil
	}
	res, err := s.exec(ctx, lines, s.env())
	if err != nil {
		return nil, tuneerr.NewEnvironmentFailure(s.name, phase, err)
	}
	if res.ReturnCode != 0 {
		logger.WithFields(logrus.Fields{
			"environment": s.name,
			"phase":       phase,
			"code":        res.ReturnCode,
			"stderr":      strings.TrimSpace(res.Stderr),
		}).Warning("script failed")
	}
	return res, nil
}

func (s *Script) Setup(ctx context.Context, groups *tunables.Groups, global Params) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if err := s.base.setup(groups, global); err != nil {
		return false, err
	}
	res, err := s.runPhase(ctx, "setup", s.setup)
	if err != nil {
		return false, err
	}
	s.ready = res.ReturnCode == 0
	return s.ready, nil
}

func (s *Script) Run(ctx context.Context) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return failed(), nil
	}
	res, err := s.runPhase(ctx, "run", s.run)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return failed(), nil
	}
	results, err := parseResults(res.Stdout)
	if err != nil {
		logger.WithError(err).WithField("environment", s.name).Warning("cannot parse results")
		return failed(), nil
	}
	return &Outcome{Status: statestore.Succeeded, Timestamp: time.Now().UTC(), Results: results}, nil
}

func (s *Script) Status(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report()
	if !s.ready || len(s.telemetry) == 0 {
		return r, nil
	}
	res, err := s.runPhase(ctx, "telemetry", s.telemetry)
	if err != nil {
		return nil, err
	}
	if res.ReturnCode != 0 {
		return r, nil
	}
	r.Telemetry, err = parseTelemetry(res.Stdout)
	if err != nil {
		return nil, tuneerr.NewEnvironmentFailure(s.name, "telemetry", err)
	}
	return r, nil
}

func (s *Script) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	res, err := s.runPhase(ctx, "teardown", s.teardown)
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return tuneerr.NewEnvironmentFailure(s.name, "teardown", errors.Errorf("exit code %d", res.ReturnCode))
	}
	return nil
}

func readCSV(out string, fields int) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = fields
	r.TrimLeadingSpace = true
	r.Comment = '#'
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "malformed script output")
		}
		rows = append(rows, rec)
	}
}

// parseResults reads "metric,value" lines. Numbers become float64, anything
// else stays a string. A "metric,value" header line is skipped.
func parseResults(out string) (map[string]interface{}, error) {
	rows, err := readCSV(out, 2)
	if err != nil {
		return nil, err
	}
	results := make(map[string]interface{}, len(rows))
	for i, rec := range rows {
		if i == 0 && rec[0] == "metric" && rec[1] == "value" {
			continue
		}
		if f, err := strconv.ParseFloat(rec[1], 64); err == nil {
			results[rec[0]] = f
		} else {
			results[rec[0]] = rec[1]
		}
	}
	return results, nil
}

func parseTelemetry(out string) ([]statestore.TelemetrySample, error) {
	rows, err := readCSV(out, 3)
	if err != nil {
		return nil, err
	}
	samples := make([]statestore.TelemetrySample, 0, len(rows))
	for i, rec := range rows {
		if i == 0 && rec[0] == "timestamp" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, errors.Wrapf(err, "bad telemetry timestamp %q", rec[0])
		}
		samples = append(samples, statestore.TelemetrySample{Timestamp: ts.UTC(), Metric: rec[1], Value: rec[2]})
	}
	return samples, nil
}
