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

// Package environment defines the systems a trial is run against: an
// environment is set up with a configuration, runs the benchmark, reports
// telemetry and is torn down.
package environment

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/service"
	"opentune.dev/opentune/internal/set"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "environment",
	})

	validate = validator.New()
)

// Params is the flat set of arguments an environment runs with.
type Params map[string]interface{}

// Outcome is the result of Run. Results is nil unless Status is SUCCEEDED.
type Outcome struct {
	Status    statestore.Status
	Timestamp time.Time
	Results   map[string]interface{}
}

// Report is the result of Status.
type Report struct {
	Status    statestore.Status
	Timestamp time.Time
	Telemetry []statestore.TelemetrySample
}

// Environment is a system under test.
type Environment interface {
	Name() string
	// TunableParams returns the part of the tunable space this environment uses.
	TunableParams() *tunables.Groups
	// Setup prepares the environment for the values in groups. It reports
	// false when the environment could not be prepared.
	Setup(ctx context.Context, groups *tunables.Groups, global Params) (bool, error)
	// Run blocks until the benchmark finished.
	Run(ctx context.Context) (*Outcome, error)
	Status(ctx context.Context) (*Report, error)
	Teardown(ctx context.Context) error
}

// MockDefinition configures the mock environment.
type MockDefinition struct {
	Seed    *int64        `mapstructure:"seed"`
	Range   []float64     `mapstructure:"range" validate:"omitempty,len=2"`
	Metrics []string      `mapstructure:"metrics"`
	Delay   time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// Definition describes an environment as it appears in configuration.
type Definition struct {
	Type string `mapstructure:"type" validate:"required,oneof=mock local remote composite"`
	Name string `mapstructure:"name" validate:"required"`
	// Tunables names the covariant groups the environment uses. Empty means
	// all of them.
	Tunables     []string               `mapstructure:"tunables"`
	ConstArgs    map[string]interface{} `mapstructure:"const_args"`
	RequiredArgs []string               `mapstructure:"required_args"`

	Setup     []string `mapstructure:"setup"`
	Run       []string `mapstructure:"run"`
	Teardown  []string `mapstructure:"teardown"`
	Telemetry []string `mapstructure:"telemetry"`
	Cwd       string   `mapstructure:"cwd"`
	// ShellEnvParams limits the params exported to scripts. Empty exports
	// all of them.
	ShellEnvParams []string `mapstructure:"shell_env_params"`

	Mock     MockDefinition `mapstructure:"mock"`
	Children []Definition   `mapstructure:"children" validate:"required_if=Type composite,dive"`
}

// ReadDefinition reads the environment stored under key in cfg.
func ReadDefinition(cfg config.View, key string) (*Definition, error) {
	var def Definition
	if err := cfg.UnmarshalKey(key, &def); err != nil {
		return nil, errors.Wrapf(err, "cannot decode environment under %q", key)
	}
	if err := validate.Struct(def); err != nil {
		return nil, errors.Wrapf(err, "invalid environment %q", def.Name)
	}
	return &def, nil
}

// New builds the environment described by def over the tunable space groups.
// Remote environments run their scripts on loop.
func New(def Definition, groups *tunables.Groups, svc *service.Set, loop *eventloop.Context) (Environment, error) {
	if err := validate.Struct(def); err != nil {
		return nil, errors.Wrapf(err, "invalid environment %q", def.Name)
	}
	b, err := newBase(def, groups)
	if err != nil {
		return nil, err
	}

	switch def.Type {
	case "mock":
		return newMock(b, def.Mock), nil
	case "local":
		le := service.LocalExec(service.NewLocal(nil))
		if svc != nil {
			if v, ok := svc.LocalExec(); ok {
				le = v
			}
		}
		return newScript(b, def, localExecutor(le, def.Cwd)), nil
	case "remote":
		var re service.RemoteExec
		if svc != nil {
			re, _ = svc.RemoteExec()
		}
		if re == nil {
			return nil, errors.Errorf("environment %q needs a remote execution service", def.Name)
		}
		if loop == nil {
			return nil, errors.Errorf("environment %q needs an event loop", def.Name)
		}
		return newScript(b, def, remoteExecutor(re, loop)), nil
	case "composite":
		var children []Environment
		for _, cd := range def.Children {
			child, err := New(cd, groups, svc, loop)
			if err != nil {
				return nil, errors.Wrapf(err, "in composite environment %q", def.Name)
			}
			children = append(children, child)
		}
		return newComposite(b, children), nil
	}
	return nil, errors.Errorf("unknown environment type %q", def.Type)
}

// base holds what every environment does with its tunables and arguments.
type base struct {
	name       string
	tunables   *tunables.Groups
	groupNames []string
	constArgs  Params
	required   []string

	params Params
	ready  bool
}

func newBase(def Definition, groups *tunables.Groups) (*base, error) {
	b := &base{
		name:      def.Name,
		constArgs: Params{},
		required:  def.RequiredArgs,
	}
	for k, v := range def.ConstArgs {
		b.constArgs[k] = v
	}
	if groups == nil {
		groups, _ = tunables.NewGroups()
	}
	if len(def.Tunables) > 0 {
		sub, err := groups.Subgroup(def.Tunables...)
		if err != nil {
			return nil, errors.Wrapf(err, "environment %q", def.Name)
		}
		b.tunables = sub
	} else {
		b.tunables = groups.Copy()
	}
	b.groupNames = b.tunables.GroupNames()
	return b, nil
}

func (b *base) Name() string { return b.name }

func (b *base) TunableParams() *tunables.Groups { return b.tunables }

// setup records the params of the next run: constant arguments, then global
// settings, then the values of this environment's tunables.
func (b *base) setup(groups *tunables.Groups, global Params) error {
	values := groups.ParamValues(b.groupNames...)
	if err := b.tunables.Assign(values); err != nil {
		return err
	}
	if b.tunables.IsUpdated() {
		logger.WithFields(logrus.Fields{
			"environment": b.name,
			"cost":        b.tunables.Cost(),
		}).Debug("tunables changed since the last setup")
	}
	b.tunables.ResetUpdated()

	params := Params{}
	for k, v := range b.constArgs {
		params[k] = v
	}
	for k, v := range global {
		params[k] = v
	}
	for k, v := range values {
		params[k] = v
	}
	if missing := set.Difference(b.required, set.Keys(params)); len(missing) > 0 {
		return errors.Errorf("environment %q is missing required arguments %s", b.name, strings.Join(missing, ", "))
	}
	b.params = params
	return nil
}

func (b *base) report() *Report {
	st := statestore.Pending
	if b.ready {
		st = statestore.Ready
	}
	return &Report{Status: st, Timestamp: time.Now().UTC()}
}

func failed() *Outcome {
	return &Outcome{Status: statestore.Failed, Timestamp: time.Now().UTC()}
}
