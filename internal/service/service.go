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

// Package service provides the capabilities environments use to reach the
// systems they tune: running scripts locally, running them on a remote host
// and rebooting that host.
package service

import (
	"context"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "service",
	})

	envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ExecResult is the outcome of a script. Stdout and Stderr hold the output
// of every line that ran.
type ExecResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// LocalExec runs script lines on the machine running opentune.
type LocalExec interface {
	LocalExec(ctx context.Context, lines []string, env map[string]string, cwd string) (*ExecResult, error)
}

// RemoteExec runs script lines on the host under test.
type RemoteExec interface {
	RemoteExec(ctx context.Context, lines []string, env map[string]string) (*ExecResult, error)
}

// HostOps controls the power state of the host under test.
type HostOps interface {
	Shutdown(ctx context.Context, force bool) error
	Reboot(ctx context.Context, force bool) error
}

// Set holds the capabilities available to environments. The first service
// implementing a capability provides it.
type Set struct {
	local  LocalExec
	remote RemoteExec
	host   HostOps
}

// NewSet resolves the capabilities of services.
func NewSet(services ...interface{}) *Set {
	s := &Set{}
	for _, svc := range services {
		if v, ok := svc.(LocalExec); ok && s.local == nil {
			s.local = v
		}
		if v, ok := svc.(RemoteExec); ok && s.remote == nil {
			s.remote = v
		}
		if v, ok := svc.(HostOps); ok && s.host == nil {
			s.host = v
		}
	}
	return s
}

// FromConfig builds the local service and, when services.ssh.host is set,
// the ssh service.
func FromConfig(cfg config.View) (*Set, error) {
	services := []interface{}{NewLocal(cfg)}
	if cfg.GetString(consts.ServicesSSHHost) != "" {
		ssh, err := NewSSH(cfg)
		if err != nil {
			return nil, err
		}
		services = append(services, ssh)
	}
	return NewSet(services...), nil
}

// LocalExec returns the local execution capability.
func (s *Set) LocalExec() (LocalExec, bool) { return s.local, s.local != nil }

// RemoteExec returns the remote execution capability.
func (s *Set) RemoteExec() (RemoteExec, bool) { return s.remote, s.remote != nil }

// HostOps returns the host power capability.
func (s *Set) HostOps() (HostOps, bool) { return s.host, s.host != nil }

func sortedEnv(env map[string]string) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envName.MatchString(k) {
			return nil, errors.Errorf("%q is not a valid environment variable name", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
