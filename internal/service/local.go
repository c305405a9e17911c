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

package service

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"al.essio.dev/pkg/shellescape"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

// Local runs script lines with sh on the local machine.
type Local struct {
	tempDir      string
	abortOnError bool
}

// NewLocal reads services.local. Scripts stop at the first failing line
// unless services.local.abortOnError is false.
func NewLocal(cfg config.View) *Local {
	l := &Local{abortOnError: true}
	if cfg == nil {
		return l
	}
	l.tempDir = cfg.GetString(consts.ServicesLocalTempDir)
	if cfg.IsSet(consts.ServicesLocalAbortOnError) {
		l.abortOnError = cfg.GetBool(consts.ServicesLocalAbortOnError)
	}
	return l
}

// LocalExec runs each line in its own shell with env added to the process
// environment. An empty cwd runs the script in a fresh temporary directory.
func (l *Local) LocalExec(ctx context.Context, lines []string, env map[string]string, cwd string) (*ExecResult, error) {
	keys, err := sortedEnv(env)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		dir, err := os.MkdirTemp(l.tempDir, "opentune-")
		if err != nil {
			return nil, errors.Wrap(err, "cannot create working directory")
		}
		defer os.RemoveAll(dir)
		cwd = dir
	}

	vars := os.Environ()
	for _, k := range keys {
		vars = append(vars, k+"="+env[k])
	}

	res := &ExecResult{}
	var stdout, stderr bytes.Buffer
	for _, line := range lines {
		args := []string{"sh", "-c", line}
		logger.WithFields(logrus.Fields{
			"cmd": shellescape.QuoteCommand(args),
			"cwd": cwd,
		}).Debug("running local script line")

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = cwd
		cmd.Env = vars
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		res.ReturnCode = 0
		if err := cmd.Run(); err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok || ctx.Err() != nil {
				return nil, errors.Wrapf(err, "cannot run %q", line)
			}
			res.ReturnCode = exitErr.ExitCode()
			if l.abortOnError {
				break
			}
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}
