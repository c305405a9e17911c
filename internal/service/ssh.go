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
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

// sshConnectionLost is the exit code of ssh when the connection drops, as it
// does while the remote host goes down.
const sshConnectionLost = 255

// SSH runs script lines on a remote host through the ssh client binary.
type SSH struct {
	binary         string
	host           string
	user           string
	port           int
	identityFile   string
	knownHostsFile string
	options        []string
	workDir        string
}

// NewSSH reads services.ssh.
func NewSSH(cfg config.View) (*SSH, error) {
	s := &SSH{
		binary:         cfg.GetString(consts.ServicesSSHBinary),
		host:           cfg.GetString(consts.ServicesSSHHost),
		user:           cfg.GetString(consts.ServicesSSHUser),
		port:           cfg.GetInt(consts.ServicesSSHPort),
		identityFile:   cfg.GetString(consts.ServicesSSHIdentityFile),
		knownHostsFile: cfg.GetString(consts.ServicesSSHKnownHostsFile),
		options:        cfg.GetStringSlice(consts.ServicesSSHOptions),
		workDir:        cfg.GetString(consts.ServicesSSHWorkDir),
	}
	if s.host == "" {
		return nil, errors.Errorf("%s is required", consts.ServicesSSHHost)
	}
	if s.binary == "" {
		s.binary = "ssh"
	}
	return s, nil
}

// Host returns the remote host name.
func (s *SSH) Host() string { return s.host }

func (s *SSH) args(command string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if s.port > 0 {
		args = append(args, "-p", fmt.Sprint(s.port))
	}
	if s.user != "" {
		args = append(args, "-l", s.user)
	}
	if s.identityFile != "" {
		args = append(args, "-i", s.identityFile)
	}
	if s.knownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+s.knownHostsFile)
	}
	for _, opt := range s.options {
		args = append(args, "-o", opt)
	}
	return append(args, s.host, command)
}

// remoteCommand quotes line and env into one command for the remote shell.
func (s *SSH) remoteCommand(line string, env map[string]string) (string, error) {
	keys, err := sortedEnv(env)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if s.workDir != "" {
		b.WriteString("cd " + shellescape.Quote(s.workDir) + " && ")
	}
	for _, k := range keys {
		b.WriteString(k + "=" + shellescape.Quote(env[k]) + " ")
	}
	b.WriteString("sh -c " + shellescape.Quote(line))
	return b.String(), nil
}

func (s *SSH) run(ctx context.Context, command string, stdout, stderr *bytes.Buffer) (int, error) {
	logger.WithFields(logrus.Fields{
		"host": s.host,
		"cmd":  command,
	}).Debug("running remote command")

	cmd := exec.CommandContext(ctx, s.binary, s.args(command)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok || ctx.Err() != nil {
			return 0, errors.Wrapf(err, "cannot run ssh to %s", s.host)
		}
		return exitErr.ExitCode(), nil
	}
	return 0, nil
}

// RemoteExec runs every line on the remote host, stopping at the first one
// that fails.
func (s *SSH) RemoteExec(ctx context.Context, lines []string, env map[string]string) (*ExecResult, error) {
	res := &ExecResult{}
	var stdout, stderr bytes.Buffer
	for _, line := range lines {
		command, err := s.remoteCommand(line, env)
		if err != nil {
			return nil, err
		}
		res.ReturnCode, err = s.run(ctx, command, &stdout, &stderr)
		if err != nil {
			return nil, err
		}
		if res.ReturnCode != 0 {
			break
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// Shutdown powers the remote host off.
func (s *SSH) Shutdown(ctx context.Context, force bool) error {
	command := "sudo shutdown -h now"
	if force {
		command = "sudo poweroff -f"
	}
	return s.hostOp(ctx, command)
}

// Reboot restarts the remote host.
func (s *SSH) Reboot(ctx context.Context, force bool) error {
	command := "sudo reboot"
	if force {
		command = "sudo reboot -f"
	}
	return s.hostOp(ctx, command)
}

func (s *SSH) hostOp(ctx context.Context, command string) error {
	var stdout, stderr bytes.Buffer
	code, err := s.run(ctx, command, &stdout, &stderr)
	if err != nil {
		return err
	}
	if code != 0 && code != sshConnectionLost {
		return errors.Errorf("%q on %s exited with %d: %s", command, s.host, code, strings.TrimSpace(stderr.String()))
	}
	logger.WithField("host", s.host).Infof("%s sent", command)
	return nil
}
