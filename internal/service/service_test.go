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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

func TestLocalExec(t *testing.T) {
	testCases := []struct {
		description  string
		lines        []string
		env          map[string]string
		abortOnError bool
		code         int
		stdout       string
	}{
		{
			"env is passed through",
			[]string{"echo $vmSize,$prob"},
			map[string]string{"vmSize": "B2s", "prob": "0.5"},
			true,
			0,
			"B2s,0.5\n",
		},
		{
			"stops at first failure",
			[]string{"echo a", "exit 3", "echo b"},
			nil,
			true,
			3,
			"a\n",
		},
		{
			"keeps going when asked",
			[]string{"echo a", "exit 3", "echo b"},
			nil,
			false,
			0,
			"a\nb\n",
		},
		{
			"values are not reinterpreted",
			[]string{"printf '%s' \"$v\""},
			map[string]string{"v": "it's $HOME; rm -rf /"},
			true,
			0,
			"it's $HOME; rm -rf /",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			cfg := viper.New()
			cfg.Set("services.local.abortOnError", tc.abortOnError)
			res, err := NewLocal(cfg).LocalExec(utilTesting.NewContext(t), tc.lines, tc.env, "")
			require.NoError(err)
			require.Equal(tc.code, res.ReturnCode)
			require.Equal(tc.stdout, res.Stdout)
		})
	}
}

func TestLocalExecRejectsBadNames(t *testing.T) {
	_, err := NewLocal(nil).LocalExec(utilTesting.NewContext(t), []string{"true"}, map[string]string{"a-b": "1"}, "")
	assert.Error(t, err)
}

func TestLocalExecUsesCwd(t *testing.T) {
	dir := t.TempDir()
	res, err := NewLocal(nil).LocalExec(utilTesting.NewContext(t), []string{"echo hi > out.txt"}, nil, dir)
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(b))
}

// fakeSSH writes a stand-in for the ssh client that records its arguments
// and runs the remote command locally.
func fakeSSH(t *testing.T, body string) (binary, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "ssh")
	argsFile = filepath.Join(dir, "args")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, argsFile
}

func newSSH(t *testing.T, binary string) *SSH {
	cfg := viper.New()
	cfg.Set("services.ssh.host", "sut.example.com")
	cfg.Set("services.ssh.user", "bench")
	cfg.Set("services.ssh.port", 2222)
	cfg.Set("services.ssh.binary", binary)
	s, err := NewSSH(cfg)
	require.NoError(t, err)
	return s
}

func TestRemoteExec(t *testing.T) {
	require := require.New(t)
	binary, argsFile := fakeSSH(t, "for last; do :; done\nexec sh -c \"$last\"")
	s := newSSH(t, binary)

	res, err := s.RemoteExec(utilTesting.NewContext(t), []string{"echo \"$name\"", "exit 2", "echo unreachable"}, map[string]string{"name": "it's a test"})
	require.NoError(err)
	require.Equal(2, res.ReturnCode)
	require.Equal("it's a test\n", res.Stdout)

	args, err := os.ReadFile(argsFile)
	require.NoError(err)
	require.True(strings.HasPrefix(string(args), "-o BatchMode=yes -p 2222 -l bench sut.example.com "), string(args))
}

func TestRemoteCommandQuoting(t *testing.T) {
	s := &SSH{host: "h", workDir: "/srv/my app"}
	cmd, err := s.remoteCommand("run.sh --fast", map[string]string{"b": "x y", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, "cd '/srv/my app' && a=1 b='x y' sh -c 'run.sh --fast'", cmd)
}

func TestHostOps(t *testing.T) {
	testCases := []struct {
		description string
		body        string
		fail        bool
	}{
		{"connection drops while rebooting", "exit 255", false},
		{"clean exit", "exit 0", false},
		{"sudo refused", "echo denied >&2; exit 1", true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			binary, _ := fakeSSH(t, tc.body)
			s := newSSH(t, binary)
			ctx := utilTesting.NewContext(t)
			for _, err := range []error{s.Reboot(ctx, false), s.Shutdown(ctx, true)} {
				if tc.fail {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			}
		})
	}
}

func TestSet(t *testing.T) {
	require := require.New(t)

	s := NewSet(NewLocal(nil))
	_, ok := s.LocalExec()
	require.True(ok)
	_, ok = s.RemoteExec()
	require.False(ok)
	_, ok = s.HostOps()
	require.False(ok)

	cfg := viper.New()
	cfg.Set("services.ssh.host", "sut")
	s, err := FromConfig(cfg)
	require.NoError(err)
	remote, ok := s.RemoteExec()
	require.True(ok)
	require.Equal("sut", remote.(*SSH).Host())
	_, ok = s.HostOps()
	require.True(ok)

	_, err = NewSSH(viper.New())
	require.Error(err)
}
