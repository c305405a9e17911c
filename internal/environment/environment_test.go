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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"opentune.dev/opentune/internal/eventloop"
	"opentune.dev/opentune/internal/service"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
	tunablesTesting "opentune.dev/opentune/internal/tunables/testing"
	"opentune.dev/opentune/internal/tuneerr"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

func TestMockScore(t *testing.T) {
	testCases := []struct {
		description string
		def         MockDefinition
		values      tunables.Values
		expected    float64
	}{
		{"defaults", MockDefinition{}, nil, 1.0001 / 3},
		{"scaled", MockDefinition{Range: []float64{0, 100}}, nil, 100 * 1.0001 / 3},
		{"low end", MockDefinition{Metrics: []string{"latency"}}, tunables.Values{"vmSize": "B2s", "prob": 0.0}, 0},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			ctx := utilTesting.NewContext(t)
			groups := tunablesTesting.NewGroups(t)
			require.NoError(groups.Assign(tc.values))

			env, err := New(Definition{Type: "mock", Name: "mock", Mock: tc.def}, groups, nil, nil)
			require.NoError(err)

			ok, err := env.Setup(ctx, groups, nil)
			require.NoError(err)
			require.True(ok)
			out, err := env.Run(ctx)
			require.NoError(err)
			require.Equal(statestore.Succeeded, out.Status)

			metric := "score"
			if len(tc.def.Metrics) > 0 {
				metric = tc.def.Metrics[0]
			}
			require.InDelta(tc.expected, out.Results[metric].(float64), 1e-9)
		})
	}
}

func TestMockSeedIsReproducible(t *testing.T) {
	ctx := utilTesting.NewContext(t)
	seed := int64(7)
	run := func() float64 {
		groups := tunablesTesting.NewGroups(t)
		env, err := New(Definition{Type: "mock", Name: "mock", Mock: MockDefinition{Seed: &seed}}, groups, nil, nil)
		require.NoError(t, err)
		_, err = env.Setup(ctx, groups, nil)
		require.NoError(t, err)
		out, err := env.Run(ctx)
		require.NoError(t, err)
		return out.Results["score"].(float64)
	}
	assert.Equal(t, run(), run())
}

func TestMockRunBeforeSetup(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	env, err := New(Definition{Type: "mock", Name: "mock"}, tunablesTesting.NewGroups(t), nil, nil)
	require.NoError(err)

	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(statestore.Failed, out.Status)

	r, err := env.Status(ctx)
	require.NoError(err)
	require.Equal(statestore.Pending, r.Status)
}

func TestEnvironmentTunables(t *testing.T) {
	require := require.New(t)
	groups := tunablesTesting.NewGroups(t)

	env, err := New(Definition{Type: "mock", Name: "kernel-only", Tunables: []string{"kernel"}}, groups, nil, nil)
	require.NoError(err)
	require.Equal([]string{"kernel"}, env.TunableParams().GroupNames())

	_, err = New(Definition{Type: "mock", Name: "bad", Tunables: []string{"nope"}}, groups, nil, nil)
	require.True(tuneerr.IsDomainError(err), "%v", err)
}

func TestRequiredArgs(t *testing.T) {
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	env, err := New(Definition{Type: "mock", Name: "mock", RequiredArgs: []string{"trial_runner_id"}}, groups, nil, nil)
	require.NoError(t, err)

	_, err = env.Setup(ctx, groups, nil)
	require.Error(t, err)

	ok, err := env.Setup(ctx, groups, Params{"trial_runner_id": 1})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalScript(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	require.NoError(groups.Assign(tunables.Values{"prob": 0.25}))

	dir := t.TempDir()
	env, err := New(Definition{
		Type:      "local",
		Name:      "bench",
		Cwd:       dir,
		ConstArgs: map[string]interface{}{"label": "fast"},
		Setup:     []string{"echo \"$vmSize\" > setup.txt"},
		Run:       []string{"echo metric,value", "echo \"score,$prob\"", "echo \"vm,$(cat setup.txt)\"", "echo \"label,$label\""},
		Telemetry: []string{"echo 2024-01-02T03:04:05Z,cpu,0.5", "echo 2024-01-02T03:04:06Z,cpu,0.7"},
		Teardown:  []string{"rm setup.txt"},
	}, groups, service.NewSet(service.NewLocal(nil)), nil)
	require.NoError(err)

	ok, err := env.Setup(ctx, groups, nil)
	require.NoError(err)
	require.True(ok)

	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(statestore.Succeeded, out.Status)
	require.Equal(map[string]interface{}{"score": 0.25, "vm": "B4ms", "label": "fast"}, out.Results)

	r, err := env.Status(ctx)
	require.NoError(err)
	require.Equal(statestore.Ready, r.Status)
	require.Equal([]statestore.TelemetrySample{
		{Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Metric: "cpu", Value: "0.5"},
		{Timestamp: time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC), Metric: "cpu", Value: "0.7"},
	}, r.Telemetry)

	require.NoError(env.Teardown(ctx))
	require.Error(env.Teardown(ctx), "second teardown finds no file to remove")
}

func TestLocalSetupFailure(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	env, err := New(Definition{Type: "local", Name: "broken", Setup: []string{"exit 1"}, Run: []string{"echo score,1"}}, groups, nil, nil)
	require.NoError(err)

	ok, err := env.Setup(ctx, groups, nil)
	require.NoError(err)
	require.False(ok)

	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(statestore.Failed, out.Status)
}

func TestShellEnvParams(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	env, err := New(Definition{
		Type:           "local",
		Name:           "narrow",
		ShellEnvParams: []string{"vmSize"},
		Run:            []string{"echo \"vm,${vmSize:-none}\"", "echo \"prob,${prob:-none}\""},
	}, groups, nil, nil)
	require.NoError(err)

	_, err = env.Setup(ctx, groups, nil)
	require.NoError(err)
	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(map[string]interface{}{"vm": "B4ms", "prob": "none"}, out.Results)
}

type fakeRemote struct {
	mu    sync.Mutex
	lines [][]string
	envs  []map[string]string
}

func (f *fakeRemote) RemoteExec(_ context.Context, lines []string, env map[string]string) (*service.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines)
	f.envs = append(f.envs, env)
	return &service.ExecResult{Stdout: "throughput,1200\n"}, nil
}

func TestRemoteRunsOnEventLoop(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	remote := &fakeRemote{}
	loop := eventloop.NewWithTimeout(time.Second)
	def := Definition{Type: "remote", Name: "sut", Tunables: []string{"kernel"}, Setup: []string{"sysctl"}, Run: []string{"bench"}}

	_, err := New(def, groups, service.NewSet(service.NewLocal(nil)), loop)
	require.Error(err, "no remote service")

	env, err := New(def, groups, service.NewSet(remote), loop)
	require.NoError(err)

	_, err = env.Setup(ctx, groups, nil)
	require.True(errors.Is(err, eventloop.ErrNotRunning), "%v", err)
	require.True(tuneerr.IsEnvironmentFailure(err))

	loop.Enter()
	defer func() { require.NoError(loop.Exit()) }()

	ok, err := env.Setup(ctx, groups, Params{"trial_runner_id": 2})
	require.NoError(err)
	require.True(ok)
	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(map[string]interface{}{"throughput": 1200.0}, out.Results)

	require.Equal([][]string{{"sysctl"}, {"bench"}}, remote.lines)
	require.Equal(map[string]string{"migration_cost_ns": "-1", "prob": "0.01", "trial_runner_id": "2"}, remote.envs[1])
}

func TestComposite(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)

	env, err := New(Definition{
		Type:      "composite",
		Name:      "root",
		ConstArgs: map[string]interface{}{"region": "westus"},
		Children: []Definition{
			{Type: "mock", Name: "vm", Tunables: []string{"provision"}, Mock: MockDefinition{Metrics: []string{"cost"}}},
			{Type: "local", Name: "bench", Tunables: []string{"kernel"}, Run: []string{"echo \"region,$region\""}},
		},
	}, groups, nil, nil)
	require.NoError(err)
	require.Len(env.(*Composite).Children(), 2)

	ok, err := env.Setup(ctx, groups, nil)
	require.NoError(err)
	require.True(ok)

	out, err := env.Run(ctx)
	require.NoError(err)
	require.Equal(statestore.Succeeded, out.Status)
	require.Equal("westus", out.Results["region"])
	require.Contains(out.Results, "cost")

	r, err := env.Status(ctx)
	require.NoError(err)
	require.Equal(statestore.Ready, r.Status)

	require.NoError(env.Teardown(ctx))
	r, err = env.Status(ctx)
	require.NoError(err)
	require.Equal(statestore.Pending, r.Status)
}

func TestCompositeStopsAtFailedChild(t *testing.T) {
	require := require.New(t)
	ctx := utilTesting.NewContext(t)
	groups := tunablesTesting.NewGroups(t)
	env, err := New(Definition{
		Type: "composite",
		Name: "root",
		Children: []Definition{
			{Type: "local", Name: "broken", Setup: []string{"exit 4"}},
			{Type: "mock", Name: "never"},
		},
	}, groups, nil, nil)
	require.NoError(err)

	ok, err := env.Setup(ctx, groups, nil)
	require.NoError(err)
	require.False(ok)
	never := env.(*Composite).Children()[1]
	r, err := never.Status(ctx)
	require.NoError(err)
	require.Equal(statestore.Pending, r.Status)
}

func TestParseResults(t *testing.T) {
	testCases := []struct {
		description string
		out         string
		expected    map[string]interface{}
		fail        bool
	}{
		{"empty", "", map[string]interface{}{}, false},
		{"header and values", "metric,value\nscore,1.5\nmode,fast\n", map[string]interface{}{"score": 1.5, "mode": "fast"}, false},
		{"comments and spaces", "# generated\nscore, 2\n", map[string]interface{}{"score": 2.0}, false},
		{"quoted comma", "note,\"a,b\"\n", map[string]interface{}{"note": "a,b"}, false},
		{"too many fields", "score,1,2\n", nil, true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			actual, err := parseResults(tc.out)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual)
		})
	}
}

const environmentYAML = `
environment:
  type: composite
  name: root
  children:
    - type: mock
      name: vm
      tunables: [provision]
      mock:
        seed: 42
        range: [60, 120]
        delay: 10ms
    - type: local
      name: bench
      run: ["./bench.sh"]
`

func TestReadDefinition(t *testing.T) {
	require := require.New(t)
	cfg := viper.New()
	cfg.SetConfigType("yaml")
	require.NoError(cfg.ReadConfig(bytes.NewBufferString(environmentYAML)))

	def, err := ReadDefinition(cfg, "environment")
	require.NoError(err)
	require.Equal("composite", def.Type)
	require.Len(def.Children, 2)
	require.Equal(int64(42), *def.Children[0].Mock.Seed)
	require.Equal(10*time.Millisecond, def.Children[0].Mock.Delay)
	require.Equal([]string{"./bench.sh"}, def.Children[1].Run)

	cfg.Set("environment.type", "kubernetes")
	_, err = ReadDefinition(cfg, "environment")
	require.Error(err)
}
