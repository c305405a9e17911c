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

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMergesLayers(t *testing.T) {
	assert := assert.New(t)
	cfg, err := Read("testdata/first.yaml", "testdata/second.yaml")
	require.NoError(t, err)

	assert.Equal(456, cfg.GetInt("y"))
	assert.Equal(666, cfg.GetInt("x"))
	assert.Equal(10, cfg.GetInt("scheduler.maxTrials"))

	sub := Sub(cfg, "scheduler")
	if assert.NotNil(sub) {
		assert.Equal(10, sub.GetInt("maxTrials"))
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read("testdata/missing.yaml")
	require.Error(t, err)
}

func TestSetOverridesFiles(t *testing.T) {
	cfg, err := Read("testdata/first.yaml", "testdata/second.yaml")
	require.NoError(t, err)

	cfg.Set("x", 1)
	cfg.Set("experiment.id", "exp-1")
	assert.Equal(t, 1, cfg.GetInt("x"))
	assert.Equal(t, "exp-1", cfg.GetString("experiment.id"))
	assert.Equal(t, 456, cfg.GetInt("y"))
}

func TestReadWatchesChanges(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, ioutil.WriteFile(first, []byte("x: 123\ny: 456"), 0666))
	require.NoError(t, ioutil.WriteFile(second, []byte("x: 666"), 0666))

	cfg, err := Read(first, second)
	require.NoError(t, err)
	cfg.Set("z", 7)

	require.NoError(t, ioutil.WriteFile(second, []byte("x: 999"), 0666))
	assert.Eventually(t, func() bool { return cfg.GetInt("x") == 999 }, 5*time.Second, 50*time.Millisecond)

	// The first layer is still overridden by the second.
	require.NoError(t, ioutil.WriteFile(first, []byte("x: 100\ny: 654"), 0666))
	assert.Eventually(t, func() bool { return cfg.GetInt("y") == 654 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 999, cfg.GetInt("x"))
	assert.Equal(t, 7, cfg.GetInt("z"))
}
