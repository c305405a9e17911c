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
	"fmt"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacherGet(t *testing.T) {
	testCases := []struct {
		description string
		first       interface{}
		second      interface{}
		read        func(cfg View) interface{}
		expected    [2]interface{}
	}{
		{"IsSet", nil, "bar", func(cfg View) interface{} { return cfg.IsSet("foo") }, [2]interface{}{false, true}},
		{"GetString", "bar", "baz", func(cfg View) interface{} { return cfg.GetString("foo") }, [2]interface{}{"bar", "baz"}},
		{"GetInt", 1, 2, func(cfg View) interface{} { return cfg.GetInt("foo") }, [2]interface{}{1, 2}},
		{"GetInt64", int64(1), int64(2), func(cfg View) interface{} { return cfg.GetInt64("foo") }, [2]interface{}{int64(1), int64(2)}},
		{"GetFloat64", 1.0, 2.0, func(cfg View) interface{} { return cfg.GetFloat64("foo") }, [2]interface{}{1.0, 2.0}},
		{"GetStringSlice", []string{"1", "2"}, []string{"1", "4", "3"}, func(cfg View) interface{} { return len(cfg.GetStringSlice("foo")) }, [2]interface{}{2, 3}},
		{"GetBool", true, false, func(cfg View) interface{} { return cfg.GetBool("foo") }, [2]interface{}{true, false}},
		{"GetDuration", time.Second, time.Minute, func(cfg View) interface{} { return cfg.GetDuration("foo") }, [2]interface{}{time.Second, time.Minute}},
		{"GetStringMapString", map[string]string{"a": "1"}, map[string]string{"a": "2"}, func(cfg View) interface{} { return cfg.GetStringMapString("foo")["a"] }, [2]interface{}{"1", "2"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			assert := assert.New(t)
			cfg := viper.New()
			calls := 0
			var closed []interface{}

			cfg.Set("foo", tc.first)
			c := NewCacher(cfg, func(cfg View) (interface{}, func(), error) {
				calls++
				v := tc.read(cfg)
				return v, func() { closed = append(closed, v) }, nil
			})

			v, err := c.Get()
			assert.NoError(err)
			assert.Equal(tc.expected[0], v)
			assert.Equal(1, calls)

			// Same value again: nothing is rebuilt.
			cfg.Set("foo", tc.first)
			v, err = c.Get()
			assert.NoError(err)
			assert.Equal(tc.expected[0], v)
			assert.Equal(1, calls)
			assert.Empty(closed)

			cfg.Set("foo", tc.second)
			v, err = c.Get()
			assert.NoError(err)
			assert.Equal(tc.expected[1], v)
			assert.Equal(2, calls)
			assert.Equal([]interface{}{tc.expected[0]}, closed)
		})
	}
}

func TestCacherUnrelatedKeys(t *testing.T) {
	cfg := viper.New()
	cfg.Set("daemon.pollInterval", "1s")
	calls := 0
	c := NewCacher(cfg, func(cfg View) (interface{}, func(), error) {
		calls++
		return cfg.GetDuration("daemon.pollInterval"), nil, nil
	})

	v, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, time.Second, v)

	cfg.Set("logging.level", "debug")
	_, err = c.Get()
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestCacherError(t *testing.T) {
	fail := true
	c := NewCacher(viper.New(), func(cfg View) (interface{}, func(), error) {
		if fail {
			return nil, nil, fmt.Errorf("bad")
		}
		return "foo", func() { t.Error("close must not be called") }, nil
	})

	v, err := c.Get()
	assert.Nil(t, v)
	assert.EqualError(t, err, "bad")

	// Nothing was cached, so the next call retries.
	fail = false
	v, err = c.Get()
	assert.NoError(t, err)
	assert.Equal(t, "foo", v)
}

func TestCacherForceReset(t *testing.T) {
	value := "foo"
	var closed []interface{}
	c := NewCacher(viper.New(), func(cfg View) (interface{}, func(), error) {
		v := value
		return v, func() { closed = append(closed, v) }, nil
	})

	v, err := c.Get()
	require.NoError(t, err)
	require.Equal(t, "foo", v)

	value = "bar"
	v, err = c.Get()
	require.NoError(t, err)
	require.Equal(t, "foo", v)

	c.ForceReset()
	require.Equal(t, []interface{}{"foo"}, closed)
	v, err = c.Get()
	require.NoError(t, err)
	require.Equal(t, "bar", v)
}
