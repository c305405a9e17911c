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
	"reflect"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Cacher holds a value derived from the configuration and rebuilds it only
// when one of the settings read while building it has changed. The close
// function returned by the builder is called when its value is replaced.
type Cacher struct {
	cfg View
	f   func(cfg View) (interface{}, func(), error)
	m   sync.Mutex

	r     *rememberingView
	v     interface{}
	close func()
}

// NewCacher creates a Cacher that builds its value with f.
func NewCacher(cfg View, f func(cfg View) (interface{}, func(), error)) *Cacher {
	return &Cacher{
		cfg: cfg,
		f:   f,
	}
}

// Get returns the cached value, building it on first use or after a relevant
// change. A failed build is not cached.
func (c *Cacher) Get() (interface{}, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.r == nil || c.r.hasChanges() {
		c.reset()
		r := &rememberingView{cfg: c.cfg, seen: make(map[string]reading)}
		v, closer, err := c.f(r)
		if err != nil {
			return nil, err
		}
		c.r, c.v, c.close = r, v, closer
	}
	return c.v, nil
}

// ForceReset drops the cached value, for example when it turned out to be
// broken for reasons the configuration does not show.
func (c *Cacher) ForceReset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.reset()
}

func (c *Cacher) reset() {
	if c.close != nil {
		c.close()
	}
	c.r, c.v, c.close = nil, nil, nil
}

type reading struct {
	reread func() interface{}
	value  interface{}
}

// rememberingView records every read so that a later re-read can tell
// whether anything the cached value depends on changed.
type rememberingView struct {
	cfg  View
	seen map[string]reading
}

func (r *rememberingView) remember(kind, key string, read func() interface{}) interface{} {
	v := read()
	r.seen[kind+":"+key] = reading{reread: read, value: v}
	return v
}

func (r *rememberingView) hasChanges() bool {
	for _, rd := range r.seen {
		if !reflect.DeepEqual(rd.reread(), rd.value) {
			return true
		}
	}
	return false
}

func (r *rememberingView) IsSet(k string) bool {
	return r.remember("IsSet", k, func() interface{} { return r.cfg.IsSet(k) }).(bool)
}

func (r *rememberingView) Get(k string) interface{} {
	return r.remember("Get", k, func() interface{} { return r.cfg.Get(k) })
}

func (r *rememberingView) GetString(k string) string {
	return r.remember("GetString", k, func() interface{} { return r.cfg.GetString(k) }).(string)
}

func (r *rememberingView) GetInt(k string) int {
	return r.remember("GetInt", k, func() interface{} { return r.cfg.GetInt(k) }).(int)
}

func (r *rememberingView) GetInt64(k string) int64 {
	return r.remember("GetInt64", k, func() interface{} { return r.cfg.GetInt64(k) }).(int64)
}

func (r *rememberingView) GetFloat64(k string) float64 {
	return r.remember("GetFloat64", k, func() interface{} { return r.cfg.GetFloat64(k) }).(float64)
}

func (r *rememberingView) GetStringSlice(k string) []string {
	return r.remember("GetStringSlice", k, func() interface{} { return r.cfg.GetStringSlice(k) }).([]string)
}

func (r *rememberingView) GetStringMapString(k string) map[string]string {
	return r.remember("GetStringMapString", k, func() interface{} { return r.cfg.GetStringMapString(k) }).(map[string]string)
}

func (r *rememberingView) GetBool(k string) bool {
	return r.remember("GetBool", k, func() interface{} { return r.cfg.GetBool(k) }).(bool)
}

func (r *rememberingView) GetDuration(k string) time.Duration {
	return r.remember("GetDuration", k, func() interface{} { return r.cfg.GetDuration(k) }).(time.Duration)
}

// UnmarshalKey decodes from the underlying view and remembers the raw value
// under k.
func (r *rememberingView) UnmarshalKey(k string, out interface{}, opts ...viper.DecoderConfigOption) error {
	r.remember("Get", k, func() interface{} { return r.cfg.Get(k) })
	return r.cfg.UnmarshalKey(k, out, opts...)
}
