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

// Package config contains convenience functions for reading and managing viper configs.
package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

// DefaultFile is read when no configuration file is given.
const DefaultFile = "opentune.yaml"

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "config",
	})

	cfgReloadCount = stats.Int64("config/reloads_total", "Number of configuration reloads", "1")
	// CfgReloadCountView is the Open Census view for the cfgReloadCount measure.
	CfgReloadCountView = &view.View{
		Name:        "config/reloads_total",
		Measure:     cfgReloadCount,
		Description: "The number of configuration reloads triggered by file changes",
		Aggregation: view.Count(),
	}
)

// Read reads the configuration files in order, later files overriding earlier
// ones, and keeps watching them. A change in any file re-merges every layer.
// Values set through the returned Mutable override all files.
func Read(files ...string) (Mutable, error) {
	if len(files) == 0 {
		files = []string{DefaultFile}
	}

	lv := &layeredView{
		layers:    make([]*viper.Viper, len(files)),
		overrides: viper.New(),
		changes:   make(chan fsnotify.Event, 1),
	}
	onFileChange := func(e fsnotify.Event) {
		select {
		case lv.changes <- e:
		default:
		}
	}

	for i, f := range files {
		l, err := readLayer(f, onFileChange)
		if err != nil {
			return nil, err
		}
		lv.layers[i] = l
	}
	lv.remerge()

	go func() {
		for e := range lv.changes {
			logger.WithFields(logrus.Fields{
				"filename":  e.Name,
				"operation": e.Op,
			}).Info("Configuration changed.")
			lv.remerge()
			stats.Record(context.Background(), cfgReloadCount.M(1))
		}
	}()
	return lv, nil
}

func readLayer(file string, onChange func(fsnotify.Event)) (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigFile(file)
	if ext := strings.TrimPrefix(filepath.Ext(file), "."); ext == "" {
		cfg.SetConfigType("yaml")
	}
	if err := cfg.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "cannot read configuration file %q", file)
	}
	cfg.WatchConfig()
	cfg.OnConfigChange(onChange)
	return cfg, nil
}

// layeredView implements Mutable over a merge of file layers plus an
// in-memory override layer.
type layeredView struct {
	mu        sync.RWMutex
	layers    []*viper.Viper
	overrides *viper.Viper
	merged    *viper.Viper
	changes   chan fsnotify.Event
}

func (lv *layeredView) remerge() {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	cfg := viper.New()
	for _, l := range append(lv.layers, lv.overrides) {
		if err := cfg.MergeConfigMap(l.AllSettings()); err != nil {
			logger.WithError(err).Warning("cannot merge configuration layer")
		}
	}
	lv.merged = cfg
}

func (lv *layeredView) current() *viper.Viper {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.merged
}

func (lv *layeredView) Set(key string, value interface{}) {
	lv.mu.Lock()
	lv.overrides.Set(key, value)
	lv.mu.Unlock()
	lv.remerge()
}

func (lv *layeredView) IsSet(key string) bool { return lv.current().IsSet(key) }

func (lv *layeredView) Get(key string) interface{} { return lv.current().Get(key) }

func (lv *layeredView) GetString(key string) string { return lv.current().GetString(key) }

func (lv *layeredView) GetInt(key string) int { return lv.current().GetInt(key) }

func (lv *layeredView) GetInt64(key string) int64 { return lv.current().GetInt64(key) }

func (lv *layeredView) GetFloat64(key string) float64 { return lv.current().GetFloat64(key) }

func (lv *layeredView) GetStringSlice(key string) []string {
	return lv.current().GetStringSlice(key)
}

func (lv *layeredView) GetStringMapString(key string) map[string]string {
	return lv.current().GetStringMapString(key)
}

func (lv *layeredView) GetBool(key string) bool { return lv.current().GetBool(key) }

func (lv *layeredView) GetDuration(key string) time.Duration {
	return lv.current().GetDuration(key)
}

func (lv *layeredView) UnmarshalKey(key string, out interface{}, opts ...viper.DecoderConfigOption) error {
	return lv.current().UnmarshalKey(key, out, opts...)
}

// AllSettings returns the merged settings as nested maps.
func (lv *layeredView) AllSettings() map[string]interface{} {
	return lv.current().AllSettings()
}
