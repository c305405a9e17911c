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

package logging

import (
	"testing"

	stackdriver "github.com/TV4/logrus-stackdriver-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"opentune.dev/opentune/internal/consts"
)

func restoreStandardLogger(t *testing.T) {
	std := logrus.StandardLogger()
	level, formatter, caller := std.GetLevel(), std.Formatter, std.ReportCaller
	t.Cleanup(func() {
		std.SetLevel(level)
		std.SetFormatter(formatter)
		std.SetReportCaller(caller)
	})
}

func TestConfigureLogging(t *testing.T) {
	testCases := []struct {
		description string
		settings    map[string]interface{}
		level       logrus.Level
		formatter   logrus.Formatter
		caller      bool
	}{
		{"defaults", nil, logrus.InfoLevel, &logrus.TextFormatter{}, false},
		{
			"daemon in production",
			map[string]interface{}{consts.LoggingLevel: "warning", consts.LoggingFormat: "stackdriver"},
			logrus.WarnLevel, stackdriver.NewFormatter(), false,
		},
		{
			"json for log shipping",
			map[string]interface{}{consts.LoggingLevel: "error", consts.LoggingFormat: "json"},
			logrus.ErrorLevel, &logrus.JSONFormatter{}, false,
		},
		{
			"debugging a trial runner",
			map[string]interface{}{consts.LoggingLevel: "trace", consts.LoggingSource: true},
			logrus.TraceLevel, &logrus.TextFormatter{}, true,
		},
		{
			"unknown names fall back",
			map[string]interface{}{consts.LoggingLevel: "verbose", consts.LoggingFormat: "xml"},
			logrus.InfoLevel, &logrus.TextFormatter{}, false,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.description, func(t *testing.T) {
			require := require.New(t)
			restoreStandardLogger(t)
			cfg := viper.New()
			for k, v := range tc.settings {
				cfg.Set(k, v)
			}

			ConfigureLogging(cfg)
			std := logrus.StandardLogger()
			require.Equal(tc.level, std.GetLevel())
			require.IsType(tc.formatter, std.Formatter)
			require.Equal(tc.caller, std.ReportCaller)
		})
	}
}

func TestDebugLevels(t *testing.T) {
	for _, l := range logrus.AllLevels {
		require.Equal(t, l == logrus.DebugLevel || l == logrus.TraceLevel, isDebugLevel(l), l.String())
	}
}
