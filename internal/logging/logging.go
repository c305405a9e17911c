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

// Package logging configures the Logrus logging library.
package logging

import (
	stackdriver "github.com/TV4/logrus-stackdriver-formatter"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
)

// ConfigureLogging sets up the global logger from the logging.* settings.
func ConfigureLogging(cfg config.View) {
	logrus.SetFormatter(newFormatter(cfg.GetString(consts.LoggingFormat)))
	level := toLevel(cfg.GetString(consts.LoggingLevel))
	logrus.SetLevel(level)
	if isDebugLevel(level) {
		logrus.Warnf("%s logging level configured. Not recommended for production!", level)
	}
	logrus.SetReportCaller(cfg.GetBool(consts.LoggingSource))
	installHook.Do(func() {
		logrus.AddHook(lineCounter{})
	})
}

func newFormatter(formatter string) logrus.Formatter {
	switch formatter {
	case "stackdriver":
		return stackdriver.NewFormatter(stackdriver.WithService("opentune"))
	case "json":
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

func isDebugLevel(level logrus.Level) bool {
	return level >= logrus.DebugLevel
}

// toLevel falls back to info for empty or unknown names.
func toLevel(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
