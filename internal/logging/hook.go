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
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keySeverity = tag.MustNewKey("severity")
	logLines    = stats.Int64("logging/lines_total", "Number of log lines written", stats.UnitDimensionless)

	// LogLinesView counts log lines by severity.
	LogLinesView = &view.View{
		Name:        "logging/lines_total",
		Measure:     logLines,
		Description: "The number of log lines written, by severity",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keySeverity},
	}

	installHook sync.Once
)

// lineCounter is a log hook that counts log lines using OpenCensus.
type lineCounter struct{}

// Fire tags the count with the level of the entry.
func (lineCounter) Fire(e *logrus.Entry) error {
	return stats.RecordWithTags(context.Background(), []tag.Mutator{tag.Upsert(keySeverity, e.Level.String())}, logLines.M(1))
}

// Levels returns all levels so that every line is counted.
func (lineCounter) Levels() []logrus.Level {
	return logrus.AllLevels
}
