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

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
)

func TestLineCounterCountsBySeverity(t *testing.T) {
	require := require.New(t)
	require.NoError(view.Register(LogLinesView))
	defer view.Unregister(LogLinesView)
	defer logrus.SetLevel(logrus.GetLevel())

	ConfigureLogging(viper.New())
	logrus.Warn("counted line")

	rows, err := view.RetrieveData(LogLinesView.Name)
	require.NoError(err)
	var warnings int64
	for _, row := range rows {
		for _, tg := range row.Tags {
			if tg.Key == keySeverity && tg.Value == logrus.WarnLevel.String() {
				warnings += row.Data.(*view.CountData).Value
			}
		}
	}
	require.GreaterOrEqual(warnings, int64(1))
}
