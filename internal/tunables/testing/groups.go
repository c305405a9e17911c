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

// Package testing provides tunable spaces for tests.
package testing

import (
	"testing"

	"opentune.dev/opentune/internal/tunables"
)

// Definitions describes a small two-group space: a categorical VM size in
// "provision" and an int with a special value plus a float in "kernel".
func Definitions() tunables.Definitions {
	return tunables.Definitions{
		{
			Name: "provision",
			Cost: 1000,
			Params: []tunables.Definition{
				{
					Name:    "vmSize",
					Type:    tunables.Categorical,
					Values:  []interface{}{"B2s", "B2ms", "B4ms"},
					Default: "B4ms",
				},
			},
		},
		{
			Name: "kernel",
			Cost: 1,
			Params: []tunables.Definition{
				{
					Name:    "migration_cost_ns",
					Type:    tunables.Int,
					Range:   []float64{0, 500000},
					Special: []interface{}{-1},
					Default: -1,
				},
				{
					Name:    "prob",
					Type:    tunables.Float,
					Range:   []float64{0, 1},
					Default: 0.01,
				},
			},
		},
	}
}

// NewGroups builds the space of Definitions.
func NewGroups(t testing.TB) *tunables.Groups {
	t.Helper()
	tg, err := Definitions().Build()
	if err != nil {
		t.Fatalf("cannot build tunables: %v", err)
	}
	return tg
}
