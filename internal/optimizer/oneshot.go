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

package optimizer

import (
	"context"

	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// OneShot suggests the default configuration once. It is used to benchmark
// a single configuration, possibly repeated.
type OneShot struct {
	*base
}

func newOneShot(b *base) *OneShot {
	b.name = "one_shot"
	b.maxSuggestions = 1
	return &OneShot{base: b}
}

func (o *OneShot) SupportsPreload() bool { return false }

func (o *OneShot) Suggest(context.Context) (*tunables.Groups, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSuggestion()
	return o.tunables.Copy(), nil
}

func (o *OneShot) Register(groups *tunables.Groups, st statestore.Status, scores map[string]float64) (map[string]float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.register(groups, st, scores)
}

func (o *OneShot) BulkRegister(configs []tunables.Values, scores []map[string]float64, statuses []statestore.Status) (bool, error) {
	return o.bulkRegister(configs, scores, statuses, func(g *tunables.Groups, st statestore.Status, s map[string]float64) error {
		_, err := o.Register(g, st, s)
		return err
	})
}
