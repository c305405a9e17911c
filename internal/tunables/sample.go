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

package tunables

import (
	"math"
	"math/rand"
)

// Sample draws a random valid value. Special values and the range are picked
// according to their weights (1 each when unset); categorical values honor
// their weights too.
func (t *Tunable) Sample(rng *rand.Rand) interface{} {
	if t.typ == Categorical {
		return t.values[pick(rng, t.weights, len(t.values))]
	}

	if len(t.special) > 0 {
		weights := make([]float64, 0, len(t.special)+1)
		for i := range t.special {
			w := 1.0
			if i < len(t.specialWeights) {
				w = t.specialWeights[i]
			}
			weights = append(weights, w)
		}
		rw := t.rangeWeight
		if rw == 0 {
			rw = 1
		}
		weights = append(weights, rw)
		if i := pick(rng, weights, len(weights)); i < len(t.special) {
			return t.special[i]
		}
	}

	if n := t.Cardinality(); n > 0 {
		step := t.quantization
		if step == 0 {
			step = 1
		}
		v := t.lo + float64(rng.Intn(n))*step
		if t.typ == Int {
			return int64(v)
		}
		return math.Min(v, t.hi)
	}
	return t.lo + rng.Float64()*(t.hi-t.lo)
}

func pick(rng *rand.Rand, weights []float64, n int) int {
	if len(weights) != n {
		return rng.Intn(n)
	}
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return rng.Intn(n)
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return n - 1
}
