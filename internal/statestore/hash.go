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

package statestore

import (
	"crypto/sha256"
	"encoding/hex"

	"opentune.dev/opentune/internal/tunables"
)

// ConfigHash is the content identity of a tunable assignment: the SHA-256 of
// its canonical name=value form. Equal assignments hash equally regardless of
// the groups they came from.
func ConfigHash(values tunables.Values) string {
	sum := sha256.Sum256([]byte(tunables.CanonicalValues(values)))
	return hex.EncodeToString(sum[:])
}

func stringValues(values tunables.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = tunables.FormatValue(v)
	}
	return out
}

func toValues(m map[string]string) tunables.Values {
	out := make(tunables.Values, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sameStrings(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
