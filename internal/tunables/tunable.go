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
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"opentune.dev/opentune/internal/tuneerr"
)

// Type is the type of a tunable parameter.
type Type string

const (
	// Categorical tunables take one value out of an ordered list of strings.
	Categorical Type = "categorical"
	// Int tunables take an integer value in a closed range.
	Int Type = "int"
	// Float tunables take a floating point value in a closed range.
	Float Type = "float"
)

// quantizationTolerance is the relative slack accepted when checking that a
// float value sits on its quantization grid.
const quantizationTolerance = 1e-9

// Tunable is a single named, typed and bounded configuration parameter.
// Values are held canonically: string for categorical, int64 for int and
// float64 for float tunables.
type Tunable struct {
	name        string
	typ         Type
	description string
	meta        map[string]interface{}

	values  []string
	weights []float64

	lo, hi       float64
	quantization float64
	rangeWeight  float64

	special        []interface{}
	specialWeights []float64

	def     interface{}
	current interface{}
	updated bool
}

// NewTunable creates a tunable from its definition. The current value starts
// at the default.
func NewTunable(d Definition) (*Tunable, error) {
	t := &Tunable{
		name:        d.Name,
		typ:         d.Type,
		description: d.Description,
		meta:        d.Meta,
		rangeWeight: d.RangeWeight,
	}

	switch d.Type {
	case Categorical:
		if len(d.Values) == 0 {
			return nil, tuneerr.NewDomainError(d.Name, nil, "categorical tunable must have values")
		}
		seen := make(map[string]struct{}, len(d.Values))
		for _, v := range d.Values {
			s := formatCategory(v)
			if _, ok := seen[s]; ok {
				return nil, tuneerr.NewDomainError(d.Name, nil, "duplicate categorical value %q", s)
			}
			seen[s] = struct{}{}
			t.values = append(t.values, s)
		}
		if len(d.Weights) > 0 && len(d.Weights) != len(t.values) {
			return nil, tuneerr.NewDomainError(d.Name, nil, "must have one weight per categorical value")
		}
		t.weights = append([]float64(nil), d.Weights...)
		if len(d.Range) > 0 || d.Quantization != 0 || d.QuantizationBins != 0 || len(d.Special) > 0 {
			return nil, tuneerr.NewDomainError(d.Name, nil, "categorical tunable cannot have range, quantization or special values")
		}
	case Int, Float:
		if len(d.Range) != 2 {
			return nil, tuneerr.NewDomainError(d.Name, nil, "numeric tunable must have a [lo, hi] range")
		}
		if len(d.Values) > 0 || len(d.Weights) > 0 {
			return nil, tuneerr.NewDomainError(d.Name, nil, "numeric tunable cannot have categorical values")
		}
		t.lo, t.hi = d.Range[0], d.Range[1]
		if !(t.lo < t.hi) {
			return nil, tuneerr.NewDomainError(d.Name, nil, "invalid range [%v, %v]", t.lo, t.hi)
		}
		if d.Type == Int && (t.lo != math.Trunc(t.lo) || t.hi != math.Trunc(t.hi)) {
			return nil, tuneerr.NewDomainError(d.Name, nil, "int tunable range must be integral")
		}
		if err := t.initQuantization(d); err != nil {
			return nil, err
		}
		for _, s := range d.Special {
			v, err := t.coerce(s)
			if err != nil {
				return nil, err
			}
			t.special = append(t.special, v)
		}
		if len(d.SpecialWeights) > 0 && len(d.SpecialWeights) != len(t.special) {
			return nil, tuneerr.NewDomainError(d.Name, nil, "must have one weight per special value")
		}
		t.specialWeights = append([]float64(nil), d.SpecialWeights...)
	default:
		return nil, tuneerr.NewDomainError(d.Name, nil, "unknown tunable type %q", d.Type)
	}

	if d.Default == nil {
		return nil, tuneerr.NewDomainError(d.Name, nil, "default value is required")
	}
	def, err := t.coerce(d.Default)
	if err != nil {
		return nil, err
	}
	if !t.IsValid(def) {
		return nil, tuneerr.NewDomainError(d.Name, d.Default, "default is outside of the tunable domain")
	}
	t.def = def
	t.current = def
	return t, nil
}

func (t *Tunable) initQuantization(d Definition) error {
	if d.Quantization != 0 && d.QuantizationBins != 0 {
		return tuneerr.NewDomainError(d.Name, nil, "quantization and quantization_bins are mutually exclusive")
	}
	switch {
	case d.Quantization != 0:
		t.quantization = d.Quantization
	case d.QuantizationBins != 0:
		if d.QuantizationBins < 2 {
			return tuneerr.NewDomainError(d.Name, nil, "quantization_bins must be at least 2")
		}
		t.quantization = (t.hi - t.lo) / float64(d.QuantizationBins-1)
	default:
		return nil
	}
	if t.quantization <= 0 {
		return tuneerr.NewDomainError(d.Name, nil, "quantization must be positive")
	}
	if t.typ == Int {
		if t.quantization != math.Trunc(t.quantization) {
			return tuneerr.NewDomainError(d.Name, nil, "int quantization must be integral")
		}
		if math.Mod(t.hi-t.lo, t.quantization) != 0 {
			return tuneerr.NewDomainError(d.Name, nil, "quantization %v does not divide range [%v, %v]", t.quantization, t.lo, t.hi)
		}
	}
	return nil
}

// Name of the tunable.
func (t *Tunable) Name() string { return t.name }

// Type of the tunable.
func (t *Tunable) Type() Type { return t.typ }

// Description is a human readable explanation of the tunable.
func (t *Tunable) Description() string { return t.description }

// Meta returns free-form metadata attached to the tunable definition.
func (t *Tunable) Meta() map[string]interface{} { return t.meta }

// Default returns the canonical default value.
func (t *Tunable) Default() interface{} { return t.def }

// Value returns the canonical current value.
func (t *Tunable) Value() interface{} { return t.current }

// Categories returns the allowed values of a categorical tunable.
func (t *Tunable) Categories() []string { return append([]string(nil), t.values...) }

// Range returns the closed range of a numeric tunable.
func (t *Tunable) Range() (lo, hi float64) { return t.lo, t.hi }

// Quantization returns the grid step of a numeric tunable, 0 if continuous.
func (t *Tunable) Quantization() float64 { return t.quantization }

// Special returns the out-of-range sentinel values.
func (t *Tunable) Special() []interface{} { return append([]interface{}(nil), t.special...) }

// IsUpdated reports whether the value changed since the last ResetUpdated.
func (t *Tunable) IsUpdated() bool { return t.updated }

// NumericValue returns the current value of a numeric tunable as float64.
func (t *Tunable) NumericValue() (float64, bool) {
	switch v := t.current.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// IsDefault reports whether the current value equals the default.
func (t *Tunable) IsDefault() bool {
	return t.current == t.def
}

// IsSpecial reports whether the current value is one of the special values.
func (t *Tunable) IsSpecial() bool {
	return t.isSpecial(t.current)
}

func (t *Tunable) isSpecial(v interface{}) bool {
	for _, s := range t.special {
		if s == v {
			return true
		}
	}
	return false
}

// InRange reports whether a canonical value lies in the categorical set or
// on the numeric range (and its quantization grid).
func (t *Tunable) InRange(v interface{}) bool {
	switch t.typ {
	case Categorical:
		s, ok := v.(string)
		if !ok {
			return false
		}
		return t.categoryIndex(s) >= 0
	case Int:
		i, ok := v.(int64)
		if !ok {
			return false
		}
		f := float64(i)
		if f < t.lo || f > t.hi {
			return false
		}
		return t.quantization == 0 || math.Mod(f-t.lo, t.quantization) == 0
	case Float:
		f, ok := v.(float64)
		if !ok {
			return false
		}
		if f < t.lo || f > t.hi {
			return false
		}
		return t.quantization == 0 || onGrid(f-t.lo, t.quantization)
	}
	return false
}

func onGrid(offset, step float64) bool {
	k := math.Round(offset / step)
	return math.Abs(offset-k*step) <= quantizationTolerance*math.Max(1, math.Abs(offset))
}

// IsValid reports whether a canonical value is either in range or special.
func (t *Tunable) IsValid(v interface{}) bool {
	return t.InRange(v) || t.isSpecial(v)
}

func (t *Tunable) categoryIndex(s string) int {
	for i, c := range t.values {
		if c == s {
			return i
		}
	}
	return -1
}

// Cardinality returns the number of distinct in-range values, or -1 for a
// continuous float tunable.
func (t *Tunable) Cardinality() int {
	switch t.typ {
	case Categorical:
		return len(t.values)
	case Int:
		step := t.quantization
		if step == 0 {
			step = 1
		}
		return int((t.hi-t.lo)/step) + 1
	case Float:
		if t.quantization == 0 {
			return -1
		}
		return int(math.Round((t.hi-t.lo)/t.quantization)) + 1
	}
	return -1
}

// Grid enumerates the in-range values of a discrete tunable in increasing
// order, followed by its special values.
func (t *Tunable) Grid() ([]interface{}, error) {
	var out []interface{}
	switch t.typ {
	case Categorical:
		for _, c := range t.values {
			out = append(out, c)
		}
		return out, nil
	case Int:
		step := int64(1)
		if t.quantization != 0 {
			step = int64(t.quantization)
		}
		for v := int64(t.lo); v <= int64(t.hi); v += step {
			out = append(out, v)
		}
	case Float:
		n := t.Cardinality()
		if n < 0 {
			return nil, tuneerr.NewDomainError(t.name, nil, "continuous float tunable has no grid, set quantization or quantization_bins")
		}
		for i := 0; i < n; i++ {
			out = append(out, math.Min(t.hi, t.lo+float64(i)*t.quantization))
		}
	}
	return append(out, t.special...), nil
}

// set assigns a new value and reports whether it changed.
func (t *Tunable) set(v interface{}) (changed bool, err error) {
	c, err := t.coerce(v)
	if err != nil {
		return false, err
	}
	if !t.IsValid(c) {
		return false, tuneerr.NewDomainError(t.name, v, "outside of the tunable domain")
	}
	if c == t.current {
		return false, nil
	}
	t.current = c
	t.updated = true
	return true, nil
}

// validate checks that a value could be assigned without assigning it.
func (t *Tunable) validate(v interface{}) (interface{}, error) {
	c, err := t.coerce(v)
	if err != nil {
		return nil, err
	}
	if !t.IsValid(c) {
		return nil, tuneerr.NewDomainError(t.name, v, "outside of the tunable domain")
	}
	return c, nil
}

// coerce converts an input value into the canonical Go type of the tunable.
func (t *Tunable) coerce(v interface{}) (interface{}, error) {
	switch t.typ {
	case Categorical:
		if v == nil {
			return nil, tuneerr.NewDomainError(t.name, nil, "categorical value cannot be nil")
		}
		return formatCategory(v), nil
	case Int:
		return coerceInt(t.name, v)
	case Float:
		return coerceFloat(t.name, v)
	}
	return nil, tuneerr.NewDomainError(t.name, v, "unknown tunable type %q", t.typ)
}

func formatCategory(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(c), 'g', -1, 32)
	}
	return fmt.Sprint(v)
}

func coerceInt(name string, v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, tuneerr.NewDomainError(name, v, "overflows int64")
		}
		return int64(n), nil
	case float32:
		return intFromFloat(name, v, float64(n))
	case float64:
		return intFromFloat(name, v, n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, tuneerr.NewDomainError(name, v, "not a number")
		}
		return intFromFloat(name, v, f)
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, tuneerr.NewDomainError(name, v, "not an integer")
		}
		return intFromFloat(name, v, f)
	}
	return nil, tuneerr.NewDomainError(name, v, "cannot convert %T to int", v)
}

func intFromFloat(name string, orig interface{}, f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, tuneerr.NewDomainError(name, orig, "loss of precision")
	}
	return int64(f), nil
}

func coerceFloat(name string, v interface{}) (interface{}, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, tuneerr.NewDomainError(name, v, "not a number")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, tuneerr.NewDomainError(name, v, "not a number")
		}
		f = parsed
	default:
		return nil, tuneerr.NewDomainError(name, v, "cannot convert %T to float", v)
	}
	if math.IsNaN(f) {
		return nil, tuneerr.NewDomainError(name, v, "NaN is not a valid value")
	}
	// -0 and 0 must persist and hash the same.
	if f == 0 {
		f = 0
	}
	return f, nil
}

// FormatValue renders a canonical value the way it is persisted and hashed.
func FormatValue(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case int64:
		return strconv.FormatInt(c, 10)
	case float64:
		return strconv.FormatFloat(c, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// sameDomain reports whether two tunables share name, type and domain.
func (t *Tunable) sameDomain(o *Tunable) bool {
	if t.name != o.name || t.typ != o.typ || t.lo != o.lo || t.hi != o.hi ||
		t.quantization != o.quantization || t.def != o.def ||
		len(t.values) != len(o.values) || len(t.special) != len(o.special) {
		return false
	}
	for i := range t.values {
		if t.values[i] != o.values[i] {
			return false
		}
	}
	for i := range t.special {
		if t.special[i] != o.special[i] {
			return false
		}
	}
	return true
}

// Equal compares tunables by name, type and current value.
func (t *Tunable) Equal(o *Tunable) bool {
	return t.name == o.name && t.typ == o.typ && t.current == o.current
}

// Less orders tunables by name, type and current value.
func (t *Tunable) Less(o *Tunable) bool {
	if t.name != o.name {
		return t.name < o.name
	}
	if t.typ != o.typ {
		return t.typ < o.typ
	}
	switch a := t.current.(type) {
	case int64:
		if b, ok := o.current.(int64); ok {
			return a < b
		}
	case float64:
		if b, ok := o.current.(float64); ok {
			return a < b
		}
	}
	return FormatValue(t.current) < FormatValue(o.current)
}

// String renders the tunable as name[type]=value.
func (t *Tunable) String() string {
	return fmt.Sprintf("%s[%s]=%s", t.name, t.typ, FormatValue(t.current))
}

func (t *Tunable) copy() *Tunable {
	c := *t
	c.values = append([]string(nil), t.values...)
	c.weights = append([]float64(nil), t.weights...)
	c.special = append([]interface{}(nil), t.special...)
	c.specialWeights = append([]float64(nil), t.specialWeights...)
	if t.meta != nil {
		c.meta = make(map[string]interface{}, len(t.meta))
		for k, v := range t.meta {
			c.meta[k] = v
		}
	}
	return &c
}
