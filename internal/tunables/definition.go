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
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"opentune.dev/opentune/internal/config"
)

// Definition describes one tunable as it appears in configuration.
type Definition struct {
	Name             string                 `mapstructure:"name" validate:"required"`
	Description      string                 `mapstructure:"description"`
	Type             Type                   `mapstructure:"type" validate:"required,oneof=categorical int float"`
	Default          interface{}            `mapstructure:"default"`
	Values           []interface{}          `mapstructure:"values" validate:"omitempty,min=1"`
	Weights          []float64              `mapstructure:"values_weights" validate:"omitempty,dive,gte=0"`
	Range            []float64              `mapstructure:"range" validate:"omitempty,len=2"`
	Quantization     float64                `mapstructure:"quantization" validate:"gte=0"`
	QuantizationBins int                    `mapstructure:"quantization_bins" validate:"gte=0"`
	Special          []interface{}          `mapstructure:"special"`
	SpecialWeights   []float64              `mapstructure:"special_weights" validate:"omitempty,dive,gte=0"`
	RangeWeight      float64                `mapstructure:"range_weight" validate:"gte=0"`
	Meta             map[string]interface{} `mapstructure:"meta"`
}

// GroupDefinition describes one covariant group and its tunables. Groups and
// tunables are lists rather than maps because viper folds map keys to lower
// case.
type GroupDefinition struct {
	Name        string       `mapstructure:"name" validate:"required"`
	Cost        float64      `mapstructure:"cost" validate:"gte=0"`
	Description string       `mapstructure:"description"`
	Params      []Definition `mapstructure:"params" validate:"required,min=1,dive"`
}

// Definitions lists the covariant groups of a tunable space.
type Definitions []GroupDefinition

var validate = validator.New()

// Validate checks the structural constraints of the definitions. Semantic
// checks (default in range, quantization dividing the range) happen when the
// tunables are constructed.
func (d Definitions) Validate() error {
	if len(d) == 0 {
		return errors.New("no covariant groups defined")
	}
	for _, g := range d {
		if err := validate.Struct(g); err != nil {
			return errors.Wrapf(err, "invalid covariant group %q", g.Name)
		}
	}
	return nil
}

// ReadDefinitions reads the definitions stored under key in cfg.
func ReadDefinitions(cfg config.View, key string) (Definitions, error) {
	var defs Definitions
	if err := cfg.UnmarshalKey(key, &defs); err != nil {
		return nil, errors.Wrapf(err, "cannot decode tunable definitions under %q", key)
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return defs, nil
}

// Build constructs the covariant groups described by the definitions.
func (d Definitions) Build() (*Groups, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var groups []*CovariantGroup
	for _, g := range d {
		var ts []*Tunable
		for _, p := range g.Params {
			t, err := NewTunable(p)
			if err != nil {
				return nil, err
			}
			ts = append(ts, t)
		}
		cg, err := NewCovariantGroup(g.Name, g.Cost, ts...)
		if err != nil {
			return nil, err
		}
		cg.description = g.Description
		groups = append(groups, cg)
	}
	return NewGroups(groups...)
}
