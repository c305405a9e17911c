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

package environment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/tunables"
)

// Composite delegates every phase to its children in order. Its constant
// arguments are passed down to the children as global params.
type Composite struct {
	*base
	children []Environment
}

func newComposite(b *base, children []Environment) *Composite {
	return &Composite{base: b, children: children}
}

// Children returns the child environments in order.
func (c *Composite) Children() []Environment {
	return append([]Environment(nil), c.children...)
}

func (c *Composite) Setup(ctx context.Context, groups *tunables.Groups, global Params) (bool, error) {
	c.ready = false
	if err := c.setup(groups, global); err != nil {
		return false, err
	}
	childGlobal := Params{}
	for k, v := range c.constArgs {
		childGlobal[k] = v
	}
	for k, v := range global {
		childGlobal[k] = v
	}
	for _, child := range c.children {
		ok, err := child.Setup(ctx, groups, childGlobal)
		if err != nil || !ok {
			logger.WithFields(logrus.Fields{
				"environment": c.name,
				"child":       child.Name(),
			}).WithError(err).Warning("child setup failed")
			return false, err
		}
	}
	c.ready = true
	return true, nil
}

// Run runs the children in order and stops at the first one that does not
// succeed. Results of later children override earlier ones.
func (c *Composite) Run(ctx context.Context) (*Outcome, error) {
	if !c.ready {
		return failed(), nil
	}
	out := &Outcome{Status: statestore.Succeeded, Timestamp: time.Now().UTC(), Results: map[string]interface{}{}}
	for _, child := range c.children {
		o, err := child.Run(ctx)
		if err != nil {
			return nil, err
		}
		if o.Status != statestore.Succeeded {
			return o, nil
		}
		for k, v := range o.Results {
			out.Results[k] = v
		}
		out.Timestamp = o.Timestamp
	}
	return out, nil
}

// Status is READY when every child is, with the telemetry of all children.
func (c *Composite) Status(ctx context.Context) (*Report, error) {
	r := c.report()
	for _, child := range c.children {
		cr, err := child.Status(ctx)
		if err != nil {
			return nil, err
		}
		if cr.Status != statestore.Ready {
			r.Status = cr.Status
		}
		r.Telemetry = append(r.Telemetry, cr.Telemetry...)
	}
	return r, nil
}

// Teardown tears all children down concurrently and returns the first error.
func (c *Composite) Teardown(ctx context.Context) error {
	c.ready = false
	g, ctx := errgroup.WithContext(ctx)
	for _, child := range c.children {
		child := child
		g.Go(func() error { return child.Teardown(ctx) })
	}
	return g.Wait()
}
