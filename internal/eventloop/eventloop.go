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

// Package eventloop runs background tasks for the components that need
// asynchronous I/O, such as remote script execution. One Context is shared by
// all of its owners: the loop starts on the first Enter and stops when the
// last owner calls Exit.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/telemetry"
)

const defaultJoinTimeout = 3 * time.Second

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "eventloop",
	})

	mActiveTasks = telemetry.Gauge("eventloop/active_tasks", "number of tasks running on the event loop")

	// ErrStopTimeout is returned by Exit when the loop did not stop within the
	// join timeout. Tasks may still be running; callers treat it as fatal.
	ErrStopTimeout = errors.New("event loop did not stop in time")
	// ErrNotRunning is reported by futures of tasks submitted while no owner
	// holds the loop.
	ErrNotRunning = errors.New("event loop is not running")
)

// Context is a reference counted background task loop.
type Context struct {
	joinTimeout time.Duration

	mu   sync.Mutex
	refs int
	loop *loop
}

type loop struct {
	tasks  chan *task
	ctx    context.Context
	cancel context.CancelFunc
	// stopped is closed once the dispatcher and every task it started returned.
	stopped chan struct{}
	active  sync.WaitGroup
}

type task struct {
	ctx context.Context
	fn  func(context.Context) error
	fut *Future
}

// New creates a Context with the join timeout read from eventloop.joinTimeout.
func New(cfg config.View) *Context {
	d := defaultJoinTimeout
	if cfg != nil && cfg.IsSet(consts.EventLoopJoinTimeout) {
		d = cfg.GetDuration(consts.EventLoopJoinTimeout)
	}
	return NewWithTimeout(d)
}

// NewWithTimeout creates a Context that waits at most joinTimeout for the
// loop to stop.
func NewWithTimeout(joinTimeout time.Duration) *Context {
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	return &Context{joinTimeout: joinTimeout}
}

// Enter registers an owner, starting the loop if it is the first one.
func (c *Context) Enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	if c.refs == 1 {
		c.loop = startLoop()
		logger.Debug("event loop started")
	}
}

// Exit releases an owner. The last owner stops the loop, cancels the context
// of any task still running and waits for it to return.
func (c *Context) Exit() error {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		return errors.New("eventloop: Exit called without a matching Enter")
	}
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	l := c.loop
	c.loop = nil
	close(l.tasks)
	c.mu.Unlock()

	l.cancel()
	select {
	case <-l.stopped:
		logger.Debug("event loop stopped")
		return nil
	case <-time.After(c.joinTimeout):
		logger.WithField("timeout", c.joinTimeout).Error("event loop did not stop")
		return errors.WithStack(ErrStopTimeout)
	}
}

// IsRunning reports whether at least one owner holds the loop.
func (c *Context) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs > 0
}

// Submit schedules fn on the loop. The context passed to fn is canceled when
// ctx is, or when the loop stops.
func (c *Context) Submit(ctx context.Context, fn func(context.Context) error) *Future {
	fut := &Future{done: make(chan struct{})}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop == nil {
		fut.resolve(ErrNotRunning)
		return fut
	}
	c.loop.tasks <- &task{ctx: ctx, fn: fn, fut: fut}
	return fut
}

func startLoop() *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		tasks:   make(chan *task, 64),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go l.dispatch()
	return l
}

func (l *loop) dispatch() {
	defer func() {
		l.active.Wait()
		close(l.stopped)
	}()

	var n int64
	var mu sync.Mutex
	track := func(d int64) {
		mu.Lock()
		n += d
		telemetry.SetGauge(l.ctx, mActiveTasks, n)
		mu.Unlock()
	}

	for t := range l.tasks {
		l.active.Add(1)
		track(1)
		go func(t *task) {
			defer l.active.Done()
			defer track(-1)
			t.fut.resolve(l.run(t))
		}(t)
	}
}

func (l *loop) run(t *task) (err error) {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("event loop task panicked: %v", r)
		}
	}()
	return t.fn(ctx)
}

// Future is the pending result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the task has returned.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task returns or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
