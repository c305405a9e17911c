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

// Package daemon polls the storage for experiments nobody runs yet and
// runs them one at a time in a subprocess.
package daemon

import (
	"context"
	"os"
	"os/exec"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"opentune.dev/opentune/internal/appmain"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/statestore"
)

const defaultPollInterval = 10 * time.Second

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "app.daemon",
	})
)

// Launch runs experiment id to completion. A nil error means it succeeded.
type Launch func(ctx context.Context, id string) error

// Daemon claims runnable experiments and launches them.
type Daemon struct {
	id      string
	storage func() (*statestore.Storage, error)
	launch  Launch
	poll    time.Duration
}

// New creates a daemon that reads the storage through storage, which is
// called on every poll.
func New(storage func() (*statestore.Storage, error), launch Launch, poll time.Duration) *Daemon {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Daemon{
		id:      xid.New().String(),
		storage: storage,
		launch:  launch,
		poll:    poll,
	}
}

// BindService creates the daemon and binds it to the application. The
// launched runs read configFiles.
func BindService(configFiles []string) appmain.Bind {
	return func(p *appmain.Params, b *appmain.Bindings) error {
		cfg := p.Config()
		launch, err := CommandLauncher(cfg, configFiles)
		if err != nil {
			return err
		}

		cacher := config.NewCacher(cfg, func(cfg config.View) (interface{}, func(), error) {
			st, err := statestore.Open(cfg)
			if err != nil {
				return nil, nil, err
			}
			return st, func() { st.Close() }, nil
		})
		storage := func() (*statestore.Storage, error) {
			v, err := cacher.Get()
			if err != nil {
				return nil, err
			}
			return v.(*statestore.Storage), nil
		}

		d := New(storage, launch, cfg.GetDuration(consts.DaemonPollInterval))
		b.AddReadinessCheck("storage", d.HealthCheck)
		b.AddCloser(cacher.ForceReset)
		b.Go(d.Run)
		return nil
	}
}

// CommandLauncher runs daemon.runCommand with --experiment-id appended.
// The default command is this executable's run subcommand.
func CommandLauncher(cfg config.View, configFiles []string) (Launch, error) {
	args := cfg.GetStringSlice(consts.DaemonRunCommand)
	if len(args) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "cannot find the opentune executable")
		}
		args = []string{self, "run"}
		for _, f := range configFiles {
			args = append(args, "--config", f)
		}
	}

	return func(ctx context.Context, id string) error {
		cmd := exec.CommandContext(ctx, args[0], append(args[1:], "--experiment-id", id)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		logger.WithFields(logrus.Fields{
			"experiment": id,
			"cmd":        shellescape.QuoteCommand(cmd.Args),
		}).Info("launching experiment")
		return cmd.Run()
	}, nil
}

// HealthCheck reports whether the storage is reachable.
func (d *Daemon) HealthCheck(ctx context.Context) error {
	st, err := d.storage()
	if err != nil {
		return err
	}
	return st.HealthCheck(ctx)
}

// Run polls until ctx is done. Poll failures are logged and retried on the
// next tick.
func (d *Daemon) Run(ctx context.Context) error {
	log := logger.WithField("daemon", d.id)
	log.WithField("pollInterval", d.poll).Info("polling for experiments")

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(d.poll))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped polling")
			return nil
		case <-ticker.C:
		}
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warning("poll failed")
		}
	}
}

// RunOnce claims the first runnable experiment, launches it and records
// its outcome. It returns the id of the experiment it ran, or "" when
// there was none.
func (d *Daemon) RunOnce(ctx context.Context) (string, error) {
	st, err := d.storage()
	if err != nil {
		return "", err
	}
	ids, err := st.RunnableExperiments(ctx)
	if err != nil {
		return "", err
	}

	for _, id := range ids {
		claimed, err := st.ClaimExperiment(ctx, id)
		if err != nil {
			return "", err
		}
		if !claimed {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"daemon":     d.id,
			"experiment": id,
		})
		started := time.Now()
		outcome := statestore.Succeeded
		if err := d.launch(ctx, id); err != nil {
			outcome = statestore.Failed
			if ctx.Err() != nil {
				outcome = statestore.Canceled
			}
			log.WithError(err).Error("experiment run failed")
		}
		if err := st.FinishExperiment(context.WithoutCancel(ctx), id, outcome); err != nil {
			return id, errors.Wrapf(err, "cannot record the outcome of experiment %s", id)
		}
		log.WithFields(logrus.Fields{
			"status":  outcome.String(),
			"elapsed": time.Since(started),
		}).Info("experiment finished")
		return id, nil
	}
	return "", nil
}
