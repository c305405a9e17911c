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

// Package main is the opentune command line.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"opentune.dev/opentune/internal/app/daemon"
	"opentune.dev/opentune/internal/app/launcher"
	"opentune.dev/opentune/internal/appmain"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/logging"
	"opentune.dev/opentune/internal/statestore"
	"opentune.dev/opentune/internal/telemetry"
	"opentune.dev/opentune/internal/tunables"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "main",
	})
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.WithError(err).Error("opentune failed")
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Configuration file, later files override earlier ones (default " + config.DefaultFile + ")",
	}
}

func experimentIDFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     "experiment-id",
		Usage:    "Experiment to work on, overrides experiment.id",
		Required: required,
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "opentune",
		Usage:   "Tune system parameters by running benchmark trials",
		Version: telemetry.Version,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one experiment until its scheduler stops",
				Action: runExperiment,
				Flags: []cli.Flag{
					configFlag(),
					experimentIDFlag(false),
					&cli.IntFlag{
						Name:  "trial-config-repeat-count",
						Usage: "Number of trials per configuration",
					},
					&cli.IntFlag{
						Name:  "max-trials",
						Usage: "Stop after this many trials",
					},
					&cli.Int64Flag{
						Name:  "config-id",
						Usage: "Run a stored configuration before asking the optimizer",
					},
					&cli.IntFlag{
						Name:  "expect",
						Usage: "Fail unless at least this many trials ran",
					},
				},
			},
			{
				Name:   "daemon",
				Usage:  "Poll the storage for experiments and run them",
				Action: runDaemon,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:  "experiment",
				Usage: "Manage stored experiments",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Register a pending experiment for the daemon",
						Action: createExperiment,
						Flags: []cli.Flag{
							configFlag(),
							experimentIDFlag(true),
							&cli.StringFlag{
								Name:  "description",
								Usage: "Experiment description, overrides experiment.description",
							},
						},
					},
				},
			},
		},
	}
}

func readConfig(c *cli.Context) (config.Mutable, error) {
	cfg, err := config.Read(c.StringSlice("config")...)
	if err != nil {
		return nil, err
	}
	logging.ConfigureLogging(cfg)
	return cfg, nil
}

func runExperiment(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	launcher.Options{
		ExperimentID:           c.String("experiment-id"),
		TrialConfigRepeatCount: c.Int("trial-config-repeat-count"),
		MaxTrials:              c.Int("max-trials"),
		ConfigID:               c.Int64("config-id"),
		ExpectedTrials:         c.Int("expect"),
	}.Apply(cfg)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	l, err := launcher.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	r, err := l.Run(ctx)
	if r != nil {
		fmt.Fprintf(c.App.Writer, "experiment %s %s: %d trials, %d succeeded, %d failed\n",
			r.ExperimentID, r.Status, r.Stats.Trials, r.Stats.Succeeded, r.Stats.Failed)
		if r.BestConfig != nil {
			fmt.Fprintf(c.App.Writer, "best %v\n%s", r.BestScores, tunables.CanonicalValues(r.BestConfig))
		}
	}
	return err
}

func runDaemon(c *cli.Context) error {
	files := c.StringSlice("config")
	return appmain.RunApplication("daemon", daemon.BindService(files), func() (config.View, error) {
		return config.Read(files...)
	})
}

func createExperiment(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	launcher.Options{ExperimentID: c.String("experiment-id")}.Apply(cfg)
	info, err := launcher.ExperimentInfo(cfg)
	if err != nil {
		return err
	}
	if d := c.String("description"); d != "" {
		info.Description = d
	}

	storage, err := statestore.Open(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	exp, err := storage.Experiment(c.Context, info, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "experiment %s is %s\n", exp.ID(), exp.Info().Status)
	return nil
}
