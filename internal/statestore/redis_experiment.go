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
	"context"
	"fmt"
	"sort"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GetOrCreateExperiment returns the stored experiment, creating it from info
// when it does not exist and createIfAbsent is set.
func (rb *redisBackend) GetOrCreateExperiment(ctx context.Context, info *ExperimentInfo, createIfAbsent bool) (*ExperimentInfo, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	stored, err := readExperiment(redisConn, info.ID)
	if err == nil {
		warnOnCommitMismatch(stored, info)
		return stored, nil
	}
	if status.Code(err) != codes.NotFound || !createIfAbsent {
		return nil, err
	}

	err = rb.withLock(ctx, experimentLockName(info.ID), func() error {
		exists, err := redis.Bool(redisConn.Do("EXISTS", experimentKey(info.ID)))
		if err != nil {
			err = errors.Wrapf(err, "failed to check experiment %s", info.ID)
			return status.Errorf(codes.Internal, "%v", err)
		}
		if exists {
			return nil
		}

		redisConn.Send("MULTI")
		redisConn.Send("HMSET", experimentKey(info.ID),
			fieldDescription, info.Description,
			fieldRootEnvConfig, info.RootEnvConfig,
			fieldGitRepo, info.GitRepo,
			fieldGitCommit, info.GitCommit,
			fieldStatus, Pending.String(),
		)
		redisConn.Send("DEL", objectivesKey(info.ID))
		for _, o := range info.Objectives {
			redisConn.Send("RPUSH", objectivesKey(info.ID), encodeObjective(o))
		}
		redisConn.Send("SADD", allExperiments, info.ID)
		if _, err = redisConn.Do("EXEC"); err != nil {
			redisLogger.WithFields(logrus.Fields{
				"cmd":   "EXEC",
				"key":   experimentKey(info.ID),
				"error": err.Error(),
			}).Error("failed to create the experiment")
			return status.Errorf(codes.Internal, "%v", errors.Wrapf(err, "failed to create experiment %s", info.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored, err = readExperiment(redisConn, info.ID)
	if err != nil {
		return nil, err
	}
	warnOnCommitMismatch(stored, info)
	return stored, nil
}

func readExperiment(redisConn redis.Conn, id string) (*ExperimentInfo, error) {
	fields, err := redis.StringMap(redisConn.Do("HGETALL", experimentKey(id)))
	if err != nil {
		err = errors.Wrapf(err, "failed to read experiment %s", id)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	if len(fields) == 0 {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("Experiment id:%s not found", id))
	}

	st, err := ParseStatus(fields[fieldStatus])
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	info := &ExperimentInfo{
		ID:            id,
		Description:   fields[fieldDescription],
		RootEnvConfig: fields[fieldRootEnvConfig],
		GitRepo:       fields[fieldGitRepo],
		GitCommit:     fields[fieldGitCommit],
		Status:        st,
	}

	encoded, err := redis.Strings(redisConn.Do("LRANGE", objectivesKey(id), 0, -1))
	if err != nil {
		err = errors.Wrapf(err, "failed to read objectives of experiment %s", id)
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	for _, s := range encoded {
		o, err := decodeObjective(s)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		info.Objectives = append(info.Objectives, o)
	}
	return info, nil
}

// RunnableExperiments lists the experiments nobody claimed yet.
func (rb *redisBackend) RunnableExperiments(ctx context.Context) ([]string, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := redis.Strings(redisConn.Do("SMEMBERS", allExperiments))
	if err != nil {
		err = errors.Wrap(err, "failed to list experiments")
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	sort.Strings(ids)

	var runnable []string
	for _, id := range ids {
		s, err := redis.String(redisConn.Do("HGET", experimentKey(id), fieldStatus))
		if err == redis.ErrNil {
			continue
		}
		if err != nil {
			err = errors.Wrapf(err, "failed to read status of experiment %s", id)
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		if st, _ := ParseStatus(s); st.IsPending() {
			runnable = append(runnable, id)
		}
	}
	return runnable, nil
}

// ClaimExperiment moves a PENDING experiment to RUNNING.
func (rb *redisBackend) ClaimExperiment(ctx context.Context, id string) (bool, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return false, err
	}
	defer handleConnectionClose(&redisConn)

	claimed := false
	err = rb.withLock(ctx, experimentLockName(id), func() error {
		st, err := experimentStatus(redisConn, id)
		if err != nil {
			return err
		}
		if !st.IsPending() {
			return nil
		}
		if _, err = redisConn.Do("HSET", experimentKey(id), fieldStatus, Running.String()); err != nil {
			err = errors.Wrapf(err, "failed to claim experiment %s", id)
			return status.Errorf(codes.Internal, "%v", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// FinishExperiment records the terminal status of an experiment.
func (rb *redisBackend) FinishExperiment(ctx context.Context, id string, st Status) error {
	if !st.IsTerminal() {
		return status.Errorf(codes.InvalidArgument, "experiment %s cannot finish as %s", id, st)
	}
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	return rb.withLock(ctx, experimentLockName(id), func() error {
		if _, err := experimentStatus(redisConn, id); err != nil {
			return err
		}
		if _, err := redisConn.Do("HSET", experimentKey(id), fieldStatus, st.String()); err != nil {
			err = errors.Wrapf(err, "failed to finish experiment %s", id)
			return status.Errorf(codes.Internal, "%v", err)
		}
		return nil
	})
}

func experimentStatus(redisConn redis.Conn, id string) (Status, error) {
	s, err := redis.String(redisConn.Do("HGET", experimentKey(id), fieldStatus))
	if err == redis.ErrNil {
		return Unknown, status.Error(codes.NotFound, fmt.Sprintf("Experiment id:%s not found", id))
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to read status of experiment %s", id)
		return Unknown, status.Errorf(codes.Internal, "%v", err)
	}
	st, err := ParseStatus(s)
	if err != nil {
		return Unknown, status.Errorf(codes.Internal, "%v", err)
	}
	return st, nil
}

func warnOnCommitMismatch(stored, requested *ExperimentInfo) {
	if requested.GitCommit != "" && stored.GitCommit != requested.GitCommit {
		logger.WithFields(logrus.Fields{
			"experiment": stored.ID,
			"stored":     stored.GitCommit,
			"current":    requested.GitCommit,
		}).Warning("resuming an experiment created from a different commit")
	}
}
