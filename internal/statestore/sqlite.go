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
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/tunables"
)

const defaultSQLitePath = "opentune.db"

var (
	sqliteLogger = logrus.WithFields(logrus.Fields{
		"app":       "opentune",
		"component": "statestore.sqlite",
	})

	pendingStatuses  = []Status{Pending, Ready}
	terminalStatuses = []Status{Succeeded, Canceled, Failed, TimedOut}
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS experiment (
		exp_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		root_env_config TEXT NOT NULL,
		git_repo TEXT NOT NULL,
		git_commit TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS objectives (
		exp_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		direction TEXT NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (exp_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		config_id INTEGER PRIMARY KEY AUTOINCREMENT,
		config_hash TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS config_param (
		config_id INTEGER NOT NULL,
		param_id TEXT NOT NULL,
		param_value TEXT,
		PRIMARY KEY (config_id, param_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trial (
		exp_id TEXT NOT NULL,
		trial_id INTEGER NOT NULL,
		config_id INTEGER NOT NULL,
		runner_id INTEGER NOT NULL DEFAULT 0,
		ts_not_before INTEGER NOT NULL DEFAULT 0,
		ts_start INTEGER NOT NULL DEFAULT 0,
		ts_end INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		PRIMARY KEY (exp_id, trial_id)
	)`,
	`CREATE INDEX IF NOT EXISTS trial_config ON trial (exp_id, config_id)`,
	`CREATE TABLE IF NOT EXISTS trial_param (
		exp_id TEXT NOT NULL,
		trial_id INTEGER NOT NULL,
		param_id TEXT NOT NULL,
		param_value TEXT,
		PRIMARY KEY (exp_id, trial_id, param_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trial_result (
		exp_id TEXT NOT NULL,
		trial_id INTEGER NOT NULL,
		metric_id TEXT NOT NULL,
		metric_value TEXT,
		PRIMARY KEY (exp_id, trial_id, metric_id)
	)`,
	`CREATE TABLE IF NOT EXISTS trial_telemetry (
		exp_id TEXT NOT NULL,
		trial_id INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		metric_id TEXT NOT NULL,
		metric_value TEXT,
		PRIMARY KEY (exp_id, trial_id, ts, metric_id)
	)`,
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteBackend keeps a single connection: every transaction takes the write
// lock up front, so concurrent claims and updates serialize, also across
// processes sharing the file.
type sqliteBackend struct {
	db   *sql.DB
	path string
}

func newSQLite(cfg config.View) (Service, error) {
	path := defaultSQLitePath
	if cfg.IsSet(consts.StorageSQLitePath) {
		path = cfg.GetString(consts.StorageSQLitePath)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "cannot open sqlite database %s", path)
	}
	for _, stmt := range sqliteSchema {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "cannot create the schema of %s", path)
		}
	}
	sqliteLogger.WithField("path", path).Debug("opened sqlite storage")
	return &sqliteBackend{db: db, path: path}, nil
}

// Close the connection to the database.
func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

// HealthCheck indicates if the database is reachable.
func (sb *sqliteBackend) HealthCheck(ctx context.Context) error {
	if err := sb.db.PingContext(ctx); err != nil {
		return status.Errorf(codes.Unavailable, "%v", err)
	}
	return nil
}

// sqlError maps busy and locked databases to Unavailable, everything else
// to Internal.
func sqlError(err error, format string, args ...interface{}) error {
	err = errors.Wrapf(err, format, args...)
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return status.Errorf(codes.Unavailable, "%v", err)
		}
	}
	sqliteLogger.WithError(err).Error("sqlite operation failed")
	return status.Errorf(codes.Internal, "%v", err)
}

// inTx runs f in a transaction, committing when it returns nil.
func (sb *sqliteBackend) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlError(err, "cannot begin transaction")
	}
	if err = f(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			sqliteLogger.WithError(rerr).Warning("rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return sqlError(err, "cannot commit transaction")
	}
	return nil
}

func statusArgs(statuses []Status) (string, []interface{}) {
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = s.String()
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

// GetOrCreateExperiment returns the stored experiment, creating it from info
// when it does not exist and createIfAbsent is set.
func (sb *sqliteBackend) GetOrCreateExperiment(ctx context.Context, info *ExperimentInfo, createIfAbsent bool) (*ExperimentInfo, error) {
	var stored *ExperimentInfo
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = sqlReadExperiment(ctx, tx, info.ID)
		if status.Code(err) != codes.NotFound || !createIfAbsent {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO experiment (exp_id, description, root_env_config, git_repo, git_commit, status) VALUES (?, ?, ?, ?, ?, ?)`,
			info.ID, info.Description, info.RootEnvConfig, info.GitRepo, info.GitCommit, Pending.String())
		if err != nil {
			return sqlError(err, "failed to create experiment %s", info.ID)
		}
		for i, o := range info.Objectives {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO objectives (exp_id, position, name, direction, weight) VALUES (?, ?, ?, ?, ?)`,
				info.ID, i, o.Name, string(o.Direction), o.Weight)
			if err != nil {
				return sqlError(err, "failed to store objective %s of experiment %s", o.Name, info.ID)
			}
		}
		stored, err = sqlReadExperiment(ctx, tx, info.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	warnOnCommitMismatch(stored, info)
	return stored, nil
}

func sqlReadExperiment(ctx context.Context, q querier, id string) (*ExperimentInfo, error) {
	info := &ExperimentInfo{ID: id}
	var st string
	err := q.QueryRowContext(ctx,
		`SELECT description, root_env_config, git_repo, git_commit, status FROM experiment WHERE exp_id = ?`, id,
	).Scan(&info.Description, &info.RootEnvConfig, &info.GitRepo, &info.GitCommit, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("Experiment id:%s not found", id))
	}
	if err != nil {
		return nil, sqlError(err, "failed to read experiment %s", id)
	}
	if info.Status, err = ParseStatus(st); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT name, direction, weight FROM objectives WHERE exp_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, sqlError(err, "failed to read objectives of experiment %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		var o Objective
		var dir string
		if err = rows.Scan(&o.Name, &dir, &o.Weight); err != nil {
			return nil, sqlError(err, "failed to read objectives of experiment %s", id)
		}
		o.Direction = Direction(dir)
		info.Objectives = append(info.Objectives, o)
	}
	if err = rows.Err(); err != nil {
		return nil, sqlError(err, "failed to read objectives of experiment %s", id)
	}
	return info, nil
}

// RunnableExperiments lists the experiments nobody claimed yet.
func (sb *sqliteBackend) RunnableExperiments(ctx context.Context) ([]string, error) {
	in, args := statusArgs(pendingStatuses)
	rows, err := sb.db.QueryContext(ctx, `SELECT exp_id FROM experiment WHERE status IN `+in+` ORDER BY exp_id`, args...)
	if err != nil {
		return nil, sqlError(err, "failed to list experiments")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, sqlError(err, "failed to list experiments")
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, sqlError(err, "failed to list experiments")
	}
	return ids, nil
}

// ClaimExperiment moves a PENDING experiment to RUNNING.
func (sb *sqliteBackend) ClaimExperiment(ctx context.Context, id string) (bool, error) {
	claimed := false
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		in, args := statusArgs(pendingStatuses)
		res, err := tx.ExecContext(ctx,
			`UPDATE experiment SET status = ? WHERE exp_id = ? AND status IN `+in,
			append([]interface{}{Running.String(), id}, args...)...)
		if err != nil {
			return sqlError(err, "failed to claim experiment %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return sqlError(err, "failed to claim experiment %s", id)
		}
		if n == 1 {
			claimed = true
			return nil
		}
		_, err = sqlReadExperiment(ctx, tx, id)
		return err
	})
	return claimed, err
}

// FinishExperiment records the terminal status of an experiment.
func (sb *sqliteBackend) FinishExperiment(ctx context.Context, id string, st Status) error {
	if !st.IsTerminal() {
		return status.Errorf(codes.InvalidArgument, "experiment %s cannot finish as %s", id, st)
	}
	res, err := sb.db.ExecContext(ctx, `UPDATE experiment SET status = ? WHERE exp_id = ?`, st.String(), id)
	if err != nil {
		return sqlError(err, "failed to finish experiment %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return status.Error(codes.NotFound, fmt.Sprintf("Experiment id:%s not found", id))
	}
	return nil
}

// CreateTrial stores a new PENDING trial.
func (sb *sqliteBackend) CreateTrial(ctx context.Context, expID string, values tunables.Values, notBefore time.Time, metadata map[string]string) (*TrialRecord, error) {
	var tr *TrialRecord
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := sqlReadExperiment(ctx, tx, expID); err != nil {
			return err
		}
		configID, err := sqlConfigID(ctx, tx, values)
		if err != nil {
			return err
		}
		var trialID int64
		err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(trial_id), 0) + 1 FROM trial WHERE exp_id = ?`, expID).Scan(&trialID)
		if err != nil {
			return sqlError(err, "failed to allocate a trial id for experiment %s", expID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trial (exp_id, trial_id, config_id, runner_id, ts_not_before, status) VALUES (?, ?, ?, ?, ?, ?)`,
			expID, trialID, configID, NoRunner, encodeTime(notBefore), Pending.String())
		if err != nil {
			return sqlError(err, "failed to create trial %s:%d", expID, trialID)
		}
		for k, v := range metadata {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO trial_param (exp_id, trial_id, param_id, param_value) VALUES (?, ?, ?, ?)`,
				expID, trialID, k, v)
			if err != nil {
				return sqlError(err, "failed to store params of trial %s:%d", expID, trialID)
			}
		}
		tr = &TrialRecord{
			ExperimentID: expID,
			TrialID:      trialID,
			ConfigID:     configID,
			Config:       toValues(stringValues(values)),
			Metadata:     copyStrings(metadata),
			RunnerID:     NoRunner,
			Status:       Pending,
			NotBefore:    decodeTime(encodeTime(notBefore)),
			Results:      map[string]string{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func sqlConfigID(ctx context.Context, tx *sql.Tx, values tunables.Values) (int64, error) {
	hash := ConfigHash(values)
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT config_id FROM config WHERE config_hash = ?`, hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, sqlError(err, "failed to look up config hash")
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO config (config_hash) VALUES (?)`, hash)
	if err != nil {
		return 0, sqlError(err, "failed to store config")
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, sqlError(err, "failed to store config")
	}
	for k, v := range stringValues(values) {
		_, err = tx.ExecContext(ctx, `INSERT INTO config_param (config_id, param_id, param_value) VALUES (?, ?, ?)`, id, k, v)
		if err != nil {
			return 0, sqlError(err, "failed to store config %d", id)
		}
	}
	return id, nil
}

// GetConfig returns the parameter values stored for configID.
func (sb *sqliteBackend) GetConfig(ctx context.Context, configID int64) (tunables.Values, error) {
	return sqlReadConfig(ctx, sb.db, configID)
}

func sqlReadConfig(ctx context.Context, q querier, configID int64) (tunables.Values, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM config WHERE config_id = ?`, configID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("Config id:%d not found", configID))
	}
	if err != nil {
		return nil, sqlError(err, "failed to read config %d", configID)
	}
	params, err := sqlStringMap(ctx, q, `SELECT param_id, param_value FROM config_param WHERE config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	return toValues(params), nil
}

func sqlStringMap(ctx context.Context, q querier, query string, args ...interface{}) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqlError(err, "query failed")
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k string
		var v sql.NullString
		if err = rows.Scan(&k, &v); err != nil {
			return nil, sqlError(err, "query failed")
		}
		out[k] = v.String
	}
	if err = rows.Err(); err != nil {
		return nil, sqlError(err, "query failed")
	}
	return out, nil
}

// GetTrial returns a single trial.
func (sb *sqliteBackend) GetTrial(ctx context.Context, expID string, trialID int64) (*TrialRecord, error) {
	return sqlReadTrial(ctx, sb.db, expID, trialID)
}

func sqlReadTrial(ctx context.Context, q querier, expID string, trialID int64) (*TrialRecord, error) {
	tr := &TrialRecord{ExperimentID: expID, TrialID: trialID}
	var st string
	var notBefore, start, end int64
	err := q.QueryRowContext(ctx,
		`SELECT config_id, runner_id, ts_not_before, ts_start, ts_end, status FROM trial WHERE exp_id = ? AND trial_id = ?`,
		expID, trialID,
	).Scan(&tr.ConfigID, &tr.RunnerID, &notBefore, &start, &end, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("Trial %s:%d not found", expID, trialID))
	}
	if err != nil {
		return nil, sqlError(err, "failed to read trial %s:%d", expID, trialID)
	}
	if tr.Status, err = ParseStatus(st); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	tr.NotBefore, tr.Start, tr.End = decodeTime(notBefore), decodeTime(start), decodeTime(end)

	if tr.Metadata, err = sqlStringMap(ctx, q,
		`SELECT param_id, param_value FROM trial_param WHERE exp_id = ? AND trial_id = ?`, expID, trialID); err != nil {
		return nil, err
	}
	if tr.Results, err = sqlStringMap(ctx, q,
		`SELECT metric_id, metric_value FROM trial_result WHERE exp_id = ? AND trial_id = ?`, expID, trialID); err != nil {
		return nil, err
	}
	if tr.Config, err = sqlReadConfig(ctx, q, tr.ConfigID); err != nil {
		return nil, err
	}
	return tr, nil
}

// sqlTrials reads the trials selected by an id query. The ids are collected
// before the trials are read since the single connection cannot interleave
// result sets.
func sqlTrials(ctx context.Context, q querier, expID string, query string, args ...interface{}) ([]*TrialRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqlError(err, "failed to list trials of experiment %s", expID)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, sqlError(err, "failed to list trials of experiment %s", expID)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, sqlError(err, "failed to list trials of experiment %s", expID)
	}

	trials := make([]*TrialRecord, 0, len(ids))
	for _, id := range ids {
		tr, err := sqlReadTrial(ctx, q, expID, id)
		if err != nil {
			return nil, err
		}
		trials = append(trials, tr)
	}
	return trials, nil
}

// PendingTrials returns the trials due at asOf.
func (sb *sqliteBackend) PendingTrials(ctx context.Context, expID string, asOf time.Time, includeRunning bool) ([]*TrialRecord, error) {
	var trials []*TrialRecord
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if includeRunning {
			in, args := statusArgs(append(append([]Status{}, pendingStatuses...), Running))
			trials, err = sqlTrials(ctx, tx, expID,
				`SELECT trial_id FROM trial WHERE exp_id = ? AND ts_not_before <= ? AND status IN `+in+` ORDER BY trial_id`,
				append([]interface{}{expID, encodeTime(asOf)}, args...)...)
			return err
		}
		in, args := statusArgs(pendingStatuses)
		trials, err = sqlTrials(ctx, tx, expID,
			`SELECT trial_id FROM trial WHERE exp_id = ? AND ts_not_before <= ? AND runner_id = ? AND status IN `+in+` ORDER BY trial_id`,
			append([]interface{}{expID, encodeTime(asOf), NoRunner}, args...)...)
		return err
	})
	return trials, err
}

// LoadTrials returns the terminal trials after lastTrialID.
func (sb *sqliteBackend) LoadTrials(ctx context.Context, expID string, lastTrialID int64) ([]*TrialRecord, error) {
	var trials []*TrialRecord
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		in, args := statusArgs(terminalStatuses)
		var err error
		trials, err = sqlTrials(ctx, tx, expID,
			`SELECT trial_id FROM trial WHERE exp_id = ? AND trial_id > ? AND status IN `+in+` ORDER BY trial_id`,
			append([]interface{}{expID, lastTrialID}, args...)...)
		return err
	})
	return trials, err
}

// ConfigTrials returns the trials of expID that ran configID.
func (sb *sqliteBackend) ConfigTrials(ctx context.Context, expID string, configID int64) ([]*TrialRecord, error) {
	var trials []*TrialRecord
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		trials, err = sqlTrials(ctx, tx, expID,
			`SELECT trial_id FROM trial WHERE exp_id = ? AND config_id = ? ORDER BY trial_id`, expID, configID)
		return err
	})
	return trials, err
}

func sqlTrialState(ctx context.Context, tx *sql.Tx, expID string, trialID int64) (Status, int, error) {
	var st string
	var runner int
	err := tx.QueryRowContext(ctx, `SELECT status, runner_id FROM trial WHERE exp_id = ? AND trial_id = ?`, expID, trialID).Scan(&st, &runner)
	if errors.Is(err, sql.ErrNoRows) {
		return Unknown, NoRunner, status.Error(codes.NotFound, fmt.Sprintf("Trial %s:%d not found", expID, trialID))
	}
	if err != nil {
		return Unknown, NoRunner, sqlError(err, "failed to read trial %s:%d", expID, trialID)
	}
	parsed, err := ParseStatus(st)
	if err != nil {
		return Unknown, NoRunner, status.Errorf(codes.Internal, "%v", err)
	}
	return parsed, runner, nil
}

// SetTrialRunner assigns an unclaimed trial to runnerID.
func (sb *sqliteBackend) SetTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	return sb.assignRunner(ctx, expID, trialID, runnerID, false)
}

// ReassignTrialRunner moves a non-terminal trial to runnerID.
func (sb *sqliteBackend) ReassignTrialRunner(ctx context.Context, expID string, trialID int64, runnerID int) error {
	return sb.assignRunner(ctx, expID, trialID, runnerID, true)
}

func (sb *sqliteBackend) assignRunner(ctx context.Context, expID string, trialID int64, runnerID int, force bool) error {
	if runnerID < 1 {
		return status.Errorf(codes.InvalidArgument, "invalid runner id %d", runnerID)
	}
	return sb.inTx(ctx, func(tx *sql.Tx) error {
		st, current, err := sqlTrialState(ctx, tx, expID, trialID)
		if err != nil {
			return err
		}
		if err = checkRunnerChange(expID, trialID, st, current, runnerID, force); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE trial SET runner_id = ? WHERE exp_id = ? AND trial_id = ?`, runnerID, expID, trialID)
		if err != nil {
			return sqlError(err, "failed to assign trial %s:%d", expID, trialID)
		}
		return nil
	})
}

// UpdateTrial moves a trial to st at ts.
func (sb *sqliteBackend) UpdateTrial(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, results map[string]string) error {
	return sb.inTx(ctx, func(tx *sql.Tx) error {
		from, _, err := sqlTrialState(ctx, tx, expID, trialID)
		if err != nil {
			return err
		}
		stored, err := sqlStringMap(ctx, tx,
			`SELECT metric_id, metric_value FROM trial_result WHERE exp_id = ? AND trial_id = ?`, expID, trialID)
		if err != nil {
			return err
		}
		noop, err := checkTransition(expID, trialID, from, st, len(results) > 0, sameStrings(stored, results))
		if err != nil || noop {
			return err
		}

		switch {
		case st == Running && from != Running:
			_, err = tx.ExecContext(ctx, `UPDATE trial SET status = ?, ts_start = ? WHERE exp_id = ? AND trial_id = ?`,
				st.String(), encodeTime(ts), expID, trialID)
		case st.IsTerminal():
			_, err = tx.ExecContext(ctx, `UPDATE trial SET status = ?, ts_end = ? WHERE exp_id = ? AND trial_id = ?`,
				st.String(), encodeTime(ts), expID, trialID)
		default:
			_, err = tx.ExecContext(ctx, `UPDATE trial SET status = ? WHERE exp_id = ? AND trial_id = ?`,
				st.String(), expID, trialID)
		}
		if err != nil {
			return sqlError(err, "failed to update trial %s:%d", expID, trialID)
		}
		for k, v := range results {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO trial_result (exp_id, trial_id, metric_id, metric_value) VALUES (?, ?, ?, ?)`,
				expID, trialID, k, v)
			if err != nil {
				return sqlError(err, "failed to store results of trial %s:%d", expID, trialID)
			}
		}
		return nil
	})
}

// UpdateTrialTelemetry appends samples, ignoring replayed ones.
func (sb *sqliteBackend) UpdateTrialTelemetry(ctx context.Context, expID string, trialID int64, st Status, ts time.Time, samples []TelemetrySample) error {
	if st == Unknown {
		return status.Errorf(codes.InvalidArgument, "telemetry of trial %s:%d reported with an unknown status", expID, trialID)
	}
	return sb.inTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := sqlTrialState(ctx, tx, expID, trialID); err != nil {
			return err
		}
		for _, s := range samples {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO trial_telemetry (exp_id, trial_id, ts, metric_id, metric_value) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (exp_id, trial_id, ts, metric_id) DO NOTHING`,
				expID, trialID, encodeTime(s.Timestamp), s.Metric, s.Value)
			if err != nil {
				return sqlError(err, "failed to record telemetry of trial %s:%d", expID, trialID)
			}
		}
		return nil
	})
}

// GetTelemetry returns the telemetry of a trial ordered by timestamp.
func (sb *sqliteBackend) GetTelemetry(ctx context.Context, expID string, trialID int64) ([]TelemetrySample, error) {
	var samples []TelemetrySample
	err := sb.inTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := sqlTrialState(ctx, tx, expID, trialID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT ts, metric_id, metric_value FROM trial_telemetry WHERE exp_id = ? AND trial_id = ? ORDER BY ts, metric_id`,
			expID, trialID)
		if err != nil {
			return sqlError(err, "failed to read telemetry of trial %s:%d", expID, trialID)
		}
		defer rows.Close()
		samples = []TelemetrySample{}
		for rows.Next() {
			var ts int64
			var s TelemetrySample
			var v sql.NullString
			if err = rows.Scan(&ts, &s.Metric, &v); err != nil {
				return sqlError(err, "failed to read telemetry of trial %s:%d", expID, trialID)
			}
			s.Timestamp, s.Value = decodeTime(ts), v.String
			samples = append(samples, s)
		}
		if err = rows.Err(); err != nil {
			return sqlError(err, "failed to read telemetry of trial %s:%d", expID, trialID)
		}
		return nil
	})
	return samples, err
}
