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

// Package testing provides in-memory and temp-file trial stores for tests.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/Bose/minisentinel"
	miniredis "github.com/alicebob/miniredis/v2"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/consts"
	"opentune.dev/opentune/internal/statestore"
)

// New creates a new in memory Redis instance for testing.
func New(t testing.TB, cfg config.Mutable) func() {
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to create miniredis, %v", err)
	}
	cfg.Set(consts.StorageType, "redis")
	cfg.Set(consts.RedisHostname, mredis.Host())
	cfg.Set(consts.RedisPort, mredis.Port())
	setCommon(cfg)

	return func() {
		mredis.Close()
	}
}

// NewSentinel creates an in memory Redis instance reached through an in
// memory sentinel.
func NewSentinel(t testing.TB, cfg config.Mutable) func() {
	mredis := miniredis.NewMiniRedis()
	if err := mredis.StartAddr("localhost:0"); err != nil {
		t.Fatalf("failed to start miniredis, %v", err)
	}
	msentinel := minisentinel.NewSentinel(mredis)
	if err := msentinel.StartAddr("localhost:0"); err != nil {
		mredis.Close()
		t.Fatalf("failed to start minisentinel, %v", err)
	}

	cfg.Set(consts.StorageType, "redis")
	cfg.Set(consts.RedisSentinelEnabled, true)
	cfg.Set(consts.RedisSentinelHostname, msentinel.Host())
	cfg.Set(consts.RedisSentinelPort, msentinel.Port())
	cfg.Set(consts.RedisSentinelMaster, msentinel.MasterInfo().Name)
	setCommon(cfg)

	return func() {
		msentinel.Close()
		mredis.Close()
	}
}

// NewSQLite points cfg at a SQLite file in a temporary directory.
func NewSQLite(t testing.TB, cfg config.Mutable) func() {
	cfg.Set(consts.StorageType, "sqlite")
	cfg.Set(consts.StorageSQLitePath, filepath.Join(t.TempDir(), "opentune.db"))
	setCommon(cfg)
	return func() {}
}

func setCommon(cfg config.Mutable) {
	cfg.Set(consts.RedisConnMaxIdle, PoolMaxIdle)
	cfg.Set(consts.RedisConnMaxActive, PoolMaxActive)
	cfg.Set(consts.RedisConnIdleTimeout, PoolIdleTimeout)
	cfg.Set(consts.RedisConnHealthCheckTimeout, PoolHealthCheckTimeout)
	cfg.Set(consts.StorageRetry, RetryPolicy)
	cfg.Set(consts.StorageLockTries, LockTries)
	cfg.Set(consts.StorageLockExpiry, LockExpiry)
}

// Backends maps a backend name to its setup function.
var Backends = map[string]func(testing.TB, config.Mutable) func(){
	"redis":  New,
	"sqlite": NewSQLite,
}

// NewStoreServiceForTesting creates a new statestore service for testing
func NewStoreServiceForTesting(t testing.TB, cfg config.Mutable) (statestore.Service, func()) {
	closer := New(t, cfg)
	s, err := statestore.New(cfg)
	if err != nil {
		closer()
		t.Fatalf("failed to create the store, %v", err)
	}
	return s, func() {
		s.Close()
		closer()
	}
}

// NewStorageForTesting opens the storage configured by setup and closes it
// when the test ends.
func NewStorageForTesting(t testing.TB, cfg config.Mutable, setup func(testing.TB, config.Mutable) func()) *statestore.Storage {
	closer := setup(t, cfg)
	st, err := statestore.Open(cfg)
	if err != nil {
		closer()
		t.Fatalf("failed to open the storage, %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		closer()
	})
	return st
}
