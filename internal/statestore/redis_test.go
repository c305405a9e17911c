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
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"opentune.dev/opentune/internal/config"
	"opentune.dev/opentune/internal/tunables"
	utilTesting "opentune.dev/opentune/internal/util/testing"
)

func TestStatestoreSetup(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service, err := New(cfg)
	assert.NoError(err)
	assert.NotNil(service)
	defer service.Close()

	assert.NoError(service.HealthCheck(utilTesting.NewContext(t)))
}

func TestUnknownStorageType(t *testing.T) {
	cfg := viper.New()
	cfg.Set("storage.type", "cassandra")
	_, err := New(cfg)
	require.Error(t, err)
}

func TestConnect(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	store, err := New(cfg)
	assert.NoError(err)
	defer store.Close()
	ctx := utilTesting.NewContext(t)

	is, ok := store.(*instrumentedService)
	assert.True(ok)
	rb, ok := is.s.(*redisBackend)
	assert.True(ok)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	conn, err := rb.connect(ctx)
	assert.NotNil(err)
	assert.Nil(conn)
}

func TestHealthCheckUnavailable(t *testing.T) {
	cfg, closer := createRedis(t)
	store, err := New(cfg)
	require.NoError(t, err)
	defer store.Close()
	closer()

	err = store.HealthCheck(utilTesting.NewContext(t))
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestConfigIDRace(t *testing.T) {
	require := require.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	rb := newRedis(cfg).(*redisBackend)
	defer rb.Close()
	ctx := utilTesting.NewContext(t)

	values := tunables.Values{"a": int64(1), "b": "x"}
	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := rb.connect(ctx)
			if err != nil {
				return
			}
			defer handleConnectionClose(&conn)
			ids[i], _ = rb.configID(conn, values)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(ids[0], id)
	}
	require.NotZero(ids[0])

	stored, err := rb.GetConfig(ctx, ids[0])
	require.NoError(err)
	require.Equal(tunables.Values{"a": "1", "b": "x"}, stored)
}

func TestLockTimeout(t *testing.T) {
	cfg, closer := createRedis(t)
	defer closer()
	cfg.Set("storage.lock.tries", 2)
	rb := newRedis(cfg).(*redisBackend)
	defer rb.Close()
	ctx := utilTesting.NewContext(t)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = rb.withLock(ctx, "lock:test", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	err := rb.withLock(ctx, "lock:test", func() error { return nil })
	close(release)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func createRedis(t *testing.T) (config.Mutable, func()) {
	cfg := viper.New()
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot create redis %s", err)
	}

	cfg.Set("redis.hostname", mredis.Host())
	cfg.Set("redis.port", mredis.Port())
	cfg.Set("redis.pool.maxIdle", 1000)
	cfg.Set("redis.pool.idleTimeout", time.Second)
	cfg.Set("redis.pool.healthCheckTimeout", 100*time.Millisecond)
	cfg.Set("redis.pool.maxActive", 1000)
	cfg.Set("telemetry.prometheus.enable", true)

	return cfg, func() { mredis.Close() }
}
