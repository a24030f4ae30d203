/*
Copyright 2024 FleetSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetsync/config"
	"github.com/fleetcore/fleetsync/internal/remote"
	"github.com/fleetcore/fleetsync/model"
	"github.com/fleetcore/fleetsync/store"
)

func reconcilerFixture(t *testing.T, snapshot []remote.Entity) (*Reconciler, *OperationLog, *LocalView) {
	config.MockConfig(&config.Configuration{
		Redis:          config.RedisConfig{Dns: "localhost:6379"},
		Reconciliation: config.ReconciliationConfig{EntityTypes: []string{"vehicles"}},
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.NoError(t, json.NewEncoder(w).Encode(snapshot))
	}))
	t.Cleanup(server.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kv := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	oplog := NewOperationLog(kv, 24*time.Hour)
	view := NewLocalView(kv, nil)
	client := remote.NewClient(server.URL, nil, 5*time.Second)

	queue := &Queue{
		Client:    asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}),
		Inspector: asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()}),
	}

	return NewReconciler(oplog, view, client, queue, kv), oplog, view
}

func TestRunCycleReadRepairsDrift(t *testing.T) {
	remoteNow := time.Now().UTC()
	snapshot := []remote.Entity{
		{ID: "veh_1", Data: json.RawMessage(`{"plate":"new"}`), UpdatedAt: remoteNow},
		{ID: "veh_2", Data: json.RawMessage(`{"plate":"fresh"}`), UpdatedAt: remoteNow},
	}
	r, _, view := reconcilerFixture(t, snapshot)
	ctx := context.Background()

	// veh_2 has an older clean local copy, veh_3 no longer exists remotely.
	require.NoError(t, view.Put(ctx, &LocalEntity{
		EntityType: "vehicles", EntityID: "veh_2",
		Data: json.RawMessage(`{"plate":"stale"}`), UpdatedAt: remoteNow.Add(-time.Hour),
	}))
	require.NoError(t, view.Put(ctx, &LocalEntity{
		EntityType: "vehicles", EntityID: "veh_3",
		Data: json.RawMessage(`{"plate":"gone"}`), UpdatedAt: remoteNow.Add(-time.Hour),
	}))

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Examined)
	assert.Equal(t, 3, report.ReadRepairs)
	assert.Equal(t, 0, report.PushedBack)

	repaired, err := view.Get(ctx, "vehicles", "veh_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plate":"new"}`, string(repaired.Data))

	refreshed, err := view.Get(ctx, "vehicles", "veh_2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plate":"fresh"}`, string(refreshed.Data))

	_, err = view.Get(ctx, "vehicles", "veh_3")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestRunCycleSkipsEntitiesWithLiveOperations(t *testing.T) {
	remoteNow := time.Now().UTC()
	snapshot := []remote.Entity{
		{ID: "veh_1", Data: json.RawMessage(`{"plate":"remote"}`), UpdatedAt: remoteNow},
	}
	r, oplog, view := reconcilerFixture(t, snapshot)
	ctx := context.Background()

	require.NoError(t, view.Put(ctx, &LocalEntity{
		EntityType: "vehicles", EntityID: "veh_1",
		Data: json.RawMessage(`{"plate":"local"}`), UpdatedAt: remoteNow.Add(-time.Hour),
	}))
	_, err := oplog.Enqueue(ctx, model.NewSyncOperation{
		EntityType: "vehicles", EntityID: "veh_1", Kind: model.KindUpdate,
		Payload: json.RawMessage(`{"plate":"local"}`),
	})
	require.NoError(t, err)

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.ReadRepairs)

	untouched, err := view.Get(ctx, "vehicles", "veh_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"plate":"local"}`, string(untouched.Data), "in-flight edits win over snapshots")
}

func TestRunCyclePushesBackDirtyLocal(t *testing.T) {
	remoteNow := time.Now().UTC()
	snapshot := []remote.Entity{
		{ID: "veh_1", Data: json.RawMessage(`{"plate":"remote"}`), UpdatedAt: remoteNow},
	}
	r, oplog, view := reconcilerFixture(t, snapshot)
	ctx := context.Background()

	require.NoError(t, view.Put(ctx, &LocalEntity{
		EntityType: "vehicles", EntityID: "veh_1",
		Data: json.RawMessage(`{"plate":"edited"}`), UpdatedAt: remoteNow.Add(-time.Hour),
		Dirty: true,
	}))

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PushedBack)
	assert.Equal(t, 0, report.ReadRepairs)

	dirty, err := view.Get(ctx, "vehicles", "veh_1")
	require.NoError(t, err)
	assert.True(t, dirty.Dirty, "dirty flag clears only when the push succeeds")
	assert.JSONEq(t, `{"plate":"edited"}`, string(dirty.Data))

	pending, err := oplog.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.KindUpdate, pending[0].Kind)
	assert.Equal(t, "veh_1", pending[0].EntityID)
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	r, _, _ := reconcilerFixture(t, nil)

	r.mu.Lock()
	r.inCycle = true
	r.mu.Unlock()

	_, err := r.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrReconciliationRunning)
}

func TestRunCyclePurgesExpiredSucceeded(t *testing.T) {
	r, oplog, _ := reconcilerFixture(t, nil)
	ctx := context.Background()

	op := enqueueIntoLog(t, oplog)
	stored, err := oplog.Get(ctx, op.OperationID)
	require.NoError(t, err)
	stored.Status = model.StatusSucceeded
	stored.Attempts = 1
	stored.UpdatedAt = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, oplog.put(ctx, stored))

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = oplog.Get(ctx, op.OperationID)
	assert.Error(t, err)
}

func enqueueIntoLog(t *testing.T, l *OperationLog) *model.SyncOperation {
	op, err := l.Enqueue(context.Background(), model.NewSyncOperation{
		EntityType: "drivers", EntityID: fmt.Sprintf("drv_%d", time.Now().UnixNano()),
		Kind: model.KindCreate, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return op
}

func TestSchedulerStartStop(t *testing.T) {
	r, _, _ := reconcilerFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	assert.True(t, r.IsRunning())

	r.Start(ctx) // second start is a no-op

	r.Stop()
	assert.False(t, r.IsRunning())

	r.Stop() // second stop is a no-op
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Redis:          config.RedisConfig{Dns: "localhost:6379"},
		Reconciliation: config.ReconciliationConfig{EntityTypes: []string{"vehicles"}},
	})

	var snapshots int32
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&snapshots, 1)
		once.Do(func() { close(started) })
		time.Sleep(300 * time.Millisecond) // keep the cycle in flight
		require.NoError(t, json.NewEncoder(w).Encode([]remote.Entity{}))
	}))
	t.Cleanup(server.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kv := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	oplog := NewOperationLog(kv, 24*time.Hour)
	view := NewLocalView(kv, nil)
	client := remote.NewClient(server.URL, nil, 5*time.Second)

	r := NewReconciler(oplog, view, client, nil, kv)
	r.interval = 20 * time.Millisecond

	ctx := context.Background()
	r.Start(ctx)
	<-started

	r.Stop() // must block until the in-flight cycle completes
	assert.False(t, r.IsRunning())

	report, err := r.LastReport(ctx)
	require.NoError(t, err)
	assert.False(t, report.CompletedAt.IsZero(), "the interrupted cycle still completes and stores its report")

	seen := atomic.LoadInt32(&snapshots)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&snapshots), "no successor cycle after Stop returns")
}

func TestLastReportRoundTrip(t *testing.T) {
	r, _, _ := reconcilerFixture(t, nil)
	ctx := context.Background()

	_, err := r.LastReport(ctx)
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	report, err := r.RunCycle(ctx)
	require.NoError(t, err)

	last, err := r.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Examined, last.Examined)
	assert.WithinDuration(t, report.CompletedAt, last.CompletedAt, time.Second)
}
