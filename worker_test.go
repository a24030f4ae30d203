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

// applyRecorder is a fake remote that records the idempotency keys of the
// writes it accepts, failing the first write with a 503 so the retry and
// entity-ordering paths get exercised.
type applyRecorder struct {
	mu       sync.Mutex
	applied  []string
	failures int
}

func (a *applyRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	a.applied = append(a.applied, r.Header.Get("Idempotency-Key"))
	w.WriteHeader(http.StatusOK)
}

func (a *applyRecorder) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

func workerEngine(t *testing.T, remoteURL string) (*Engine, string) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis:  config.RedisConfig{Dns: mr.Addr()},
		Remote: config.RemoteConfig{BaseURL: remoteURL},
		Sync: config.SyncConfig{
			NumberOfQueues:   1,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  2,
			MaxAttempts:      5,
		},
	})

	kv := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	oplog := NewOperationLog(kv, 24*time.Hour)
	view := NewLocalView(kv, nil)
	client := remote.NewClient(remoteURL, nil, 5*time.Second)

	queue := &Queue{
		Client:    asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}),
		Inspector: asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()}),
	}
	t.Cleanup(func() { _ = queue.Close() })

	executor := NewExecutor(oplog, client)
	policy := BackoffPolicy{Base: time.Second, Max: 2 * time.Second}
	engine := &Engine{
		kv:        kv,
		oplog:     oplog,
		remote:    client,
		queue:     queue,
		executor:  executor,
		scheduler: NewScheduler(oplog, queue, policy, 5),
		view:      view,
		alerts:    NewAlertEvaluator(oplog, kv),
		recovery:  NewRecoveryProcessor(oplog, queue),
	}
	return engine, mr.Addr()
}

// Two operations on the same entity, with the first attempt failing:
// the worker must retry the first and hold the second behind it, and both
// must land on the remote in submission order. Covers the handover of a
// blocked sibling once the earlier operation reaches a terminal state.
func TestWorkerAppliesEntityOperationsInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("slow end-to-end worker test")
	}

	recorder := &applyRecorder{failures: 1}
	server := httptest.NewServer(recorder)
	defer server.Close()

	engine, redisAddr := workerEngine(t, server.URL)
	ctx := context.Background()

	opA, err := engine.Sync(ctx, model.NewSyncOperation{
		EntityType: "vehicles",
		EntityID:   "veh_1",
		Kind:       model.KindCreate,
		Payload:    json.RawMessage(`{"plate":"first"}`),
	})
	require.NoError(t, err)
	opB, err := engine.Sync(ctx, model.NewSyncOperation{
		EntityType: "vehicles",
		EntityID:   "veh_1",
		Kind:       model.KindUpdate,
		Payload:    json.RawMessage(`{"plate":"second"}`),
	})
	require.NoError(t, err)

	cfg, err := config.Fetch()
	require.NoError(t, err)
	queueName := fmt.Sprintf("%s_1", cfg.Sync.SyncQueue)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{Concurrency: 1, Queues: map[string]int{queueName: 1}},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(queueName, func(ctx context.Context, task *asynq.Task) error {
		var payload AttemptTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return err
		}
		_, err := engine.Attempt(ctx, payload.OperationID)
		return err
	})
	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		a, err := engine.GetOperation(ctx, opA.OperationID)
		if err != nil || a.Status != model.StatusSucceeded {
			return false
		}
		b, err := engine.GetOperation(ctx, opB.OperationID)
		return err == nil && b.Status == model.StatusSucceeded
	}, 30*time.Second, 200*time.Millisecond, "both operations must eventually succeed")

	require.Equal(t, []string{opA.OperationID, opB.OperationID}, recorder.order(),
		"same-entity operations must reach the remote in submission order")

	a, err := engine.GetOperation(ctx, opA.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempts)
	b, err := engine.GetOperation(ctx, opB.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Attempts, "waiting behind a sibling must not burn attempt budget")
}
