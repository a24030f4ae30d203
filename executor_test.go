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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetcore/fleetsync/internal/remote"
	"github.com/fleetcore/fleetsync/internal/syncerror"
	"github.com/fleetcore/fleetsync/model"
)

func newTestExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *OperationLog) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	l := newTestLog(t)
	client := remote.NewClient(server.URL, nil, 5*time.Second)
	return NewExecutor(l, client), l
}

func TestExecuteSuccessMarksSucceeded(t *testing.T) {
	var gotIdempotencyKey string
	executor, l := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/vehicles/veh_1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	op := enqueueTestOp(t, l, "vehicles", "veh_1")

	result, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, op.OperationID, gotIdempotencyKey)

	stored, err := l.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, stored.Status)

	history, err := l.History(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Result.Success)
}

func TestExecuteTransientFailureStaysRetryable(t *testing.T) {
	executor, l := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx := context.Background()
	op := enqueueTestOp(t, l, "vehicles", "veh_1")

	result, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(syncerror.ErrRemoteUnavailable), result.Error.Code)

	stored, err := l.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
}

func TestExecutePermanentFailureAbandons(t *testing.T) {
	executor, l := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	ctx := context.Background()
	op := enqueueTestOp(t, l, "vehicles", "veh_1")

	result, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	stored, err := l.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, stored.Status, "validation rejections are not retried")
}

func TestExecuteKeepsEntityOrder(t *testing.T) {
	executor, l := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	_ = enqueueTestOp(t, l, "vehicles", "veh_1")
	time.Sleep(2 * time.Millisecond)
	second := enqueueTestOp(t, l, "vehicles", "veh_1")

	_, err := executor.Execute(ctx, second.OperationID)
	assert.ErrorIs(t, err, ErrEntityBusy)

	stored, err := l.Get(ctx, second.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts, "a blocked attempt burns no budget")
}

func TestExecuteTerminalOperationReturnsRecordedOutcome(t *testing.T) {
	calls := 0
	executor, l := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	op := enqueueTestOp(t, l, "vehicles", "veh_1")

	_, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Re-delivery of a finished task never reaches the remote again.
	result, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, calls)
}

func TestExecuteTransportFailureClassifiedAsNetwork(t *testing.T) {
	l := newTestLog(t)
	client := remote.NewClient("http://127.0.0.1:1", nil, time.Second)
	executor := NewExecutor(l, client)

	ctx := context.Background()
	op := enqueueTestOp(t, l, "vehicles", "veh_1")

	result, err := executor.Execute(ctx, op.OperationID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(syncerror.ErrNetwork), result.Error.Code)

	stored, err := l.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
}

func TestExecuteUnknownOperation(t *testing.T) {
	executor, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := executor.Execute(context.Background(), "op_missing")
	assert.Error(t, err)
}
