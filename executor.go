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
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/internal/remote"
	"github.com/fleetcore/fleetsync/internal/syncerror"
	"github.com/fleetcore/fleetsync/model"
)

// ErrEntityBusy reports that an earlier operation for the same entity has
// not reached a terminal state yet. The caller reschedules instead of
// executing out of order.
var ErrEntityBusy = errors.New("an earlier operation for this entity is still live")

// Executor performs exactly one attempt of one operation against the
// remote system and folds the classified outcome back into the log.
type Executor struct {
	oplog  *OperationLog
	remote *remote.Client
}

// NewExecutor builds an executor over the given log and remote client.
func NewExecutor(oplog *OperationLog, client *remote.Client) *Executor {
	return &Executor{oplog: oplog, remote: client}
}

// Execute performs one attempt of the operation with the given id.
//
// The attempt is counted when the operation enters in_progress, so a crash
// mid-flight still burns budget rather than risking an uncounted duplicate
// send. The remote call carries the operation id as an idempotency key, so
// a retry after a successful-but-unacknowledged attempt never
// double-applies.
func (e *Executor) Execute(ctx context.Context, operationID string) (model.SyncResult, error) {
	op, err := e.oplog.Get(ctx, operationID)
	if err != nil {
		return model.SyncResult{}, err
	}
	if op == nil {
		return model.SyncResult{}, syncerror.NewSyncError(syncerror.ErrNotFound,
			fmt.Sprintf("operation not found: %s", operationID), nil)
	}

	// Terminal operations are immutable; re-delivery of a finished task
	// reports the recorded outcome without touching the remote.
	if model.IsTerminal(op.Status) {
		result := model.SyncResult{Success: op.Status == model.StatusSucceeded, Attempts: op.Attempts}
		if !result.Success {
			result.Error = op.LastError
		}
		return result, nil
	}

	// FIFO per entity: never start this operation while an earlier one
	// for the same entity is still live.
	blocked, err := e.oplog.EarlierLiveOperationExists(ctx, op)
	if err != nil {
		return model.SyncResult{}, err
	}
	if blocked {
		return model.SyncResult{}, ErrEntityBusy
	}

	attempts := op.Attempts + 1
	inProgress := model.StatusInProgress
	op, err = e.oplog.Update(ctx, op.OperationID, OperationPatch{Status: &inProgress, Attempts: &attempts})
	if err != nil {
		return model.SyncResult{}, err
	}

	resp, err := e.remote.Apply(ctx, op)
	if err != nil {
		code := syncerror.ClassifyTransport(err)
		return e.recordFailure(ctx, op, code, err.Error(), "")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return e.recordSuccess(ctx, op)
	}

	code := syncerror.ClassifyStatus(resp.StatusCode)
	message := fmt.Sprintf("remote returned status %d", resp.StatusCode)
	return e.recordFailure(ctx, op, code, message, string(resp.Body))
}

func (e *Executor) recordSuccess(ctx context.Context, op *model.SyncOperation) (model.SyncResult, error) {
	succeeded := model.StatusSucceeded
	op, err := e.oplog.Update(ctx, op.OperationID, OperationPatch{Status: &succeeded})
	if err != nil {
		return model.SyncResult{}, err
	}

	result := model.SyncResult{Success: true, Attempts: op.Attempts}
	if err := e.oplog.AppendHistory(ctx, model.HistoryEntry{OperationID: op.OperationID, Result: result}); err != nil {
		return model.SyncResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"attempts":     op.Attempts,
	}).Info("Operation synced")
	return result, nil
}

func (e *Executor) recordFailure(ctx context.Context, op *model.SyncOperation, code syncerror.ErrorCode, message, body string) (model.SyncResult, error) {
	syncErr := &model.SyncError{
		Code:      string(code),
		Message:   message,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}

	// Transient failures stay retryable; permanent ones are abandoned on
	// the spot, with no further timers armed.
	status := model.StatusFailed
	if !syncerror.IsRetryable(code) {
		status = model.StatusAbandoned
	}

	op, err := e.oplog.Update(ctx, op.OperationID, OperationPatch{Status: &status, LastError: syncErr})
	if err != nil {
		return model.SyncResult{}, err
	}

	result := model.SyncResult{Success: false, Attempts: op.Attempts, Error: syncErr}
	if err := e.oplog.AppendHistory(ctx, model.HistoryEntry{OperationID: op.OperationID, Result: result}); err != nil {
		return model.SyncResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"attempts":     op.Attempts,
		"code":         code,
		"status":       status,
	}).Warn("Operation attempt failed")

	return result, nil
}
