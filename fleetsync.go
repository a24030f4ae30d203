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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/cache"
	"github.com/fleetcore/fleetsync/config"
	"github.com/fleetcore/fleetsync/internal/remote"
	"github.com/fleetcore/fleetsync/model"
	"github.com/fleetcore/fleetsync/store"
)

// Engine is the main struct of the FleetSync client. It owns the durable
// operation log, the remote executor, the retry scheduler, the local
// entity view, and the reconciliation loop.
type Engine struct {
	kv         store.KeyValueStore
	oplog      *OperationLog
	remote     *remote.Client
	queue      *Queue
	executor   *Executor
	scheduler  *Scheduler
	view       *LocalView
	alerts     *AlertEvaluator
	reconciler *Reconciler
	recovery   *RecoveryProcessor
}

// NewEngine initializes a new Engine instance on top of the provided
// key-value store. It fetches the configuration and wires the queue,
// remote client, executor, scheduler, and reconciler.
func NewEngine(kv store.KeyValueStore) (*Engine, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	remoteClient := remote.NewClient(configuration.Remote.BaseURL, configuration.Remote.Headers, configuration.RemoteTimeout())
	newQueue := NewQueue(configuration)
	oplog := NewOperationLog(kv, configuration.Retention())

	var entityCache cache.Cache
	if configuration.Store.Driver == config.StoreDriverRedis {
		entityCache, err = cache.NewCache()
		if err != nil {
			return nil, err
		}
	}
	view := NewLocalView(kv, entityCache)

	executor := NewExecutor(oplog, remoteClient)
	policy := BackoffPolicy{Base: configuration.BaseDelay(), Max: configuration.MaxDelay()}
	scheduler := NewScheduler(oplog, newQueue, policy, configuration.Sync.MaxAttempts)
	reconciler := NewReconciler(oplog, view, remoteClient, newQueue, kv)

	engine := &Engine{
		kv:         kv,
		oplog:      oplog,
		remote:     remoteClient,
		queue:      newQueue,
		executor:   executor,
		scheduler:  scheduler,
		view:       view,
		alerts:     NewAlertEvaluator(oplog, kv),
		reconciler: reconciler,
		recovery:   NewRecoveryProcessor(oplog, newQueue),
	}
	return engine, nil
}

// Sync records a mutation durably and queues its first delivery attempt.
// The operation survives a crash from the moment this returns; delivery
// happens asynchronously on the sync queues.
func (e *Engine) Sync(ctx context.Context, newOp model.NewSyncOperation) (*model.SyncOperation, error) {
	op, err := e.oplog.Enqueue(ctx, newOp)
	if err != nil {
		return nil, err
	}

	if err := e.applyLocal(ctx, op); err != nil {
		return nil, err
	}

	if err := e.queue.EnqueueAttempt(ctx, op.OperationID, op.EntityType, op.EntityID, op.Attempts, 0); err != nil {
		return nil, err
	}
	return op, nil
}

// applyLocal updates the local view optimistically so reads see the edit
// before the remote confirms it.
func (e *Engine) applyLocal(ctx context.Context, op *model.SyncOperation) error {
	switch op.Kind {
	case model.KindCreate, model.KindUpdate:
		return e.view.Put(ctx, &LocalEntity{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Data:       op.Payload,
			UpdatedAt:  time.Now(),
			Dirty:      true,
		})
	case model.KindDelete:
		err := e.view.Delete(ctx, op.EntityType, op.EntityID)
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Attempt executes one delivery attempt for the given operation. This is
// the entry point the queue workers call. A transient failure schedules
// the next retry; a busy entity requeues the attempt without burning
// retry budget.
func (e *Engine) Attempt(ctx context.Context, operationID string) (model.SyncResult, error) {
	result, err := e.executor.Execute(ctx, operationID)
	if errors.Is(err, ErrEntityBusy) {
		op, getErr := e.oplog.Get(ctx, operationID)
		if getErr != nil {
			return result, getErr
		}
		// The blocked task is still active under its own id, so the
		// probe needs a fresh one or asynq would reject it.
		return result, e.queue.RedispatchAttempt(ctx, op.OperationID, op.EntityType, op.EntityID, op.Attempts, e.scheduler.policy.Base)
	}
	if err != nil {
		return result, err
	}

	op, err := e.oplog.Get(ctx, operationID)
	if err != nil {
		return result, err
	}
	if op == nil {
		return result, nil
	}

	if result.Success {
		if err := e.confirmLocal(ctx, op); err != nil {
			logrus.Error("Failed to confirm local view: ", err)
		}
		e.releaseNextForEntity(ctx, op.EntityType, op.EntityID)
		return result, nil
	}
	if err := e.scheduler.ScheduleNext(ctx, op); err != nil {
		return result, err
	}
	if latest, getErr := e.oplog.Get(ctx, operationID); getErr == nil && latest != nil && model.IsTerminal(latest.Status) {
		e.releaseNextForEntity(ctx, op.EntityType, op.EntityID)
	}
	return result, nil
}

// releaseNextForEntity hands the queue position to the oldest pending
// sibling once an operation reaches a terminal state. Without it an
// operation whose probe task was dropped could sit pending until the
// recovery processor finds it.
func (e *Engine) releaseNextForEntity(ctx context.Context, entityType, entityID string) {
	pending, err := e.oplog.ListPending(ctx)
	if err != nil {
		logrus.Error("Failed to list pending operations: ", err)
		return
	}
	for _, next := range pending {
		if next.EntityType != entityType || next.EntityID != entityID {
			continue
		}
		if err := e.queue.RedispatchAttempt(ctx, next.OperationID, next.EntityType, next.EntityID, next.Attempts, 0); err != nil {
			logrus.Error("Failed to redispatch blocked operation: ", err)
		}
		return
	}
}

// confirmLocal clears the dirty flag once the remote has acknowledged the
// edit, unless a newer operation for the same entity is still live.
func (e *Engine) confirmLocal(ctx context.Context, op *model.SyncOperation) error {
	if op.Kind == model.KindDelete {
		return nil
	}
	live, err := e.oplog.HasLiveOperationForEntity(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if live {
		return nil
	}
	err = e.view.MarkClean(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	return err
}

// ReprocessFailed re-attempts every failed and abandoned operation once,
// bypassing backoff delays.
func (e *Engine) ReprocessFailed(ctx context.Context) (model.ReprocessSummary, error) {
	return e.scheduler.ReprocessFailed(ctx, e.executor)
}

// GetOperation returns a single operation by id.
func (e *Engine) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	return e.oplog.Get(ctx, id)
}

// ListOperations returns operations filtered by status. An empty status
// returns everything.
func (e *Engine) ListOperations(ctx context.Context, status string) ([]*model.SyncOperation, error) {
	switch status {
	case "":
		return e.oplog.ListAll(ctx)
	case model.StatusPending:
		return e.oplog.ListPending(ctx)
	case model.StatusFailed:
		return e.oplog.ListFailed(ctx)
	default:
		return e.oplog.listByStatus(ctx, status)
	}
}

// CheckAlerts recomputes the current alert set.
func (e *Engine) CheckAlerts(ctx context.Context) ([]model.SyncAlert, error) {
	return e.alerts.CheckAlerts(ctx)
}

// UnreadAlertCount returns how many current alerts are unread.
func (e *Engine) UnreadAlertCount(ctx context.Context) (int, error) {
	return e.alerts.UnreadCount(ctx)
}

// MarkAlertsRead marks all current alerts as read.
func (e *Engine) MarkAlertsRead(ctx context.Context) error {
	return e.alerts.MarkAllRead(ctx)
}

// GetEntity returns the local copy of an entity.
func (e *Engine) GetEntity(ctx context.Context, entityType, entityID string) (*LocalEntity, error) {
	return e.view.Get(ctx, entityType, entityID)
}

// StartAutoReconciliation launches the periodic reconciliation loop.
func (e *Engine) StartAutoReconciliation(ctx context.Context) {
	e.reconciler.Start(ctx)
}

// StopAutoReconciliation stops the periodic reconciliation loop and waits
// for an in-flight cycle to finish.
func (e *Engine) StopAutoReconciliation() {
	e.reconciler.Stop()
}

// StartRecovery launches the stuck operation recovery loop.
func (e *Engine) StartRecovery(ctx context.Context) {
	e.recovery.Start(ctx)
}

// StopRecovery stops the stuck operation recovery loop.
func (e *Engine) StopRecovery() {
	e.recovery.Stop()
}

// RunReconciliation triggers a single reconciliation cycle immediately.
func (e *Engine) RunReconciliation(ctx context.Context) (*ReconciliationReport, error) {
	return e.reconciler.RunCycle(ctx)
}

// LastReconciliationReport returns the report of the most recent cycle.
func (e *Engine) LastReconciliationReport(ctx context.Context) (*ReconciliationReport, error) {
	return e.reconciler.LastReport(ctx)
}

// Close releases queue and store resources.
func (e *Engine) Close() error {
	if err := e.queue.Close(); err != nil {
		return err
	}
	return e.kv.Close()
}
