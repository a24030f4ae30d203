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
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/config"
	"github.com/fleetcore/fleetsync/internal/remote"
	"github.com/fleetcore/fleetsync/model"
	"github.com/fleetcore/fleetsync/store"
)

const lastReconciliationKey = "reconciliation:last"

// ErrReconciliationRunning is returned when a cycle is requested while a
// previous cycle has not finished.
var ErrReconciliationRunning = errors.New("reconciliation cycle already in progress")

// ReconciliationReport summarizes a completed cycle.
type ReconciliationReport struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	EntityTypes []string  `json:"entity_types"`
	Examined    int       `json:"examined"`
	ReadRepairs int       `json:"read_repairs"`
	PushedBack  int       `json:"pushed_back"`
	Skipped     int       `json:"skipped"`
	Purged      int       `json:"purged"`
	Errors      []string  `json:"errors,omitempty"`
}

// Reconciler periodically compares the local view against remote
// snapshots and repairs drift. Cycles never overlap; a cycle that is
// still running when the ticker fires makes the new tick a no-op.
type Reconciler struct {
	oplog  *OperationLog
	view   *LocalView
	remote *remote.Client
	queue  *Queue
	kv     store.KeyValueStore

	// Zero means use the configured interval.
	interval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	inCycle bool
	mu      sync.Mutex
}

func NewReconciler(oplog *OperationLog, view *LocalView, remoteClient *remote.Client, queue *Queue, kv store.KeyValueStore) *Reconciler {
	return &Reconciler{
		oplog:  oplog,
		view:   view,
		remote: remoteClient,
		queue:  queue,
		kv:     kv,
		stopCh: make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Info("Reconciliation scheduler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Reconciliation scheduler stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	interval := r.interval
	if interval == 0 {
		conf, err := config.Fetch()
		if err != nil {
			logrus.Error("Reconciliation scheduler could not load config: ", err)
			return
		}
		interval = time.Duration(conf.Reconciliation.IntervalMinutes) * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reconciliation scheduler context cancelled")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			// A tick that raced the stop signal must not start a cycle.
			select {
			case <-r.stopCh:
				return
			default:
			}
			if _, err := r.RunCycle(ctx); err != nil && !errors.Is(err, ErrReconciliationRunning) {
				logrus.Error("Reconciliation cycle failed: ", err)
			}
		}
	}
}

// RunCycle executes one full reconciliation pass. It returns
// ErrReconciliationRunning when another cycle holds the slot.
func (r *Reconciler) RunCycle(ctx context.Context) (*ReconciliationReport, error) {
	r.mu.Lock()
	if r.inCycle {
		r.mu.Unlock()
		return nil, ErrReconciliationRunning
	}
	r.inCycle = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inCycle = false
		r.mu.Unlock()
	}()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		StartedAt:   time.Now(),
		EntityTypes: conf.Reconciliation.EntityTypes,
	}

	for _, entityType := range conf.Reconciliation.EntityTypes {
		if err := r.reconcileEntityType(ctx, entityType, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", entityType, err))
			logrus.WithFields(logrus.Fields{"entity_type": entityType}).Warn("Reconciliation pass failed: ", err)
		}
	}

	purged, err := r.oplog.PurgeSucceeded(ctx, conf.Retention())
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("purge: %v", err))
	}
	report.Purged = purged

	report.CompletedAt = time.Now()
	if err := r.storeReport(ctx, report); err != nil {
		logrus.Error("Failed to store reconciliation report: ", err)
	}
	logrus.WithFields(logrus.Fields{
		"examined":     report.Examined,
		"read_repairs": report.ReadRepairs,
		"pushed_back":  report.PushedBack,
		"skipped":      report.Skipped,
		"purged":       report.Purged,
	}).Info("Reconciliation cycle completed")
	return report, nil
}

// fetchSnapshot pulls the remote state for one entity type, retrying
// transient failures before giving up on the whole pass.
func (r *Reconciler) fetchSnapshot(ctx context.Context, entityType string) ([]remote.Entity, error) {
	var snapshot []remote.Entity
	operation := func() error {
		var err error
		snapshot, err = r.remote.Snapshot(ctx, entityType)
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *Reconciler) reconcileEntityType(ctx context.Context, entityType string, report *ReconciliationReport) error {
	snapshot, err := r.fetchSnapshot(ctx, entityType)
	if err != nil {
		return err
	}

	local, err := r.view.List(ctx, entityType)
	if err != nil {
		return err
	}
	localByID := make(map[string]*LocalEntity, len(local))
	for _, entity := range local {
		localByID[entity.EntityID] = entity
	}

	for _, remoteEntity := range snapshot {
		report.Examined++
		live, err := r.oplog.HasLiveOperationForEntity(ctx, entityType, remoteEntity.ID)
		if err != nil {
			return err
		}
		if live {
			// An in-flight edit owns this entity; touching it now would
			// race the executor.
			report.Skipped++
			delete(localByID, remoteEntity.ID)
			continue
		}

		localEntity, exists := localByID[remoteEntity.ID]
		delete(localByID, remoteEntity.ID)

		switch {
		case !exists:
			if err := r.readRepair(ctx, entityType, remoteEntity); err != nil {
				return err
			}
			report.ReadRepairs++
		case localEntity.Dirty:
			if err := r.pushBack(ctx, localEntity); err != nil {
				return err
			}
			report.PushedBack++
		case remoteEntity.UpdatedAt.After(localEntity.UpdatedAt):
			if err := r.readRepair(ctx, entityType, remoteEntity); err != nil {
				return err
			}
			report.ReadRepairs++
		}
	}

	// Whatever is left locally has no remote counterpart.
	for _, localEntity := range localByID {
		report.Examined++
		live, err := r.oplog.HasLiveOperationForEntity(ctx, entityType, localEntity.EntityID)
		if err != nil {
			return err
		}
		if live {
			report.Skipped++
			continue
		}
		if localEntity.Dirty {
			if err := r.pushBack(ctx, localEntity); err != nil {
				return err
			}
			report.PushedBack++
			continue
		}
		if err := r.view.Delete(ctx, entityType, localEntity.EntityID); err != nil {
			return err
		}
		report.ReadRepairs++
	}

	return nil
}

// readRepair overwrites the local copy with remote truth.
func (r *Reconciler) readRepair(ctx context.Context, entityType string, remoteEntity remote.Entity) error {
	return r.view.Put(ctx, &LocalEntity{
		EntityType: entityType,
		EntityID:   remoteEntity.ID,
		Data:       remoteEntity.Data,
		UpdatedAt:  remoteEntity.UpdatedAt,
	})
}

// pushBack queues a sync operation carrying the dirty local state to the
// remote. The entity stays dirty until that operation succeeds.
func (r *Reconciler) pushBack(ctx context.Context, localEntity *LocalEntity) error {
	op, err := r.oplog.Enqueue(ctx, model.NewSyncOperation{
		EntityType: localEntity.EntityType,
		EntityID:   localEntity.EntityID,
		Kind:       model.KindUpdate,
		Payload:    localEntity.Data,
	})
	if err != nil {
		return err
	}
	return r.queue.EnqueueAttempt(ctx, op.OperationID, op.EntityType, op.EntityID, op.Attempts, 0)
}

func (r *Reconciler) storeReport(ctx context.Context, report *ReconciliationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, lastReconciliationKey, data)
}

// LastReport returns the most recent cycle report, or store.ErrKeyNotFound
// when no cycle has run yet.
func (r *Reconciler) LastReport(ctx context.Context) (*ReconciliationReport, error) {
	data, err := r.kv.Get(ctx, lastReconciliationKey)
	if err != nil {
		return nil, err
	}
	var report ReconciliationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
