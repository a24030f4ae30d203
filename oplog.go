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
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetcore/fleetsync/internal/syncerror"
	"github.com/fleetcore/fleetsync/model"
	"github.com/fleetcore/fleetsync/store"
)

const (
	opKeyPrefix      = "op:"
	historyKeyPrefix = "history:"
)

// OperationLog is the durable, crash-safe record of every pending and
// attempted mutation. It exclusively owns operation state: every other
// component reads it or appends results through it. All mutations are
// flushed to the store synchronously before the call returns.
type OperationLog struct {
	store store.KeyValueStore

	// Guards read-modify-write on a single operation id against
	// concurrent callers, e.g. a manual reprocess racing a scheduled
	// retry.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	historyRetention time.Duration
}

// OperationPatch describes a partial update to an operation. Nil fields
// are left untouched.
type OperationPatch struct {
	Status    *string
	Attempts  *int
	LastError *model.SyncError
}

// NewOperationLog builds an operation log over the given durable store.
func NewOperationLog(kv store.KeyValueStore, historyRetention time.Duration) *OperationLog {
	return &OperationLog{
		store:            kv,
		locks:            make(map[string]*sync.Mutex),
		historyRetention: historyRetention,
	}
}

func (l *OperationLog) lockFor(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

func opKey(id string) string {
	return opKeyPrefix + id
}

// Enqueue stores a new operation. An id is assigned when the caller did not
// provide one; status starts at pending with zero attempts. Storage errors
// are surfaced to the caller, never swallowed: losing durability silently
// would break the engine's core guarantee.
func (l *OperationLog) Enqueue(ctx context.Context, newOp model.NewSyncOperation) (*model.SyncOperation, error) {
	if newOp.EntityType == "" || newOp.EntityID == "" {
		return nil, syncerror.NewSyncError(syncerror.ErrValidation, "entity type and entity id are required", nil)
	}
	if !model.ValidKind(newOp.Kind) {
		return nil, syncerror.NewSyncError(syncerror.ErrValidation, fmt.Sprintf("unknown operation kind: %s", newOp.Kind), nil)
	}

	id := newOp.OperationID
	if id == "" {
		id = model.GenerateUUIDWithSuffix("op")
	}

	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// Enqueue with an explicit id is idempotent: a duplicate enqueue
	// returns the stored record instead of resetting it.
	if existing, err := l.get(ctx, id); err == nil {
		return existing, nil
	} else if err != store.ErrKeyNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	op := &model.SyncOperation{
		OperationID: id,
		EntityType:  newOp.EntityType,
		EntityID:    newOp.EntityID,
		Kind:        newOp.Kind,
		Payload:     newOp.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempts:    0,
		Status:      model.StatusPending,
	}

	if err := l.put(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Get returns the operation with the given id, or nil when absent.
func (l *OperationLog) Get(ctx context.Context, id string) (*model.SyncOperation, error) {
	op, err := l.get(ctx, id)
	if err == store.ErrKeyNotFound {
		return nil, nil
	}
	return op, err
}

func (l *OperationLog) get(ctx context.Context, id string) (*model.SyncOperation, error) {
	data, err := l.store.Get(ctx, opKey(id))
	if err != nil {
		return nil, err
	}
	var op model.SyncOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation %s: %w", id, err)
	}
	return &op, nil
}

func (l *OperationLog) put(ctx context.Context, op *model.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", op.OperationID, err)
	}
	if err := l.store.Set(ctx, opKey(op.OperationID), data); err != nil {
		return syncerror.NewSyncError(syncerror.ErrStorage, "failed to persist operation", err.Error())
	}
	return nil
}

func (l *OperationLog) list(ctx context.Context) ([]*model.SyncOperation, error) {
	keys, err := l.store.Keys(ctx, opKeyPrefix)
	if err != nil {
		return nil, syncerror.NewSyncError(syncerror.ErrStorage, "failed to list operations", err.Error())
	}

	ops := make([]*model.SyncOperation, 0, len(keys))
	for _, key := range keys {
		op, err := l.get(ctx, strings.TrimPrefix(key, opKeyPrefix))
		if err != nil {
			if err == store.ErrKeyNotFound {
				continue // deleted between listing and read
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ListPending returns every pending operation, oldest first, so retries
// drain in FIFO order.
func (l *OperationLog) ListPending(ctx context.Context) ([]*model.SyncOperation, error) {
	return l.listByStatus(ctx, model.StatusPending)
}

// ListFailed returns every failed or abandoned operation, oldest first.
func (l *OperationLog) ListFailed(ctx context.Context) ([]*model.SyncOperation, error) {
	return l.listByStatus(ctx, model.StatusFailed, model.StatusAbandoned)
}

// ListAll returns every operation in the log, oldest first.
func (l *OperationLog) ListAll(ctx context.Context) ([]*model.SyncOperation, error) {
	ops, err := l.list(ctx)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(ops)
	return ops, nil
}

func (l *OperationLog) listByStatus(ctx context.Context, statuses ...string) ([]*model.SyncOperation, error) {
	ops, err := l.list(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	filtered := ops[:0]
	for _, op := range ops {
		if wanted[op.Status] {
			filtered = append(filtered, op)
		}
	}
	sortByCreatedAt(filtered)
	return filtered, nil
}

func sortByCreatedAt(ops []*model.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].OperationID < ops[j].OperationID
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// Update applies a patch to an operation under the per-id lock. Attempts
// only ever increment, never regress, and terminal statuses are frozen.
func (l *OperationLog) Update(ctx context.Context, id string, patch OperationPatch) (*model.SyncOperation, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	op, err := l.get(ctx, id)
	if err != nil {
		if err == store.ErrKeyNotFound {
			return nil, syncerror.NewSyncError(syncerror.ErrNotFound, fmt.Sprintf("operation not found: %s", id), nil)
		}
		return nil, err
	}

	if patch.Status != nil && *patch.Status != op.Status {
		if !model.CanTransition(op.Status, *patch.Status) {
			return nil, syncerror.NewSyncError(syncerror.ErrConflict,
				fmt.Sprintf("invalid status transition %s -> %s for operation %s", op.Status, *patch.Status, id), nil)
		}
		op.Status = *patch.Status
	}
	if patch.Attempts != nil {
		if *patch.Attempts < op.Attempts {
			return nil, syncerror.NewSyncError(syncerror.ErrConflict,
				fmt.Sprintf("attempts must not regress for operation %s: %d < %d", id, *patch.Attempts, op.Attempts), nil)
		}
		op.Attempts = *patch.Attempts
	}
	if patch.LastError != nil {
		op.LastError = patch.LastError
	}
	op.UpdatedAt = time.Now().UTC()

	if err := l.put(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Reactivate moves an abandoned operation back to failed so a manual
// reprocess can attempt it once more. This is the one operator-only bypass
// of the terminal-status rule; the attempt count is preserved, so a failed
// bypass attempt sends the operation straight back to abandoned.
func (l *OperationLog) Reactivate(ctx context.Context, id string) (*model.SyncOperation, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	op, err := l.get(ctx, id)
	if err != nil {
		if err == store.ErrKeyNotFound {
			return nil, syncerror.NewSyncError(syncerror.ErrNotFound, fmt.Sprintf("operation not found: %s", id), nil)
		}
		return nil, err
	}
	if op.Status != model.StatusAbandoned {
		return op, nil
	}

	op.Status = model.StatusFailed
	op.UpdatedAt = time.Now().UTC()
	if err := l.put(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Delete removes an operation from the log.
func (l *OperationLog) Delete(ctx context.Context, id string) error {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.Delete(ctx, opKey(id)); err != nil {
		return syncerror.NewSyncError(syncerror.ErrStorage, "failed to delete operation", err.Error())
	}

	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
	return nil
}

// HasLiveOperationForEntity reports whether any pending or in-progress
// operation targets the given entity. Reconciliation consults this before
// a read-repair so it never overwrites an entity with local intent in
// flight.
func (l *OperationLog) HasLiveOperationForEntity(ctx context.Context, entityType, entityID string) (bool, error) {
	ops, err := l.list(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.EntityType == entityType && op.EntityID == entityID &&
			(op.Status == model.StatusPending || op.Status == model.StatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

// EarlierLiveOperationExists reports whether a non-terminal operation for
// the same entity was created before the given one. The executor refuses
// to start an operation while an earlier sibling is still live, keeping
// per-entity application in createdAt order.
func (l *OperationLog) EarlierLiveOperationExists(ctx context.Context, op *model.SyncOperation) (bool, error) {
	ops, err := l.list(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range ops {
		if other.OperationID == op.OperationID {
			continue
		}
		if other.EntityType != op.EntityType || other.EntityID != op.EntityID {
			continue
		}
		if model.IsTerminal(other.Status) {
			continue
		}
		if other.CreatedAt.Before(op.CreatedAt) ||
			(other.CreatedAt.Equal(op.CreatedAt) && other.OperationID < op.OperationID) {
			return true, nil
		}
	}
	return false, nil
}

// PurgeSucceeded removes succeeded operations older than the retention
// grace period. History entries for them stay until the history window
// itself expires.
func (l *OperationLog) PurgeSucceeded(ctx context.Context, olderThan time.Duration) (int, error) {
	ops, err := l.list(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	for _, op := range ops {
		if op.Status == model.StatusSucceeded && op.UpdatedAt.Before(cutoff) {
			if err := l.Delete(ctx, op.OperationID); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

// AppendHistory records the outcome of one execution attempt and prunes
// entries that have aged out of the retention window. History is advisory:
// it feeds alerting and diagnostics, never replay.
func (l *OperationLog) AppendHistory(ctx context.Context, entry model.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	// Fixed-width nanosecond key keeps lexicographic order chronological.
	key := fmt.Sprintf("%s%020d:%s", historyKeyPrefix, entry.CreatedAt.UnixNano(), entry.OperationID)
	if err := l.store.Set(ctx, key, data); err != nil {
		return syncerror.NewSyncError(syncerror.ErrStorage, "failed to persist history entry", err.Error())
	}

	return l.pruneHistory(ctx)
}

// History returns the entries recorded within the trailing window, oldest
// first.
func (l *OperationLog) History(ctx context.Context, window time.Duration) ([]model.HistoryEntry, error) {
	keys, err := l.store.Keys(ctx, historyKeyPrefix)
	if err != nil {
		return nil, syncerror.NewSyncError(syncerror.ErrStorage, "failed to list history", err.Error())
	}
	sort.Strings(keys)

	cutoff := time.Now().UTC().Add(-window)
	var entries []model.HistoryEntry
	for _, key := range keys {
		if ts, ok := historyKeyTime(key); ok && ts.Before(cutoff) {
			continue
		}
		data, err := l.store.Get(ctx, key)
		if err != nil {
			if err == store.ErrKeyNotFound {
				continue
			}
			return nil, err
		}
		var entry model.HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry %s: %w", key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *OperationLog) pruneHistory(ctx context.Context) error {
	keys, err := l.store.Keys(ctx, historyKeyPrefix)
	if err != nil {
		return syncerror.NewSyncError(syncerror.ErrStorage, "failed to list history", err.Error())
	}

	cutoff := time.Now().UTC().Add(-l.historyRetention)
	for _, key := range keys {
		ts, ok := historyKeyTime(key)
		if !ok {
			continue
		}
		if ts.Before(cutoff) {
			if err := l.store.Delete(ctx, key); err != nil {
				return syncerror.NewSyncError(syncerror.ErrStorage, "failed to prune history entry", err.Error())
			}
		}
	}
	return nil
}

func historyKeyTime(key string) (time.Time, bool) {
	rest := strings.TrimPrefix(key, historyKeyPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}
