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
	"time"

	"github.com/fleetcore/fleetsync/model"
)

// Status summarizes current sync health from log state. Nothing is cached;
// the summary always reflects the log at the time of the call.
func (e *Engine) Status(ctx context.Context) (*model.SyncStatus, error) {
	ops, err := e.oplog.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	status := &model.SyncStatus{}
	for _, op := range ops {
		switch op.Status {
		case model.StatusPending, model.StatusInProgress:
			status.Pending++
		case model.StatusFailed, model.StatusAbandoned:
			status.Failed++
		}
	}

	if e.queue != nil {
		if depth, err := e.queue.PendingTaskCount(); err == nil {
			status.QueueDepth = depth
		}
	}

	history, err := e.oplog.History(ctx, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	status.RecentFailures = make([]model.HistoryEntry, 0)
	for _, entry := range history {
		if entry.Result.Success {
			if status.LastSyncAt == nil || entry.CreatedAt.After(*status.LastSyncAt) {
				t := entry.CreatedAt
				status.LastSyncAt = &t
			}
		} else {
			status.RecentFailures = append(status.RecentFailures, entry)
		}
	}

	return status, nil
}
