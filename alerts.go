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
	"time"

	"github.com/fleetcore/fleetsync/config"
	"github.com/fleetcore/fleetsync/model"
	"github.com/fleetcore/fleetsync/store"
)

const alertSeenKeyPrefix = "alertseen:"

// AlertEvaluator derives operator alerts from the current state of the
// operation log and its attempt history. Alerts are recomputed on every
// call rather than stored; only the read/unread marks persist.
type AlertEvaluator struct {
	oplog *OperationLog
	kv    store.KeyValueStore
}

func NewAlertEvaluator(oplog *OperationLog, kv store.KeyValueStore) *AlertEvaluator {
	return &AlertEvaluator{oplog: oplog, kv: kv}
}

// alertKey identifies an alert across recomputations. Two alerts with the
// same type and message are the same alert for read-tracking purposes.
func alertKey(a model.SyncAlert) string {
	return fmt.Sprintf("%s%s:%s", alertSeenKeyPrefix, a.Type, a.Message)
}

// CheckAlerts recomputes the full alert set from log state. The result is
// deterministic for a given log: calling it twice without intervening
// writes returns the same alerts.
func (e *AlertEvaluator) CheckAlerts(ctx context.Context) ([]model.SyncAlert, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	alerts := make([]model.SyncAlert, 0)

	ops, err := e.oplog.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	failedCount := 0
	liveCount := 0
	for _, op := range ops {
		switch op.Status {
		case model.StatusFailed, model.StatusAbandoned:
			failedCount++
			liveCount++
		case model.StatusPending, model.StatusInProgress:
			liveCount++
		}
	}

	if failedCount >= conf.Alerting.CriticalFailedThreshold {
		alerts = append(alerts, model.SyncAlert{
			Type:      model.AlertCritical,
			Message:   fmt.Sprintf("%d or more sync operations require attention", conf.Alerting.CriticalFailedThreshold),
			Count:     failedCount,
			Timestamp: now,
		})
	}

	history, err := e.oplog.History(ctx, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	attempts := len(history)
	failures := 0
	var lastSuccess time.Time
	for _, entry := range history {
		if entry.Result.Success {
			if entry.CreatedAt.After(lastSuccess) {
				lastSuccess = entry.CreatedAt
			}
		} else {
			failures++
		}
	}

	if attempts > 0 {
		rate := float64(failures) / float64(attempts)
		if rate >= conf.Alerting.FailureRateThreshold {
			alerts = append(alerts, model.SyncAlert{
				Type:      model.AlertWarning,
				Message:   fmt.Sprintf("sync failure rate at %.0f%% over the last 24h", rate*100),
				Count:     failures,
				Timestamp: now,
			})
		}
	}

	if failures >= conf.Alerting.FailureCountThreshold {
		alerts = append(alerts, model.SyncAlert{
			Type:      model.AlertWarning,
			Message:   fmt.Sprintf("%d or more sync failures in the last 24h", conf.Alerting.FailureCountThreshold),
			Count:     failures,
			Timestamp: now,
		})
	}

	// Staleness only matters while there is sync activity: outstanding
	// work or attempts inside the trailing window. A success inside the
	// staleness window clears it.
	staleFor := conf.StalenessWindow()
	if (liveCount > 0 || attempts > 0) && (lastSuccess.IsZero() || now.Sub(lastSuccess) >= staleFor) {
		alerts = append(alerts, model.SyncAlert{
			Type:      model.AlertWarning,
			Message:   fmt.Sprintf("no successful sync in over %s with operations outstanding", staleFor),
			Count:     liveCount,
			Timestamp: now,
		})
	}

	return alerts, nil
}

// HasCritical reports whether any current alert is critical.
func (e *AlertEvaluator) HasCritical(ctx context.Context) (bool, error) {
	alerts, err := e.CheckAlerts(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range alerts {
		if a.Type == model.AlertCritical {
			return true, nil
		}
	}
	return false, nil
}

// UnreadCount returns how many current alerts have not been marked read.
// An alert marked read stays read as long as it keeps recurring with the
// same type and message; a new distinct alert counts as unread again.
func (e *AlertEvaluator) UnreadCount(ctx context.Context) (int, error) {
	alerts, err := e.CheckAlerts(ctx)
	if err != nil {
		return 0, err
	}
	unread := 0
	for _, a := range alerts {
		_, err := e.kv.Get(ctx, alertKey(a))
		if errors.Is(err, store.ErrKeyNotFound) {
			unread++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	return unread, nil
}

// MarkAllRead marks every current alert as read.
func (e *AlertEvaluator) MarkAllRead(ctx context.Context) error {
	alerts, err := e.CheckAlerts(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		seen, err := json.Marshal(a.Timestamp)
		if err != nil {
			return err
		}
		if err := e.kv.Set(ctx, alertKey(a), seen); err != nil {
			return err
		}
	}
	return nil
}
