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
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/internal/notification"
	"github.com/fleetcore/fleetsync/model"
)

// BackoffPolicy computes retry delays: exponential growth from a base
// delay up to a ceiling, plus a small positive jitter so synchronized
// failures don't retry in lockstep.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// delayFor returns the deterministic component of the delay before attempt
// number attempts+1. It is non-decreasing in attempts and constant once the
// ceiling is reached.
func (p BackoffPolicy) delayFor(attempts int) time.Duration {
	delay := p.Base
	for i := 0; i < attempts; i++ {
		if delay >= p.Max/2 {
			return p.Max
		}
		delay *= 2
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// NextDelay returns the delay to wait before the next attempt, given the
// attempts consumed so far.
func (p BackoffPolicy) NextDelay(attempts int) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(p.Base)/2 + 1))
	return p.delayFor(attempts) + jitter
}

// Scheduler decides when a failed-but-retryable operation gets its next
// attempt and when the engine gives up on it.
type Scheduler struct {
	oplog       *OperationLog
	queue       *Queue
	policy      BackoffPolicy
	maxAttempts int
}

// NewScheduler builds a retry scheduler.
func NewScheduler(oplog *OperationLog, queue *Queue, policy BackoffPolicy, maxAttempts int) *Scheduler {
	return &Scheduler{
		oplog:       oplog,
		queue:       queue,
		policy:      policy,
		maxAttempts: maxAttempts,
	}
}

// ScheduleNext arms the next attempt for a retryable operation. When the
// attempt budget is exhausted, the operation transitions to abandoned -
// no timer armed - and the failure escalates to the notification channel.
func (s *Scheduler) ScheduleNext(ctx context.Context, op *model.SyncOperation) error {
	if model.IsTerminal(op.Status) {
		return nil
	}

	if op.Attempts >= s.maxAttempts {
		return s.abandon(ctx, op)
	}

	delay := s.policy.NextDelay(op.Attempts)
	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"attempts":     op.Attempts,
		"delay":        delay,
	}).Info("Scheduling retry")
	return s.queue.EnqueueAttempt(ctx, op.OperationID, op.EntityType, op.EntityID, op.Attempts, delay)
}

func (s *Scheduler) abandon(ctx context.Context, op *model.SyncOperation) error {
	abandoned := model.StatusAbandoned
	updated, err := s.oplog.Update(ctx, op.OperationID, OperationPatch{Status: &abandoned})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"operation_id": updated.OperationID,
		"entity_type":  updated.EntityType,
		"entity_id":    updated.EntityID,
		"attempts":     updated.Attempts,
	}).Warn("Operation abandoned after exhausting retries")

	notification.NotifyError(fmt.Errorf("sync operation %s for %s/%s abandoned after %d attempts",
		updated.OperationID, updated.EntityType, updated.EntityID, updated.Attempts))

	if err := SendAlertWebhook(AlertWebhook{
		Event: "sync.operation.abandoned",
		Payload: map[string]interface{}{
			"operation_id": updated.OperationID,
			"entity_type":  updated.EntityType,
			"entity_id":    updated.EntityID,
			"attempts":     updated.Attempts,
		},
	}); err != nil {
		logrus.WithError(err).Error("Failed to enqueue abandonment webhook")
	}
	return nil
}

// ReprocessFailed is the operator-triggered bypass of backoff: every
// failed or abandoned operation gets exactly one immediate attempt.
// Attempt counts are never reset, so repeated manual runs still report
// abandonment honestly once the budget is gone.
func (s *Scheduler) ReprocessFailed(ctx context.Context, executor *Executor) (model.ReprocessSummary, error) {
	failed, err := s.oplog.ListFailed(ctx)
	if err != nil {
		return model.ReprocessSummary{}, err
	}

	summary := model.ReprocessSummary{}
	for _, op := range failed {
		if op.Status == model.StatusAbandoned {
			if _, err := s.oplog.Reactivate(ctx, op.OperationID); err != nil {
				logrus.WithError(err).Errorf("failed to reactivate operation %s", op.OperationID)
				summary.Failed++
				continue
			}
		}

		result, err := executor.Execute(ctx, op.OperationID)
		if err != nil {
			if errors.Is(err, ErrEntityBusy) {
				// an earlier sibling is mid-flight; this one keeps its
				// place in line
				summary.Failed++
				continue
			}
			logrus.WithError(err).Errorf("failed to reprocess operation %s", op.OperationID)
			summary.Failed++
			continue
		}

		if result.Success {
			summary.Succeeded++
			continue
		}
		summary.Failed++

		// a failed bypass attempt goes back through normal scheduling,
		// which abandons it if the budget is now exhausted
		updated, err := s.oplog.Get(ctx, op.OperationID)
		if err == nil && updated != nil {
			if err := s.ScheduleNext(ctx, updated); err != nil {
				logrus.WithError(err).Errorf("failed to reschedule operation %s", op.OperationID)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("Manual reprocess finished")
	return summary, nil
}
