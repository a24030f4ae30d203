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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetcore/fleetsync/internal/syncerror"
	"github.com/fleetcore/fleetsync/model"
)

// RecoveryProcessor re-dispatches operations whose queue task was lost.
// A crash mid-attempt leaves an operation in_progress with no worker, and
// its archived task never fires again; a pending operation can likewise
// lose its task. Either state also blocks every later operation for the
// same entity, so stuck operations are put back on the queue on a timer.
type RecoveryProcessor struct {
	oplog          *OperationLog
	queue          *Queue
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewRecoveryProcessor(oplog *OperationLog, queue *Queue) *RecoveryProcessor {
	return &RecoveryProcessor{
		oplog:          oplog,
		queue:          queue,
		pollInterval:   30 * time.Second,
		stuckThreshold: 10 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *RecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck operation recovery processor started")
}

func (p *RecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck operation recovery processor stopped")
}

func (p *RecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck operation recovery processor context cancelled")
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.RecoverStuck(ctx); err != nil {
				logrus.Error("Stuck operation recovery failed: ", err)
			}
		}
	}
}

// RecoverStuck scans the log for operations that have sat in a live state
// longer than the stuck threshold and puts them back on the queue. An
// in_progress operation is first moved to failed; its attempt was already
// charged when it entered in_progress, so recovery never grants extra
// budget. Returns how many operations were re-dispatched.
func (p *RecoveryProcessor) RecoverStuck(ctx context.Context) (int, error) {
	ops, err := p.oplog.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-p.stuckThreshold)
	recovered := 0
	for _, op := range ops {
		if op.UpdatedAt.After(cutoff) {
			continue
		}

		switch op.Status {
		case model.StatusInProgress:
			failed := model.StatusFailed
			lastError := &model.SyncError{
				Code:      string(syncerror.ErrInternal),
				Message:   "attempt interrupted before completion",
				Timestamp: time.Now(),
			}
			op, err = p.oplog.Update(ctx, op.OperationID, OperationPatch{Status: &failed, LastError: lastError})
			if err != nil {
				logrus.Error("Failed to release stuck operation: ", err)
				continue
			}
		case model.StatusPending:
		default:
			continue
		}

		if err := p.queue.RedispatchAttempt(ctx, op.OperationID, op.EntityType, op.EntityID, op.Attempts, 0); err != nil {
			logrus.Error("Failed to redispatch stuck operation: ", err)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"operation_id": op.OperationID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"attempts":     op.Attempts,
		}).Warn("Recovered stuck operation")
		recovered++
	}
	return recovered, nil
}
