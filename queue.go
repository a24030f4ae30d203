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
	"hash/fnv"
	"log"
	"time"

	"github.com/fleetcore/fleetsync/config"
	redis_db "github.com/fleetcore/fleetsync/internal/redis-db"

	"github.com/hibiken/asynq"
)

// Queue dispatches operation attempts through redis-backed task queues.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// AttemptTaskPayload is the payload of one queued attempt. Only the id
// travels on the queue; the executor reloads the authoritative record from
// the operation log.
type AttemptTaskPayload struct {
	OperationID string `json:"operation_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueAttempt schedules one execution attempt for an operation,
// optionally delayed. All operations for the same entity hash to the same
// queue and each queue is drained with concurrency one, so mutations on an
// entity are applied serially.
func (q *Queue) EnqueueAttempt(ctx context.Context, operationID, entityType, entityID string, attempts int, delay time.Duration) error {
	// Task id carries the attempt ordinal so a double-submitted attempt
	// dedupes while later attempts are never dropped as conflicts.
	taskID := fmt.Sprintf("%s:%d", operationID, attempts)
	return q.enqueue(ctx, operationID, entityType, entityID, taskID, delay)
}

// RedispatchAttempt schedules a fresh attempt for an operation whose
// previous task is unusable: blocked behind an earlier live sibling, or
// archived after a crash. The deterministic attempt id may still be held
// by that task (asynq keeps ids unique across active and archived tasks),
// so a nanosecond ordinal makes the new task distinct. A duplicate
// delivery is harmless: the executor reports recorded outcomes for
// terminal operations without touching the remote.
func (q *Queue) RedispatchAttempt(ctx context.Context, operationID, entityType, entityID string, attempts int, delay time.Duration) error {
	taskID := fmt.Sprintf("%s:%d:%d", operationID, attempts, time.Now().UnixNano())
	return q.enqueue(ctx, operationID, entityType, entityID, taskID, delay)
}

func (q *Queue) enqueue(ctx context.Context, operationID, entityType, entityID, taskID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(AttemptTaskPayload{OperationID: operationID})
	if err != nil {
		return err
	}

	queueIndex := hashEntityKey(entityType+":"+entityID) % cfg.Sync.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cfg.Sync.SyncQueue, queueIndex+1)

	taskOptions := []asynq.Option{
		asynq.TaskID(taskID),
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(queueName, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil // attempt already scheduled
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued sync attempt: %s (delay %v)", operationID, delay)
	return nil
}

// hashEntityKey returns a consistent hash value for an entity key.
func hashEntityKey(entityKey string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(entityKey))
	return int(hasher.Sum32())
}

// PendingTaskCount reports the number of queued attempt tasks across all
// sync queues, used by the status surface for queue depth.
func (q *Queue) PendingTaskCount() (int, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	total := 0
	for i := 1; i <= cfg.Sync.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Sync.SyncQueue, i)
		info, err := q.Inspector.GetQueueInfo(queueName)
		if err != nil {
			continue // queue may not exist until first use
		}
		total += info.Pending + info.Scheduled + info.Retry
	}
	return total, nil
}

// Close releases the queue's client connections.
func (q *Queue) Close() error {
	return q.Client.Close()
}
