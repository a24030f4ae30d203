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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleetcore/fleetsync"
	"github.com/fleetcore/fleetsync/config"
	redis_db "github.com/fleetcore/fleetsync/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// processSyncAttempt executes one delivery attempt pulled from a sync
// queue. Retry scheduling is handled inside the engine, so a handled
// failure is not an asynq-level error.
func (f *fleetsyncInstance) processSyncAttempt(ctx context.Context, t *asynq.Task) error {
	var payload fleetsync.AttemptTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	result, err := f.engine.Attempt(ctx, payload.OperationID)
	if err != nil {
		logrus.Infof("Sync attempt for %s errored: %v", payload.OperationID, err)
		return err
	}

	if result.Success {
		log.Println(" [*] Sync attempt succeeded", payload.OperationID)
	} else {
		log.Println(" [*] Sync attempt failed, retry scheduled", payload.OperationID)
	}
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Sync.AlertQueue] = 3

	for i := 1; i <= cfg.Sync.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Sync.SyncQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			// Concurrency one keeps per-entity ordering inside a queue.
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(f *fleetsyncInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Sync.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Sync.SyncQueue, i)
		mux.HandleFunc(queueName, f.processSyncAttempt)
	}

	mux.HandleFunc(cfg.Sync.AlertQueue, fleetsync.ProcessAlertWebhook)
}

// workerCommands defines the "workers" command that drains the sync queues
// and the alert queue.
func workerCommands(f *fleetsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start fleetsync workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(f, mux)

			f.engine.StartRecovery(context.Background())
			defer f.engine.StopRecovery()

			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Sync.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
