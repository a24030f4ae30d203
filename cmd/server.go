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
	"log"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fleetcore/fleetsync/api"
	"github.com/fleetcore/fleetsync/config"
)

func initializeRouter(f *fleetsyncInstance) *gin.Engine {
	return api.NewAPI(f.engine).Router()
}

// serverCommands defines the "start" command that runs the HTTP API and the
// reconciliation loop.
func serverCommands(f *fleetsyncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start fleetsync server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			router := initializeRouter(f)

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			f.engine.StartAutoReconciliation(ctx)
			defer f.engine.StopAutoReconciliation()

			log.Printf("Starting server on %s", cfg.Server.Port)
			if err := router.Run(":" + cfg.Server.Port); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
