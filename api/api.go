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
package api

import (
	"github.com/fleetcore/fleetsync/api/middleware"
	"github.com/fleetcore/fleetsync/config"

	"github.com/fleetcore/fleetsync"
	"github.com/gin-gonic/gin"
)

type Api struct {
	engine *fleetsync.Engine
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/sync", a.RecordSync)
	router.POST("/sync/reprocess", a.ReprocessFailedSyncs)
	router.GET("/sync/status", a.GetSyncStatus)

	router.GET("/operations", a.GetAllOperations)
	router.GET("/operations/:id", a.GetOperation)

	router.GET("/alerts", a.GetAlerts)
	router.GET("/alerts/unread-count", a.GetUnreadAlertCount)
	router.POST("/alerts/read", a.MarkAlertsRead)

	router.GET("/entities/:type/:id", a.GetEntity)

	router.POST("/reconciliation/start", a.StartReconciliation)
	router.POST("/reconciliation/stop", a.StopReconciliation)
	router.POST("/reconciliation/run", a.RunReconciliation)
	router.GET("/reconciliation/last", a.GetLastReconciliation)

	return a.router
}

func NewAPI(e *fleetsync.Engine) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: e, router: r}
}
