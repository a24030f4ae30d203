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
	"errors"
	"net/http"

	model2 "github.com/fleetcore/fleetsync/api/model"
	"github.com/fleetcore/fleetsync/internal/syncerror"
	"github.com/fleetcore/fleetsync/store"

	"github.com/gin-gonic/gin"
)

func (a Api) RecordSync(c *gin.Context) {
	var newSync model2.RecordSync
	if err := c.ShouldBindJSON(&newSync); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newSync.ValidateRecordSync()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.Sync(c.Request.Context(), newSync.ToNewSyncOperation())
	if err != nil {
		c.JSON(syncerror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) ReprocessFailedSyncs(c *gin.Context) {
	summary, err := a.engine.ReprocessFailed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (a Api) GetSyncStatus(c *gin.Context) {
	status, err := a.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

func (a Api) GetOperation(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	op, err := a.engine.GetOperation(c.Request.Context(), id)
	if errors.Is(err, store.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, op)
}

func (a Api) GetAllOperations(c *gin.Context) {
	ops, err := a.engine.ListOperations(c.Request.Context(), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ops)
}

func (a Api) GetAlerts(c *gin.Context) {
	alerts, err := a.engine.CheckAlerts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, alerts)
}

func (a Api) GetUnreadAlertCount(c *gin.Context) {
	count, err := a.engine.UnreadAlertCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (a Api) MarkAlertsRead(c *gin.Context) {
	if err := a.engine.MarkAlertsRead(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "alerts marked read"})
}

func (a Api) GetEntity(c *gin.Context) {
	entityType, _ := c.Params.Get("type")
	entityID, _ := c.Params.Get("id")

	entity, err := a.engine.GetEntity(c.Request.Context(), entityType, entityID)
	if errors.Is(err, store.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, entity)
}
