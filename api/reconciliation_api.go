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
	"context"
	"errors"
	"net/http"

	"github.com/fleetcore/fleetsync"
	"github.com/fleetcore/fleetsync/store"

	"github.com/gin-gonic/gin"
)

func (a Api) StartReconciliation(c *gin.Context) {
	// The loop must outlive the request.
	a.engine.StartAutoReconciliation(context.Background())
	c.JSON(http.StatusOK, gin.H{"message": "reconciliation scheduler started"})
}

func (a Api) StopReconciliation(c *gin.Context) {
	a.engine.StopAutoReconciliation()
	c.JSON(http.StatusOK, gin.H{"message": "reconciliation scheduler stopped"})
}

func (a Api) RunReconciliation(c *gin.Context) {
	report, err := a.engine.RunReconciliation(c.Request.Context())
	if errors.Is(err, fleetsync.ErrReconciliationRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (a Api) GetLastReconciliation(c *gin.Context) {
	report, err := a.engine.LastReconciliationReport(c.Request.Context())
	if errors.Is(err, store.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation has run yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}
