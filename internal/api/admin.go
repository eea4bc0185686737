package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
)

func (a *API) cleanupOrphansHandler(c *gin.Context) {
	removed, err := a.classes.CleanupOrphans()
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	log.Info().Int64("removed", removed).Msg("orphan assignments cleaned up")
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (a *API) scanRecoveryHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	clusterID := c.Query("cluster")
	if clusterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cluster query parameter is required"})
		return
	}

	candidates, err := a.classes.ScanRecoverable(c.Request.Context(), id, clusterID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

type recoverRequest struct {
	ClusterID string `json:"cluster_id" binding:"required"`
	VMIDs     []int  `json:"vmids" binding:"required"`
}

func (a *API) recoverHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recovered, err := a.classes.Recover(c.Request.Context(), id, req.ClusterID, req.VMIDs)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	a.syncer.TriggerSync()
	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}

func (a *API) shellPoolHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.pool.Stats())
}
