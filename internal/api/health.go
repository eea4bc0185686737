package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type clusterHealth struct {
	ClusterID string `json:"cluster_id"`
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// healthHandler reports the database and every active cluster. A degraded
// cluster does not fail the check; the body shows which ones are down.
func (a *API) healthHandler(c *gin.Context) {
	if err := a.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": "database unreachable"})
		return
	}

	clusters, err := a.store.ListActiveClusters()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	checks := make([]clusterHealth, 0, len(clusters))
	for _, cluster := range clusters {
		check := clusterHealth{ClusterID: cluster.ClusterID}
		client, err := a.registry.Get(cluster.ClusterID)
		if err == nil {
			vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			check.Version, err = client.Version(vctx)
			cancel()
		}
		if err != nil {
			check.Error = err.Error()
		} else {
			check.Reachable = true
		}
		checks = append(checks, check)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "clusters": checks})
}
