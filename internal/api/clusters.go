package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

func (a *API) listClustersHandler(c *gin.Context) {
	clusters, err := a.store.ListClusters()
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

// saveClusterRequest carries the credential alongside the cluster record;
// the password never appears in responses.
type saveClusterRequest struct {
	store.Cluster
	Password string `json:"password"`
}

func (a *API) saveClusterHandler(c *gin.Context) {
	var req saveClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClusterID == "" || req.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cluster_id and host are required"})
		return
	}

	cluster := req.Cluster
	if req.Password != "" {
		cluster.Password = req.Password
	} else if existing, err := a.store.GetCluster(req.ClusterID); err == nil {
		// An omitted password on an existing cluster keeps the stored one.
		cluster.Password = existing.Password
	}

	if err := a.store.SaveCluster(&cluster); err != nil {
		apierr.Respond(c, err)
		return
	}

	// Drop any cached session so the next request authenticates with the
	// new settings.
	a.registry.Invalidate(cluster.ClusterID)
	log.Info().Str("cluster", cluster.ClusterID).Msg("cluster configuration saved")

	c.JSON(http.StatusOK, cluster)
}

func (a *API) deleteClusterHandler(c *gin.Context) {
	clusterID := c.Param("id")
	if err := a.store.DeleteCluster(clusterID); err != nil {
		apierr.Respond(c, err)
		return
	}
	a.registry.Invalidate(clusterID)
	c.JSON(http.StatusOK, gin.H{"message": "cluster deleted"})
}
