package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/deploy"
	"github.com/cpp-cyber/classlab/internal/sse"
)

type deployEvent struct {
	Stage  string `json:"stage"`
	VMID   int    `json:"vmid,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type deployDone struct {
	Stage        string   `json:"stage"`
	TaskID       string   `json:"task_id"`
	CreatedCount int      `json:"created_count"`
	ErrorCount   int      `json:"error_count"`
	Errors       []string `json:"errors,omitempty"`
	VMIDs        []int    `json:"vmids,omitempty"`
}

// deployHandler runs a batch deployment and streams per-VM progress as
// server-sent events. The final event carries the batch summary.
func (a *API) deployHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	var req deploy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cls, err := a.store.GetClass(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	stream, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.OnProgress = func(stage string, vmid int, detail string) {
		stream.Send(deployEvent{Stage: stage, VMID: vmid, Detail: detail})
	}

	result, err := a.deploy.Deploy(c.Request.Context(), cls, req)
	if err != nil {
		log.Warn().Int64("class", id).Err(err).Msg("deployment failed")
		stream.Send(deployEvent{Stage: "error", Detail: err.Error()})
		return
	}

	a.syncer.TriggerSync()
	stream.Send(deployDone{
		Stage:        "done",
		TaskID:       result.TaskID,
		CreatedCount: result.CreatedCount,
		ErrorCount:   result.ErrorCount,
		Errors:       result.Errors,
		VMIDs:        result.VMIDs,
	})
}

func (a *API) reimageHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vmid"})
		return
	}

	cls, err := a.store.GetClass(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	assignment, err := a.store.GetAssignmentByVMID(vmid)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if assignment.ClassID == nil || *assignment.ClassID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vm does not belong to this class"})
		return
	}

	if err := a.deploy.Reimage(c.Request.Context(), cls, assignment); err != nil {
		apierr.Respond(c, err)
		return
	}
	a.syncer.TriggerSync()
	c.JSON(http.StatusOK, gin.H{"message": "reimage complete"})
}
