package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/auth"
	"github.com/cpp-cyber/classlab/internal/store"
)

// vmView is one inventory row augmented with assignment-derived fields.
// MappedTo is only populated for admins.
type vmView struct {
	store.VMInventory
	IsBuilderVM bool   `json:"is_builder_vm"`
	MappedTo    string `json:"mapped_to,omitempty"`
}

func (a *API) listVMsHandler(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	role, _ := auth.CurrentRole(c)

	filter := store.VMFilter{
		ClusterID: c.Query("cluster"),
		Search:    c.Query("search"),
	}

	// Non-admins only see the VMIDs their assignments grant them.
	if role != store.RoleAdmin {
		vmids, err := a.visibleVMIDs(role, userID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		if len(vmids) == 0 {
			c.JSON(http.StatusOK, gin.H{"vms": []vmView{}})
			return
		}
		filter.VMIDs = vmids
	}

	vms, err := a.store.ListVMs(filter)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	views := make([]vmView, 0, len(vms))
	usernames := a.usernamesByVMID(role)
	for i := range vms {
		view := vmView{VMInventory: vms[i]}
		if assignment, err := a.store.GetAssignmentByVMID(vms[i].VMID); err == nil {
			view.IsBuilderVM = assignment.IsBuilderVM()
			if role == store.RoleAdmin {
				view.MappedTo = usernames[vms[i].VMID]
			}
		}
		views = append(views, view)
	}

	// Stale rows refresh in the background; the listing never blocks on a
	// network scan.
	a.queueBackgroundResolve(vms)

	c.JSON(http.StatusOK, gin.H{"vms": views})
}

// visibleVMIDs collects the VMIDs a non-admin may see: their own
// assignments, plus every VM of classes they teach or co-own.
func (a *API) visibleVMIDs(role store.Role, userID int64) ([]int, error) {
	seen := make(map[int]bool)

	own, err := a.store.ListAssignmentsForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, assignment := range own {
		seen[assignment.ProxmoxVMID] = true
	}

	if role == store.RoleTeacher {
		classes, err := a.store.ListClassesForTeacher(userID)
		if err != nil {
			return nil, err
		}
		for _, cls := range classes {
			assignments, err := a.store.ListAssignmentsForClass(cls.ID)
			if err != nil {
				return nil, err
			}
			for _, assignment := range assignments {
				seen[assignment.ProxmoxVMID] = true
			}
		}
	}

	vmids := make([]int, 0, len(seen))
	for vmid := range seen {
		vmids = append(vmids, vmid)
	}
	return vmids, nil
}

// usernamesByVMID maps assigned VMIDs to their owner's username. Admin
// listings only.
func (a *API) usernamesByVMID(role store.Role) map[int]string {
	if role != store.RoleAdmin {
		return nil
	}
	assignments, err := a.store.ListAllAssignments()
	if err != nil {
		return nil
	}
	users, err := a.store.ListUsers()
	if err != nil {
		return nil
	}
	byID := make(map[int64]string, len(users))
	for _, u := range users {
		byID[u.ID] = u.Username
	}

	out := make(map[int]string)
	for _, assignment := range assignments {
		if assignment.AssignedUserID != nil {
			out[assignment.ProxmoxVMID] = byID[*assignment.AssignedUserID]
		}
	}
	return out
}

func (a *API) queueBackgroundResolve(vms []store.VMInventory) {
	byCluster := make(map[string][]store.VMInventory)
	for _, vm := range vms {
		byCluster[vm.ClusterID] = append(byCluster[vm.ClusterID], vm)
	}
	for clusterID, group := range byCluster {
		cluster, err := a.store.GetCluster(clusterID)
		if err != nil {
			continue
		}
		a.resolver.ResolveBackground(cluster, group)
	}
}

var powerActions = map[string]bool{
	"start":    true,
	"shutdown": true,
	"stop":     true,
	"reboot":   true,
}

func (a *API) powerHandler(c *gin.Context) {
	clusterID := c.Param("cluster")
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vmid"})
		return
	}
	action := c.Param("action")
	if !powerActions[action] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown power action %q", action)})
		return
	}

	if !a.canActOnVM(c, vmid) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	vm, err := a.store.GetVM(clusterID, vmid)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	client, err := a.registry.Get(clusterID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	ctx := c.Request.Context()
	switch action {
	case "start":
		err = client.StartVM(ctx, vm.Node, string(vm.Type), vmid)
	case "shutdown":
		err = client.ShutdownVM(ctx, vm.Node, string(vm.Type), vmid)
	case "stop":
		err = client.StopVM(ctx, vm.Node, string(vm.Type), vmid)
	case "reboot":
		err = client.RebootVM(ctx, vm.Node, string(vm.Type), vmid)
	}
	if err != nil {
		apierr.Respond(c, fmt.Errorf("%w: %v", apierr.ErrClusterUnreachable, err))
		return
	}

	// Eager status refresh so the caller sees the transition without
	// waiting for the next sync pass.
	if status, serr := client.GetVMStatus(ctx, vm.Node, string(vm.Type), vmid); serr == nil {
		if uerr := a.store.UpdateVMStatus(clusterID, vmid, status.Status, status.Uptime, status.CPU); uerr != nil {
			log.Warn().Int("vmid", vmid).Err(uerr).Msg("eager status update failed")
		}
	}
	a.syncer.TriggerSync()

	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("%s issued", action)})
}

// canActOnVM checks that the caller owns or teaches the VM. Admins always
// may.
func (a *API) canActOnVM(c *gin.Context, vmid int) bool {
	role, _ := auth.CurrentRole(c)
	if role == store.RoleAdmin {
		return true
	}
	userID, _ := auth.CurrentUserID(c)
	vmids, err := a.visibleVMIDs(role, userID)
	if err != nil {
		return false
	}
	for _, id := range vmids {
		if id == vmid {
			return true
		}
	}
	return false
}

func (a *API) consoleHandler(c *gin.Context) {
	clusterID := c.Param("cluster")
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vmid"})
		return
	}
	if !a.canActOnVM(c, vmid) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	if err := a.console.Tunnel(c.Writer, c.Request, clusterID, vmid); err != nil {
		apierr.Respond(c, err)
	}
}
