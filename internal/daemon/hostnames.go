package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

const hostnameInterval = 60 * time.Second

// HostnameRenamer applies pending target hostnames through the guest agent
// once a VM is up with a known IP. Deployment records the desired hostname;
// this daemon keeps retrying until the guest accepts it.
type HostnameRenamer struct {
	store    *store.Store
	registry *proxmox.Registry
}

func NewHostnameRenamer(s *store.Store, registry *proxmox.Registry) *HostnameRenamer {
	return &HostnameRenamer{store: s, registry: registry}
}

// Run drives the rename loop until the context is cancelled.
func (h *HostnameRenamer) Run(ctx context.Context) {
	log.Info().Msg("hostname renamer started")
	ticker := time.NewTicker(hostnameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hostname renamer stopped")
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HostnameRenamer) sweep(ctx context.Context) {
	pending, err := h.store.ListPendingHostnames()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list pending hostnames")
		return
	}

	for _, a := range pending {
		if err := h.applyOne(ctx, &a); err != nil {
			log.Debug().Int("vmid", a.ProxmoxVMID).Err(err).Msg("hostname not applied yet")
		}
	}
}

func (h *HostnameRenamer) applyOne(ctx context.Context, a *store.VMAssignment) error {
	vms, err := h.store.ListVMs(store.VMFilter{VMIDs: []int{a.ProxmoxVMID}})
	if err != nil || len(vms) == 0 {
		return err
	}
	vm := vms[0]

	// The agent only answers on a booted guest; a missing IP means the VM
	// is still coming up.
	if vm.Status != "running" || store.IsPlaceholderIP(vm.IP) || vm.Type != store.TypeQEMU {
		return nil
	}

	client, err := h.registry.Get(vm.ClusterID)
	if err != nil {
		return err
	}
	if err := client.AgentExec(ctx, vm.Node, vm.VMID, []string{"hostnamectl", "set-hostname", a.TargetHostname}); err != nil {
		return err
	}

	if err := h.store.MarkHostnameConfigured(a.ID); err != nil {
		return err
	}
	log.Info().Int("vmid", vm.VMID).Str("hostname", a.TargetHostname).Msg("guest hostname applied")
	return nil
}
