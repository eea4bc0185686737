package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

const shutdownInterval = 120 * time.Second

// AutoShutdown powers off idle student VMs in classes that opted in, and
// books running time onto each assignment for usage accounting.
type AutoShutdown struct {
	store    *store.Store
	registry *proxmox.Registry

	// idleSince tracks when a VM's CPU first dropped below the class
	// threshold; reset whenever load comes back.
	idleSince map[int]time.Time
}

func NewAutoShutdown(s *store.Store, registry *proxmox.Registry) *AutoShutdown {
	return &AutoShutdown{
		store:     s,
		registry:  registry,
		idleSince: make(map[int]time.Time),
	}
}

// Run drives the checker loop until the context is cancelled.
func (a *AutoShutdown) Run(ctx context.Context) {
	log.Info().Msg("auto-shutdown checker started")
	ticker := time.NewTicker(shutdownInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("auto-shutdown checker stopped")
			return
		case <-ticker.C:
			a.check(ctx)
		}
	}
}

func (a *AutoShutdown) check(ctx context.Context) {
	classes, err := a.store.ListClasses()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list classes for auto-shutdown")
		return
	}

	now := time.Now()
	for i := range classes {
		cls := &classes[i]
		assignments, err := a.store.ListAssignmentsForClass(cls.ID)
		if err != nil {
			continue
		}
		for j := range assignments {
			a.checkVM(ctx, cls, &assignments[j], now)
		}
	}
}

func (a *AutoShutdown) checkVM(ctx context.Context, cls *store.Class, assignment *store.VMAssignment, now time.Time) {
	vms, err := a.store.ListVMs(store.VMFilter{VMIDs: []int{assignment.ProxmoxVMID}})
	if err != nil || len(vms) == 0 {
		return
	}
	vm := vms[0]
	vmid := vm.VMID

	if vm.Status != "running" {
		delete(a.idleSince, vmid)
		return
	}

	// Running time is booked regardless of the shutdown policy.
	if assignment.AssignedUserID != nil {
		if err := a.store.AddUsageHours(assignment.ID, shutdownInterval.Hours()); err != nil {
			log.Warn().Int("vmid", vmid).Err(err).Msg("failed to book usage hours")
		}
	}

	if !cls.AutoShutdownEnabled || cls.AutoShutdownIdleMinutes <= 0 {
		delete(a.idleSince, vmid)
		return
	}

	if vm.CPUUsage >= cls.AutoShutdownCPUThreshold {
		delete(a.idleSince, vmid)
		return
	}

	since, tracked := a.idleSince[vmid]
	if !tracked {
		a.idleSince[vmid] = now
		return
	}
	if now.Sub(since) < time.Duration(cls.AutoShutdownIdleMinutes)*time.Minute {
		return
	}

	client, err := a.registry.Get(vm.ClusterID)
	if err != nil {
		return
	}
	if err := client.ShutdownVM(ctx, vm.Node, string(vm.Type), vmid); err != nil {
		log.Warn().Int("vmid", vmid).Err(err).Msg("auto-shutdown failed")
		return
	}
	delete(a.idleSince, vmid)
	if err := a.store.UpdateVMStatus(vm.ClusterID, vmid, "stopped", 0, 0); err != nil {
		log.Warn().Int("vmid", vmid).Err(err).Msg("failed to record auto-shutdown status")
	}
	log.Info().Int("vmid", vmid).Int64("class", cls.ID).
		Float64("cpu", vm.CPUUsage).Msg("idle VM shut down")
}
