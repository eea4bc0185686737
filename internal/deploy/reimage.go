package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

// Reimage resets a student VM to its pristine state. Linked clones roll
// back to the baseline snapshot; overlay VMs get a fresh copy-on-write disk
// rebuilt from the class base image.
func (s *Service) Reimage(ctx context.Context, class *store.Class, assignment *store.VMAssignment) error {
	cluster, err := s.deploymentCluster(class)
	if err != nil {
		return err
	}
	client, err := s.registry.Get(cluster.ClusterID)
	if err != nil {
		return err
	}

	lock, err := s.locker.ClassLock(ctx, class.ID, s.timeouts.Lock, s.timeouts.Retries, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: class %d is locked by another operation", apierr.ErrResourceBusy, class.ID)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	vmid := assignment.ProxmoxVMID
	node := assignment.Node
	log.Info().Int("vmid", vmid).Str("method", string(class.DeploymentMethod)).Msg("reimaging VM")

	if class.DeploymentMethod == store.DeployConfigClone {
		// 1. Stop the VM so the overlay file is quiescent.
		if err := client.StopVM(ctx, node, "qemu", vmid); err != nil {
			return fmt.Errorf("failed to stop VM %d: %w", vmid, err)
		}
		if err := client.WaitForStatus(ctx, node, "qemu", vmid, "stopped", s.timeouts.VMStop); err != nil {
			return fmt.Errorf("VM %d did not stop: %w", vmid, err)
		}

		// 2. Replace the overlay and boot back into the clean image.
		if err := s.recreateOverlay(ctx, cluster, class, node, vmid); err != nil {
			return err
		}
		if err := client.StartVM(ctx, node, "qemu", vmid); err != nil {
			return fmt.Errorf("failed to start VM %d after reimage: %w", vmid, err)
		}
		return nil
	}

	if err := client.RollbackSnapshot(ctx, node, vmid, "baseline"); err != nil {
		return fmt.Errorf("baseline rollback failed for VM %d: %w", vmid, err)
	}
	return client.WaitForUnlock(ctx, node, vmid, s.timeouts.Clone)
}
