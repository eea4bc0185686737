package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

// deployLinkedClones provisions the batch as linked clones of the class
// template and snapshots each student VM as its reimage baseline.
func (s *Service) deployLinkedClones(ctx context.Context, cluster *store.Cluster, class *store.Class, req Request) (*Result, error) {
	client, err := s.registry.Get(cluster.ClusterID)
	if err != nil {
		return nil, err
	}

	// 1. Locate the template and its disk storage; clones inherit both.
	templateNode, err := s.findTemplateNode(ctx, client, req.TemplateVMID)
	if err != nil {
		return nil, err
	}
	storage, err := s.templateStorage(ctx, client, templateNode, req.TemplateVMID)
	if err != nil {
		return nil, err
	}

	// 2. Build the placement plan and claim a VMID range.
	balancer, err := s.buildBalancer(ctx, client, req.FixedNode)
	if err != nil {
		return nil, err
	}
	used, err := usedVMIDs(ctx, client)
	if err != nil {
		return nil, err
	}
	vmids := allocateVMIDs(used, startVMID(class, req), req.StudentCount)
	classPrefix := SanitizeVMName(class.Name)

	// 3. Clone one VM per student; a failed clone does not abort the batch.
	result := &Result{}
	for i := 0; i < req.StudentCount; i++ {
		vmid := vmids[i]
		name := fmt.Sprintf("%s-student-%d-%d", classPrefix, i+1, vmid)
		targetNode := balancer.next()

		req.progress("cloning", vmid, name)
		if err := s.cloneOne(ctx, client, templateNode, targetNode, req.TemplateVMID, vmid, name, storage); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("vm %d: %v", vmid, err))
			log.Warn().Int("vmid", vmid).Err(err).Msg("clone failed")
			req.progress("failed", vmid, err.Error())
			continue
		}

		if _, err := s.store.UpsertAssignment(&store.VMAssignment{
			ClassID:     &class.ID,
			ProxmoxVMID: vmid,
			VMName:      name,
			Node:        targetNode,
			Status:      store.StatusAvailable,
		}); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("vm %d: record assignment: %v", vmid, err))
			continue
		}

		result.CreatedCount++
		result.VMIDs = append(result.VMIDs, vmid)
		req.progress("created", vmid, name)
	}

	// 4. Snapshot every created VM so reimage has a rollback target.
	for _, vmid := range result.VMIDs {
		node := balancerNodeOf(s.store, vmid)
		if err := client.CreateSnapshot(ctx, node, vmid, "baseline",
			fmt.Sprintf("Initial state for class %s", class.Name)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("vm %d: baseline snapshot: %v", vmid, err))
			log.Warn().Int("vmid", vmid).Err(err).Msg("baseline snapshot failed")
		}
	}

	log.Info().Int64("class", class.ID).Int("created", result.CreatedCount).
		Int("failed", result.ErrorCount).Msg("linked clone batch finished")
	return result, nil
}

// cloneOne issues qm clone on the template's node and verifies the clone
// answers through the API before the caller records it.
func (s *Service) cloneOne(ctx context.Context, client *proxmox.Client, templateNode, targetNode string, templateVMID, vmid int, name, storage string) error {
	cmd := fmt.Sprintf("qm clone %d %d --name %s --storage %s", templateVMID, vmid, name, storage)
	if targetNode != templateNode {
		cmd += fmt.Sprintf(" --target %s", targetNode)
	}

	if _, err := s.exec.RunOnNode(ctx, templateNode, cmd, s.timeouts.Clone, true); err != nil {
		return err
	}

	if err := client.WaitForUnlock(ctx, targetNode, vmid, s.timeouts.Clone); err != nil {
		return fmt.Errorf("clone did not settle: %w", err)
	}
	if _, err := client.GetVMStatus(ctx, targetNode, "qemu", vmid); err != nil {
		return fmt.Errorf("clone not visible via API: %w", err)
	}
	return nil
}

// findTemplateNode locates the node hosting the template VMID.
func (s *Service) findTemplateNode(ctx context.Context, client *proxmox.Client, vmid int) (string, error) {
	resources, err := client.GetClusterResources(ctx)
	if err == nil {
		for _, res := range resources {
			if res.VMID == vmid && res.IsTemplate() {
				return res.Node, nil
			}
		}
		return "", fmt.Errorf("%w: template %d not found in cluster", apierr.ErrNotFound, vmid)
	}

	nodes, nodeErr := client.GetNodes(ctx)
	if nodeErr != nil {
		return "", nodeErr
	}
	for _, node := range nodes {
		vms, err := client.ListNodeVMs(ctx, node.Node)
		if err != nil {
			continue
		}
		for _, vm := range vms {
			if vm.VMID == vmid && vm.IsTemplate() {
				return node.Node, nil
			}
		}
	}
	return "", fmt.Errorf("%w: template %d not found on any node", apierr.ErrNotFound, vmid)
}

// templateStorage reads the storage backing the template's primary disk.
func (s *Service) templateStorage(ctx context.Context, client *proxmox.Client, node string, vmid int) (string, error) {
	cfg, err := client.GetVMConfig(ctx, node, "qemu", vmid)
	if err != nil {
		return "", err
	}
	ref, slot := primaryDiskRef(cfg)
	if ref == "" {
		return "", fmt.Errorf("template %d has no disk to inherit storage from", vmid)
	}
	storage, _ := splitDiskRef(ref)
	if storage == "" {
		return "", fmt.Errorf("template %d: cannot parse %s disk reference %q", vmid, slot, ref)
	}
	return storage, nil
}

func (s *Service) buildBalancer(ctx context.Context, client *proxmox.Client, fixedNode string) (*nodeBalancer, error) {
	if fixedNode != "" {
		return &nodeBalancer{counts: map[string]int{fixedNode: 0}}, nil
	}
	nodes, err := client.GetNodes(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := client.GetClusterResources(ctx)
	if err != nil {
		resources = nil
	}
	return newNodeBalancer(nodes, resources), nil
}

// balancerNodeOf reads back where an assignment landed; the snapshot pass
// runs after all placements are recorded.
func balancerNodeOf(s *store.Store, vmid int) string {
	if a, err := s.GetAssignmentByVMID(vmid); err == nil {
		return a.Node
	}
	return ""
}

// primaryDiskRef finds the first populated disk slot in preference order.
func primaryDiskRef(cfg map[string]any) (string, string) {
	for _, slot := range []string{"scsi0", "virtio0", "sata0", "ide0"} {
		if ref, ok := cfg[slot].(string); ok && ref != "" {
			return ref, slot
		}
	}
	return "", ""
}

// splitDiskRef splits "local-lvm:base-9000-disk-0,size=32G" into storage
// and volume.
func splitDiskRef(ref string) (string, string) {
	i := strings.IndexByte(ref, ':')
	if i < 0 {
		return "", ""
	}
	volume := ref[i+1:]
	if j := strings.IndexByte(volume, ','); j >= 0 {
		volume = volume[:j]
	}
	return ref[:i], volume
}
