package deploy

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

// deployOverlay provisions the batch as QCOW2 overlays over a shared base
// image exported once per class. Every student VM is an empty shell with
// the template's settings plus its own copy-on-write disk.
func (s *Service) deployOverlay(ctx context.Context, cluster *store.Cluster, class *store.Class, req Request) (*Result, error) {
	client, err := s.registry.Get(cluster.ClusterID)
	if err != nil {
		return nil, err
	}

	// 1. Locate the template and read its config; the shells inherit it.
	templateNode, err := s.findTemplateNode(ctx, client, req.TemplateVMID)
	if err != nil {
		return nil, err
	}
	templateCfg, err := client.GetVMConfig(ctx, templateNode, "qemu", req.TemplateVMID)
	if err != nil {
		return nil, err
	}

	// 2. Export the base image once; later batches for the class reuse it.
	basePath, err := s.ensureBaseImage(ctx, cluster, class, templateNode, templateCfg, req.TemplateVMID)
	if err != nil {
		return nil, err
	}

	// 3. Place and build one shell + overlay per student.
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

	result := &Result{}
	for i := 0; i < req.StudentCount; i++ {
		vmid := vmids[i]
		name := fmt.Sprintf("%s-student-%d-%d", classPrefix, i+1, vmid)
		targetNode := balancer.next()

		req.progress("building", vmid, name)
		if err := s.buildOverlayVM(ctx, client, cluster, targetNode, vmid, name, basePath, templateCfg); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("vm %d: %v", vmid, err))
			log.Warn().Int("vmid", vmid).Err(err).Msg("overlay VM build failed")
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

	log.Info().Int64("class", class.ID).Int("created", result.CreatedCount).
		Int("failed", result.ErrorCount).Msg("overlay batch finished")
	return result, nil
}

// ensureBaseImage exports the template's primary disk to a standalone
// QCOW2 on shared storage, skipping the conversion when a previous batch
// already produced it.
func (s *Service) ensureBaseImage(ctx context.Context, cluster *store.Cluster, class *store.Class, templateNode string, templateCfg map[string]any, templateVMID int) (string, error) {
	basePath := path.Join(cluster.QCOW2TemplatePath, fmt.Sprintf("class-%d-base.qcow2", class.ID))

	check, err := s.exec.RunOnNode(ctx, templateNode, fmt.Sprintf("test -f %s", basePath), s.timeouts.Shell, false)
	if err == nil && check.ExitCode == 0 {
		return basePath, nil
	}

	ref, _ := primaryDiskRef(templateCfg)
	if ref == "" {
		return "", fmt.Errorf("template %d has no disk to export", templateVMID)
	}
	storage, volume := splitDiskRef(ref)
	if storage == "" {
		return "", fmt.Errorf("template %d: cannot parse disk reference %q", templateVMID, ref)
	}
	volid := storage + ":" + volume

	cmd := fmt.Sprintf("qemu-img convert -O qcow2 \"$(pvesm path %s)\" %s", volid, basePath)
	log.Info().Int64("class", class.ID).Str("base", basePath).Msg("exporting class base image")
	if _, err := s.exec.RunOnNode(ctx, templateNode, cmd, s.timeouts.Convert, true); err != nil {
		return "", fmt.Errorf("base image export failed: %w", err)
	}
	return basePath, nil
}

// buildOverlayVM creates the shell, its overlay disk, and wires them up.
func (s *Service) buildOverlayVM(ctx context.Context, client *proxmox.Client, cluster *store.Cluster, node string, vmid int, name, basePath string, templateCfg map[string]any) error {
	shellCfg := NewVMShellConfig(vmid, name, node, templateCfg)
	if err := createVMShell(ctx, client, shellCfg); err != nil {
		return err
	}

	overlayPath := path.Join(cluster.QCOW2ImagesPath, fmt.Sprintf("vm-%d.qcow2", vmid))
	create := fmt.Sprintf("qemu-img create -f qcow2 -F qcow2 -b %s %s", basePath, overlayPath)
	if _, err := s.exec.RunOnNode(ctx, node, create, s.timeouts.Shell, true); err != nil {
		return fmt.Errorf("overlay creation failed: %w", err)
	}

	return s.attachOverlay(ctx, node, vmid, overlayPath)
}

// attachOverlay binds the overlay file as the boot disk.
func (s *Service) attachOverlay(ctx context.Context, node string, vmid int, overlayPath string) error {
	cmd := fmt.Sprintf("qm set %d --scsi0 %s --boot c --bootdisk scsi0", vmid, overlayPath)
	if _, err := s.exec.RunOnNode(ctx, node, cmd, s.timeouts.Shell, true); err != nil {
		return fmt.Errorf("disk attach failed: %w", err)
	}
	return nil
}

// recreateOverlay rebuilds a student's copy-on-write disk from the class
// base, discarding everything they wrote.
func (s *Service) recreateOverlay(ctx context.Context, cluster *store.Cluster, class *store.Class, node string, vmid int) error {
	basePath := path.Join(cluster.QCOW2TemplatePath, fmt.Sprintf("class-%d-base.qcow2", class.ID))
	overlayPath := path.Join(cluster.QCOW2ImagesPath, fmt.Sprintf("vm-%d.qcow2", vmid))

	cmd := fmt.Sprintf("rm -f %s && qemu-img create -f qcow2 -F qcow2 -b %s %s", overlayPath, basePath, overlayPath)
	if _, err := s.exec.RunOnNode(ctx, node, cmd, s.timeouts.Shell, true); err != nil {
		return fmt.Errorf("overlay rebuild failed: %w", err)
	}
	return nil
}
