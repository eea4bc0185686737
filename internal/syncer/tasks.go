package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cpp-cyber/classlab/internal/ipresolver"
	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

// vmFullSync mirrors every VM and container of every active cluster into
// the inventory, detects cross-node migrations, and resolves IPs.
func (s *Syncer) vmFullSync(ctx context.Context) error {
	clusters, err := s.store.ListActiveClusters()
	if err != nil {
		return err
	}

	var firstErr error
	for i := range clusters {
		cluster := &clusters[i]
		if err := s.syncClusterVMs(ctx, cluster); err != nil {
			log.Warn().Str("cluster", cluster.ClusterID).Err(err).Msg("VM full sync failed for cluster")
			if firstErr == nil || isExpectedFailure(firstErr) {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Syncer) syncClusterVMs(ctx context.Context, cluster *store.Cluster) error {
	client, err := s.registry.Get(cluster.ClusterID)
	if err != nil {
		return err
	}

	resources, err := s.enumerate(ctx, client)
	if err != nil {
		return err
	}

	// Known MACs survive the rebuild; fetching config for every VM on every
	// pass would hammer the API.
	existing := make(map[int]store.VMInventory)
	if rows, err := s.store.ListVMs(store.VMFilter{ClusterID: cluster.ClusterID}); err == nil {
		for _, vm := range rows {
			existing[vm.VMID] = vm
		}
	}

	now := time.Now().UTC()
	seen := make(map[int]bool, len(resources))
	batch := make([]store.VMInventory, 0, len(resources))

	for _, res := range resources {
		seen[res.VMID] = true
		vm := store.VMInventory{
			ClusterID:       cluster.ClusterID,
			VMID:            res.VMID,
			Name:            res.Name,
			Node:            res.Node,
			Status:          res.Status,
			Type:            store.VMType(res.Type),
			Memory:          res.MaxMem,
			Cores:           res.MaxCPU,
			DiskSize:        res.MaxDisk,
			Uptime:          res.Uptime,
			CPUUsage:        res.CPU,
			IsTemplate:      res.IsTemplate(),
			Tags:            res.Tags,
			LastUpdated:     now,
			LastStatusCheck: now,
		}
		if res.MaxMem > 0 {
			vm.MemoryUsage = float64(res.Mem) / float64(res.MaxMem)
		}

		prev, known := existing[res.VMID]
		if known {
			vm.IP = prev.IP
			vm.IPUpdatedAt = prev.IPUpdatedAt
			vm.MACAddress = prev.MACAddress
			vm.Category = prev.Category
			vm.RDPAvailable = prev.RDPAvailable
		}
		if vm.Category == "" {
			vm.Category = categorize(res.Name, res.Tags)
		}
		if vm.MACAddress == "" && res.Status == "running" && !vm.IsTemplate {
			if mac, err := s.fetchMAC(ctx, client, res.Node, res.Type, res.VMID); err == nil {
				vm.MACAddress = mac
			}
		}

		batch = append(batch, vm)
	}

	if err := s.store.UpsertVMs(batch); err != nil {
		return err
	}
	if deleted, err := s.store.DeleteVMsNotSeen(cluster.ClusterID, seen); err != nil {
		return err
	} else if deleted > 0 {
		log.Info().Str("cluster", cluster.ClusterID).Int64("deleted", deleted).
			Msg("removed inventory rows for VMs no longer present")
	}

	s.reconcileMigrations(resources)
	s.resolver.ResolveSync(ctx, cluster, batch)
	return nil
}

// enumerate prefers the cluster-resources endpoint and falls back to
// walking each node when the aggregate call fails.
func (s *Syncer) enumerate(ctx context.Context, client *proxmox.Client) ([]proxmox.VirtualResource, error) {
	resources, err := client.GetClusterResources(ctx)
	if err == nil {
		return resources, nil
	}
	log.Debug().Str("cluster", client.ClusterID).Err(err).
		Msg("cluster resources unavailable, falling back to per-node enumeration")

	nodes, nodeErr := client.GetNodes(ctx)
	if nodeErr != nil {
		return nil, fmt.Errorf("cluster resources failed (%v) and node listing failed: %w", err, nodeErr)
	}

	var all []proxmox.VirtualResource
	for _, node := range nodes {
		if node.Status != "online" {
			continue
		}
		vms, err := client.ListNodeVMs(ctx, node.Node)
		if err != nil {
			log.Debug().Str("node", node.Node).Err(err).Msg("node VM listing failed")
			continue
		}
		all = append(all, vms...)

		cts, err := client.ListNodeContainers(ctx, node.Node)
		if err != nil {
			log.Debug().Str("node", node.Node).Err(err).Msg("node container listing failed")
			continue
		}
		all = append(all, cts...)
	}
	return all, nil
}

// reconcileMigrations updates assignment rows whose VM moved to another
// node since the last pass.
func (s *Syncer) reconcileMigrations(resources []proxmox.VirtualResource) {
	assignments, err := s.store.ListAllAssignments()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list assignments for migration check")
		return
	}

	byVMID := make(map[int]string, len(resources))
	for _, res := range resources {
		byVMID[res.VMID] = res.Node
	}

	for _, a := range assignments {
		node, ok := byVMID[a.ProxmoxVMID]
		if !ok || node == a.Node {
			continue
		}
		if err := s.store.UpdateAssignmentNode(a.ProxmoxVMID, node); err != nil {
			log.Warn().Int("vmid", a.ProxmoxVMID).Err(err).Msg("failed to record VM migration")
			continue
		}
		log.Info().Int("vmid", a.ProxmoxVMID).Str("from", a.Node).Str("to", node).
			Msg("VM migrated across nodes")
	}
}

// fetchMAC reads the VM's primary NIC hardware address from its config.
func (s *Syncer) fetchMAC(ctx context.Context, client *proxmox.Client, node, vmType string, vmid int) (string, error) {
	cfg, err := client.GetVMConfig(ctx, node, vmType, vmid)
	if err != nil {
		return "", err
	}
	net0, _ := cfg["net0"].(string)
	mac := parseNetMAC(net0)
	if mac == "" {
		return "", fmt.Errorf("no MAC in net0 for VM %d", vmid)
	}
	return mac, nil
}

// parseNetMAC extracts the hardware address from a Proxmox net device
// string like "virtio=BC:24:11:AA:BB:CC,bridge=vmbr0,firewall=1".
func parseNetMAC(net0 string) string {
	for _, part := range strings.Split(net0, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if mac := ipresolver.NormalizeMAC(kv[1]); mac != "" {
			return kv[1]
		}
	}
	return ""
}

// categorize derives a coarse OS category from tags or the VM name.
func categorize(name, tags string) string {
	haystack := strings.ToLower(tags + " " + name)
	switch {
	case strings.Contains(haystack, "windows") || strings.Contains(haystack, "win"):
		return "windows"
	case strings.Contains(haystack, "router") || strings.Contains(haystack, "vyos") || strings.Contains(haystack, "pfsense"):
		return "network"
	default:
		return "linux"
	}
}

// vmQuickSync refreshes only the status fields of recently running VMs,
// oldest check first so the whole set cycles over time.
func (s *Syncer) vmQuickSync(ctx context.Context) error {
	vms, err := s.store.ListRunningVMs(quickSyncLimit)
	if err != nil {
		return err
	}

	var firstErr error
	for _, vm := range vms {
		client, err := s.registry.Get(vm.ClusterID)
		if err != nil {
			firstErr = err
			continue
		}
		status, err := client.GetVMStatus(ctx, vm.Node, string(vm.Type), vm.VMID)
		if err != nil {
			if !isExpectedFailure(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.store.UpdateVMStatus(vm.ClusterID, vm.VMID, status.Status, status.Uptime, status.CPU); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// templateFullSync enumerates template VMs across clusters, caches their
// hardware specs, and prunes non-class templates that disappeared.
func (s *Syncer) templateFullSync(ctx context.Context) error {
	clusters, err := s.store.ListActiveClusters()
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var firstErr error

	for i := range clusters {
		cluster := &clusters[i]
		if !cluster.AllowTemplateSync {
			continue
		}
		client, err := s.registry.Get(cluster.ClusterID)
		if err != nil {
			firstErr = err
			continue
		}
		resources, err := s.enumerate(ctx, client)
		if err != nil {
			if !isExpectedFailure(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, res := range resources {
			if !res.IsTemplate() || res.Type != "qemu" {
				continue
			}
			specs, err := s.fetchTemplateSpecs(ctx, client, res.Node, res.VMID)
			if err != nil {
				log.Debug().Int("vmid", res.VMID).Err(err).Msg("failed to cache template specs")
				specs = store.TemplateSpecs{}
			}
			tpl := &store.Template{
				Name:        res.Name,
				ProxmoxVMID: res.VMID,
				ClusterHost: cluster.Host,
				Node:        res.Node,
				Specs:       specs,
			}
			if _, err := s.store.UpsertTemplate(tpl); err != nil {
				log.Warn().Int("vmid", res.VMID).Err(err).Msg("template upsert failed")
				continue
			}
			seen[store.TemplateKey(cluster.Host, res.Node, res.VMID)] = true
		}
	}

	if firstErr == nil {
		if deleted, err := s.store.DeleteTemplatesNotSeen(seen); err != nil {
			return err
		} else if deleted > 0 {
			log.Info().Int64("deleted", deleted).Msg("pruned templates no longer present in any cluster")
		}
	}
	return firstErr
}

func (s *Syncer) fetchTemplateSpecs(ctx context.Context, client *proxmox.Client, node string, vmid int) (store.TemplateSpecs, error) {
	cfg, err := client.GetVMConfig(ctx, node, "qemu", vmid)
	if err != nil {
		return store.TemplateSpecs{}, err
	}

	specs := store.TemplateSpecs{
		Cores:    intField(cfg, "cores"),
		Sockets:  intField(cfg, "sockets"),
		MemoryMB: intField(cfg, "memory"),
	}
	specs.OSType, _ = cfg["ostype"].(string)

	for _, disk := range []string{"scsi0", "virtio0", "sata0", "ide0"} {
		if ref, ok := cfg[disk].(string); ok {
			specs.DiskStorage, specs.DiskSizeGB = parseDiskRef(ref)
			break
		}
	}
	if net0, ok := cfg["net0"].(string); ok {
		specs.NetworkBridge = parseBridge(net0)
	}
	return specs, nil
}

// intField tolerates Proxmox reporting numerics as JSON numbers or strings.
func intField(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// parseDiskRef splits "local-lvm:base-9000-disk-0,size=32G" into storage
// and size in GB.
func parseDiskRef(ref string) (string, int) {
	storage := ""
	if i := strings.IndexByte(ref, ':'); i > 0 {
		storage = ref[:i]
	}
	size := 0
	for _, part := range strings.Split(ref, ",") {
		if v, ok := strings.CutPrefix(part, "size="); ok {
			v = strings.TrimSuffix(strings.TrimSpace(v), "G")
			size, _ = strconv.Atoi(v)
		}
	}
	return storage, size
}

func parseBridge(net0 string) string {
	for _, part := range strings.Split(net0, ",") {
		if v, ok := strings.CutPrefix(part, "bridge="); ok {
			return v
		}
	}
	return ""
}

// templateVerify confirms each known template still answers on its node
// and advances last_verified_at, without refetching specs.
func (s *Syncer) templateVerify(ctx context.Context) error {
	templates, err := s.store.ListTemplates()
	if err != nil {
		return err
	}

	clusters, err := s.store.ListActiveClusters()
	if err != nil {
		return err
	}
	byHost := make(map[string]string, len(clusters))
	for _, c := range clusters {
		byHost[c.Host] = c.ClusterID
	}

	var firstErr error
	for _, tpl := range templates {
		clusterID, ok := byHost[tpl.ClusterHost]
		if !ok {
			continue
		}
		client, err := s.registry.Get(clusterID)
		if err != nil {
			firstErr = err
			continue
		}
		if _, err := client.GetVMStatus(ctx, tpl.Node, "qemu", tpl.ProxmoxVMID); err != nil {
			log.Debug().Int("vmid", tpl.ProxmoxVMID).Str("node", tpl.Node).
				Err(err).Msg("template did not answer verification")
			continue
		}
		if err := s.store.TouchTemplate(tpl.ID); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// isoFullSync enumerates installer images on every enabled ISO-capable
// storage, deduplicated by volid, and prunes entries that disappeared.
func (s *Syncer) isoFullSync(ctx context.Context) error {
	clusters, err := s.store.ListActiveClusters()
	if err != nil {
		return err
	}

	var firstErr error
	for i := range clusters {
		cluster := &clusters[i]
		if !cluster.AllowISOSync {
			continue
		}
		client, err := s.registry.Get(cluster.ClusterID)
		if err != nil {
			firstErr = err
			continue
		}

		nodes, err := client.GetNodes(ctx)
		if err != nil {
			if !isExpectedFailure(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}

		now := time.Now().UTC()
		seen := make(map[string]bool)

		for _, node := range nodes {
			if node.Status != "online" {
				continue
			}
			storages, err := client.GetStorages(ctx, node.Node)
			if err != nil {
				log.Debug().Str("node", node.Node).Err(err).Msg("storage listing failed")
				continue
			}
			for _, st := range storages {
				if st.Enabled == 0 || !strings.Contains(st.Content, "iso") {
					continue
				}
				contents, err := client.GetStorageContent(ctx, node.Node, st.Storage)
				if err != nil {
					log.Debug().Str("storage", st.Storage).Err(err).Msg("storage content listing failed")
					continue
				}
				for _, vol := range contents {
					if vol.Content != "iso" || seen[vol.VolID] {
						continue
					}
					seen[vol.VolID] = true
					iso := &store.ISOImage{
						VolID:     vol.VolID,
						Name:      isoName(vol.VolID),
						Size:      vol.Size,
						Node:      node.Node,
						Storage:   st.Storage,
						ClusterID: cluster.ClusterID,
						LastSeen:  now,
					}
					if err := s.store.UpsertISO(iso); err != nil {
						log.Warn().Str("volid", vol.VolID).Err(err).Msg("ISO upsert failed")
					}
				}
			}
		}

		if _, err := s.store.DeleteISOsNotSeen(cluster.ClusterID, seen); err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// isoName extracts the filename from a volid like "local:iso/debian-12.iso".
func isoName(volid string) string {
	name := volid
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// isoVerify confirms each cached ISO still exists on its origin storage,
// batching one content listing per (cluster, node, storage).
func (s *Syncer) isoVerify(ctx context.Context) error {
	isos, err := s.store.ListISOs()
	if err != nil {
		return err
	}

	type origin struct {
		cluster, node, storage string
	}
	groups := make(map[origin][]store.ISOImage)
	for _, iso := range isos {
		key := origin{iso.ClusterID, iso.Node, iso.Storage}
		groups[key] = append(groups[key], iso)
	}

	var firstErr error
	for key, group := range groups {
		client, err := s.registry.Get(key.cluster)
		if err != nil {
			firstErr = err
			continue
		}
		contents, err := client.GetStorageContent(ctx, key.node, key.storage)
		if err != nil {
			if !isExpectedFailure(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}

		present := make(map[string]bool, len(contents))
		for _, vol := range contents {
			present[vol.VolID] = true
		}
		for _, iso := range group {
			if present[iso.VolID] {
				if err := s.store.TouchISO(iso.VolID); err != nil {
					firstErr = err
				}
			} else {
				log.Info().Str("volid", iso.VolID).Msg("cached ISO no longer on storage, dropping")
				if err := s.store.DeleteISO(iso.VolID); err != nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
