package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cpp-cyber/classlab/internal/proxmox"
)

const vmNameMaxLen = 63

// SanitizeVMName turns an arbitrary class name into a DNS-safe label:
// lowercase, [a-z0-9-] only, runs collapsed, alphanumeric at both ends,
// at most 63 chars. An input with nothing usable becomes "vm".
func SanitizeVMName(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	out := strings.Trim(b.String(), "-")
	if len(out) > vmNameMaxLen {
		out = strings.Trim(out[:vmNameMaxLen], "-")
	}
	if out == "" {
		return "vm"
	}
	return out
}

// usedVMIDs enumerates every VMID in the cluster, walking nodes one by one
// when the aggregate endpoint fails.
func usedVMIDs(ctx context.Context, client *proxmox.Client) (map[int]bool, error) {
	used := make(map[int]bool)

	resources, err := client.GetClusterResources(ctx)
	if err == nil {
		for _, res := range resources {
			used[res.VMID] = true
		}
		return used, nil
	}

	nodes, nodeErr := client.GetNodes(ctx)
	if nodeErr != nil {
		return nil, fmt.Errorf("cluster resources failed (%v) and node listing failed: %w", err, nodeErr)
	}
	for _, node := range nodes {
		if node.Status != "online" {
			continue
		}
		vms, err := client.ListNodeVMs(ctx, node.Node)
		if err != nil {
			return nil, err
		}
		cts, err := client.ListNodeContainers(ctx, node.Node)
		if err != nil {
			return nil, err
		}
		for _, res := range append(vms, cts...) {
			used[res.VMID] = true
		}
	}
	return used, nil
}

// allocateVMIDs returns count free VMIDs, lowest first, no lower than start.
func allocateVMIDs(used map[int]bool, start, count int) []int {
	ids := make([]int, 0, count)
	for vmid := start; len(ids) < count; vmid++ {
		if !used[vmid] {
			ids = append(ids, vmid)
			used[vmid] = true
		}
	}
	return ids
}

// nodeBalancer places VMs on the emptiest node, tracking a simulated load
// so placements within one batch account for clones the cluster does not
// report yet.
type nodeBalancer struct {
	counts map[string]int
}

func newNodeBalancer(nodes []proxmox.Node, resources []proxmox.VirtualResource) *nodeBalancer {
	counts := make(map[string]int)
	for _, node := range nodes {
		if node.Status == "online" {
			counts[node.Node] = 0
		}
	}
	for _, res := range resources {
		if _, ok := counts[res.Node]; ok {
			counts[res.Node]++
		}
	}
	return &nodeBalancer{counts: counts}
}

// next picks the node with the lowest simulated load and charges the
// placement to it. Ties break alphabetically for stable placement.
func (b *nodeBalancer) next() string {
	names := make([]string, 0, len(b.counts))
	for name := range b.counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if b.counts[names[i]] != b.counts[names[j]] {
			return b.counts[names[i]] < b.counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) == 0 {
		return ""
	}
	b.counts[names[0]]++
	return names[0]
}
