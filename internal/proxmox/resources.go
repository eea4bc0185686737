package proxmox

import (
	"context"
	"fmt"
	"sort"
)

// GetClusterResources enumerates all VMs and containers across the cluster
// in one call.
func (c *Client) GetClusterResources(ctx context.Context) ([]VirtualResource, error) {
	var resources []VirtualResource
	if err := c.GetJSON(ctx, "/cluster/resources?type=vm", &resources); err != nil {
		return nil, fmt.Errorf("failed to get cluster resources: %w", err)
	}
	return resources, nil
}

// GetNodes lists the nodes of the cluster.
func (c *Client) GetNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.GetJSON(ctx, "/nodes", &nodes); err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })
	return nodes, nil
}

// GetNodeStatus fetches detail status for one node.
func (c *Client) GetNodeStatus(ctx context.Context, node string) (*NodeStatus, error) {
	var status NodeStatus
	if err := c.GetJSON(ctx, fmt.Sprintf("/nodes/%s/status", node), &status); err != nil {
		return nil, fmt.Errorf("failed to get status for node %s: %w", node, err)
	}
	return &status, nil
}

// ListNodeVMs enumerates QEMU VMs on one node. Used as the fallback path
// when the cluster-resources endpoint is unavailable.
func (c *Client) ListNodeVMs(ctx context.Context, node string) ([]VirtualResource, error) {
	var vms []VirtualResource
	if err := c.GetJSON(ctx, fmt.Sprintf("/nodes/%s/qemu", node), &vms); err != nil {
		return nil, fmt.Errorf("failed to list VMs on node %s: %w", node, err)
	}
	for i := range vms {
		vms[i].Node = node
		vms[i].Type = "qemu"
	}
	return vms, nil
}

// ListNodeContainers enumerates LXC containers on one node.
func (c *Client) ListNodeContainers(ctx context.Context, node string) ([]VirtualResource, error) {
	var cts []VirtualResource
	if err := c.GetJSON(ctx, fmt.Sprintf("/nodes/%s/lxc", node), &cts); err != nil {
		return nil, fmt.Errorf("failed to list containers on node %s: %w", node, err)
	}
	for i := range cts {
		cts[i].Node = node
		cts[i].Type = "lxc"
	}
	return cts, nil
}

// GetStorages lists the storage pools visible on a node.
func (c *Client) GetStorages(ctx context.Context, node string) ([]Storage, error) {
	var storages []Storage
	if err := c.GetJSON(ctx, fmt.Sprintf("/nodes/%s/storage", node), &storages); err != nil {
		return nil, fmt.Errorf("failed to get storage on node %s: %w", node, err)
	}
	return storages, nil
}

// GetStorageContent lists the volumes on one storage of a node.
func (c *Client) GetStorageContent(ctx context.Context, node, storage string) ([]StorageContent, error) {
	var content []StorageContent
	endpoint := fmt.Sprintf("/nodes/%s/storage/%s/content", node, storage)
	if err := c.GetJSON(ctx, endpoint, &content); err != nil {
		return nil, fmt.Errorf("failed to get content of storage %s on node %s: %w", storage, node, err)
	}
	return content, nil
}
