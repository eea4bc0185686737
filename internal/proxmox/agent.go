package proxmox

import (
	"context"
	"fmt"
	"net/url"
)

// AgentNetworkInterfaces queries the QEMU guest agent for the VM's NICs.
// Fails when the agent is not installed or the VM is stopped.
func (c *Client) AgentNetworkInterfaces(ctx context.Context, node string, vmid int) ([]AgentInterface, error) {
	var response struct {
		Result []AgentInterface `json:"result"`
	}
	endpoint := fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid)
	if err := c.GetJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("guest agent query failed for VM %d: %w", vmid, err)
	}
	return response.Result, nil
}

// LXCInterfaces reads the container interface list from the node.
func (c *Client) LXCInterfaces(ctx context.Context, node string, vmid int) ([]LXCInterface, error) {
	var ifaces []LXCInterface
	endpoint := fmt.Sprintf("/nodes/%s/lxc/%d/interfaces", node, vmid)
	if err := c.GetJSON(ctx, endpoint, &ifaces); err != nil {
		return nil, fmt.Errorf("interface query failed for container %d: %w", vmid, err)
	}
	return ifaces, nil
}

// AgentExec runs a command inside the guest through the agent. Used by the
// hostname renamer; heavier shell work goes through the executor pool.
func (c *Client) AgentExec(ctx context.Context, node string, vmid int, command []string) error {
	data := url.Values{}
	for _, arg := range command {
		data.Add("command", arg)
	}
	endpoint := fmt.Sprintf("/nodes/%s/qemu/%d/agent/exec", node, vmid)
	if _, err := c.Post(ctx, endpoint, data); err != nil {
		return fmt.Errorf("guest exec failed for VM %d: %w", vmid, err)
	}
	return nil
}
