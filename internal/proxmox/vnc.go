package proxmox

import (
	"context"
	"fmt"
	"net/url"
)

// VNCProxy mints a websocket-capable VNC ticket for a VM or container. With
// generate-password the ticket stays valid for 7200s instead of the usual
// few seconds, which gives the browser time to connect.
func (c *Client) VNCProxy(ctx context.Context, node, vmType string, vmid int) (*VNCProxyTicket, error) {
	data := url.Values{
		"websocket":         {"1"},
		"generate-password": {"1"},
	}

	raw, err := c.Post(ctx, vmPath(node, vmType, vmid)+"/vncproxy", data)
	if err != nil {
		return nil, fmt.Errorf("failed to create VNC proxy for VM %d: %w", vmid, err)
	}

	var ticket VNCProxyTicket
	if err := unmarshalRaw(raw, &ticket); err != nil {
		return nil, fmt.Errorf("failed to decode VNC proxy response for VM %d: %w", vmid, err)
	}
	return &ticket, nil
}

// VNCWebsocketURL builds the node websocket endpoint the tunnel dials, on
// the same API port the client authenticates against.
func (c *Client) VNCWebsocketURL(node, vmType string, vmid int, ticket *VNCProxyTicket) string {
	port := c.Port
	if port == 0 {
		port = 8006
	}
	return fmt.Sprintf("wss://%s:%d/api2/json/nodes/%s/%s/%d/vncwebsocket?port=%d&vncticket=%s",
		c.Host, port, node, vmType, vmid, int(ticket.Port), url.QueryEscape(ticket.Ticket))
}
