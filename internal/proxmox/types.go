package proxmox

import (
	"fmt"
	"strconv"
	"strings"
)

// VirtualResource is one row of the cluster-resources enumeration, covering
// both QEMU VMs and LXC containers.
type VirtualResource struct {
	VMID       int     `json:"vmid"`
	Name       string  `json:"name"`
	Node       string  `json:"node"`
	Status     string  `json:"status"`
	Type       string  `json:"type"`
	Template   int     `json:"template"`
	Pool       string  `json:"pool"`
	Tags       string  `json:"tags"`
	MaxMem     int64   `json:"maxmem"`
	MaxCPU     int     `json:"maxcpu"`
	MaxDisk    int64   `json:"maxdisk"`
	Mem        int64   `json:"mem"`
	CPU        float64 `json:"cpu"`
	Uptime     int64   `json:"uptime"`
	DiskRead   int64   `json:"diskread"`
	DiskWrite  int64   `json:"diskwrite"`
	NetIn      int64   `json:"netin"`
	NetOut     int64   `json:"netout"`
	HAState    string  `json:"hastate"`
	LockReason string  `json:"lock"`
}

// IsTemplate reports whether the resource is a clone source.
func (v VirtualResource) IsTemplate() bool {
	return v.Template == 1
}

// Node is one physical/virtual host of a cluster.
type Node struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU int     `json:"maxcpu"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
	Uptime int64   `json:"uptime"`
}

// NodeStatus is the detail endpoint for one node.
type NodeStatus struct {
	CPU    float64 `json:"cpu"`
	Memory struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"memory"`
	Uptime int64 `json:"uptime"`
}

// Storage describes a storage pool visible on a node.
type Storage struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Enabled int    `json:"enabled"`
	Active  int    `json:"active"`
	Shared  int    `json:"shared"`
	Total   int64  `json:"total"`
	Used    int64  `json:"used"`
	Avail   int64  `json:"avail"`
}

// StorageContent is one volume on a storage (ISO images, disk images).
type StorageContent struct {
	VolID   string `json:"volid"`
	Content string `json:"content"`
	Format  string `json:"format"`
	Size    int64  `json:"size"`
	CTime   int64  `json:"ctime"`
}

// VMStatus is the per-VM status/current endpoint.
type VMStatus struct {
	Status string  `json:"status"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	CPUs   int     `json:"cpus"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
	Uptime int64   `json:"uptime"`
	Lock   string  `json:"lock"`
	Agent  int     `json:"agent"`
}

// Snapshot is one entry of a VM snapshot list.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SnapTime    int64  `json:"snaptime"`
	Parent      string `json:"parent"`
	VMState     int    `json:"vmstate"`
}

// AgentInterface is one NIC as reported by the QEMU guest agent.
type AgentInterface struct {
	Name        string `json:"name"`
	HWAddr      string `json:"hardware-address"`
	IPAddresses []AgentIPAddress `json:"ip-addresses"`
}

// AgentIPAddress is one address bound to a guest NIC.
type AgentIPAddress struct {
	Type    string `json:"ip-address-type"`
	Address string `json:"ip-address"`
	Prefix  int    `json:"prefix"`
}

// LXCInterface is one NIC of a container as reported by the node.
type LXCInterface struct {
	Name   string `json:"name"`
	HWAddr string `json:"hwaddr"`
	Inet   string `json:"inet"`
	Inet6  string `json:"inet6"`
}

// FlexInt tolerates the API reporting a number as either int or string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	*f = FlexInt(n)
	return nil
}

// VNCProxyTicket is the response of the vncproxy endpoint: a one-shot ticket
// plus the VNC websocket port on the node.
type VNCProxyTicket struct {
	Ticket string  `json:"ticket"`
	Port   FlexInt `json:"port"`
	User   string  `json:"user"`
	Cert   string  `json:"cert"`
}
