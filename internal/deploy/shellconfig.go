package deploy

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cpp-cyber/classlab/internal/proxmox"
)

// inheritedConfigKeys are the template settings an empty VM shell copies
// verbatim. Disk slots are deliberately absent; the overlay is attached
// separately. ide2 stays so a mounted installer ISO carries over.
var inheritedConfigKeys = []string{
	"acpi", "agent", "args", "audio0", "balloon", "bios", "boot",
	"cicustom", "cipassword", "citype", "ciuser", "cores", "cpu",
	"cpulimit", "cpuunits", "description", "efidisk0", "hookscript",
	"hotplug", "hugepages", "ide2", "ipconfig0", "ipconfig1", "keyboard",
	"kvm", "localtime", "machine", "memory", "migrate_downtime",
	"migrate_speed", "nameserver", "net0", "net1", "net2", "net3", "net4",
	"net5", "net6", "net7", "numa", "onboot", "ostype", "protection",
	"reboot", "rng0", "scsihw", "searchdomain", "serial0", "serial1",
	"serial2", "serial3", "shares", "smbios1", "sockets",
	"spice_enhancements", "sshkeys", "startdate", "startup", "tablet",
	"tags", "tdf", "tpmstate0", "usb0", "usb1", "usb2", "usb3", "vcpus",
	"vga", "watchdog",
}

// VMShellConfig is a diskless VM definition derived from a template. The
// shell carries every non-disk template setting so the overlay boots into
// identical hardware.
type VMShellConfig struct {
	VMID   int
	Name   string
	Node   string
	Fields url.Values
}

// NewVMShellConfig copies the inherited settings out of a template config
// map into a create request.
func NewVMShellConfig(vmid int, name, node string, templateCfg map[string]any) *VMShellConfig {
	fields := url.Values{}
	for _, key := range inheritedConfigKeys {
		switch v := templateCfg[key].(type) {
		case string:
			if v != "" {
				fields.Set(key, v)
			}
		case float64:
			fields.Set(key, fmt.Sprintf("%v", v))
		case bool:
			if v {
				fields.Set(key, "1")
			} else {
				fields.Set(key, "0")
			}
		}
	}
	return &VMShellConfig{
		VMID:   vmid,
		Name:   name,
		Node:   node,
		Fields: fields,
	}
}

// values renders the full create payload.
func (c *VMShellConfig) values() url.Values {
	out := url.Values{}
	for key, vals := range c.Fields {
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	out.Set("vmid", fmt.Sprintf("%d", c.VMID))
	out.Set("name", c.Name)
	// Guest agent stays on regardless of the template so IP discovery works.
	out.Set("agent", "1")
	return out
}

// createVMShell materializes the empty VM through the API.
func createVMShell(ctx context.Context, client *proxmox.Client, cfg *VMShellConfig) error {
	endpoint := fmt.Sprintf("/nodes/%s/qemu", cfg.Node)
	if _, err := client.Post(ctx, endpoint, cfg.values()); err != nil {
		return fmt.Errorf("failed to create VM shell %d: %w", cfg.VMID, err)
	}
	return nil
}
