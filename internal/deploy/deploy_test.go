package deploy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

func TestSanitizeVMName(t *testing.T) {
	cases := map[string]string{
		"Intro to Networking (Fall)": "intro-to-networking-fall",
		"CS-101":                     "cs-101",
		"--weird--name--":            "weird-name",
		"___":                        "vm",
		"":                           "vm",
		"UPPER case":                 "upper-case",
	}
	for input, want := range cases {
		require.Equal(t, want, SanitizeVMName(input), "input %q", input)
	}
}

func TestSanitizeVMNameTruncates(t *testing.T) {
	input := ""
	for i := 0; i < 40; i++ {
		input += "ab "
	}
	out := SanitizeVMName(input)
	require.LessOrEqual(t, len(out), 63)
	require.NotEqual(t, byte('-'), out[0])
	require.NotEqual(t, byte('-'), out[len(out)-1])
}

func TestAllocateVMIDsSkipsUsed(t *testing.T) {
	used := map[int]bool{500: true, 501: true, 503: true}
	ids := allocateVMIDs(used, 500, 4)
	require.Equal(t, []int{502, 504, 505, 506}, ids)
}

func TestNodeBalancerPrefersEmptiestNode(t *testing.T) {
	nodes := []proxmox.Node{
		{Node: "pve1", Status: "online"},
		{Node: "pve2", Status: "online"},
		{Node: "pve3", Status: "offline"},
	}
	resources := []proxmox.VirtualResource{
		{VMID: 100, Node: "pve1"},
		{VMID: 101, Node: "pve1"},
		{VMID: 102, Node: "pve2"},
		{VMID: 103, Node: "pve3"},
	}

	b := newNodeBalancer(nodes, resources)

	// pve2 has one VM, pve1 two; offline pve3 never participates.
	require.Equal(t, "pve2", b.next())
	// Simulated load now ties them at two; alphabetical break.
	require.Equal(t, "pve1", b.next())
	require.Equal(t, "pve2", b.next())
}

func TestSplitDiskRef(t *testing.T) {
	storage, volume := splitDiskRef("local-lvm:base-9000-disk-0,size=32G")
	require.Equal(t, "local-lvm", storage)
	require.Equal(t, "base-9000-disk-0", volume)

	storage, _ = splitDiskRef("no-colon-here")
	require.Empty(t, storage)
}

func TestStartVMIDPrecedence(t *testing.T) {
	prefix := 5
	class := &store.Class{VMIDPrefix: &prefix}

	require.Equal(t, 700, startVMID(class, Request{StartVMID: 700}))
	require.Equal(t, 500, startVMID(class, Request{}))
	require.Equal(t, 100, startVMID(&store.Class{}, Request{}))
}

func TestVMShellConfigInheritsNonDiskFields(t *testing.T) {
	templateCfg := map[string]any{
		"cores":   float64(4),
		"memory":  "4096",
		"net0":    "virtio=BC:24:11:AA:BB:CC,bridge=vmbr0",
		"scsi0":   "local-lvm:base-9000-disk-0,size=32G",
		"virtio1": "local-lvm:base-9000-disk-1",
		"ostype":  "win11",
		"bios":    "ovmf",
		"agent":   "0",
	}

	cfg := NewVMShellConfig(501, "ops-student-1-501", "pve1", templateCfg)
	vals := cfg.values()

	require.Equal(t, "501", vals.Get("vmid"))
	require.Equal(t, "ops-student-1-501", vals.Get("name"))
	require.Equal(t, "4", vals.Get("cores"))
	require.Equal(t, "4096", vals.Get("memory"))
	require.Equal(t, "win11", vals.Get("ostype"))
	require.Equal(t, "ovmf", vals.Get("bios"))
	require.Empty(t, vals.Get("scsi0"), "disk slots are not inherited")
	require.Empty(t, vals.Get("virtio1"))
	require.Equal(t, "1", vals.Get("agent"), "guest agent forced on")
}

func TestPrimaryDiskRefPreferenceOrder(t *testing.T) {
	ref, slot := primaryDiskRef(map[string]any{
		"virtio0": "a:b",
		"scsi0":   "c:d",
	})
	require.Equal(t, "c:d", ref)
	require.Equal(t, "scsi0", slot)

	ref, _ = primaryDiskRef(map[string]any{"ide0": "x:y"})
	require.Equal(t, "x:y", ref)

	ref, _ = primaryDiskRef(map[string]any{})
	require.Empty(t, ref)
}
