package syncer

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/proxmox"
	"github.com/cpp-cyber/classlab/internal/store"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	require.Equal(t, 60*time.Second, backoff(0))
	require.Equal(t, 120*time.Second, backoff(1))
	require.Equal(t, 240*time.Second, backoff(2))
	require.Equal(t, 300*time.Second, backoff(3))
	require.Equal(t, 300*time.Second, backoff(10))
}

func TestDueScheduling(t *testing.T) {
	s := New(nil, nil, nil)
	now := time.Now()

	require.True(t, s.due("vm_full", vmFullInterval, now), "never-ran task is due")

	s.markRan("vm_full", now)
	require.False(t, s.due("vm_full", vmFullInterval, now.Add(time.Minute)))
	require.True(t, s.due("vm_full", vmFullInterval, now.Add(vmFullInterval)))

	s.markDue("vm_full")
	require.True(t, s.due("vm_full", vmFullInterval, now.Add(time.Second)))
}

func TestTriggerSyncCoalesces(t *testing.T) {
	s := New(nil, nil, nil)
	s.TriggerSync()
	s.TriggerSync()
	s.TriggerSync()

	<-s.trigger
	select {
	case <-s.trigger:
		t.Fatal("repeated triggers should collapse into one pending sync")
	default:
	}
}

func TestIsExpectedFailure(t *testing.T) {
	require.True(t, isExpectedFailure(errors.New("dial tcp: hostname lookup failed")))
	require.True(t, isExpectedFailure(errors.New("connect: No route to host")))
	require.True(t, isExpectedFailure(errors.New("API returned 595 Errors during request")))
	require.False(t, isExpectedFailure(errors.New("status 500 internal server error")))
	require.False(t, isExpectedFailure(nil))
}

func TestParseNetMAC(t *testing.T) {
	require.Equal(t, "BC:24:11:AA:BB:CC", parseNetMAC("virtio=BC:24:11:AA:BB:CC,bridge=vmbr0,firewall=1"))
	require.Equal(t, "DE:AD:BE:EF:00:01", parseNetMAC("e1000=DE:AD:BE:EF:00:01,bridge=vmbr1"))
	require.Empty(t, parseNetMAC("bridge=vmbr0"))
	require.Empty(t, parseNetMAC(""))
}

func TestParseDiskRef(t *testing.T) {
	storage, size := parseDiskRef("local-lvm:base-9000-disk-0,size=32G")
	require.Equal(t, "local-lvm", storage)
	require.Equal(t, 32, size)

	storage, size = parseDiskRef("ceph-pool:vm-101-disk-0")
	require.Equal(t, "ceph-pool", storage)
	require.Zero(t, size)
}

func TestParseBridge(t *testing.T) {
	require.Equal(t, "vmbr0", parseBridge("virtio=BC:24:11:AA:BB:CC,bridge=vmbr0"))
	require.Empty(t, parseBridge("virtio=BC:24:11:AA:BB:CC"))
}

func TestISOName(t *testing.T) {
	require.Equal(t, "debian-12.5.iso", isoName("local:iso/debian-12.5.iso"))
	require.Equal(t, "plain.iso", isoName("plain.iso"))
}

func TestCategorize(t *testing.T) {
	require.Equal(t, "windows", categorize("WIN10-Lab", ""))
	require.Equal(t, "windows", categorize("dc01", "windows;lab"))
	require.Equal(t, "network", categorize("edge-router", ""))
	require.Equal(t, "linux", categorize("ubuntu-server", ""))
}

func TestReconcileMigrationsUpdatesNode(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.UpsertAssignment(&store.VMAssignment{
		ProxmoxVMID: 501,
		VMName:      "ops-student-1-501",
		Node:        "pve1",
		Status:      store.StatusAvailable,
	})
	require.NoError(t, err)

	s := New(st, nil, nil)
	s.reconcileMigrations([]proxmox.VirtualResource{
		{VMID: 501, Node: "pve2", Type: "qemu"},
	})

	a, err := st.GetAssignmentByVMID(501)
	require.NoError(t, err)
	require.Equal(t, "pve2", a.Node)
}
