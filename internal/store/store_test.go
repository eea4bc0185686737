package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClass(t *testing.T, s *Store) (*User, *Class) {
	t.Helper()
	teacher, err := s.CreateUser("teacher1", "", RoleTeacher)
	require.NoError(t, err)
	cls, err := s.CreateClass(&Class{Name: "CS 101", TeacherID: teacher.ID})
	require.NoError(t, err)
	return teacher, cls
}

func TestAssignmentVMIDUnique(t *testing.T) {
	s := newTestStore(t)
	_, cls := newTestClass(t, s)

	first, err := s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 501, VMName: "a", Node: "pve1"})
	require.NoError(t, err)

	// Same VMID again reuses the existing row instead of inserting a duplicate.
	second, err := s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 501, VMName: "b", Node: "pve2"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "b", second.VMName)
	require.Equal(t, "pve2", second.Node)

	all, err := s.ListAllAssignments()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestClaimSetsAssignedAtAndStatus(t *testing.T) {
	s := newTestStore(t)
	_, cls := newTestClass(t, s)
	student, err := s.CreateUser("student1", "", RoleStudent)
	require.NoError(t, err)

	a, err := s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 501})
	require.NoError(t, err)

	require.NoError(t, s.ClaimAssignment(a.ID, student.ID, time.Now()))

	got, err := s.GetAssignment(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedUserID)
	require.Equal(t, student.ID, *got.AssignedUserID)
	require.Equal(t, StatusAssigned, got.Status)
	require.NotNil(t, got.AssignedAt)

	// A second claim must lose: the VM is no longer a pool member.
	err = s.ClaimAssignment(a.ID, student.ID, time.Now())
	require.ErrorIs(t, err, apierr.ErrResourceBusy)
}

func TestNextPoolVMOrderAndExclusions(t *testing.T) {
	s := newTestStore(t)
	_, cls := newTestClass(t, s)

	_, err := s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 502})
	require.NoError(t, err)
	_, err = s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 501})
	require.NoError(t, err)
	// Template VMs and manual adds are never auto-allocated.
	_, err = s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 400, IsTemplateVM: true})
	require.NoError(t, err)
	_, err = s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 450, ManuallyAdded: true})
	require.NoError(t, err)

	next, err := s.NextPoolVM(cls.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, 501, next.ProxmoxVMID)
}

func TestDeleteOrphansLeavesPoolVMs(t *testing.T) {
	s := newTestStore(t)
	_, cls := newTestClass(t, s)
	teacher, err := s.GetUserByUsername("teacher1")
	require.NoError(t, err)

	// One orphan, one pool VM, one builder VM.
	_, err = s.UpsertAssignment(&VMAssignment{ProxmoxVMID: 700})
	require.NoError(t, err)
	pool, err := s.UpsertAssignment(&VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 701})
	require.NoError(t, err)
	builder, err := s.UpsertAssignment(&VMAssignment{ProxmoxVMID: 702, AssignedUserID: &teacher.ID, Status: StatusAssigned})
	require.NoError(t, err)

	n, err := s.DeleteOrphanAssignments()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetAssignment(pool.ID)
	require.NoError(t, err)
	_, err = s.GetAssignment(builder.ID)
	require.NoError(t, err)
	_, err = s.GetAssignmentByVMID(700)
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestUpsertVMsPreservesKnownIP(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertVMs([]VMInventory{{
		ClusterID: "main", VMID: 800, Name: "web", Node: "pve1",
		Status: "running", Type: TypeQEMU, IP: "10.0.0.5",
	}}))

	// Refresh with a placeholder must not clobber the real address.
	require.NoError(t, s.UpsertVMs([]VMInventory{{
		ClusterID: "main", VMID: 800, Name: "web", Node: "pve1",
		Status: "running", Type: TypeQEMU, IP: "",
	}}))

	vm, err := s.GetVM("main", 800)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", vm.IP)

	// A real new address does win.
	require.NoError(t, s.UpsertVMs([]VMInventory{{
		ClusterID: "main", VMID: 800, Name: "web", Node: "pve1",
		Status: "running", Type: TypeQEMU, IP: "10.0.0.6",
	}}))
	vm, err = s.GetVM("main", 800)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.6", vm.IP)
}

func TestUpdateVMIPSurvivesSyncMerge(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertVMs([]VMInventory{{
		ClusterID: "main", VMID: 800, Name: "web", Node: "pve1",
		Status: "running", Type: TypeQEMU,
	}}))

	resolved := time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Second)
	require.NoError(t, s.UpdateVMIP("main", 800, "10.0.0.5", resolved))

	// A full sync pass restamps last_updated but carries the IP fields
	// through unchanged; the resolution time must survive the merge.
	vm, err := s.GetVM("main", 800)
	require.NoError(t, err)
	require.NoError(t, s.UpsertVMs([]VMInventory{*vm}))

	got, err := s.GetVM("main", 800)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", got.IP)
	require.NotNil(t, got.IPUpdatedAt)
	require.WithinDuration(t, resolved, *got.IPUpdatedAt, time.Second)
}

func TestUpsertVMsIdempotent(t *testing.T) {
	s := newTestStore(t)
	batch := []VMInventory{{ClusterID: "main", VMID: 801, Name: "db", Node: "pve1", Status: "stopped", Type: TypeQEMU}}

	require.NoError(t, s.UpsertVMs(batch))
	require.NoError(t, s.UpsertVMs(batch))

	vms, err := s.ListVMs(VMFilter{ClusterID: "main"})
	require.NoError(t, err)
	require.Len(t, vms, 1)
}

func TestOptimisticLockOnClass(t *testing.T) {
	s := newTestStore(t)
	_, cls := newTestClass(t, s)

	stale := *cls
	cls.Description = "first writer"
	require.NoError(t, s.UpdateClass(cls))

	stale.Description = "second writer"
	err := s.UpdateClass(&stale)
	require.ErrorIs(t, err, apierr.ErrOptimisticLock)

	got, err := s.GetClass(cls.ID)
	require.NoError(t, err)
	require.Equal(t, "first writer", got.Description)
	require.Equal(t, 1, got.LockVersion)
}

func TestTokenValidity(t *testing.T) {
	now := time.Now()
	token := "tok"
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name  string
		class Class
		want  bool
	}{
		{"no token", Class{}, false},
		{"never expires", Class{JoinToken: &token, TokenNeverExpires: true}, true},
		{"future expiry", Class{JoinToken: &token, TokenExpiresAt: &future}, true},
		{"past expiry", Class{JoinToken: &token, TokenExpiresAt: &past}, false},
		{"no expiry set", Class{JoinToken: &token}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.class.TokenValid(now))
		})
	}
}

func TestDeleteVMsNotSeen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertVMs([]VMInventory{
		{ClusterID: "main", VMID: 100, Type: TypeQEMU},
		{ClusterID: "main", VMID: 101, Type: TypeQEMU},
		{ClusterID: "edge", VMID: 100, Type: TypeQEMU},
	}))

	deleted, err := s.DeleteVMsNotSeen("main", map[int]bool{100: true})
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	// The other cluster is untouched.
	vms, err := s.ListVMs(VMFilter{ClusterID: "edge"})
	require.NoError(t, err)
	require.Len(t, vms, 1)
}

func TestClusterRoundTripAndSeedOnce(t *testing.T) {
	s := newTestStore(t)
	c := &Cluster{
		ClusterID: "main", Host: "pve.example.edu", User: "api@pam",
		Password: "secret", IsActive: true, ARPSubnets: []string{"10.0.0.0/24", "10.0.1.0/24"},
		AdminUsers: []string{"root", "ops"},
	}
	require.NoError(t, s.SaveCluster(c))

	got, err := s.GetCluster("main")
	require.NoError(t, err)
	require.Equal(t, 8006, got.Port)
	require.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, got.ARPSubnets)
	require.Equal(t, []string{"root", "ops"}, got.AdminUsers)
}
