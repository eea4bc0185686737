package class

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, nil, nil, time.Second, 1), st
}

func seedClass(t *testing.T, st *store.Store) (*store.Class, *store.User) {
	t.Helper()
	teacher, err := st.CreateUser("teacher", "x", store.RoleTeacher)
	require.NoError(t, err)
	cls, err := st.CreateClass(&store.Class{
		Name:             "Network Security",
		TeacherID:        teacher.ID,
		DeploymentMethod: store.DeployLinkedClone,
	})
	require.NoError(t, err)
	return cls, teacher
}

func TestMintJoinTokenExpirySemantics(t *testing.T) {
	svc, st := newTestService(t)
	cls, _ := seedClass(t, st)

	token, err := svc.MintJoinToken(cls.ID, 7)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotContains(t, token, "=", "token is raw URL-safe base64")

	got, err := st.GetClass(cls.ID)
	require.NoError(t, err)
	require.False(t, got.TokenNeverExpires)
	require.NotNil(t, got.TokenExpiresAt)
	require.True(t, got.TokenValid(time.Now()))
	require.False(t, got.TokenValid(time.Now().AddDate(0, 0, 8)))

	// Zero days means the token never expires.
	_, err = svc.MintJoinToken(cls.ID, 0)
	require.NoError(t, err)
	got, err = st.GetClass(cls.ID)
	require.NoError(t, err)
	require.True(t, got.TokenNeverExpires)
	require.Nil(t, got.TokenExpiresAt)
	require.True(t, got.TokenValid(time.Now().AddDate(1, 0, 0)))
}

func TestJoinViaTokenRejectsUnknownToken(t *testing.T) {
	svc, st := newTestService(t)
	seedClass(t, st)

	student, err := st.CreateUser("student", "x", store.RoleStudent)
	require.NoError(t, err)

	_, err = svc.JoinViaToken(context.Background(), "definitely-not-a-token", student.ID)
	require.ErrorIs(t, err, apierr.ErrInvalidToken)
}

func TestJoinViaTokenRejectsExpiredToken(t *testing.T) {
	svc, st := newTestService(t)
	cls, _ := seedClass(t, st)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, st.SetJoinToken(cls.ID, "stale-token", &expired))

	student, err := st.CreateUser("student", "x", store.RoleStudent)
	require.NoError(t, err)

	_, err = svc.JoinViaToken(context.Background(), "stale-token", student.ID)
	require.ErrorIs(t, err, apierr.ErrInvalidToken)
}

func TestJoinViaTokenIdempotentRejoin(t *testing.T) {
	svc, st := newTestService(t)
	cls, _ := seedClass(t, st)

	require.NoError(t, st.SetJoinToken(cls.ID, "join-me", nil))

	student, err := st.CreateUser("student", "x", store.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, st.Enroll(cls.ID, student.ID))

	res, err := svc.JoinViaToken(context.Background(), "join-me", student.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadyMember)
	require.Equal(t, cls.ID, res.ClassID)
}

func TestClaimPoolVMOrderAndExclusions(t *testing.T) {
	svc, st := newTestService(t)
	cls, _ := seedClass(t, st)

	add := func(vmid int, templateVM, manual bool) {
		_, err := st.UpsertAssignment(&store.VMAssignment{
			ClassID:       &cls.ID,
			ProxmoxVMID:   vmid,
			VMName:        "pool",
			Node:          "pve1",
			Status:        store.StatusAvailable,
			IsTemplateVM:  templateVM,
			ManuallyAdded: manual,
		})
		require.NoError(t, err)
	}
	add(10105, false, false)
	add(10101, true, false)  // template VM, never allocated
	add(10102, false, true)  // manually added, skipped by auto-allocation
	add(10103, false, false)

	alice, err := st.CreateUser("alice", "x", store.RoleStudent)
	require.NoError(t, err)
	bob, err := st.CreateUser("bob", "x", store.RoleStudent)
	require.NoError(t, err)

	vmid, err := svc.claimPoolVM(cls.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, 10103, vmid, "lowest eligible VMID goes first")

	vmid, err = svc.claimPoolVM(cls.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, 10105, vmid)

	carol, err := st.CreateUser("carol", "x", store.RoleStudent)
	require.NoError(t, err)
	vmid, err = svc.claimPoolVM(cls.ID, carol.ID)
	require.NoError(t, err)
	require.Zero(t, vmid, "empty pool is a success, not an error")
}

func TestCleanupOrphansSparesPoolVMs(t *testing.T) {
	svc, st := newTestService(t)
	cls, _ := seedClass(t, st)

	_, err := st.UpsertAssignment(&store.VMAssignment{
		ClassID:     &cls.ID,
		ProxmoxVMID: 10101,
		VMName:      "pool",
		Node:        "pve1",
		Status:      store.StatusAvailable,
	})
	require.NoError(t, err)
	_, err = st.UpsertAssignment(&store.VMAssignment{
		ProxmoxVMID: 999,
		VMName:      "orphan",
		Node:        "pve1",
		Status:      store.StatusAvailable,
	})
	require.NoError(t, err)

	deleted, err := svc.CleanupOrphans()
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, err = st.GetAssignmentByVMID(10101)
	require.NoError(t, err, "pool VM survives orphan cleanup")
	_, err = st.GetAssignmentByVMID(999)
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestMatchesClassPrefix(t *testing.T) {
	require.True(t, matchesClassPrefix(12345, "12"))
	require.False(t, matchesClassPrefix(1234, "12"), "four digits is too short")
	require.False(t, matchesClassPrefix(92345, "12"))
	require.True(t, matchesClassPrefix(120001, "12"))
}

func TestCreateValidatesDeploymentMethod(t *testing.T) {
	svc, st := newTestService(t)
	_, teacher := seedClass(t, st)

	_, err := svc.Create(&store.Class{Name: "Good", TeacherID: teacher.ID, DeploymentMethod: store.DeployConfigClone})
	require.NoError(t, err)

	_, err = svc.Create(&store.Class{Name: "Bad", TeacherID: teacher.ID, DeploymentMethod: "snapshot"})
	require.ErrorIs(t, err, apierr.ErrInvalidInput)

	_, err = svc.Create(&store.Class{TeacherID: teacher.ID})
	require.ErrorIs(t, err, apierr.ErrInvalidInput)
}
