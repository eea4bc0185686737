package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, nil), st
}

func TestLocalLoginRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.CreateLocalUser("teacher", "correct horse battery", store.RoleTeacher)
	require.NoError(t, err)
	require.NotEqual(t, "correct horse battery", created.PasswordHash)

	user, err := svc.Authenticate("teacher", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, created.ID, user.ID)
	require.Equal(t, store.RoleTeacher, user.Role)

	_, err = svc.Authenticate("teacher", "wrong password")
	require.ErrorIs(t, err, apierr.ErrAccessDenied)
}

func TestAuthenticateUnknownUserWithoutDirectory(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Authenticate("ghost", "whatever")
	require.ErrorIs(t, err, apierr.ErrAccessDenied)
}

func TestAuthenticateRejectsEmptyCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Authenticate("", "")
	require.ErrorIs(t, err, apierr.ErrInvalidInput)
}

func TestCreateLocalUserValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateLocalUser("x", "short", store.RoleStudent)
	require.ErrorIs(t, err, apierr.ErrInvalidInput)

	_, err = svc.CreateLocalUser("x", "long enough pw", "superuser")
	require.ErrorIs(t, err, apierr.ErrInvalidInput)
}
