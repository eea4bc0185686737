package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cpp-cyber/classlab/internal/store"
)

func newTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &API{store: s}, s
}

// loginAs fakes a session by registering a route that writes the session
// and calling it once, then reuses the cookie on later requests.
func loginAs(t *testing.T, r *gin.Engine, userID int64, role store.Role) string {
	t.Helper()
	r.GET("/_test/login", func(c *gin.Context) {
		session := sessions.Default(c)
		session.Set("uid", userID)
		session.Set("role", string(role))
		require.NoError(t, session.Save())
		c.Status(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/_test/login", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return strings.Join(rec.Header().Values("Set-Cookie"), "; ")
}

func newTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions("classlab", cookie.NewStore([]byte("test-secret"))))
	return r
}

func TestVisibleVMIDsStudentSeesOnlyOwnAssignments(t *testing.T) {
	a, s := newTestAPI(t)

	teacher, err := s.CreateUser("prof", "", store.RoleTeacher)
	require.NoError(t, err)
	student, err := s.CreateUser("kid", "", store.RoleStudent)
	require.NoError(t, err)
	cls, err := s.CreateClass(&store.Class{Name: "Net Sec", TeacherID: teacher.ID})
	require.NoError(t, err)

	mine, err := s.UpsertAssignment(&store.VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 10101, VMName: "a", Node: "pve1"})
	require.NoError(t, err)
	_, err = s.UpsertAssignment(&store.VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 10102, VMName: "b", Node: "pve1"})
	require.NoError(t, err)
	require.NoError(t, s.ClaimAssignment(mine.ID, student.ID, time.Now()))

	vmids, err := a.visibleVMIDs(store.RoleStudent, student.ID)
	require.NoError(t, err)
	require.Equal(t, []int{10101}, vmids)
}

func TestVisibleVMIDsTeacherSeesWholeClass(t *testing.T) {
	a, s := newTestAPI(t)

	teacher, err := s.CreateUser("prof", "", store.RoleTeacher)
	require.NoError(t, err)
	cls, err := s.CreateClass(&store.Class{Name: "Net Sec", TeacherID: teacher.ID})
	require.NoError(t, err)

	_, err = s.UpsertAssignment(&store.VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 10101, VMName: "a", Node: "pve1"})
	require.NoError(t, err)
	_, err = s.UpsertAssignment(&store.VMAssignment{ClassID: &cls.ID, ProxmoxVMID: 10102, VMName: "b", Node: "pve1"})
	require.NoError(t, err)

	vmids, err := a.visibleVMIDs(store.RoleTeacher, teacher.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{10101, 10102}, vmids)
}

func TestListVMsRequiresSession(t *testing.T) {
	a, _ := newTestAPI(t)
	r := newTestEngine()
	a.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/vms", nil)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTeacherRoutesRejectStudents(t *testing.T) {
	a, s := newTestAPI(t)
	r := newTestEngine()
	a.RegisterRoutes(r)

	student, err := s.CreateUser("kid", "", store.RoleStudent)
	require.NoError(t, err)
	cookie := loginAs(t, r, student.ID, store.RoleStudent)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/classes", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRoutesAllowAdmins(t *testing.T) {
	a, s := newTestAPI(t)
	r := newTestEngine()
	a.RegisterRoutes(r)

	admin, err := s.CreateUser("root", "", store.RoleAdmin)
	require.NoError(t, err)
	cookie := loginAs(t, r, admin.ID, store.RoleAdmin)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("Cookie", cookie)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPowerHandlerRejectsUnknownAction(t *testing.T) {
	a, s := newTestAPI(t)
	r := newTestEngine()
	a.RegisterRoutes(r)

	admin, err := s.CreateUser("root", "", store.RoleAdmin)
	require.NoError(t, err)
	cookie := loginAs(t, r, admin.ID, store.RoleAdmin)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vms/main/101/power/explode", nil)
	req.Header.Set("Cookie", cookie)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
