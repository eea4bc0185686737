package auth

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/cpp-cyber/classlab/internal/store"
)

// Session keys. The role is stored alongside the user ID so middleware does
// not hit the database on every request.
const (
	sessionUserID = "uid"
	sessionRole   = "role"
)

// SaveLogin records the authenticated user in the session.
func SaveLogin(c *gin.Context, user *store.User) error {
	session := sessions.Default(c)
	session.Set(sessionUserID, user.ID)
	session.Set(sessionRole, string(user.Role))
	return session.Save()
}

// ClearLogin drops the session.
func ClearLogin(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	return session.Save()
}

// CurrentUserID returns the logged-in user's ID, or false.
func CurrentUserID(c *gin.Context) (int64, bool) {
	id, ok := sessions.Default(c).Get(sessionUserID).(int64)
	return id, ok
}

// CurrentRole returns the logged-in user's role, or false.
func CurrentRole(c *gin.Context) (store.Role, bool) {
	raw, ok := sessions.Default(c).Get(sessionRole).(string)
	if !ok {
		return "", false
	}
	role := store.Role(raw)
	return role, role.Valid()
}

// AuthRequired rejects requests without a logged-in session.
func AuthRequired(c *gin.Context) {
	if _, ok := CurrentUserID(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// RoleRequired admits only the listed roles. Admin always passes.
func RoleRequired(roles ...store.Role) gin.HandlerFunc {
	allowed := make(map[store.Role]bool, len(roles)+1)
	allowed[store.RoleAdmin] = true
	for _, role := range roles {
		allowed[role] = true
	}

	return func(c *gin.Context) {
		if _, ok := CurrentUserID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		role, ok := CurrentRole(c)
		if !ok || !allowed[role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// TeacherRequired admits teachers and admins.
func TeacherRequired() gin.HandlerFunc {
	return RoleRequired(store.RoleTeacher)
}

// AdminRequired admits only admins.
func AdminRequired() gin.HandlerFunc {
	return RoleRequired()
}
