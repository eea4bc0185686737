package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/auth"
	"github.com/cpp-cyber/classlab/internal/store"
)

func classIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid class id"})
		return 0, false
	}
	return id, true
}

// mayManageClass checks that the caller owns or co-owns the class. Admins
// always may.
func (a *API) mayManageClass(c *gin.Context, classID int64) bool {
	role, _ := auth.CurrentRole(c)
	if role == store.RoleAdmin {
		return true
	}
	userID, _ := auth.CurrentUserID(c)
	owner, err := a.store.IsClassOwner(classID, userID)
	return err == nil && owner
}

func (a *API) listClassesHandler(c *gin.Context) {
	role, _ := auth.CurrentRole(c)
	userID, _ := auth.CurrentUserID(c)

	var (
		classes []store.Class
		err     error
	)
	switch role {
	case store.RoleAdmin:
		classes, err = a.store.ListClasses()
	case store.RoleTeacher:
		classes, err = a.store.ListClassesForTeacher(userID)
	default:
		// Students see the classes they are enrolled in.
		all, lerr := a.store.ListClasses()
		if lerr != nil {
			err = lerr
			break
		}
		for _, cls := range all {
			enrolled, eerr := a.store.IsEnrolled(cls.ID, userID)
			if eerr == nil && enrolled {
				classes = append(classes, cls)
			}
		}
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if classes == nil {
		classes = []store.Class{}
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (a *API) getClassHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	cls, err := a.store.GetClass(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}

	role, _ := auth.CurrentRole(c)
	userID, _ := auth.CurrentUserID(c)
	if role == store.RoleStudent {
		enrolled, err := a.store.IsEnrolled(id, userID)
		if err != nil || !enrolled {
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
	}

	assignments, err := a.store.ListAssignmentsForClass(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": cls, "assignments": assignments})
}

func (a *API) createClassHandler(c *gin.Context) {
	var cls store.Class
	if err := c.ShouldBindJSON(&cls); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := auth.CurrentUserID(c)
	cls.TeacherID = userID

	created, err := a.classes.Create(&cls)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (a *API) updateClassHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	var cls store.Class
	if err := c.ShouldBindJSON(&cls); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cls.ID = id

	if err := a.classes.UpdateSettings(c.Request.Context(), &cls); err != nil {
		apierr.Respond(c, err)
		return
	}
	updated, err := a.store.GetClass(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) deleteClassHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	deleteVMs := c.Query("delete_vms") == "true"
	if err := a.classes.Delete(c.Request.Context(), id, deleteVMs); err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "class deleted"})
}

type mintTokenRequest struct {
	ExpiresInDays int `json:"expires_in_days"`
}

func (a *API) mintTokenHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	var req mintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ExpiresInDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in_days must be zero or positive"})
		return
	}

	token, err := a.classes.MintJoinToken(id, req.ExpiresInDays)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

func (a *API) revokeTokenHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	if err := a.classes.RevokeJoinToken(id); err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token revoked"})
}

func (a *API) listEnrollmentsHandler(c *gin.Context) {
	id, ok := classIDParam(c)
	if !ok {
		return
	}
	if !a.mayManageClass(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	users, err := a.store.ListEnrollments(id)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": users})
}

type joinRequest struct {
	Token string `json:"token" binding:"required"`
}

func (a *API) joinClassHandler(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	userID, _ := auth.CurrentUserID(c)

	result, err := a.classes.JoinViaToken(c.Request.Context(), req.Token, userID)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) listTemplatesHandler(c *gin.Context) {
	templates, err := a.store.ListTemplates()
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (a *API) listISOsHandler(c *gin.Context) {
	isos, err := a.store.ListISOs()
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"isos": isos})
}
