package restd

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/reports"
)

type userUpdateBody struct {
	Password *string `json:"password"`
	Disabled *bool   `json:"disabled"`
}

func userSummary(user *reports.AdminUser) gin.H {
	return gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"created_unix": user.CreatedUnix,
		"disabled":     user.Disabled,
	}
}

func userRef(user *reports.AdminUser) gin.H {
	return gin.H{"id": user.ID, "username": user.Username}
}

// targetUserID parses the :id route parameter
func targetUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return 0, false
	}
	return id, true
}

// listUsersHandler is GET /api/admin/users
func listUsersHandler(c *gin.Context) {
	users, err := reports.ListUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	summaries := make([]gin.H, 0, len(users))
	for _, user := range users {
		summaries = append(summaries, userSummary(user))
	}

	c.JSON(http.StatusOK, gin.H{"users": summaries})
}

// createUserHandler is POST /api/admin/users. Any authenticated admin may
// create further accounts.
func createUserHandler(c *gin.Context) {
	actor := requestUser(c)

	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_json"})
		return
	}
	if body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}

	user, err := createAccount(body.Username, body.Password)
	if err == reports.ErrUsernameTaken {
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	logger.Info("Admin %s created user %s\n", actor.Username, user.Username)
	c.JSON(http.StatusCreated, gin.H{
		"created":    userSummary(user),
		"created_by": userRef(actor),
	})
}

// updateUserHandler is PATCH /api/admin/users/:id. A password change or a
// disable revokes every token of the target.
func updateUserHandler(c *gin.Context) {
	actor := requestUser(c)

	id, ok := targetUserID(c)
	if !ok {
		return
	}

	var body userUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_json"})
		return
	}
	if body.Password == nil && body.Disabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_fields"})
		return
	}
	if body.Password != nil && *body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_password"})
		return
	}
	if body.Disabled != nil && *body.Disabled && id == actor.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_disable_self"})
		return
	}

	target, err := reports.GetUserByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	revoke := false

	if body.Password != nil {
		salt, err := randomBytes(saltLength)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
			return
		}
		hash := hashPassword(*body.Password, salt, pbkdf2Iterations)
		if err := reports.UpdateUserPassword(id, salt, hash, pbkdf2Iterations); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
			return
		}
		revoke = true
	}

	if body.Disabled != nil {
		if err := reports.SetUserDisabled(id, *body.Disabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
			return
		}
		if *body.Disabled {
			revoke = true
		}
	}

	if revoke {
		if err := reports.DeleteTokensForUser(id); err != nil {
			logger.Warn("Token revocation failed for user %d: %s\n", id, err.Error())
		}
	}

	updated, err := reports.GetUserByID(id)
	if err != nil || updated == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	logger.Info("Admin %s updated user %s\n", actor.Username, updated.Username)
	c.JSON(http.StatusOK, gin.H{
		"updated":    userSummary(updated),
		"updated_by": userRef(actor),
	})
}

// deleteUserHandler is DELETE /api/admin/users/:id
func deleteUserHandler(c *gin.Context) {
	actor := requestUser(c)

	id, ok := targetUserID(c)
	if !ok {
		return
	}

	if id == actor.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_delete_self"})
		return
	}

	target, err := reports.GetUserByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if err := reports.DeleteUser(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	logger.Info("Admin %s deleted user %s\n", actor.Username, target.Username)
	c.JSON(http.StatusOK, gin.H{
		"deleted":    userRef(target),
		"deleted_by": userRef(actor),
	})
}
