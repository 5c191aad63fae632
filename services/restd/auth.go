package restd

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/pbkdf2"

	"github.com/nfcgate/relayd/services/logger"
	"github.com/nfcgate/relayd/services/reports"
	"github.com/nfcgate/relayd/services/settings"
)

// tokenHeader is checked before Authorization so a reverse proxy adding
// its own Basic credentials cannot shadow the relay token
const tokenHeader = "X-NFCGate-Token"

// pbkdf2Iterations is the work factor for new password hashes
const pbkdf2Iterations = 210000

const saltLength = 16
const hashLength = 32
const tokenLength = 32

// minTokenTTL is the floor applied to the configured token lifetime
const minTokenTTL = 60

const contextUserKey = "adminUser"

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// hashPassword derives the stored hash with PBKDF2-HMAC-SHA256
func hashPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, hashLength, sha256.New)
}

// verifyPassword compares in constant time so response timing leaks
// nothing about how close a guess was
func verifyPassword(user *reports.AdminUser, password string) bool {
	derived := hashPassword(password, user.PwSalt, user.PwIters)
	return subtle.ConstantTimeCompare(derived, user.PwHash) == 1
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// issueToken creates a fresh bearer token for the user, stores only its
// SHA-256 digest, and opportunistically purges expired tokens
func issueToken(user *reports.AdminUser) (string, int64, error) {
	raw, err := randomBytes(tokenLength)
	if err != nil {
		return "", 0, err
	}

	token := base64.RawURLEncoding.EncodeToString(raw)
	digest := sha256.Sum256([]byte(token))

	ttl := settings.Current().Admin.TokenTTLSeconds
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}

	now := time.Now().Unix()
	expires := now + int64(ttl)

	if err := reports.DeleteExpiredTokens(now); err != nil {
		logger.Debug("Expired token purge failed: %s\n", err.Error())
	}
	if err := reports.InsertToken(digest[:], user.ID, now, expires); err != nil {
		return "", 0, err
	}

	return token, expires, nil
}

// extractToken finds the bearer token of a request
func extractToken(c *gin.Context) string {
	if value := c.GetHeader(tokenHeader); value != "" {
		if len(value) > 7 && strings.EqualFold(value[:7], "Bearer ") {
			return strings.TrimSpace(value[7:])
		}
		return strings.TrimSpace(value)
	}

	value := c.GetHeader("Authorization")
	if len(value) > 7 && strings.EqualFold(value[:7], "Bearer ") {
		return strings.TrimSpace(value[7:])
	}

	return ""
}

// authRequired gates the admin endpoints on a live bearer token
func authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !reports.IsEnabled() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "log database not configured"})
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		digest := sha256.Sum256([]byte(token))
		user, err := reports.LookupToken(digest[:], time.Now().Unix())
		if err != nil || user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(contextUserKey, user)
		c.Next()
	}
}

// requestUser returns the account the middleware authenticated
func requestUser(c *gin.Context) *reports.AdminUser {
	value, found := c.Get(contextUserKey)
	if !found {
		return nil
	}
	return value.(*reports.AdminUser)
}

// authStatusHandler is the public GET /api/auth/status endpoint
func authStatusHandler(c *gin.Context) {
	hasAdmins := false
	if reports.IsEnabled() {
		if count, err := reports.CountActiveAdmins(); err == nil {
			hasAdmins = count > 0
		}
	}
	c.JSON(http.StatusOK, gin.H{"has_admins": hasAdmins})
}

// authLoginHandler is the public POST /api/auth/login endpoint
func authLoginHandler(c *gin.Context) {
	if !reports.IsEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log database not configured"})
		return
	}

	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_json"})
		return
	}
	if body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}

	count, err := reports.CountActiveAdmins()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
	if count == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "no_admins"})
		return
	}

	user, err := reports.GetUserByUsername(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
	if user == nil || user.Disabled || !verifyPassword(user, body.Password) {
		logger.Info("Login failed: %s\n", body.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	token, expires, err := issueToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	logger.Info("Login: %s\n", user.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":        token,
		"expires_unix": expires,
		"user":         gin.H{"id": user.ID, "username": user.Username},
	})
}

// authBootstrapHandler is the public POST /api/auth/bootstrap endpoint.
// It creates the first admin account exactly once.
func authBootstrapHandler(c *gin.Context) {
	if !reports.IsEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log database not configured"})
		return
	}

	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_json"})
		return
	}
	if body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_credentials"})
		return
	}

	count, err := reports.CountActiveAdmins()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "already_initialized"})
		return
	}

	user, err := createAccount(body.Username, body.Password)
	if err == reports.ErrUsernameTaken {
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	token, expires, err := issueToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bootstrap_failed"})
		return
	}

	logger.Info("Bootstrap created admin: %s\n", user.Username)
	c.JSON(http.StatusCreated, gin.H{
		"token":        token,
		"expires_unix": expires,
		"user":         gin.H{"id": user.ID, "username": user.Username},
	})
}

// createAccount hashes the password with a fresh salt and stores the user
func createAccount(username string, password string) (*reports.AdminUser, error) {
	salt, err := randomBytes(saltLength)
	if err != nil {
		return nil, err
	}

	hash := hashPassword(password, salt, pbkdf2Iterations)
	return reports.CreateUser(username, salt, hash, pbkdf2Iterations)
}
