package reports

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// AdminUser is one administrator account row
type AdminUser struct {
	ID          int64
	Username    string
	PwSalt      []byte
	PwHash      []byte
	PwIters     int
	CreatedUnix int64
	Disabled    bool
}

// ErrUsernameTaken is returned when creating a user whose name exists
var ErrUsernameTaken = errors.New("username already exists")

// CountActiveAdmins returns the number of non-disabled admin accounts
func CountActiveAdmins() (int, error) {
	if db == nil {
		return 0, ErrNotOpen
	}

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM admin_users WHERE disabled = 0").Scan(&count)
	return count, err
}

// GetUserByUsername returns an account by name, or nil when absent
func GetUserByUsername(username string) (*AdminUser, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	row := db.QueryRow(
		"SELECT id, username, pw_salt, pw_hash, pw_iters, created_unix, disabled FROM admin_users WHERE username = ?",
		username)
	return scanUser(row)
}

// GetUserByID returns an account by id, or nil when absent
func GetUserByID(id int64) (*AdminUser, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	row := db.QueryRow(
		"SELECT id, username, pw_salt, pw_hash, pw_iters, created_unix, disabled FROM admin_users WHERE id = ?",
		id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*AdminUser, error) {
	user := &AdminUser{}
	var disabled int
	err := row.Scan(&user.ID, &user.Username, &user.PwSalt, &user.PwHash, &user.PwIters, &user.CreatedUnix, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.Disabled = disabled != 0
	return user, nil
}

// ListUsers returns every admin account ordered by id
func ListUsers() ([]*AdminUser, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	rows, err := db.Query(
		"SELECT id, username, pw_salt, pw_hash, pw_iters, created_unix, disabled FROM admin_users ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		user := &AdminUser{}
		var disabled int
		if err := rows.Scan(&user.ID, &user.Username, &user.PwSalt, &user.PwHash, &user.PwIters, &user.CreatedUnix, &disabled); err != nil {
			return nil, err
		}
		user.Disabled = disabled != 0
		users = append(users, user)
	}

	return users, rows.Err()
}

// CreateUser inserts a new admin account and returns the stored row.
// A duplicate username maps to ErrUsernameTaken.
func CreateUser(username string, salt []byte, hash []byte, iters int) (*AdminUser, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	created := time.Now().Unix()
	res, err := db.Exec(
		"INSERT INTO admin_users (username, pw_salt, pw_hash, pw_iters, created_unix, disabled) VALUES (?,?,?,?,?,0)",
		username, salt, hash, iters, created)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &AdminUser{
		ID:          id,
		Username:    username,
		PwSalt:      salt,
		PwHash:      hash,
		PwIters:     iters,
		CreatedUnix: created,
	}, nil
}

// UpdateUserPassword replaces the stored credential material of a user
func UpdateUserPassword(id int64, salt []byte, hash []byte, iters int) error {
	if db == nil {
		return ErrNotOpen
	}

	_, err := db.Exec(
		"UPDATE admin_users SET pw_salt = ?, pw_hash = ?, pw_iters = ? WHERE id = ?",
		salt, hash, iters, id)
	return err
}

// SetUserDisabled flips the disabled flag of a user
func SetUserDisabled(id int64, disabled bool) error {
	if db == nil {
		return ErrNotOpen
	}

	value := 0
	if disabled {
		value = 1
	}
	_, err := db.Exec("UPDATE admin_users SET disabled = ? WHERE id = ?", value, id)
	return err
}

// DeleteUser removes a user and every token it owns
func DeleteUser(id int64) error {
	if db == nil {
		return ErrNotOpen
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM admin_tokens WHERE user_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM admin_users WHERE id = ?", id); err != nil {
		return err
	}

	return tx.Commit()
}

// InsertToken stores the hash of a freshly issued bearer token
func InsertToken(tokenHash []byte, userID int64, createdUnix int64, expiresUnix int64) error {
	if db == nil {
		return ErrNotOpen
	}

	_, err := db.Exec(
		"INSERT OR REPLACE INTO admin_tokens (token_hash, user_id, created_unix, expires_unix) VALUES (?,?,?,?)",
		tokenHash, userID, createdUnix, expiresUnix)
	return err
}

// DeleteExpiredTokens drops every token past its expiry
func DeleteExpiredTokens(nowUnix int64) error {
	if db == nil {
		return ErrNotOpen
	}

	_, err := db.Exec("DELETE FROM admin_tokens WHERE expires_unix <= ?", nowUnix)
	return err
}

// DeleteTokensForUser revokes every token of one user
func DeleteTokensForUser(userID int64) error {
	if db == nil {
		return ErrNotOpen
	}

	_, err := db.Exec("DELETE FROM admin_tokens WHERE user_id = ?", userID)
	return err
}

// LookupToken resolves a token hash to its owning account. Returns nil
// when the token is unknown, expired, or owned by a disabled user.
func LookupToken(tokenHash []byte, nowUnix int64) (*AdminUser, error) {
	if db == nil {
		return nil, ErrNotOpen
	}

	row := db.QueryRow(
		`SELECT u.id, u.username, u.pw_salt, u.pw_hash, u.pw_iters, u.created_unix, u.disabled
		 FROM admin_tokens t JOIN admin_users u ON u.id = t.user_id
		 WHERE t.token_hash = ? AND t.expires_unix > ?`,
		tokenHash, nowUnix)

	user, err := scanUser(row)
	if err != nil || user == nil {
		return nil, err
	}
	if user.Disabled {
		return nil, nil
	}
	return user, nil
}
