package models

import "time"

// UserRole represents the role assigned to an administrative account.
type UserRole string

const (
	RoleAdmin UserRole = "Admin"
	RoleUser  UserRole = "user"
)

// User is the authenticated principal stored in the users table. The session
// subsystem only reads identity and status and writes the activity columns.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	LastActivity *time.Time `db:"last_activity" json:"last_activity,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
