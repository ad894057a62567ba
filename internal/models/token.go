package models

import "time"

// RefreshToken is the persisted record of an issued refresh credential.
//
// JTI is nil only for rows written before token identifiers were tracked;
// cmd/backfill-jti fills those in.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Token     string     `db:"token" json:"-"`
	JTI       *string    `db:"jti" json:"jti,omitempty"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
}

// Active reports whether the record can still be exchanged at instant now.
func (t *RefreshToken) Active(now time.Time) bool {
	if t == nil || t.Revoked {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// JTIValue returns the token identifier or an empty string for legacy rows.
func (t *RefreshToken) JTIValue() string {
	if t == nil || t.JTI == nil {
		return ""
	}
	return *t.JTI
}
