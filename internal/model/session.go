package model

import (
	"time"
)

// Session is a server-side revocable record backing an issued credential.
// The fingerprint is a digest of the token; revoking the row rejects the
// credential on the next request even while its signature still verifies.
// Master never has session rows.
type Session struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UserID      uint      `json:"user_id" gorm:"index;not null"`
	Fingerprint string    `json:"-" gorm:"type:varchar(64);index;not null"`
	IP          string    `json:"ip" gorm:"type:varchar(45)"`
	UserAgent   string    `json:"user_agent" gorm:"type:varchar(255)"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"index"`
	Revoked     bool      `json:"revoked" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
