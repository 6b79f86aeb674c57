package session

import (
	"errors"
	"time"

	"gestio-core/internal/model"

	"gorm.io/gorm"
)

// DefaultTTL is the session lifetime used when none is configured.
const DefaultTTL = 24 * time.Hour

// Registry is the server-side revocable session store, keyed by credential
// fingerprint. A credential whose signature still verifies is rejected once
// its session row is revoked or expired. Master never has session rows.
type Registry struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewRegistry creates a session registry over the control-plane database.
// A non-positive ttl falls back to DefaultTTL.
func NewRegistry(db *gorm.DB, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{db: db, ttl: ttl}
}

// Create persists a session row for a freshly issued credential.
func (r *Registry) Create(userID uint, fingerprint, ip, userAgent string) (*model.Session, error) {
	sess := model.Session{
		UserID:      userID,
		Fingerprint: fingerprint,
		IP:          ip,
		UserAgent:   userAgent,
		ExpiresAt:   time.Now().Add(r.ttl),
	}
	if err := r.db.Create(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// IsValid reports whether a non-revoked, non-expired session exists for the
// fingerprint. The pipeline skips this check for master.
func (r *Registry) IsValid(fingerprint string) (bool, error) {
	var sess model.Session
	err := r.db.
		Where("fingerprint = ? AND revoked = ? AND expires_at > ?", fingerprint, false, time.Now()).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Revoke marks exactly one session revoked (logout). Revoking an already
// revoked or unknown session is not an error.
func (r *Registry) Revoke(userID uint, fingerprint string) error {
	return r.db.Model(&model.Session{}).
		Where("user_id = ? AND fingerprint = ? AND revoked = ?", userID, fingerprint, false).
		Update("revoked", true).Error
}

// RevokeAll revokes every active session for a user and returns the count.
func (r *Registry) RevokeAll(userID uint) (int64, error) {
	result := r.db.Model(&model.Session{}).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Update("revoked", true)
	return result.RowsAffected, result.Error
}

// List returns the user's active sessions, newest first.
func (r *Registry) List(userID uint) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// CountActive returns the number of active sessions across all users.
func (r *Registry) CountActive() (int64, error) {
	var count int64
	err := r.db.Model(&model.Session{}).
		Where("revoked = ? AND expires_at > ?", false, time.Now()).
		Count(&count).Error
	return count, err
}

// SweepExpired hard-deletes rows past expiry. Maintenance task, not part of
// the request path.
func (r *Registry) SweepExpired() (int64, error) {
	result := r.db.
		Where("expires_at <= ?", time.Now()).
		Delete(&model.Session{})
	return result.RowsAffected, result.Error
}
