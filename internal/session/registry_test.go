package session

import (
	"testing"
	"time"

	"gestio-core/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&model.Session{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCreateAndIsValid(t *testing.T) {
	r := NewRegistry(openTestDB(t), time.Hour)

	sess, err := r.Create(1, "fp-1", "10.0.0.1", "agent")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sess.ID == 0 {
		t.Fatal("expected persisted session id")
	}

	valid, err := r.IsValid("fp-1")
	if err != nil {
		t.Fatalf("isValid failed: %v", err)
	}
	if !valid {
		t.Fatal("fresh session must be valid")
	}

	valid, err = r.IsValid("unknown")
	if err != nil {
		t.Fatalf("isValid failed: %v", err)
	}
	if valid {
		t.Fatal("unknown fingerprint must be invalid")
	}
}

func TestRevokeRejectsStillSignedCredential(t *testing.T) {
	r := NewRegistry(openTestDB(t), time.Hour)

	if _, err := r.Create(1, "fp-1", "", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Revoke(1, "fp-1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	valid, err := r.IsValid("fp-1")
	if err != nil {
		t.Fatalf("isValid failed: %v", err)
	}
	if valid {
		t.Fatal("revoked session must be invalid")
	}
}

func TestRevokeAllCountsOnlyActive(t *testing.T) {
	r := NewRegistry(openTestDB(t), time.Hour)

	for _, fp := range []string{"a", "b", "c"} {
		if _, err := r.Create(1, fp, "", ""); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := r.Create(2, "other-user", "", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Revoke(1, "a"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	count, err := r.RevokeAll(1)
	if err != nil {
		t.Fatalf("revokeAll failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revocations, got %d", count)
	}

	valid, err := r.IsValid("other-user")
	if err != nil {
		t.Fatalf("isValid failed: %v", err)
	}
	if !valid {
		t.Fatal("other user's session must survive")
	}
}

func TestExpiredSessionInvalidAndSwept(t *testing.T) {
	r := NewRegistry(openTestDB(t), -time.Hour)

	if _, err := r.Create(1, "expired", "", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	valid, err := r.IsValid("expired")
	if err != nil {
		t.Fatalf("isValid failed: %v", err)
	}
	if valid {
		t.Fatal("expired session must be invalid even if not revoked")
	}

	deleted, err := r.SweepExpired()
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row swept, got %d", deleted)
	}

	sessions, err := r.List(1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions after sweep, got %d", len(sessions))
	}
}

func TestListReturnsActiveNewestFirst(t *testing.T) {
	r := NewRegistry(openTestDB(t), time.Hour)

	if _, err := r.Create(1, "a", "10.0.0.1", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.Create(1, "b", "10.0.0.2", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Revoke(1, "a"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	sessions, err := r.List(1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(sessions))
	}
	if sessions[0].IP != "10.0.0.2" {
		t.Fatalf("expected remaining session ip 10.0.0.2, got %s", sessions[0].IP)
	}
}
