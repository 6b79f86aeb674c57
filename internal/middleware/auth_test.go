package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gestio-core/internal/identity"
	"gestio-core/internal/model"
	"gestio-core/internal/permission"
	"gestio-core/internal/session"
	"gestio-core/pkg/config"
	"gestio-core/pkg/jwtutil"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type pipelineFixture struct {
	db   *gorm.DB
	jwt  *jwtutil.JWTUtil
	sess *session.Registry
	auth *Auth
	e    *echo.Echo
	ana  model.User
	acme model.Tenant
	beta model.Tenant
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
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
	err = db.AutoMigrate(
		&model.User{}, &model.Tenant{}, &model.UserTenant{},
		&model.Menu{}, &model.Permission{}, &model.Session{}, &model.GlobalConfig{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &pipelineFixture{
		db:   db,
		jwt:  jwtutil.New(&config.JWTConfig{SigningKey: "test-key", ExpirationHours: 1}),
		sess: session.NewRegistry(db, time.Hour),
		e:    echo.New(),
	}
	f.auth = NewAuth(db, f.jwt, f.sess, permission.NewResolver(db))

	f.ana = model.User{Username: "ana", Active: true}
	if err := db.Create(&f.ana).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	f.acme = model.Tenant{Name: "acme", Active: true}
	f.beta = model.Tenant{Name: "beta", Active: true}
	for _, tn := range []*model.Tenant{&f.acme, &f.beta} {
		if err := db.Create(tn).Error; err != nil {
			t.Fatalf("failed to seed tenant: %v", err)
		}
	}
	grant := model.UserTenant{UserID: f.ana.ID, TenantID: f.acme.ID, Role: model.RoleUser, Active: true}
	if err := db.Create(&grant).Error; err != nil {
		t.Fatalf("failed to seed grant: %v", err)
	}

	return f
}

// login issues a credential for ana with its backing session row.
func (f *pipelineFixture) login(t *testing.T) string {
	t.Helper()
	grants := []jwtutil.DatabaseGrant{{Name: "acme", Role: model.RoleUser}}
	token, err := f.jwt.Issue(identity.User(f.ana.ID, f.ana.Username), grants, "acme")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := f.sess.Create(f.ana.ID, jwtutil.Fingerprint(token), "", ""); err != nil {
		t.Fatalf("session create failed: %v", err)
	}
	return token
}

// run pushes a request through the strict pipeline into an echo handler
// that reports the resolved context.
func (f *pipelineFixture) run(t *testing.T, token, databaseHeader string) *httptest.ResponseRecorder {
	t.Helper()
	handler := f.auth.Authenticate(func(c echo.Context) error {
		ident, _ := IdentityFrom(c)
		name, id := TenantFrom(c)
		return c.JSON(http.StatusOK, echo.Map{
			"username":  ident.Username(),
			"is_master": ident.IsMaster(),
			"tenant":    name,
			"tenant_id": id,
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if databaseHeader != "" {
		req.Header.Set(DatabaseHeader, databaseHeader)
	}
	rec := httptest.NewRecorder()
	if err := handler(f.e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	code, _ := body["code"].(string)
	return code
}

func TestMissingTokenRejected(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.run(t, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "MISSING_TOKEN" {
		t.Fatalf("expected MISSING_TOKEN, got %s", code)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.run(t, "not.a.token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN, got %s", code)
	}
}

func TestRevokedSessionRejectedDespiteValidSignature(t *testing.T) {
	f := newPipelineFixture(t)
	token := f.login(t)

	// The request passes while the session lives
	if rec := f.run(t, token, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before revocation, got %d", rec.Code)
	}

	if err := f.sess.Revoke(f.ana.ID, jwtutil.Fingerprint(token)); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	// The signature still verifies, the session check rejects
	if _, err := f.jwt.Validate(token); err != nil {
		t.Fatalf("token must still verify cryptographically: %v", err)
	}
	rec := f.run(t, token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "SESSION_REVOKED" {
		t.Fatalf("expected SESSION_REVOKED, got %s", code)
	}
}

func TestTenantFromCredentialSnapshot(t *testing.T) {
	f := newPipelineFixture(t)
	token := f.login(t)

	rec := f.run(t, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["tenant"] != "acme" {
		t.Fatalf("expected tenant acme from claims, got %v", body["tenant"])
	}
	if body["username"] != "ana" {
		t.Fatalf("expected username ana, got %v", body["username"])
	}
}

func TestDatabaseHeaderOverrideForbiddenWithoutGrant(t *testing.T) {
	f := newPipelineFixture(t)
	token := f.login(t)

	rec := f.run(t, token, "beta")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "TENANT_FORBIDDEN" {
		t.Fatalf("expected TENANT_FORBIDDEN, got %s", code)
	}
}

func TestMasterSkipsSessionCheck(t *testing.T) {
	f := newPipelineFixture(t)

	grants := []jwtutil.DatabaseGrant{{Name: "acme", Role: model.RoleAdmin}}
	token, err := f.jwt.Issue(identity.Master(), grants, "acme")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// No session row exists for master, the pipeline must not require one
	rec := f.run(t, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for master without session, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["is_master"] != true {
		t.Fatal("expected master identity in context")
	}
}

func TestNoResolvableTenantRejected(t *testing.T) {
	f := newPipelineFixture(t)

	token, err := f.jwt.Issue(identity.User(f.ana.ID, "ana"), nil, "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := f.sess.Create(f.ana.ID, jwtutil.Fingerprint(token), "", ""); err != nil {
		t.Fatalf("session create failed: %v", err)
	}

	rec := f.run(t, token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "NO_TENANT_ACCESS" {
		t.Fatalf("expected NO_TENANT_ACCESS, got %s", code)
	}
}

func TestOptionalModeDegradesToAnonymous(t *testing.T) {
	f := newPipelineFixture(t)

	handler := f.auth.AuthenticateOptional(func(c echo.Context) error {
		if _, ok := IdentityFrom(c); ok {
			return c.JSON(http.StatusOK, echo.Map{"anonymous": false})
		}
		return c.JSON(http.StatusOK, echo.Map{"anonymous": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	if err := handler(f.e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("optional mode must not reject, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["anonymous"] != true {
		t.Fatal("expected anonymous context on failed optional authentication")
	}
}

func TestRequireMenuGatesAction(t *testing.T) {
	f := newPipelineFixture(t)
	token := f.login(t)

	menu := model.Menu{Code: "sales.clients", Name: "Clients"}
	if err := f.db.Create(&menu).Error; err != nil {
		t.Fatalf("failed to seed menu: %v", err)
	}
	perm := model.Permission{UserID: f.ana.ID, TenantID: f.acme.ID, MenuID: menu.ID, CanView: true}
	if err := f.db.Create(&perm).Error; err != nil {
		t.Fatalf("failed to seed permission: %v", err)
	}

	run := func(action identity.Action) *httptest.ResponseRecorder {
		handler := f.auth.Authenticate(
			f.auth.RequireMenu("sales.clients", action)(func(c echo.Context) error {
				return c.JSON(http.StatusOK, echo.Map{"ok": true})
			}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		if err := handler(f.e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		return rec
	}

	if rec := run(identity.ActionView); rec.Code != http.StatusOK {
		t.Fatalf("view must be allowed, got %d", rec.Code)
	}
	rec := run(identity.ActionCreate)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create must be denied, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "MENU_FORBIDDEN" {
		t.Fatalf("expected MENU_FORBIDDEN, got %s", code)
	}
}
