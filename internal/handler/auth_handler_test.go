package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gestio-core/internal/identity"
	"gestio-core/internal/middleware"
	"gestio-core/internal/model"
	"gestio-core/internal/permission"
	"gestio-core/internal/session"
	"gestio-core/pkg/config"
	"gestio-core/pkg/jwtutil"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type authFixture struct {
	db      *gorm.DB
	jwt     *jwtutil.JWTUtil
	sess    *session.Registry
	handler *AuthHandler
	e       *echo.Echo
	ana     model.User
	acme    model.Tenant
	beta    model.Tenant
	dormant model.Tenant
}

func newAuthFixture(t *testing.T) *authFixture {
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

	masterHash, err := bcrypt.GenerateFromPassword([]byte("master-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash master password: %v", err)
	}
	cfg := &config.Config{
		JWT:      config.JWTConfig{SigningKey: "test-key", ExpirationHours: 1},
		Master:   config.MasterConfig{Username: "master", PasswordHash: string(masterHash)},
		TenantDB: config.TenantDBConfig{DefaultTenant: "gestio"},
	}

	f := &authFixture{
		db:   db,
		jwt:  jwtutil.New(&cfg.JWT),
		sess: session.NewRegistry(db, time.Hour),
		e:    echo.New(),
	}
	f.handler = NewAuthHandler(db, f.jwt, f.sess, permission.NewResolver(db), cfg)

	anaHash, err := bcrypt.GenerateFromPassword([]byte("ana-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	f.ana = model.User{Username: "ana", DisplayName: "Ana", Password: string(anaHash), Active: true}
	if err := db.Create(&f.ana).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	f.acme = model.Tenant{Name: "acme", Active: true}
	f.beta = model.Tenant{Name: "beta", Active: true}
	f.dormant = model.Tenant{Name: "dormant", Active: false}
	for _, tn := range []*model.Tenant{&f.acme, &f.beta, &f.dormant} {
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

func (f *authFixture) postLogin(t *testing.T, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"` + username + `","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := f.handler.Login(f.e.NewContext(req, rec)); err != nil {
		t.Fatalf("login handler returned error: %v", err)
	}
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestLoginIssuesCredentialAndSession(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.postLogin(t, "ana", "ana-password")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("expected a credential in the response")
	}
	user, _ := body["user"].(map[string]interface{})
	if user["current_database"] != "acme" {
		t.Fatalf("expected current_database acme, got %v", user["current_database"])
	}

	// The backing session must exist and match the credential fingerprint
	valid, err := f.sess.IsValid(jwtutil.Fingerprint(token))
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if !valid {
		t.Fatal("expected an active session backing the issued credential")
	}
}

func TestLoginWrongPasswordAndUnknownUserIndistinguishable(t *testing.T) {
	f := newAuthFixture(t)

	wrongPass := f.postLogin(t, "ana", "not-the-password")
	unknown := f.postLogin(t, "nobody", "whatever")

	if wrongPass.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected both 401, got %d and %d", wrongPass.Code, unknown.Code)
	}
	if wrongPass.Body.String() != unknown.Body.String() {
		t.Fatalf("rejection bodies must not distinguish the cause: %q vs %q",
			wrongPass.Body.String(), unknown.Body.String())
	}
}

func TestLoginInactiveUserRejected(t *testing.T) {
	f := newAuthFixture(t)
	if err := f.db.Model(&f.ana).Update("active", false).Error; err != nil {
		t.Fatalf("failed to deactivate user: %v", err)
	}

	rec := f.postLogin(t, "ana", "ana-password")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive user, got %d", rec.Code)
	}
}

func TestMasterLoginGrantsAllActiveTenants(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.postLogin(t, "master", "master-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	token, _ := body["token"].(string)

	claims, err := f.jwt.Validate(token)
	if err != nil {
		t.Fatalf("master credential failed validation: %v", err)
	}
	ident, err := claims.Identity()
	if err != nil {
		t.Fatalf("failed to derive identity: %v", err)
	}
	if !ident.IsMaster() {
		t.Fatal("expected master identity")
	}

	names := make(map[string]string, len(claims.Databases))
	for _, g := range claims.Databases {
		names[g.Name] = g.Role
	}
	if names["acme"] != model.RoleAdmin || names["beta"] != model.RoleAdmin {
		t.Fatalf("expected admin grants on acme and beta, got %v", names)
	}
	if _, ok := names["dormant"]; ok {
		t.Fatal("inactive tenant must not appear in the master grant list")
	}

	// Master credentials are stateless
	var count int64
	if err := f.db.Model(&model.Session{}).Count(&count).Error; err != nil {
		t.Fatalf("session count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no session rows after master login, got %d", count)
	}
}

func TestMasterLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.postLogin(t, "master", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// switchDatabase drives the handler with an authenticated context, the way
// the pipeline middleware would have populated it.
func (f *authFixture) switchDatabase(t *testing.T, ident identity.Identity, database string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"database":"` + database + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/switch-database", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	c.Set(middleware.ContextIdentity, ident)
	if err := f.handler.SwitchDatabase(c); err != nil {
		t.Fatalf("switch handler returned error: %v", err)
	}
	return rec
}

func TestSwitchDatabaseUnknownTenant(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.switchDatabase(t, identity.User(f.ana.ID, "ana"), "ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["code"] != "TENANT_NOT_FOUND" {
		t.Fatalf("expected TENANT_NOT_FOUND, got %v", body["code"])
	}
}

func TestSwitchDatabaseInactiveTenant(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.switchDatabase(t, identity.User(f.ana.ID, "ana"), "dormant")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["code"] != "TENANT_INACTIVE" {
		t.Fatalf("expected TENANT_INACTIVE, got %v", body["code"])
	}
}

func TestSwitchDatabaseWithoutGrant(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.switchDatabase(t, identity.User(f.ana.ID, "ana"), "beta")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["code"] != "TENANT_FORBIDDEN" {
		t.Fatalf("expected TENANT_FORBIDDEN, got %v", body["code"])
	}
}

func TestSwitchDatabaseGranted(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.switchDatabase(t, identity.User(f.ana.ID, "ana"), "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeMap(t, rec); body["database"] != "acme" {
		t.Fatalf("expected database acme, got %v", body["database"])
	}
}

func TestSwitchDatabaseMasterReachesAnyActiveTenant(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.switchDatabase(t, identity.Master(), "beta")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for master, got %d", rec.Code)
	}
}
