package handler

import (
	"net/http"
	"time"

	"gestio-core/internal/apperr"
	"gestio-core/internal/identity"
	"gestio-core/internal/middleware"
	"gestio-core/internal/model"
	"gestio-core/internal/permission"
	"gestio-core/internal/session"
	"gestio-core/pkg/config"
	"gestio-core/pkg/jwtutil"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler serves login, logout, identity introspection and self-service
// session management.
type AuthHandler struct {
	db       *gorm.DB
	jwt      *jwtutil.JWTUtil
	sessions *session.Registry
	perms    *permission.Resolver
	master   *config.MasterConfig
	tenantDB *config.TenantDBConfig
}

func NewAuthHandler(db *gorm.DB, jwt *jwtutil.JWTUtil, sessions *session.Registry, perms *permission.Resolver, cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		db:       db,
		jwt:      jwt,
		sessions: sessions,
		perms:    perms,
		master:   &cfg.Master,
		tenantDB: &cfg.TenantDB,
	}
}

// Login authenticates a username/password pair and issues a credential whose
// payload carries a snapshot of the caller's tenant grants. The response is
// deliberately identical for unknown users and wrong passwords.
func (h *AuthHandler) Login(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.LoginCounter.Inc()

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse login request", zap.Error(err))
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if req.Username == h.master.Username {
		return h.loginMaster(c, req.Password)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	var user model.User
	result := h.db.Where("username = ? AND active = ?", req.Username, true).First(&user)
	if result.Error != nil {
		log.Warn("Login failed", zap.String("username", req.Username))
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": apperr.ErrInvalidCredentials.Message})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		log.Warn("Login failed", zap.String("username", req.Username))
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": apperr.ErrInvalidCredentials.Message})
	}

	grants, err := h.userGrants(user.ID)
	if err != nil {
		log.Error("Failed to load tenant grants", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}

	currentDatabase := ""
	role := ""
	if len(grants) > 0 {
		currentDatabase = grants[0].Name
		role = grants[0].Role
	}

	ident := identity.User(user.ID, user.Username)
	token, err := h.jwt.Issue(ident, grants, currentDatabase)
	if err != nil {
		log.Error("Failed to issue credential", zap.Error(err))
		prometheus.RecordAuthError("token_generation_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}

	// Server-side session backing the credential; revoking it rejects the
	// token before its cryptographic expiry
	fingerprint := jwtutil.Fingerprint(token)
	if _, err := h.sessions.Create(user.ID, fingerprint, c.RealIP(), c.Request().UserAgent()); err != nil {
		log.Error("Failed to create session", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}

	log.Info("User logged in",
		zap.String("username", user.Username),
		zap.Int("databases", len(grants)),
		zap.String("current_database", currentDatabase))

	return c.JSON(http.StatusOK, echo.Map{
		"token": token,
		"user": echo.Map{
			"id":               user.ID,
			"username":         user.Username,
			"display_name":     user.DisplayName,
			"role":             role,
			"databases":        grants,
			"current_database": currentDatabase,
		},
	})
}

// loginMaster authenticates the configured master credentials. Master's
// database list is every currently-active tenant, refreshed by a best-effort
// catalog sync, and no session row is created.
func (h *AuthHandler) loginMaster(c echo.Context, password string) error {
	log := logger.FromContext(c)

	if h.master.PasswordHash == "" {
		log.Warn("Master login attempted but no master password configured")
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": apperr.ErrInvalidCredentials.Message})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.master.PasswordHash), []byte(password)); err != nil {
		log.Warn("Master login failed")
		prometheus.RecordAuthError("invalid_credentials")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": apperr.ErrInvalidCredentials.Message})
	}

	// Best effort: pick up stores created outside the registry before
	// snapshotting the database list
	if created, err := SyncTenantCatalog(h.db, h.tenantDB); err != nil {
		log.Warn("Tenant catalog sync failed", zap.Error(err))
	} else if created > 0 {
		log.Info("Tenant catalog synced", zap.Int("created", created))
	}

	var tenants []model.Tenant
	if err := h.db.Where("active = ?", true).Order("name").Find(&tenants).Error; err != nil {
		log.Error("Failed to list active tenants", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}

	grants := make([]jwtutil.DatabaseGrant, 0, len(tenants))
	for _, t := range tenants {
		grants = append(grants, jwtutil.DatabaseGrant{Name: t.Name, Role: model.RoleAdmin})
	}

	currentDatabase := h.tenantDB.DefaultTenant
	if _, ok := findGrant(grants, currentDatabase); !ok && len(grants) > 0 {
		currentDatabase = grants[0].Name
	}

	token, err := h.jwt.Issue(identity.Master(), grants, currentDatabase)
	if err != nil {
		log.Error("Failed to issue master credential", zap.Error(err))
		prometheus.RecordAuthError("token_generation_failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "token error"})
	}

	log.Info("Master logged in", zap.Int("databases", len(grants)))

	return c.JSON(http.StatusOK, echo.Map{
		"token": token,
		"user": echo.Map{
			"id":               identity.MasterSubject,
			"username":         h.master.Username,
			"display_name":     h.master.Username,
			"role":             model.RoleAdmin,
			"databases":        grants,
			"current_database": currentDatabase,
		},
	})
}

// Logout revokes the presented session. A no-op for master, which never has
// session rows.
func (h *AuthHandler) Logout(c echo.Context) error {
	log := logger.FromContext(c)

	ident, _ := middleware.IdentityFrom(c)
	if ident.IsMaster() {
		return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
	}

	userID, _ := ident.UserID()
	fingerprint, _ := c.Get(middleware.ContextFingerprint).(string)
	if err := h.sessions.Revoke(userID, fingerprint); err != nil {
		log.Error("Failed to revoke session", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}

	prometheus.RecordSessionRevocation("logout", 1)
	log.Info("User logged out", zap.Uint("user_id", userID))
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

// Me returns the caller's identity, effective permissions for the current
// tenant and the global feature flags.
func (h *AuthHandler) Me(c echo.Context) error {
	log := logger.FromContext(c)

	ident, _ := middleware.IdentityFrom(c)
	claims, _ := middleware.ClaimsFrom(c)
	tenantName, tenantID := middleware.TenantFrom(c)

	var flags []model.GlobalConfig
	if err := h.db.Order("key").Find(&flags).Error; err != nil {
		log.Error("Failed to load global config", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	config := make(echo.Map, len(flags))
	for _, f := range flags {
		config[f.Key] = f.Value
	}

	resp := echo.Map{
		"id":               ident.Subject(),
		"username":         ident.Username(),
		"is_master":        ident.IsMaster(),
		"current_database": tenantName,
		"config":           config,
	}
	if claims != nil {
		resp["databases"] = claims.Databases
		resp["role"] = claims.Role
	}

	if userID, ok := ident.UserID(); ok {
		perms, err := h.perms.EffectivePermissions(userID, tenantID)
		if err != nil {
			log.Error("Failed to load effective permissions", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
		}
		resp["permissions"] = perms
	} else {
		// Master needs no rows; every action is allowed
		resp["permissions"] = []permission.EffectivePermission{}
	}

	return c.JSON(http.StatusOK, resp)
}

// SwitchDatabase validates that the caller may work against another of its
// granted tenants and that the tenant is active. The credential is not
// reissued; the client selects the tenant per request via the X-Database
// header. A failed switch leaves the current tenant untouched.
func (h *AuthHandler) SwitchDatabase(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("switch")

	var req struct {
		Database string `json:"database"`
	}
	if err := c.Bind(&req); err != nil || req.Database == "" {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "database is required"})
	}

	ident, _ := middleware.IdentityFrom(c)

	var tenant model.Tenant
	err := h.db.Where("name = ?", req.Database).First(&tenant).Error
	if err != nil {
		log.Warn("Switch to unknown tenant", zap.String("database", req.Database))
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(apperr.ErrTenantNotFound.Status, echo.Map{
			"error": apperr.ErrTenantNotFound.Message, "code": apperr.ErrTenantNotFound.Code})
	}
	if !tenant.Active {
		log.Warn("Switch to inactive tenant", zap.String("database", req.Database))
		prometheus.RecordAuthError("tenant_inactive")
		return c.JSON(apperr.ErrTenantInactive.Status, echo.Map{
			"error": apperr.ErrTenantInactive.Message, "code": apperr.ErrTenantInactive.Code})
	}

	allowed, err := h.perms.ResolveTenantAccess(ident, req.Database)
	if err != nil {
		log.Error("Failed to resolve tenant access", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	if !allowed {
		log.Warn("Switch to unauthorized tenant",
			zap.String("username", ident.Username()),
			zap.String("database", req.Database))
		prometheus.RecordAuthError("tenant_forbidden")
		return c.JSON(apperr.ErrTenantForbidden.Status, echo.Map{
			"error": apperr.ErrTenantForbidden.Message, "code": apperr.ErrTenantForbidden.Code})
	}

	log.Info("Database switched",
		zap.String("username", ident.Username()),
		zap.String("database", req.Database))

	return c.JSON(http.StatusOK, echo.Map{
		"message":  "database switched",
		"database": tenant.Name,
		"tenant": echo.Map{
			"id":             tenant.ID,
			"name":           tenant.Name,
			"display_name":   tenant.DisplayName,
			"invoice_series": tenant.InvoiceSeries,
		},
	})
}

// ListSessions returns the caller's active sessions. Empty for master.
func (h *AuthHandler) ListSessions(c echo.Context) error {
	log := logger.FromContext(c)

	ident, _ := middleware.IdentityFrom(c)
	userID, ok := ident.UserID()
	if !ok {
		return c.JSON(http.StatusOK, []model.Session{})
	}

	sessions, err := h.sessions.List(userID)
	if err != nil {
		log.Error("Failed to list sessions", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, sessions)
}

// RevokeAllSessions revokes every active session of the caller. No-op for
// master.
func (h *AuthHandler) RevokeAllSessions(c echo.Context) error {
	log := logger.FromContext(c)

	ident, _ := middleware.IdentityFrom(c)
	userID, ok := ident.UserID()
	if !ok {
		return c.JSON(http.StatusOK, echo.Map{"revoked": 0})
	}

	count, err := h.sessions.RevokeAll(userID)
	if err != nil {
		log.Error("Failed to revoke sessions", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	prometheus.RecordSessionRevocation("revoke_all", int(count))
	log.Info("All sessions revoked", zap.Uint("user_id", userID), zap.Int64("count", count))
	return c.JSON(http.StatusOK, echo.Map{"revoked": count})
}

// userGrants loads the active tenant grants of a user joined with active
// tenants, ordered by tenant name.
func (h *AuthHandler) userGrants(userID uint) ([]jwtutil.DatabaseGrant, error) {
	var userTenants []model.UserTenant
	err := h.db.Preload("Tenant").
		Joins("JOIN tenants ON tenants.id = user_tenants.tenant_id").
		Where("user_tenants.user_id = ? AND user_tenants.active = ? AND tenants.active = ?", userID, true, true).
		Order("tenants.name").
		Find(&userTenants).Error
	if err != nil {
		return nil, err
	}

	grants := make([]jwtutil.DatabaseGrant, 0, len(userTenants))
	for _, ut := range userTenants {
		grants = append(grants, jwtutil.DatabaseGrant{Name: ut.Tenant.Name, Role: ut.Role})
	}
	return grants, nil
}

func findGrant(grants []jwtutil.DatabaseGrant, name string) (jwtutil.DatabaseGrant, bool) {
	for _, g := range grants {
		if g.Name == name {
			return g, true
		}
	}
	return jwtutil.DatabaseGrant{}, false
}
