package middleware

import (
	"errors"
	"net/http"
	"strings"

	"gestio-core/internal/apperr"
	"gestio-core/internal/identity"
	"gestio-core/internal/model"
	"gestio-core/internal/permission"
	"gestio-core/internal/session"
	"gestio-core/pkg/jwtutil"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Context keys set by the pipeline.
const (
	ContextIdentity    = "identity"
	ContextClaims      = "claims"
	ContextTenantName  = "tenant_name"
	ContextTenantID    = "tenant_id"
	ContextFingerprint = "fingerprint"
)

// DatabaseHeader overrides the credential's current database for one request.
const DatabaseHeader = "X-Database"

// Auth is the per-request authorization pipeline: credential verification,
// session revocation check, tenant resolution and membership, and per-route
// menu permission checks.
type Auth struct {
	db       *gorm.DB
	jwt      *jwtutil.JWTUtil
	sessions *session.Registry
	perms    *permission.Resolver
}

// NewAuth wires the pipeline from its four collaborators.
func NewAuth(db *gorm.DB, jwt *jwtutil.JWTUtil, sessions *session.Registry, perms *permission.Resolver) *Auth {
	return &Auth{db: db, jwt: jwt, sessions: sessions, perms: perms}
}

// Authenticate is the strict pipeline: any failure rejects the request, and
// authentication failures never reach business handlers.
func (a *Auth) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromContext(c)

		if err := a.admit(c); err != nil {
			if e, ok := apperr.From(err); ok {
				log.Warn("Request rejected by authorization pipeline",
					zap.String("code", e.Code),
					zap.String("path", c.Request().URL.Path))
				prometheus.RecordAuthError(strings.ToLower(e.Code))
				return c.JSON(e.Status, echo.Map{"error": e.Message, "code": e.Code})
			}
			log.Error("Authorization pipeline failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
		}

		return next(c)
	}
}

// AuthenticateOptional degrades any authentication failure to an anonymous
// context instead of rejecting the request.
func (a *Auth) AuthenticateOptional(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := a.admit(c); err != nil {
			c.Set(ContextIdentity, nil)
			c.Set(ContextTenantName, "")
		}
		return next(c)
	}
}

// RequireMaster rejects any non-master identity.
func RequireMaster(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ident, ok := IdentityFrom(c)
		if !ok || !ident.IsMaster() {
			prometheus.RecordAuthError("master_only")
			return c.JSON(apperr.ErrMasterOnly.Status, echo.Map{
				"error": apperr.ErrMasterOnly.Message, "code": apperr.ErrMasterOnly.Code})
		}
		return next(c)
	}
}

// RequireMenu gates a route on one menu action. Routes declare their menu
// code and the action their method maps to; the check runs after Authenticate.
func (a *Auth) RequireMenu(menuCode string, action identity.Action) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromContext(c)

			ident, ok := IdentityFrom(c)
			if !ok {
				return c.JSON(apperr.ErrMissingToken.Status, echo.Map{
					"error": apperr.ErrMissingToken.Message, "code": apperr.ErrMissingToken.Code})
			}
			tenantID, _ := c.Get(ContextTenantID).(uint)

			allowed, err := a.perms.CheckMenuPermission(ident, tenantID, menuCode, action)
			if err != nil {
				log.Error("Menu permission check failed",
					zap.String("menu", menuCode),
					zap.Error(err))
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
			}
			prometheus.RecordPermissionCheck(allowed)
			if !allowed {
				log.Warn("Menu access denied",
					zap.String("menu", menuCode),
					zap.String("action", action.String()),
					zap.Uint("tenant_id", tenantID))
				prometheus.RecordAuthError("menu_forbidden")
				return c.JSON(apperr.ErrMenuForbidden.Status, echo.Map{
					"error": apperr.ErrMenuForbidden.Message, "code": apperr.ErrMenuForbidden.Code})
			}
			return next(c)
		}
	}
}

// admit runs steps 1-6 of the pipeline and attaches the resolved identity
// and tenant to the request context.
func (a *Auth) admit(c echo.Context) error {
	// 1. Bearer credential
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return apperr.ErrMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return apperr.ErrMissingToken
	}
	tokenString := parts[1]

	// 2. Signature and expiry
	claims, err := a.jwt.Validate(tokenString)
	if err != nil {
		return apperr.ErrInvalidToken
	}
	ident, err := claims.Identity()
	if err != nil {
		return apperr.ErrInvalidToken
	}

	// 3. Server-side revocation; skipped for master, which has no sessions
	fingerprint := jwtutil.Fingerprint(tokenString)
	if !ident.IsMaster() {
		valid, err := a.sessions.IsValid(fingerprint)
		if err != nil {
			return err
		}
		if !valid {
			return apperr.ErrSessionRevoked
		}
	}

	// 4. Target tenant: header override, then the credential's selection
	tenantName := c.Request().Header.Get(DatabaseHeader)
	if tenantName == "" {
		tenantName = claims.CurrentDatabase
	}
	if tenantName == "" && len(claims.Databases) > 0 {
		tenantName = claims.Databases[0].Name
	}
	if tenantName == "" {
		return apperr.ErrNoTenantAccess
	}

	// 5. Membership
	allowed, err := a.perms.ResolveTenantAccess(ident, tenantName)
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.ErrTenantForbidden
	}

	// 6. Attach to context. The registry row may be absent for the legacy
	// default tenant; menu checks then see tenant id 0 and fail closed for
	// non-master users.
	var tenant model.Tenant
	if err := a.db.Where("name = ?", tenantName).First(&tenant).Error; err != nil &&
		!errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	c.Set(ContextIdentity, ident)
	c.Set(ContextClaims, claims)
	c.Set(ContextTenantName, tenantName)
	c.Set(ContextTenantID, tenant.ID)
	c.Set(ContextFingerprint, fingerprint)
	return nil
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(c echo.Context) (identity.Identity, bool) {
	ident, ok := c.Get(ContextIdentity).(identity.Identity)
	return ident, ok
}

// ClaimsFrom returns the verified credential claims, if any.
func ClaimsFrom(c echo.Context) (*jwtutil.UserClaims, bool) {
	claims, ok := c.Get(ContextClaims).(*jwtutil.UserClaims)
	return claims, ok
}

// TenantFrom returns the resolved tenant name and registry id.
func TenantFrom(c echo.Context) (string, uint) {
	name, _ := c.Get(ContextTenantName).(string)
	id, _ := c.Get(ContextTenantID).(uint)
	return name, id
}
