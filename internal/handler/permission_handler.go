package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"gestio-core/internal/apperr"
	"gestio-core/internal/middleware"
	"gestio-core/internal/model"
	"gestio-core/internal/permission"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PermissionHandler serves per-resource permission management and the
// caller's visible menu tree.
type PermissionHandler struct {
	db    *gorm.DB
	perms *permission.Resolver
}

func NewPermissionHandler(db *gorm.DB, perms *permission.Resolver) *PermissionHandler {
	return &PermissionHandler{db: db, perms: perms}
}

// GetPermissions returns the effective permission rows of a user in the
// current tenant. Callable by master or a tenant admin.
func (h *PermissionHandler) GetPermissions(c echo.Context) error {
	log := logger.FromContext(c)

	userID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user ID"})
	}
	_, tenantID := middleware.TenantFrom(c)

	if denied, err := h.tenantAdminCheck(c, tenantID); err != nil {
		log.Error("Failed to check tenant admin role", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	} else if denied != nil {
		prometheus.RecordAuthError("menu_forbidden")
		return c.JSON(denied.Status, echo.Map{"error": denied.Message, "code": denied.Code})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())
	rows, err := h.perms.EffectivePermissions(uint(userID), tenantID)
	if err != nil {
		log.Error("Failed to load permissions", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, rows)
}

// SetPermissions replaces a user's permission set for the current tenant.
// Non-master callers cannot touch master-only menus; such entries are
// silently dropped rather than erroring.
func (h *PermissionHandler) SetPermissions(c echo.Context) error {
	log := logger.FromContext(c)

	userID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user ID"})
	}
	_, tenantID := middleware.TenantFrom(c)

	if denied, err := h.tenantAdminCheck(c, tenantID); err != nil {
		log.Error("Failed to check tenant admin role", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	} else if denied != nil {
		prometheus.RecordAuthError("menu_forbidden")
		return c.JSON(denied.Status, echo.Map{"error": denied.Message, "code": denied.Code})
	}

	var req struct {
		Permissions []permission.Entry `json:"permissions"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	ident, _ := middleware.IdentityFrom(c)

	defer prometheus.TrackDBOperation("update")(time.Now())
	rows, err := h.perms.SetPermissions(uint(userID), tenantID, req.Permissions, ident.IsMaster())
	if err != nil {
		log.Error("Failed to replace permission set",
			zap.Uint64("user_id", userID),
			zap.Uint("tenant_id", tenantID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "permission update failed"})
	}

	log.Info("Permission set replaced",
		zap.Uint64("user_id", userID),
		zap.Uint("tenant_id", tenantID),
		zap.Int("rows", len(rows)))
	return c.JSON(http.StatusOK, rows)
}

// VisibleMenus returns the menus the caller can see in the current tenant.
// Master sees the full catalog, minus module-gated menus while the optional
// module is disabled.
func (h *PermissionHandler) VisibleMenus(c echo.Context) error {
	log := logger.FromContext(c)

	ident, _ := middleware.IdentityFrom(c)
	_, tenantID := middleware.TenantFrom(c)

	if userID, ok := ident.UserID(); ok {
		menus, err := h.perms.VisibleMenus(userID, tenantID)
		if err != nil {
			log.Error("Failed to load visible menus", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
		}
		return c.JSON(http.StatusOK, menus)
	}

	enabled, err := h.perms.ModuleEnabled()
	if err != nil {
		log.Error("Failed to read module flag", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	q := h.db.Model(&model.Menu{}).Order("code")
	if !enabled {
		q = q.Where("requires_module = ?", false)
	}
	var menus []model.Menu
	if err := q.Find(&menus).Error; err != nil {
		log.Error("Failed to list menus", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, menus)
}

// tenantAdminCheck returns the coded error to reject with when the caller
// is neither master nor an active admin of the tenant, nil when allowed.
func (h *PermissionHandler) tenantAdminCheck(c echo.Context, tenantID uint) (*apperr.Error, error) {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		return apperr.ErrMissingToken, nil
	}
	if ident.IsMaster() {
		return nil, nil
	}

	callerID, _ := ident.UserID()
	var grant model.UserTenant
	err := h.db.
		Where("user_id = ? AND tenant_id = ? AND role = ? AND active = ?",
			callerID, tenantID, model.RoleAdmin, true).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrMenuForbidden, nil
		}
		return nil, err
	}
	return nil, nil
}
