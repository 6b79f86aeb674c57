package handler

import (
	"net/http"
	"strconv"
	"time"

	"gestio-core/internal/apperr"
	"gestio-core/internal/middleware"
	"gestio-core/internal/model"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler serves the master-only surface: user listing, grant
// assignment and global config.
type AdminHandler struct {
	db *gorm.DB
}

func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

// ListUsers returns every user in the identity plane.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	log := logger.FromContext(c)

	defer prometheus.TrackDBOperation("query")(time.Now())
	var users []model.User
	if err := h.db.Order("username").Find(&users).Error; err != nil {
		log.Error("Failed to list users", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list users"})
	}
	return c.JSON(http.StatusOK, users)
}

// AssignGrant creates or updates a user's membership in a tenant.
func (h *AdminHandler) AssignGrant(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		UserID   uint   `json:"user_id"`
		TenantID uint   `json:"tenant_id"`
		Role     string `json:"role"`
	}
	if err := c.Bind(&req); err != nil || req.UserID == 0 || req.TenantID == 0 {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and tenant_id are required"})
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}
	if req.Role != model.RoleAdmin && req.Role != model.RoleUser {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "role must be admin or user"})
	}

	var user model.User
	if err := h.db.First(&user, req.UserID).Error; err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}
	var tenant model.Tenant
	if err := h.db.First(&tenant, req.TenantID).Error; err != nil {
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(apperr.ErrTenantNotFound.Status, echo.Map{
			"error": apperr.ErrTenantNotFound.Message, "code": apperr.ErrTenantNotFound.Code})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	var grant model.UserTenant
	err := h.db.Where("user_id = ? AND tenant_id = ?", req.UserID, req.TenantID).First(&grant).Error
	if err == nil {
		grant.Role = req.Role
		grant.Active = true
		if err := h.db.Save(&grant).Error; err != nil {
			log.Error("Failed to update grant", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "grant update failed"})
		}
		log.Info("Grant updated",
			zap.Uint("user_id", req.UserID),
			zap.Uint("tenant_id", req.TenantID),
			zap.String("role", req.Role))
		return c.JSON(http.StatusOK, echo.Map{"message": "grant updated", "grant": grant})
	}

	grant = model.UserTenant{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Role:     req.Role,
		Active:   true,
	}
	if err := h.db.Create(&grant).Error; err != nil {
		log.Error("Failed to create grant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "grant creation failed"})
	}

	log.Info("Grant created",
		zap.Uint("user_id", req.UserID),
		zap.Uint("tenant_id", req.TenantID),
		zap.String("role", req.Role))
	return c.JSON(http.StatusCreated, echo.Map{"message": "grant created", "grant": grant})
}

// RemoveGrant deactivates a user's membership in a tenant.
func (h *AdminHandler) RemoveGrant(c echo.Context) error {
	log := logger.FromContext(c)

	userID, err := strconv.ParseUint(c.Param("user_id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user ID"})
	}
	tenantID, err := strconv.ParseUint(c.Param("tenant_id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant ID"})
	}

	defer prometheus.TrackDBOperation("update")(time.Now())
	result := h.db.Model(&model.UserTenant{}).
		Where("user_id = ? AND tenant_id = ? AND active = ?", userID, tenantID, true).
		Update("active", false)
	if result.Error != nil {
		log.Error("Failed to remove grant", zap.Error(result.Error))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "grant removal failed"})
	}
	if result.RowsAffected == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "grant not found"})
	}

	log.Info("Grant removed",
		zap.Uint64("user_id", userID),
		zap.Uint64("tenant_id", tenantID))
	return c.JSON(http.StatusOK, echo.Map{"message": "grant removed"})
}

// GetConfig returns every global config entry.
func (h *AdminHandler) GetConfig(c echo.Context) error {
	log := logger.FromContext(c)

	var entries []model.GlobalConfig
	if err := h.db.Order("key").Find(&entries).Error; err != nil {
		log.Error("Failed to load global config", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, entries)
}

// SetConfig upserts one global config entry. Master-only keys stay
// master-only across updates.
func (h *AdminHandler) SetConfig(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Key        string `json:"key"`
		Value      string `json:"value"`
		MasterOnly *bool  `json:"master_only"`
	}
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "key is required"})
	}

	ident, _ := middleware.IdentityFrom(c)

	var entry model.GlobalConfig
	err := h.db.Where("key = ?", req.Key).First(&entry).Error
	if err == nil {
		if entry.MasterOnly && !ident.IsMaster() {
			prometheus.RecordAuthError("master_only")
			return c.JSON(apperr.ErrMasterOnly.Status, echo.Map{
				"error": apperr.ErrMasterOnly.Message, "code": apperr.ErrMasterOnly.Code})
		}
		entry.Value = req.Value
		if req.MasterOnly != nil && ident.IsMaster() {
			entry.MasterOnly = *req.MasterOnly
		}
		if err := h.db.Save(&entry).Error; err != nil {
			log.Error("Failed to update config", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "config update failed"})
		}
		log.Info("Config updated", zap.String("key", entry.Key))
		return c.JSON(http.StatusOK, entry)
	}

	entry = model.GlobalConfig{Key: req.Key, Value: req.Value}
	if req.MasterOnly != nil && ident.IsMaster() {
		entry.MasterOnly = *req.MasterOnly
	}
	if err := h.db.Create(&entry).Error; err != nil {
		log.Error("Failed to create config", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "config creation failed"})
	}

	log.Info("Config created", zap.String("key", entry.Key))
	return c.JSON(http.StatusCreated, entry)
}
