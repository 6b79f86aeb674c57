package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gestio-core/internal/apperr"
	"gestio-core/internal/model"
	"gestio-core/internal/tenantconn"
	"gestio-core/pkg/config"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantHandler serves the master-only tenant registry surface: CRUD,
// catalog sync against the storage engine and store creation from template.
type TenantHandler struct {
	db       *gorm.DB
	conns    *tenantconn.Registry
	tenantDB *config.TenantDBConfig
}

func NewTenantHandler(db *gorm.DB, conns *tenantconn.Registry, cfg *config.Config) *TenantHandler {
	return &TenantHandler{db: db, conns: conns, tenantDB: &cfg.TenantDB}
}

// ListTenants returns every registered tenant, active or not.
func (h *TenantHandler) ListTenants(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("list")

	defer prometheus.TrackDBOperation("query")(time.Now())
	var tenants []model.Tenant
	if err := h.db.Order("name").Find(&tenants).Error; err != nil {
		log.Error("Failed to list tenants", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list tenants"})
	}
	return c.JSON(http.StatusOK, tenants)
}

// CreateTenant registers a tenant. An existing row with the same name is
// treated as success, not failure.
func (h *TenantHandler) CreateTenant(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("create")

	var req struct {
		Name          string `json:"name"`
		DisplayName   string `json:"display_name"`
		DBHost        string `json:"db_host"`
		DBPort        string `json:"db_port"`
		DBName        string `json:"db_name"`
		InvoiceSeries string `json:"invoice_series"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		prometheus.RecordAuthError("invalid_request")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	var existing model.Tenant
	if err := h.db.Where("name = ?", req.Name).First(&existing).Error; err == nil {
		log.Info("Tenant already registered", zap.String("name", req.Name))
		return c.JSON(http.StatusOK, echo.Map{"message": "tenant already exists", "tenant": existing})
	}

	tenant := model.Tenant{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		DBHost:        req.DBHost,
		DBPort:        req.DBPort,
		DBName:        req.DBName,
		InvoiceSeries: req.InvoiceSeries,
		Active:        true,
	}
	if tenant.DBName == "" {
		tenant.DBName = tenant.Name
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())
	if err := h.db.Create(&tenant).Error; err != nil {
		log.Error("Failed to create tenant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "tenant creation failed"})
	}

	log.Info("Tenant registered", zap.String("name", tenant.Name), zap.Uint("id", tenant.ID))
	return c.JSON(http.StatusCreated, echo.Map{"message": "tenant created", "tenant": tenant})
}

// UpdateTenant updates registry fields. Deactivating a tenant evicts its
// cached connection pool.
func (h *TenantHandler) UpdateTenant(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("update")

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant ID"})
	}

	var tenant model.Tenant
	if err := h.db.First(&tenant, id).Error; err != nil {
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(apperr.ErrTenantNotFound.Status, echo.Map{
			"error": apperr.ErrTenantNotFound.Message, "code": apperr.ErrTenantNotFound.Code})
	}

	var req struct {
		DisplayName   *string `json:"display_name"`
		DBHost        *string `json:"db_host"`
		DBPort        *string `json:"db_port"`
		DBName        *string `json:"db_name"`
		InvoiceSeries *string `json:"invoice_series"`
		Active        *bool   `json:"active"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	updates := map[string]interface{}{}
	if req.DisplayName != nil {
		updates["display_name"] = *req.DisplayName
	}
	if req.DBHost != nil {
		updates["db_host"] = *req.DBHost
	}
	if req.DBPort != nil {
		updates["db_port"] = *req.DBPort
	}
	if req.DBName != nil {
		updates["db_name"] = *req.DBName
	}
	if req.InvoiceSeries != nil {
		updates["invoice_series"] = *req.InvoiceSeries
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	if len(updates) > 0 {
		defer prometheus.TrackDBOperation("update")(time.Now())
		if err := h.db.Model(&tenant).Updates(updates).Error; err != nil {
			log.Error("Failed to update tenant", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "tenant update failed"})
		}
	}

	// Only coordinate or activity changes invalidate the cached pool;
	// display-only edits keep it
	if req.DBHost != nil || req.DBPort != nil || req.DBName != nil || req.Active != nil {
		h.conns.Evict(tenant.Name)
	}

	log.Info("Tenant updated", zap.String("name", tenant.Name), zap.Uint("id", tenant.ID))
	return c.JSON(http.StatusOK, echo.Map{"message": "tenant updated", "tenant": tenant})
}

// DeleteTenant hard-deletes a tenant: evicts the pool, drops the underlying
// store and removes the registry row with its grants and permissions in one
// transaction. The two protected tenants are rejected before any
// destructive call.
func (h *TenantHandler) DeleteTenant(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("delete")

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant ID"})
	}

	var tenant model.Tenant
	if err := h.db.First(&tenant, id).Error; err != nil {
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(apperr.ErrTenantNotFound.Status, echo.Map{
			"error": apperr.ErrTenantNotFound.Message, "code": apperr.ErrTenantNotFound.Code})
	}

	if model.IsProtectedTenant(tenant.Name) {
		log.Warn("Refused deletion of protected tenant", zap.String("name", tenant.Name))
		prometheus.RecordAuthError("protected_tenant")
		return c.JSON(apperr.ErrProtectedTenant.Status, echo.Map{
			"error": apperr.ErrProtectedTenant.Message, "code": apperr.ErrProtectedTenant.Code})
	}

	h.conns.Evict(tenant.Name)

	// DDL cannot run inside a transaction; drop the store first, then
	// deregister atomically. IF EXISTS keeps the drop idempotent on retry.
	dropStmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(tenant.DBName))
	if err := h.db.Exec(dropStmt).Error; err != nil {
		log.Error("Failed to drop tenant store",
			zap.String("tenant", tenant.Name),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "tenant deletion failed"})
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&model.Permission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenant.ID).Delete(&model.UserTenant{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&tenant).Error
	})
	if err != nil {
		log.Error("Failed to deregister tenant", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "tenant deletion failed"})
	}

	log.Info("Tenant deleted", zap.String("name", tenant.Name), zap.Uint("id", tenant.ID))
	return c.JSON(http.StatusOK, echo.Map{"message": "tenant deleted"})
}

// SyncCatalog registers every database present in the storage catalog that
// has no registry row yet.
func (h *TenantHandler) SyncCatalog(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("sync")

	created, err := SyncTenantCatalog(h.db, h.tenantDB)
	if err != nil {
		log.Error("Tenant catalog sync failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "catalog sync failed"})
	}

	log.Info("Tenant catalog synced", zap.Int("created", created))
	return c.JSON(http.StatusOK, echo.Map{"message": "catalog synced", "created": created})
}

// CloneTemplate creates the tenant's store from the template database. An
// already existing store is success, not failure.
func (h *TenantHandler) CloneTemplate(c echo.Context) error {
	log := logger.FromContext(c)
	prometheus.RecordTenantOperation("clone_template")

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant ID"})
	}

	var tenant model.Tenant
	if err := h.db.First(&tenant, id).Error; err != nil {
		prometheus.RecordAuthError("tenant_not_found")
		return c.JSON(apperr.ErrTenantNotFound.Status, echo.Map{
			"error": apperr.ErrTenantNotFound.Message, "code": apperr.ErrTenantNotFound.Code})
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s",
		quoteIdent(tenant.DBName), quoteIdent(model.TemplateTenantName))
	if err := h.db.Exec(stmt).Error; err != nil {
		if strings.Contains(err.Error(), "already exists") {
			log.Info("Tenant store already exists", zap.String("tenant", tenant.Name))
			return c.JSON(http.StatusOK, echo.Map{"message": "store already exists"})
		}
		log.Error("Failed to create tenant store from template",
			zap.String("tenant", tenant.Name),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "store creation failed"})
	}

	log.Info("Tenant store created from template", zap.String("tenant", tenant.Name))
	return c.JSON(http.StatusCreated, echo.Map{"message": "store created"})
}

// SyncTenantCatalog upserts a registry row for every non-system database in
// the storage catalog. Existing rows are untouched; returns the number of
// rows created.
func SyncTenantCatalog(db *gorm.DB, cfg *config.TenantDBConfig) (int, error) {
	var names []string
	err := db.Raw(`SELECT datname FROM pg_database
		WHERE datistemplate = false
		  AND datname NOT IN ('postgres', current_database())`).Scan(&names).Error
	if err != nil {
		return 0, err
	}

	created := 0
	for _, name := range names {
		if name == model.TemplateTenantName {
			continue
		}
		tenant := model.Tenant{
			Name:   name,
			DBName: name,
			DBHost: cfg.DefaultHost,
			DBPort: cfg.DefaultPort,
			Active: true,
		}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tenant)
		if result.Error != nil {
			return created, result.Error
		}
		if result.RowsAffected > 0 {
			created++
		}
	}
	return created, nil
}

// quoteIdent quotes a Postgres identifier for DDL statements, which cannot
// take bind parameters.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
