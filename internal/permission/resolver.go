package permission

import (
	"errors"

	"gestio-core/internal/identity"
	"gestio-core/internal/model"

	"gorm.io/gorm"
)

// Entry is one incoming permission grant in a replace-all request,
// addressed by menu code.
type Entry struct {
	MenuCode  string `json:"menu_code"`
	CanView   bool   `json:"can_view"`
	CanCreate bool   `json:"can_create"`
	CanEdit   bool   `json:"can_edit"`
	CanDelete bool   `json:"can_delete"`
}

// EffectivePermission is a permission row joined with its menu metadata,
// as returned to clients.
type EffectivePermission struct {
	MenuID         uint   `json:"menu_id"`
	MenuCode       string `json:"menu_code"`
	MenuName       string `json:"menu_name"`
	MenuGroup      string `json:"menu_group"`
	RequiresModule bool   `json:"requires_module"`
	MasterOnly     bool   `json:"master_only"`
	CanView        bool   `json:"can_view"`
	CanCreate      bool   `json:"can_create"`
	CanEdit        bool   `json:"can_edit"`
	CanDelete      bool   `json:"can_delete"`
}

// Resolver answers tenant-membership and per-menu permission questions
// against the control-plane store. Checks read current rows at call time;
// the credential's embedded grant list is only used for database selection.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a permission resolver over the control-plane database.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// ResolveTenantAccess reports whether the identity may act on the named
// tenant: master always, a user iff it holds an active grant for an active
// tenant of that name.
func (r *Resolver) ResolveTenantAccess(ident identity.Identity, tenantName string) (bool, error) {
	if ident.IsMaster() {
		return true, nil
	}
	userID, _ := ident.UserID()

	var count int64
	err := r.db.Model(&model.UserTenant{}).
		Joins("JOIN tenants ON tenants.id = user_tenants.tenant_id").
		Where("user_tenants.user_id = ? AND user_tenants.active = ?", userID, true).
		Where("tenants.name = ? AND tenants.active = ?", tenantName, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CheckMenuPermission resolves one (identity, tenant, menu, action) decision:
//  1. master is always allowed
//  2. without an active grant for the tenant, denied
//  3. tenant admins hold implicit full rights
//  4. unknown menu codes are denied (fail closed)
//  5. module-gated menus are denied while the optional module is off,
//     regardless of any explicit permission row
//  6. otherwise the requested action's bit on the permission row decides;
//     no row denies
func (r *Resolver) CheckMenuPermission(ident identity.Identity, tenantID uint, menuCode string, action identity.Action) (bool, error) {
	if ident.IsMaster() {
		return true, nil
	}
	userID, _ := ident.UserID()

	var grant model.UserTenant
	err := r.db.
		Where("user_id = ? AND tenant_id = ? AND active = ?", userID, tenantID, true).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	if grant.Role == model.RoleAdmin {
		return true, nil
	}

	var menu model.Menu
	err = r.db.Where("code = ?", menuCode).First(&menu).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	if menu.RequiresModule {
		enabled, err := r.ModuleEnabled()
		if err != nil {
			return false, err
		}
		if !enabled {
			return false, nil
		}
	}

	var perm model.Permission
	err = r.db.
		Where("user_id = ? AND tenant_id = ? AND menu_id = ?", userID, tenantID, menu.ID).
		First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	return actionBit(&perm, action), nil
}

// SetPermissions replaces the permission set for (user, tenant) with the
// incoming entries, atomically. Non-master callers cannot touch master-only
// menus: such entries are silently dropped from the input and existing
// master-only rows survive the replace. Returns the resulting effective set.
func (r *Resolver) SetPermissions(userID, tenantID uint, entries []Entry, isMaster bool) ([]EffectivePermission, error) {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var menus []model.Menu
		if err := tx.Find(&menus).Error; err != nil {
			return err
		}
		byCode := make(map[string]*model.Menu, len(menus))
		for i := range menus {
			byCode[menus[i].Code] = &menus[i]
		}

		// Delete scope: everything for non-master callers except rows on
		// master-only menus, which are left untouched.
		del := tx.Where("user_id = ? AND tenant_id = ?", userID, tenantID)
		if !isMaster {
			del = del.Where("menu_id NOT IN (?)",
				tx.Model(&model.Menu{}).Select("id").Where("master_only = ?", true))
		}
		if err := del.Delete(&model.Permission{}).Error; err != nil {
			return err
		}

		for _, e := range entries {
			menu, ok := byCode[e.MenuCode]
			if !ok {
				// Unknown codes are dropped, not an error
				continue
			}
			if menu.MasterOnly && !isMaster {
				continue
			}
			perm := model.Permission{
				UserID:    userID,
				TenantID:  tenantID,
				MenuID:    menu.ID,
				CanView:   e.CanView,
				CanCreate: e.CanCreate,
				CanEdit:   e.CanEdit,
				CanDelete: e.CanDelete,
			}
			if err := tx.Create(&perm).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.EffectivePermissions(userID, tenantID)
}

// EffectivePermissions returns the permission rows for (user, tenant)
// joined with menu metadata.
func (r *Resolver) EffectivePermissions(userID, tenantID uint) ([]EffectivePermission, error) {
	var rows []EffectivePermission
	err := r.db.Model(&model.Permission{}).
		Select(`menus.id AS menu_id, menus.code AS menu_code, menus.name AS menu_name,
			menus.menu_group AS menu_group, menus.requires_module, menus.master_only,
			permissions.can_view, permissions.can_create, permissions.can_edit, permissions.can_delete`).
		Joins("JOIN menus ON menus.id = permissions.menu_id").
		Where("permissions.user_id = ? AND permissions.tenant_id = ?", userID, tenantID).
		Order("menus.code").
		Scan(&rows).Error
	return rows, err
}

// VisibleMenus returns the menus the user can view in the tenant, excluding
// module-gated menus while the optional module is globally disabled.
func (r *Resolver) VisibleMenus(userID, tenantID uint) ([]model.Menu, error) {
	enabled, err := r.ModuleEnabled()
	if err != nil {
		return nil, err
	}

	q := r.db.Model(&model.Menu{}).
		Joins("JOIN permissions ON permissions.menu_id = menus.id").
		Where("permissions.user_id = ? AND permissions.tenant_id = ? AND permissions.can_view = ?",
			userID, tenantID, true)
	if !enabled {
		q = q.Where("menus.requires_module = ?", false)
	}

	var menus []model.Menu
	err = q.Order("menus.code").Find(&menus).Error
	return menus, err
}

// ModuleEnabled reads the global optional-module flag; a missing row means
// disabled.
func (r *Resolver) ModuleEnabled() (bool, error) {
	var cfg model.GlobalConfig
	err := r.db.Where("key = ?", model.ConfigOptionalModule).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return cfg.Value == "true", nil
}

// actionBit maps the closed action enum onto the row's booleans.
func actionBit(p *model.Permission, action identity.Action) bool {
	switch action {
	case identity.ActionView:
		return p.CanView
	case identity.ActionCreate:
		return p.CanCreate
	case identity.ActionEdit:
		return p.CanEdit
	case identity.ActionDelete:
		return p.CanDelete
	}
	return false
}
