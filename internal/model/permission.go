package model

import (
	"time"
)

// Permission holds the four independent CRUD bits for one (user, tenant,
// menu) triple. Absence of a row denies every action.
type Permission struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"uniqueIndex:uq_perm_user_tenant_menu;not null"`
	TenantID  uint      `json:"tenant_id" gorm:"uniqueIndex:uq_perm_user_tenant_menu;not null"`
	MenuID    uint      `json:"menu_id" gorm:"uniqueIndex:uq_perm_user_tenant_menu;index;not null"`
	CanView   bool      `json:"can_view" gorm:"default:false"`
	CanCreate bool      `json:"can_create" gorm:"default:false"`
	CanEdit   bool      `json:"can_edit" gorm:"default:false"`
	CanDelete bool      `json:"can_delete" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Menu Menu `json:"menu,omitempty" gorm:"foreignKey:MenuID"`
}
