package model

import (
	"time"

	"gorm.io/gorm"
)

// Tenant roles. Admins hold implicit full rights within their tenant;
// plain users are gated per menu through Permission rows.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// UserTenant is the grant giving a user membership in a tenant with a role.
// A user may hold different roles in different tenants.
type UserTenant struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	UserID    uint           `json:"user_id" gorm:"index;not null"`
	TenantID  uint           `json:"tenant_id" gorm:"index;not null"`
	Role      string         `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	Active    bool           `json:"active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	User   User   `json:"user,omitempty" gorm:"foreignKey:UserID"`
	Tenant Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
}
