package model

import (
	"time"

	"gorm.io/gorm"
)

// The two tenant names protected from hard deletion: the legacy default
// store and the template every new store is cloned from.
const (
	DefaultTenantName  = "gestio"
	TemplateTenantName = "plantilla"
)

// IsProtectedTenant reports whether destructive operations against the
// named tenant must be rejected.
func IsProtectedTenant(name string) bool {
	return name == DefaultTenantName || name == TemplateTenantName
}

// Tenant represents one isolated business data store in the multi-tenant
// deployment. The control-plane registry holds the connection coordinates;
// the tenant's own database is physically separate.
type Tenant struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	Name          string         `json:"name" gorm:"type:varchar(100);uniqueIndex"`
	DisplayName   string         `json:"display_name" gorm:"type:varchar(150)"`
	DBHost        string         `json:"db_host" gorm:"type:varchar(255)"`
	DBPort        string         `json:"db_port" gorm:"type:varchar(10)"`
	DBName        string         `json:"db_name" gorm:"type:varchar(100)"`
	InvoiceSeries string         `json:"invoice_series" gorm:"type:varchar(20)"`
	Active        bool           `json:"active" gorm:"default:true"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-" gorm:"index"`
}
