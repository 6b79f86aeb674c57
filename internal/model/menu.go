package model

import (
	"time"
)

// Menu is a named permission resource with a hierarchical code such as
// "sales.clients". Menus flagged RequiresModule are hidden and denied while
// the optional module is globally disabled; MasterOnly menus can only be
// granted by the master identity.
type Menu struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Code           string    `json:"code" gorm:"type:varchar(100);uniqueIndex"`
	Name           string    `json:"name" gorm:"type:varchar(150)"`
	MenuGroup      string    `json:"menu_group" gorm:"type:varchar(100);index"`
	RequiresModule bool      `json:"requires_module" gorm:"default:false"`
	MasterOnly     bool      `json:"master_only" gorm:"default:false"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
