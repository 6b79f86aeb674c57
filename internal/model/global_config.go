package model

import (
	"time"
)

// Well-known global config keys.
const (
	// ConfigOptionalModule toggles the optional module deployment-wide.
	// Menus flagged RequiresModule are denied while it is "false".
	ConfigOptionalModule = "optional_module_enabled"
)

// GlobalConfig is a key/value feature flag. MasterOnly keys can only be
// written by the master identity.
type GlobalConfig struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Key        string    `json:"key" gorm:"type:varchar(100);uniqueIndex"`
	Value      string    `json:"value" gorm:"type:varchar(255)"`
	MasterOnly bool      `json:"master_only" gorm:"default:false"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
