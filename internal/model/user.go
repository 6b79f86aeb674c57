package model

import (
	"time"

	"gorm.io/gorm"
)

// User represents a regular user of the identity plane. The master
// superuser is configured from the environment and has no row here.
type User struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Username    string         `json:"username" gorm:"type:varchar(100);uniqueIndex"`
	DisplayName string         `json:"display_name" gorm:"type:varchar(150)"`
	Password    string         `json:"-" gorm:"type:varchar(255)"`
	Active      bool           `json:"active" gorm:"default:true"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}
