package database

import (
	"log"

	"gestio-core/internal/model"
	"gestio-core/pkg/config"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB opens the control-plane database that holds the tenant registry,
// users, grants, menus, permissions, sessions and global config. Per-tenant
// data stores are opened separately through the connection registry.
func InitDB(cfg *config.Config) error {
	var err error

	// Connect with PreferSimpleProtocol to prevent "prepared statement
	// already exists" errors behind connection poolers
	pgConfig := postgres.Config{
		DSN:                  cfg.DB.GetDSN(),
		PreferSimpleProtocol: true,
	}

	DB, err = gorm.Open(postgres.New(pgConfig), &gorm.Config{
		Logger: logger.Default.LogMode(cfg.DB.LogLevel),
	})
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return err
	}

	// Configure connection pool
	sqlDB, err := DB.DB()
	if err != nil {
		log.Printf("Failed to get database connection: %v", err)
		return err
	}

	if cfg.DB.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	}

	if cfg.DB.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	}

	if cfg.DB.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	}

	// AutoMigrate the control-plane schema
	return DB.AutoMigrate(
		&model.User{},
		&model.Tenant{},
		&model.UserTenant{},
		&model.Menu{},
		&model.Permission{},
		&model.Session{},
		&model.GlobalConfig{},
	)
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}
