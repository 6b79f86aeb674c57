package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// DBConfig holds the control-plane database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// GetDSN returns the PostgreSQL connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// TenantDBConfig holds the shared settings for per-tenant connection pools.
// Host/port/database come from each tenant's registry row; credentials and
// pool bounds are deployment-wide.
type TenantDBConfig struct {
	User            string
	Password        string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// AcquireTimeout bounds checking a connection out of a saturated pool.
	// Exceeding it fails the request instead of blocking indefinitely.
	AcquireTimeout time.Duration

	// DefaultTenant is the legacy tenant name that resolves from the
	// coordinates below even without a registry row.
	DefaultTenant string
	DefaultHost   string
	DefaultPort   string
	DefaultDBName string
}

// DSNFor returns the connection string for one tenant's coordinates.
func (c *TenantDBConfig) DSNFor(host, port, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, c.User, c.Password, dbname, c.SSLMode)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningKey      string
	ExpirationHours int
}

// MasterConfig holds the credentials of the master superuser. Master is not
// a user row; it authenticates against these and bypasses all checks.
type MasterConfig struct {
	Username     string
	PasswordHash string
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prefix string
}

// Config holds all configuration
type Config struct {
	DB       DBConfig
	TenantDB TenantDBConfig
	Server   ServerConfig
	JWT      JWTConfig
	Master   MasterConfig
	Session  SessionConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	config := &Config{
		DB: DBConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "gestio"),
			Password:        getEnv("DB_PASSWORD", "password"),
			DBName:          getEnv("DB_NAME", "gestio_core"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnvAsLogLevel("DB_LOG_LEVEL", logger.Warn),
		},
		TenantDB: TenantDBConfig{
			User:            getEnv("TENANT_DB_USER", "gestio"),
			Password:        getEnv("TENANT_DB_PASSWORD", "password"),
			SSLMode:         getEnv("TENANT_DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("TENANT_DB_MAX_IDLE_CONNS", 2),
			MaxOpenConns:    getEnvAsInt("TENANT_DB_MAX_OPEN_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("TENANT_DB_CONN_MAX_LIFETIME", 1*time.Hour),
			ConnMaxIdleTime: getEnvAsDuration("TENANT_DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
			ConnectTimeout:  getEnvAsDuration("TENANT_DB_CONNECT_TIMEOUT", 5*time.Second),
			AcquireTimeout:  getEnvAsDuration("TENANT_DB_ACQUIRE_TIMEOUT", 3*time.Second),
			DefaultTenant:   getEnv("TENANT_DEFAULT_NAME", "gestio"),
			DefaultHost:     getEnv("TENANT_DEFAULT_HOST", "localhost"),
			DefaultPort:     getEnv("TENANT_DEFAULT_PORT", "5432"),
			DefaultDBName:   getEnv("TENANT_DEFAULT_DB_NAME", "gestio"),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		JWT: JWTConfig{
			SigningKey:      getEnv("JWT_SIGNING_KEY", "gestiocoresecretkey"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Master: MasterConfig{
			Username:     getEnv("MASTER_USERNAME", "master"),
			PasswordHash: getEnv("MASTER_PASSWORD_HASH", ""),
		},
		Session: SessionConfig{
			TTL:           getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			SweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 1*time.Hour),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "gestio"),
		},
	}

	return config, nil
}

// LogConfig returns the configuration as a zap logger-friendly format
func (c *Config) LogConfig() []zap.Field {
	return []zap.Field{
		zap.String("environment", c.Server.Env),
		zap.String("db_host", c.DB.Host),
		zap.String("db_port", c.DB.Port),
		zap.String("db_name", c.DB.DBName),
		zap.String("server_port", c.Server.Port),
		zap.String("default_tenant", c.TenantDB.DefaultTenant),
	}
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as log levels
func getEnvAsLogLevel(key string, defaultValue logger.LogLevel) logger.LogLevel {
	valueStr := getEnv(key, "")
	switch valueStr {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return defaultValue
	}
}
