package tenantconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gestio-core/internal/apperr"
	"gestio-core/internal/model"
	"gestio-core/pkg/config"
	"gestio-core/prometheus"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DialFunc opens a database connection for a DSN. Swappable in tests.
type DialFunc func(dsn string) (*gorm.DB, error)

// Registry maps tenant names to pooled, bounded database connections. Pools
// are created lazily on first resolve and cached for the process lifetime;
// concurrent first resolves for one name converge on a single pool. The
// registry is constructed once in main and injected, never a package global.
type Registry struct {
	control *gorm.DB
	cfg     *config.TenantDBConfig
	dial    DialFunc
	log     *zap.Logger

	mu    sync.RWMutex
	pools map[string]*gorm.DB
	sf    singleflight.Group
}

// NewRegistry creates a connection registry that dials PostgreSQL using the
// shared tenant credentials from cfg.
func NewRegistry(control *gorm.DB, cfg *config.TenantDBConfig, log *zap.Logger) *Registry {
	r := &Registry{
		control: control,
		cfg:     cfg,
		log:     log,
		pools:   make(map[string]*gorm.DB),
	}
	r.dial = r.dialPostgres
	return r
}

// NewRegistryWithDial creates a registry with a custom dialer (tests).
func NewRegistryWithDial(control *gorm.DB, cfg *config.TenantDBConfig, log *zap.Logger, dial DialFunc) *Registry {
	r := NewRegistry(control, cfg, log)
	r.dial = dial
	return r
}

// Resolve returns the pooled connection for the named tenant, creating and
// caching it on first access. Exactly one pool ever exists per tenant name;
// racers that miss the cache simultaneously share the winner's pool.
func (r *Registry) Resolve(name string) (*gorm.DB, error) {
	r.mu.RLock()
	db, ok := r.pools[name]
	r.mu.RUnlock()
	if ok {
		prometheus.RecordPoolResolution("hit")
		return db, nil
	}

	v, err, _ := r.sf.Do(name, func() (interface{}, error) {
		// A racer may have finished while we queued on the flight
		r.mu.RLock()
		db, ok := r.pools[name]
		r.mu.RUnlock()
		if ok {
			prometheus.RecordPoolResolution("hit")
			return db, nil
		}

		prometheus.RecordPoolResolution("miss")
		db, err := r.open(name)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.pools[name] = db
		count := len(r.pools)
		r.mu.Unlock()

		prometheus.UpdateTenantPools(count)
		r.log.Info("Tenant connection pool created",
			zap.String("tenant", name),
			zap.Int("live_pools", count))
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gorm.DB), nil
}

// Acquire resolves the tenant's pool and checks one connection out of it,
// bounded by the configured acquire timeout. A saturated pool fails with
// ErrPoolExhausted instead of parking the caller indefinitely. The caller
// owns the returned connection and must Close it.
func (r *Registry) Acquire(ctx context.Context, name string) (*sql.Conn, error) {
	db, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.log.Warn("Tenant pool exhausted", zap.String("tenant", name))
			return nil, fmt.Errorf("%w: tenant %s", apperr.ErrPoolExhausted, name)
		}
		return nil, err
	}
	return conn, nil
}

// Evict closes and removes the cached connection for one tenant. Used when
// a tenant is deactivated or deleted; a later Resolve starts a fresh pool.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	db, ok := r.pools[name]
	delete(r.pools, name)
	count := len(r.pools)
	r.mu.Unlock()

	if !ok {
		return
	}
	closePool(db)
	prometheus.UpdateTenantPools(count)
	r.log.Info("Tenant connection pool evicted", zap.String("tenant", name))
}

// EvictAll closes and removes every cached connection (graceful shutdown).
func (r *Registry) EvictAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*gorm.DB)
	r.mu.Unlock()

	for name, db := range pools {
		closePool(db)
		r.log.Info("Tenant connection pool evicted", zap.String("tenant", name))
	}
	prometheus.UpdateTenantPools(0)
}

// Count returns the number of live pooled connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// open looks up the tenant coordinates and dials a bounded pool.
func (r *Registry) open(name string) (*gorm.DB, error) {
	host, port, dbname, err := r.coordinates(name)
	if err != nil {
		return nil, err
	}

	db, err := r.dial(r.cfg.DSNFor(host, port, dbname))
	if err != nil {
		r.log.Error("Tenant connection failed",
			zap.String("tenant", name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: tenant %s", apperr.ErrTenantConnectFailure, name)
	}

	if sqlDB, err := db.DB(); err == nil {
		if r.cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(r.cfg.MaxIdleConns)
		}
		if r.cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(r.cfg.MaxOpenConns)
		}
		if r.cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
		}
		if r.cfg.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(r.cfg.ConnMaxIdleTime)
		}
	}

	return db, nil
}

// coordinates resolves the connection coordinates for a tenant name. The
// configured default tenant resolves from environment coordinates even
// without a registry row (legacy deployments predate the registry).
func (r *Registry) coordinates(name string) (host, port, dbname string, err error) {
	var tenant model.Tenant
	dbErr := r.control.Where("name = ?", name).First(&tenant).Error
	if dbErr != nil {
		if errors.Is(dbErr, gorm.ErrRecordNotFound) {
			if name == r.cfg.DefaultTenant {
				return r.cfg.DefaultHost, r.cfg.DefaultPort, r.cfg.DefaultDBName, nil
			}
			return "", "", "", apperr.ErrTenantNotFound
		}
		return "", "", "", dbErr
	}
	if !tenant.Active {
		return "", "", "", apperr.ErrTenantNotFound
	}

	host, port, dbname = tenant.DBHost, tenant.DBPort, tenant.DBName
	if host == "" {
		host = r.cfg.DefaultHost
	}
	if port == "" {
		port = r.cfg.DefaultPort
	}
	if dbname == "" {
		dbname = tenant.Name
	}
	return host, port, dbname, nil
}

// dialPostgres is the production dialer: gorm over postgres with the initial
// connection bounded by the configured connect timeout.
func (r *Registry) dialPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func closePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
