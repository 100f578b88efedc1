// Package postgres provides a PostgreSQL pool that warms as a readiness
// resource and serves tenant credentials to a SingleFlightCache.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
)

// ResourceName is the readiness resource name of a pool.
const ResourceName = "postgres"

const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultSchema          = "public"
	DefaultTable           = "tenant_credentials"
)

// ErrCredentialsNotFound is returned when no row matches a tenant.
var ErrCredentialsNotFound = errors.New("pipeguard: credentials not found")

// OpenDB allows overriding how the pool is opened for testing.
var OpenDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// Config configures a Pool.
type Config struct {
	DSN             string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Schema and Table locate the credentials table.
	Schema string
	Table  string
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = ResourceName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	return c
}

// Credentials authorise calls against a tenant's downstream system.
type Credentials struct {
	Tenant       string
	ClientID     string
	ClientSecret string
	BaseURL      string
}

// Pool wraps a database handle. It is a readiness resource: Warm pings the
// database so the instance only reports ready once a connection succeeded.
type Pool struct {
	db     *sql.DB
	config Config
	logger loggingpkg.ServiceLogger
	query  string
}

// Open opens a pool without connecting. Connectivity is established by Warm.
func Open(cfg Config, logger loggingpkg.ServiceLogger) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := OpenDB(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db, cfg, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, cfg Config, logger loggingpkg.ServiceLogger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	table := pq.QuoteIdentifier(cfg.Schema) + "." + pq.QuoteIdentifier(cfg.Table)
	return &Pool{
		db:     db,
		config: cfg,
		logger: loggingpkg.ForComponent(logger, "postgres", loggingpkg.LogFields{"resource": cfg.Name}),
		// #nosec G202 - identifiers are quoted
		query: "SELECT client_id, client_secret, base_url FROM " + table + " WHERE tenant = $1",
	}
}

// Name implements readiness.Resource.
func (p *Pool) Name() string {
	return p.config.Name
}

// Warm implements readiness.Resource.
func (p *Pool) Warm(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	stats := p.db.Stats()
	p.logger.Info("Connected to PostgreSQL", loggingpkg.LogFields{
		"open_connections": stats.OpenConnections,
		"max_open":         stats.MaxOpenConnections,
	})
	return nil
}

// LoadCredentials reads the credentials of tenant. Its signature matches a
// SingleFlightCache loader.
func (p *Pool) LoadCredentials(ctx context.Context, tenant string) (Credentials, error) {
	creds := Credentials{Tenant: tenant}
	err := p.db.QueryRowContext(ctx, p.query, tenant).Scan(&creds.ClientID, &creds.ClientSecret, &creds.BaseURL)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Credentials{}, fmt.Errorf("%w: tenant %q", ErrCredentialsNotFound, tenant)
	case err != nil:
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			p.logger.Error("Credential query failed", err, loggingpkg.LogFields{
				"tenant": tenant,
				"code":   string(pqErr.Code),
			})
		}
		return Credentials{}, fmt.Errorf("load credentials for %s: %w", tenant, err)
	}
	return creds, nil
}

// DB exposes the handle for stages that persist through it.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}
