// Package postgres implements the outbox store on PostgreSQL, plus the
// LISTEN/NOTIFY change notifier that wakes the dispatcher ahead of its poll
// interval.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Registers the pgx driver under database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/relaypoint/outbox/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrConnectionStringRequired = errors.New("postgres connection string is required")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub that owns the database handle used by the store.
//
// Claiming relies on SELECT ... FOR UPDATE SKIP LOCKED, which must run
// against the primary, so the hub deliberately manages a single primary
// connection and no read replicas.
type Connection struct {
	ConnectionString   string
	DatabaseName       string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	SkipMigrations     bool

	db        *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the database handle, runs pending migrations, and verifies
// connectivity with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if conn.ConnectionString == "" {
		return ErrConnectionStringRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.db != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.String("error", sanitizeSensitiveError(err)))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	db, err := sql.Open("pgx", conn.ConnectionString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to open postgres connection", log.String("error", sanitized))

		return fmt.Errorf("failed to open postgres connection: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			db.Close()
		}
	}()

	db.SetMaxOpenConns(conn.MaxOpenConnections)
	db.SetMaxIdleConns(conn.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if !conn.SkipMigrations {
		if err := runMigrations(db, conn.DatabaseName, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to ping postgres", log.String("error", sanitized))

		return fmt.Errorf("failed to ping postgres: %s", sanitized)
	}

	conn.db = db
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the database handle, connecting lazily on first use.
func (conn *Connection) GetDB(ctx context.Context) (*sql.DB, error) {
	conn.mu.RLock()

	if conn.db != nil {
		db := conn.db
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	// Double-check after acquiring the write lock.
	if conn.db != nil {
		return conn.db, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.db, nil
}

// Close releases the database handle.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.db == nil {
		return nil
	}

	err := conn.db.Close()
	conn.db = nil
	conn.connected = false

	return err
}

// IsConnected reports whether the database handle is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func runMigrations(db *sql.DB, databaseName string, logger log.Logger) error {
	if err := validateDBName(databaseName); err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		DatabaseName:          databaseName,
		SchemaName:            "public",
		MultiStatementEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(context.Background(), log.LevelInfo, "outbox schema up to date")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
