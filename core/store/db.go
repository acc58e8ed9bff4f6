package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"roadwatch/config"
	"roadwatch/core/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// DB wraps *sql.DB with the configured driver name. Queries are written with
// ? placeholders; the wrapper rebinds them to $n when running on postgres.
type DB struct {
	sql    *sql.DB
	driver string
}

func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if driver == "" {
		driver = "sqlite"
	}
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		dsn := cfg.DBURL
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		if !strings.Contains(dsn, "_pragma") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
		}
		db, err = sql.Open("sqlite", dsn)
	case "postgres":
		db, err = sql.Open("pgx", cfg.DBURL)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Printf("database ready driver=%s", driver)
	return &DB{sql: db, driver: driver}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Driver() string { return d.driver }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, rebind(d.driver, query), args...)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.sql.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: d.driver}, nil
}

// Tx mirrors the rebinding behavior of DB for statements inside a
// transaction.
type Tx struct {
	tx     *sql.Tx
	driver string
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// ApplyMigrations runs the embedded goose migrations for the active dialect.
func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	dialect := "sqlite3"
	dir := "migrations/sqlite"
	if db.driver == "postgres" {
		dialect = "postgres"
		dir = "migrations/postgres"
	}
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.sql, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Printf("migrations applied dialect=%s", dialect)
	return nil
}
