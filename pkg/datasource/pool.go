package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/dbmcp/toolengine/pkg/dispatch"
	"github.com/dbmcp/toolengine/pkg/template"
)

// Pool is a dispatch.ConnectionPool that owns its connections.
type Pool interface {
	dispatch.ConnectionPool
	Close()
}

// Open creates a pool for cfg. Connections are established lazily on first
// acquire.
func Open(ctx context.Context, cfg Config) (Pool, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypePostgres:
		return openPostgres(ctx, dsn, cfg.MaxConns)
	case TypeMySQL:
		return openSQL("mysql", dsn, cfg.Dialect(), cfg.MaxConns)
	case TypeSQLite:
		return openSQL("sqlite", dsn, cfg.Dialect(), cfg.MaxConns)
	}
	return nil, fmt.Errorf("datasource %q: type %q has no connection pool", cfg.ID, cfg.Type)
}

// ──────────────────────────────────────────────────────────────────────────────
// Postgres (pgxpool)
// ──────────────────────────────────────────────────────────────────────────────

type pgPool struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string, maxConns int) (*pgPool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	return &pgPool{pool: pool}, nil
}

func (p *pgPool) Dialect() template.Dialect { return template.Postgres }

func (p *pgPool) Acquire(ctx context.Context) (dispatch.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: c}, nil
}

func (p *pgPool) Close() { p.pool.Close() }

type pgConn struct {
	conn *pgxpool.Conn
}

func (c *pgConn) Query(ctx context.Context, sql string, args ...any) (dispatch.Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgRows{rows: rows}, nil
}

func (c *pgConn) Release() { c.conn.Release() }

type pgRows struct {
	rows pgx.Rows
}

func (r *pgRows) Columns() []string {
	fds := r.rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return cols
}

func (r *pgRows) Next() bool             { return r.rows.Next() }
func (r *pgRows) Values() ([]any, error) { return r.rows.Values() }
func (r *pgRows) Err() error             { return r.rows.Err() }
func (r *pgRows) Close()                 { r.rows.Close() }

// ──────────────────────────────────────────────────────────────────────────────
// database/sql drivers (sqlite, mysql)
// ──────────────────────────────────────────────────────────────────────────────

type sqlPool struct {
	db      *sql.DB
	dialect template.Dialect
}

func openSQL(driver, dsn string, dialect template.Dialect, maxConns int) (*sqlPool, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", driver, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	return &sqlPool{db: db, dialect: dialect}, nil
}

func (p *sqlPool) Dialect() template.Dialect { return p.dialect }

func (p *sqlPool) Acquire(ctx context.Context) (dispatch.Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: c}, nil
}

func (p *sqlPool) Close() { p.db.Close() }

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) (dispatch.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

// Release returns the connection to the pool.
func (c *sqlConn) Release() { c.conn.Close() }

type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() []string { return r.cols }
func (r *sqlRows) Next() bool        { return r.rows.Next() }
func (r *sqlRows) Err() error        { return r.rows.Err() }
func (r *sqlRows) Close()            { r.rows.Close() }

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}
