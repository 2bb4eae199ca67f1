package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".chaser"
	defaultDBName = "chaser.db"
)

// Dialect names the SQL flavour behind a *sql.DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
)

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the case store. SQLite lives in the workspace with foreign
// keys on; Postgres goes through a pgx pool.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	switch Dialect(cfg.Driver) {
	case "", SQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, "", err
		}
		path := cfg.DSN
		if path == "" {
			path = dbPath(cfg.Workspace)
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", err
		}
		// single writer keeps SQLite from returning SQLITE_BUSY under the worker pool
		conn.SetMaxOpenConns(1)
		return conn, SQLite, nil
	case Postgres:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("postgres dsn is required")
		}
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, "", err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, "", err
		}
		return stdlib.OpenDBFromPool(pool), Postgres, nil
	default:
		return nil, "", fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
