package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/reviewyai/reviewy/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pingTimeout = 5 * time.Second

// sqlitePragmas run on every new SQLite connection pool.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// pool holds per-dialect connection pool sizing.
type pool struct {
	maxOpen int
	maxIdle int
}

func newGormLogger() logger.Interface {
	return logger.New(log.StandardLogger(), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Open connects to postgres or sqlite depending on the DSN shape, applies pool limits and pings.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	dialect, errDetect := detectDialectFromDSN(trimmed)
	if errDetect != nil {
		return nil, errDetect
	}

	var (
		dialector gorm.Dialector
		limits    pool
	)
	switch dialect {
	case DialectPostgres:
		sqlDB, errOpen := openPostgresSQLDB(trimmed)
		if errOpen != nil {
			return nil, errOpen
		}
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
		limits = pool{maxOpen: 25, maxIdle: 25}
	default:
		sqliteDSN := sqliteDSNWithParams(normalizeSQLiteDSN(trimmed))
		if errDir := ensureSQLiteDir(sqliteDSN); errDir != nil {
			return nil, errDir
		}
		dialector = sqlite.Open(sqliteDSN)
		// A single connection serializes the conditional quota updates.
		limits = pool{maxOpen: 1, maxIdle: 1}
	}

	conn, errGorm := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if errGorm != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialect, errGorm)
	}
	sqlDB, errSQL := conn.DB()
	if errSQL != nil {
		return nil, fmt.Errorf("db: %s handle: %w", dialect, errSQL)
	}
	sqlDB.SetMaxOpenConns(limits.maxOpen)
	sqlDB.SetMaxIdleConns(limits.maxIdle)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if errReady := ready(sqlDB, dialect); errReady != nil {
		_ = sqlDB.Close()
		return nil, errReady
	}
	return conn, nil
}

func ready(sqlDB *sql.DB, dialect string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if dialect == DialectSQLite {
		for _, pragma := range sqlitePragmas {
			if _, errExec := sqlDB.ExecContext(ctx, pragma); errExec != nil {
				return fmt.Errorf("db: %s: %w", pragma, errExec)
			}
		}
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		return fmt.Errorf("db: ping %s: %w", dialect, errPing)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func detectDialectFromDSN(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host="), strings.Contains(lower, "dbname="), strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "sqlite3://"):
		return DialectSQLite, nil
	case !strings.Contains(lower, "://"):
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("db: unsupported dsn scheme: %s", dsn)
}

// openPostgresSQLDB pins the session timezone to UTC unless the DSN sets one.
func openPostgresSQLDB(dsn string) (*sql.DB, error) {
	cfg, errParse := pgx.ParseConfig(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", errParse)
	}
	if _, ok := cfg.RuntimeParams["timezone"]; !ok {
		cfg.RuntimeParams["timezone"] = "UTC"
	}
	return stdlib.OpenDB(*cfg), nil
}

// normalizeSQLiteDSN rewrites sqlite:// URLs to file: DSNs and resolves relative
// database files under WRITABLE_PATH.
func normalizeSQLiteDSN(dsn string) string {
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok && strings.HasPrefix(strings.ToLower(scheme), "sqlite") {
		dsn = "file:" + rest
	}
	pathPart, query, hasQuery := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if pathPart == "" || pathPart == ":memory:" || strings.Contains(query, "mode=memory") {
		return dsn
	}
	out := "file:" + util.ResolveWritable(pathPart)
	if hasQuery {
		out += "?" + query
	}
	return out
}

// sqliteDSNWithParams appends busy-timeout and journal defaults the DSN does not set itself.
func sqliteDSNWithParams(dsn string) string {
	defaults := [][2]string{
		{"_busy_timeout", "5000"},
		{"_journal_mode", "WAL"},
		{"_foreign_keys", "on"},
	}
	_, query, _ := strings.Cut(strings.ToLower(dsn), "?")
	for _, kv := range defaults {
		if strings.Contains("&"+query, "&"+kv[0]+"=") {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&"
		} else {
			dsn += "?"
		}
		dsn += kv[0] + "=" + kv[1]
	}
	return dsn
}

// sqlitePathFromDSN returns the database file behind a DSN, or "" for in-memory databases.
func sqlitePathFromDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "mode=memory") {
		return ""
	}
	if strings.HasPrefix(lower, "file:") {
		trimmed = strings.TrimPrefix(trimmed[len("file:"):], "//")
	} else if strings.Contains(lower, "://") {
		return ""
	}
	pathPart, _, _ := strings.Cut(trimmed, "?")
	if pathPart == ":memory:" {
		return ""
	}
	return pathPart
}

func ensureSQLiteDir(dsn string) error {
	path := sqlitePathFromDSN(dsn)
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
			return fmt.Errorf("db: create sqlite dir: %w", errMkdir)
		}
	}
	return nil
}
