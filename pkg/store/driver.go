package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/userhub/pkg/migration"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// resolveDSN はDSNからSQL方言、ドライバ名、ドライバに渡す接続文字列を決める。
func resolveDSN(dsn string) (migration.Dialect, string, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return migration.DialectPostgres, "pgx", dsn
	}

	source := dsn
	if source == "" {
		source = "file:userhub.db"
	}
	if !strings.Contains(source, ":memory:") && !strings.Contains(source, "_pragma=") {
		sep := "?"
		if strings.Contains(source, "?") {
			sep = "&"
		}
		source += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return migration.DialectSQLite, "sqlite", source
}

// configurePool は方言ごとに接続プールを設定する。
// SQLiteは書き込みが直列化されるため接続を1本に絞る。
func configurePool(db *sql.DB, dialect migration.Dialect) {
	if dialect == migration.DialectSQLite {
		db.SetMaxOpenConns(1)
		return
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// isConnectivityError はストアに到達できないことを表すエラーかどうかを判定する。
func isConnectivityError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// database/sqlはClose後の利用をエクスポートされていないエラーで返す
	return strings.Contains(err.Error(), "sql: database is closed")
}
