package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/migration"
	"github.com/nao1215/userhub/pkg/store/migrations"
)

// User はusersテーブルの1行を表す。
type User struct {
	// ID はストアが採番する単調増加ID。
	ID int64
	// Email はメールアドレス。一意。
	Email string
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time
}

// UserStore はusersテーブルへの型付きクエリを提供する。
type UserStore struct {
	// db はデータベース接続プール。
	db *sql.DB
	// dialect はSQL方言。プレースホルダの書式に影響する。
	dialect migration.Dialect
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// Open はDSNに応じたドライバでデータベースに接続し、マイグレーションを適用する。
// postgres:// または postgresql:// で始まるDSNはPostgreSQL、それ以外はSQLiteとして扱う。
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*UserStore, error) {
	dialect, driver, source := resolveDSN(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	configurePool(db, dialect)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if err := migration.Run(ctx, db, dialect, migrations.FS, string(dialect), logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return New(db, dialect), nil
}

// New は既存の接続からUserStoreを生成する。スキーマは適用済みであること。
func New(db *sql.DB, dialect migration.Dialect) *UserStore {
	return &UserStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

// Close はデータベース接続を閉じる。
func (s *UserStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *UserStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err, "データベースに接続できません")
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを取得する。
// 存在しない場合はKindNotFoundのエラーを返す。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, email, password_hash, created_at
		FROM users WHERE email = ?
	`), email)

	u, err := scanUser(row)
	if err != nil {
		return User{}, classify(err, "ユーザーの取得に失敗しました")
	}
	return u, nil
}

// FindPage はcursorより大きいIDのユーザーをID昇順で最大limit+1件取得する。
// cursorがnilの場合は先頭から取得する。余分な1件は呼び出し側が次ページ判定に使う。
func (s *UserStore) FindPage(ctx context.Context, cursor *int64, limit int) ([]User, error) {
	if limit <= 0 {
		return nil, apperr.New(apperr.KindValidation, "取得件数は1以上である必要があります")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT id, email, password_hash, created_at
			FROM users ORDER BY id ASC LIMIT ?
		`), limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT id, email, password_hash, created_at
			FROM users WHERE id > ? ORDER BY id ASC LIMIT ?
		`), *cursor, limit+1)
	}
	if err != nil {
		return nil, classify(err, "ユーザー一覧の取得に失敗しました")
	}
	defer func() { _ = rows.Close() }()

	users := make([]User, 0, limit+1)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err, "ユーザー一覧の読み取りに失敗しました")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "ユーザー一覧の読み取りに失敗しました")
	}
	return users, nil
}

// Insert はユーザーを作成する。
// メールアドレスが既に存在する場合はKindConflictのエラーを返す。
func (s *UserStore) Insert(ctx context.Context, email, passwordHash string) (User, error) {
	createdAt := s.now().UTC().Truncate(time.Millisecond)

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO users (email, password_hash, created_at)
		VALUES (?, ?, ?)
		RETURNING id
	`), email, passwordHash, createdAt.UnixMilli()).Scan(&id)
	if err != nil {
		return User{}, classify(err, "ユーザーの作成に失敗しました")
	}

	return User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    createdAt,
	}, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser は1行をUserに変換する。
func scanUser(row rowScanner) (User, error) {
	var (
		u         User
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt); err != nil {
		return User{}, err
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return u, nil
}

// rebind は ? プレースホルダをPostgreSQLの $n 形式に置き換える。
func (s *UserStore) rebind(query string) string {
	if s.dialect != migration.DialectPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify はドライバのエラーをapperrのKindに変換する。
func classify(err error, message string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Wrap(apperr.KindNotFound, "ユーザーが見つかりません", err)
	case isUniqueViolation(err):
		return apperr.Wrap(apperr.KindConflict, "このメールアドレスは既に登録されています", err)
	case isConnectivityError(err):
		return apperr.Wrap(apperr.KindUnavailable, "データベースに接続できません", err)
	default:
		return apperr.Wrap(apperr.KindInternal, message, err)
	}
}
