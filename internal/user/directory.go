package user

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/metrics"
	"github.com/nao1215/userhub/pkg/store"
)

const (
	// DefaultTake は一覧取得の既定件数。
	DefaultTake = 10
	// MaxTake は一覧取得の最大件数。
	MaxTake = 100
)

// cacheKeyPrefix はメールアドレス検索のキャッシュキー接頭辞。
const cacheKeyPrefix = "user:email:"

// キャッシュエントリのハッシュフィールド名。
const (
	fieldID           = "id"
	fieldEmail        = "email"
	fieldPasswordHash = "passwordHash"
	fieldCreatedAt    = "createdAt"
)

// RecordStore はユーザーレコードの永続化先。*store.UserStore が実装する。
type RecordStore interface {
	FindByEmail(ctx context.Context, email string) (store.User, error)
	FindPage(ctx context.Context, cursor *int64, limit int) ([]store.User, error)
	Insert(ctx context.Context, email, passwordHash string) (store.User, error)
}

// HashCache はユーザーレコードのキャッシュ。*cache.HashCache が実装する。
// 失敗は実装側でミスまたは無操作として扱われる。
type HashCache interface {
	Get(ctx context.Context, key string) (map[string]string, bool)
	SetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) bool
}

// ExistsResult はメールアドレスの登録有無の確認結果。
type ExistsResult struct {
	// Exists は登録済みかどうか。
	Exists bool
	// User は登録済みの場合のレコード。
	User *store.User
}

// Page は一覧取得の1ページ。
type Page struct {
	// Users はID昇順のユーザー。
	Users []store.User
	// NextCursor は次ページを取得するためのカーソル。最終ページではnil。
	NextCursor *int64
}

// Directory はキャッシュアサイドでユーザーレコードを扱う。
type Directory struct {
	store    RecordStore
	cache    HashCache
	ttl      time.Duration
	counters *metrics.Counters
	logger   *slog.Logger
}

// NewDirectory はDirectoryを生成する。ttlはキャッシュエントリの有効期間。
func NewDirectory(records RecordStore, cache HashCache, ttl time.Duration, counters *metrics.Counters, logger *slog.Logger) *Directory {
	return &Directory{
		store:    records,
		cache:    cache,
		ttl:      ttl,
		counters: counters,
		logger:   logger,
	}
}

// Exists はメールアドレスが登録済みかどうかを返す。
// 登録済みの場合はレコードも返す。
func (d *Directory) Exists(ctx context.Context, email string) (ExistsResult, error) {
	u, err := d.FindByEmail(ctx, email)
	if apperr.Is(err, apperr.KindNotFound) {
		return ExistsResult{}, nil
	}
	if err != nil {
		return ExistsResult{}, err
	}
	return ExistsResult{Exists: true, User: &u}, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。
// キャッシュにあればストアへは問い合わせない。どちらにも無ければKindNotFoundを返す。
func (d *Directory) FindByEmail(ctx context.Context, email string) (store.User, error) {
	if email == "" {
		return store.User{}, apperr.Validation("メールアドレスは必須です")
	}

	if u, ok := d.lookupCache(ctx, email); ok {
		d.counters.IncCacheHit()
		return u, nil
	}
	d.counters.IncCacheMiss()

	u, err := d.store.FindByEmail(ctx, email)
	if err != nil {
		return store.User{}, err
	}
	d.populate(ctx, u)
	return u, nil
}

// Create はユーザーを作成する。
// 既に登録済みのメールアドレスにはKindConflictを返す。
func (d *Directory) Create(ctx context.Context, email, passwordHash string) (store.User, error) {
	var problems []string
	if strings.TrimSpace(email) == "" {
		problems = append(problems, "メールアドレスは必須です")
	}
	if passwordHash == "" {
		problems = append(problems, "パスワードハッシュは必須です")
	}
	if len(problems) > 0 {
		return store.User{}, apperr.Validation(problems...)
	}

	// キャッシュにあれば登録済み。無くても一意性はストアの一意制約が保証する。
	// 重複確認のための参照はヒット率に数えない
	if _, ok := d.lookupCache(ctx, email); ok {
		return store.User{}, apperr.New(apperr.KindConflict, "このメールアドレスは既に登録されています")
	}

	u, err := d.store.Insert(ctx, email, passwordHash)
	if apperr.Is(err, apperr.KindConflict) {
		if existing, findErr := d.store.FindByEmail(ctx, email); findErr == nil {
			d.populate(ctx, existing)
		}
		return store.User{}, err
	}
	if err != nil {
		return store.User{}, err
	}

	d.populate(ctx, u)
	return u, nil
}

// ListPage はcursorより後のユーザーを最大take件返す。
// takeは[1, MaxTake]に丸める。一覧はキャッシュしない。
func (d *Directory) ListPage(ctx context.Context, cursor *int64, take int) (Page, error) {
	take = ClampTake(take)

	rows, err := d.store.FindPage(ctx, cursor, take)
	if err != nil {
		return Page{}, err
	}

	page := Page{Users: rows}
	if len(rows) > take {
		page.Users = rows[:take]
		next := page.Users[take-1].ID
		page.NextCursor = &next
	}
	if page.Users == nil {
		page.Users = []store.User{}
	}
	return page, nil
}

// ClampTake は取得件数を[1, MaxTake]に丸める。
func ClampTake(take int) int {
	switch {
	case take < 1:
		return 1
	case take > MaxTake:
		return MaxTake
	default:
		return take
	}
}

// lookupCache はキャッシュからレコードを取り出す。
// フィールドが欠けている、または解釈できないエントリはミスとして扱う。
func (d *Directory) lookupCache(ctx context.Context, email string) (store.User, bool) {
	fields, ok := d.cache.Get(ctx, cacheKey(email))
	if !ok {
		return store.User{}, false
	}
	u, err := decodeUser(fields)
	if err != nil {
		d.logger.WarnContext(ctx, "キャッシュエントリが不正です。ミスとして扱います",
			"email", email,
			"error", err,
		)
		return store.User{}, false
	}
	return u, true
}

// populate はレコードをキャッシュへ書き込む。失敗はログに残すだけで無視する。
func (d *Directory) populate(ctx context.Context, u store.User) {
	if !d.cache.SetWithTTL(ctx, cacheKey(u.Email), encodeUser(u), d.ttl) {
		d.logger.DebugContext(ctx, "キャッシュへの書き込みを省略しました", "email", u.Email)
	}
}

func cacheKey(email string) string {
	return cacheKeyPrefix + email
}

// encodeUser はレコードをキャッシュのハッシュに変換する。
func encodeUser(u store.User) map[string]string {
	return map[string]string{
		fieldID:           strconv.FormatInt(u.ID, 10),
		fieldEmail:        u.Email,
		fieldPasswordHash: u.PasswordHash,
		fieldCreatedAt:    strconv.FormatInt(u.CreatedAt.UnixMilli(), 10),
	}
}

// decodeUser はキャッシュのハッシュをレコードに戻す。
func decodeUser(fields map[string]string) (store.User, error) {
	for _, name := range []string{fieldID, fieldEmail, fieldPasswordHash, fieldCreatedAt} {
		if _, ok := fields[name]; !ok {
			return store.User{}, apperr.New(apperr.KindInternal, "フィールドがありません: "+name)
		}
	}

	id, err := strconv.ParseInt(fields[fieldID], 10, 64)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.KindInternal, "idを解釈できません", err)
	}
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.KindInternal, "createdAtを解釈できません", err)
	}

	return store.User{
		ID:           id,
		Email:        fields[fieldEmail],
		PasswordHash: fields[fieldPasswordHash],
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
	}, nil
}
