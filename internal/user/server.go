package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/metrics"
	"github.com/nao1215/userhub/pkg/middleware"
	"github.com/nao1215/userhub/pkg/store"
)

// TimeLayout はレスポンスのcreatedAtの書式。
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// healthTimeout はヘルスチェック1件あたりのタイムアウト。
const healthTimeout = 2 * time.Second

// StoreBackend はサーバーが使うストア。*store.UserStore が実装する。
type StoreBackend interface {
	RecordStore
	Ping(ctx context.Context) error
}

// CacheBackend はサーバーが使うキャッシュ。*cache.HashCache が実装する。
type CacheBackend interface {
	HashCache
	Ping(ctx context.Context) error
	Healthy() bool
}

// Options はサーバーの構成要素。
type Options struct {
	// Port はリッスンポート。
	Port string
	// Store はユーザーレコードのストア。
	Store StoreBackend
	// Cache はユーザーレコードのキャッシュ。
	Cache CacheBackend
	// CacheTTL はキャッシュエントリの有効期間。
	CacheTTL time.Duration
	// Logger はロガー。
	Logger *slog.Logger
}

// Server はユーザーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持する。
	httpServer *http.Server
	// directory はキャッシュアサイドのユーザーディレクトリ。
	directory *Directory
	store     StoreBackend
	cache     CacheBackend
	counters  *metrics.Counters
	logger    *slog.Logger
}

// NewServer は新しいユーザーサーバーを生成する。
func NewServer(opts Options) *Server {
	counters := metrics.New()

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(opts.Logger))
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(middleware.CountRequests(counters))

	s := &Server{
		router:    router,
		directory: NewDirectory(opts.Store, opts.Cache, opts.CacheTTL, counters, opts.Logger),
		store:     opts.Store,
		cache:     opts.Cache,
		counters:  counters,
		logger:    opts.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()

	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Directory はサーバーが使うユーザーディレクトリを返す。
func (s *Server) Directory() *Directory {
	return s.directory
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown は処理中のリクエストの完了を待ってサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	users := s.router.Group("/users")
	{
		// ユーザー作成（認証サービスから呼ばれる）
		users.POST("", s.handleCreate())
		// ユーザー一覧取得
		users.GET("", s.handleList())
		// メールアドレスの登録有無
		users.GET("/check-email", s.handleCheckEmail())
		// メールアドレスでユーザー取得
		users.GET("/by-email/:email", s.handleGetByEmail(false))
	}

	// パスワードハッシュを含む取得。gatewayからはルーティングされない
	s.router.GET("/internal/users/by-email/:email", s.handleGetByEmail(true))

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.counters.Snapshot())
	})
}

// createUserRequest はユーザー作成リクエストのJSON構造。
type createUserRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// PasswordHash はハッシュ化済みのパスワード。
	PasswordHash string `json:"passwordHash" binding:"required"`
}

// userResponse は公開用のユーザーJSON。パスワードハッシュを含まない。
type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}

// credentialResponse は認証サービス向けのユーザーJSON。
type credentialResponse struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    string `json:"createdAt"`
}

// pageResponse は一覧取得のレスポンス。最終ページではnextCursorがnull。
type pageResponse struct {
	Users      []userResponse `json:"users"`
	NextCursor *int64         `json:"nextCursor"`
}

// existsResponse はメールアドレス確認のレスポンス。
type existsResponse struct {
	Exists bool          `json:"exists"`
	User   *userResponse `json:"user"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		CreatedAt: u.CreatedAt.UTC().Format(TimeLayout),
	}
}

// handleCreate はユーザー作成を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		u, err := s.directory.Create(c.Request.Context(), req.Email, req.PasswordHash)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toUserResponse(u))
	}
}

// handleList はカーソル方式のユーザー一覧を返すハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		take := DefaultTake
		var problems []string
		if raw := c.Query("take"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				problems = append(problems, "takeは整数である必要があります")
			}
			take = n
		}

		var cursor *int64
		if raw := c.Query("cursor"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				problems = append(problems, "cursorは整数である必要があります")
			}
			cursor = &n
		}
		if len(problems) > 0 {
			s.respondError(c, apperr.Validation(problems...))
			return
		}

		page, err := s.directory.ListPage(c.Request.Context(), cursor, take)
		if err != nil {
			s.respondError(c, err)
			return
		}

		resp := pageResponse{
			Users:      make([]userResponse, 0, len(page.Users)),
			NextCursor: page.NextCursor,
		}
		for _, u := range page.Users {
			resp.Users = append(resp.Users, toUserResponse(u))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleCheckEmail はメールアドレスの登録有無を返すハンドラを返す。
func (s *Server) handleCheckEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.Query("email")
		if email == "" {
			s.respondError(c, apperr.Validation("emailクエリパラメータは必須です"))
			return
		}

		result, err := s.directory.Exists(c.Request.Context(), email)
		if err != nil {
			s.respondError(c, err)
			return
		}

		resp := existsResponse{Exists: result.Exists}
		if result.User != nil {
			u := toUserResponse(*result.User)
			resp.User = &u
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleGetByEmail はメールアドレスでユーザーを返すハンドラを返す。
// withCredential がtrueの場合はパスワードハッシュを含める。
func (s *Server) handleGetByEmail(withCredential bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := s.directory.FindByEmail(c.Request.Context(), c.Param("email"))
		if err != nil {
			s.respondError(c, err)
			return
		}

		if !withCredential {
			c.JSON(http.StatusOK, toUserResponse(u))
			return
		}
		c.JSON(http.StatusOK, credentialResponse{
			ID:           u.ID,
			Email:        u.Email,
			PasswordHash: u.PasswordHash,
			CreatedAt:    u.CreatedAt.UTC().Format(TimeLayout),
		})
	}
}

// handleHealth はストアとキャッシュの状態を返すハンドラを返す。
// キャッシュが使えない場合はdegradedだが200、ストアが使えない場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		checks := gin.H{"database": "ok", "cache": "ok"}
		status, code := "ok", http.StatusOK

		if err := s.store.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "ストアのヘルスチェックに失敗しました", "error", err)
			checks["database"] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if !s.cache.Healthy() {
			checks["cache"] = "unavailable"
			status = "degraded"
		} else if err := s.cache.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "キャッシュのヘルスチェックに失敗しました", "error", err)
			checks["cache"] = "unavailable"
			status = "degraded"
		}

		c.JSON(code, gin.H{"status": status, "service": "user", "checks": checks})
	}
}

// respondError はエラーの種類に応じたステータスで {error} を返す。
// 内部エラーの詳細はログにのみ出力する。
func (s *Server) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindUnavailable {
		s.logger.ErrorContext(c.Request.Context(), "リクエストの処理に失敗しました",
			"path", c.Request.URL.Path,
			"request_id", middleware.GetRequestID(c),
			"error", err,
		)
	}
	c.JSON(kind.HTTPStatus(), gin.H{"error": apperr.Message(err)})
}
