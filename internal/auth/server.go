package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/httpclient"
	"github.com/nao1215/userhub/pkg/metrics"
	"github.com/nao1215/userhub/pkg/middleware"
)

// healthTimeout はユーザーサービスへのヘルスチェックのタイムアウト。
const healthTimeout = 2 * time.Second

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持する。
	httpServer *http.Server
	// orchestrator は登録とログインを行う。
	orchestrator *Orchestrator
	// jwtSecret は/meの認証に使う。
	jwtSecret string
	counters  *metrics.Counters
	logger    *slog.Logger
}

// NewServer は新しい認証サーバーを生成する。
func NewServer(port, jwtSecret string, orchestrator *Orchestrator, logger *slog.Logger) *Server {
	counters := metrics.New()

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CountRequests(counters))

	s := &Server{
		router:       router,
		orchestrator: orchestrator,
		jwtSecret:    jwtSecret,
		counters:     counters,
		logger:       logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
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
	// 利用者登録
	s.router.POST("/register", s.handleRegister())
	// ログイン
	s.router.POST("/login", s.handleLogin())
	// トークン検証
	s.router.POST("/verify", s.handleVerify())
	// トークンの持ち主
	s.router.GET("/me", middleware.JWTAuth(s.jwtSecret), s.handleMe())

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.counters.Snapshot())
	})
}

// credentialsRequest は登録とログインのリクエストJSON。
// 形式の検証はOrchestratorが行う。
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// verifyRequest はトークン検証のリクエストJSON。
type verifyRequest struct {
	Token string `json:"token" binding:"required"`
}

// userResponse は公開用のユーザーJSON。
type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}

// sessionResponse は登録とログインのレスポンスJSON。
type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// claimsResponse はトークンのクレームJSON。
type claimsResponse struct {
	UserID    int64  `json:"userId"`
	Email     string `json:"email"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

func toSessionResponse(sess Session) sessionResponse {
	return sessionResponse{
		Token: sess.Token,
		User: userResponse{
			ID:        sess.User.ID,
			Email:     sess.User.Email,
			CreatedAt: sess.User.CreatedAt.UTC().Format(userTimeLayout),
		},
	}
}

// requestContext はリクエストIDを引き継いだコンテキストを返す。
func requestContext(c *gin.Context) context.Context {
	return httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
}

// handleRegister は利用者登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sess, err := s.orchestrator.Register(requestContext(c), req.Email, req.Password)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toSessionResponse(sess))
	}
}

// handleLogin はログインを処理するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sess, err := s.orchestrator.Login(requestContext(c), req.Email, req.Password)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSessionResponse(sess))
	}
}

// handleVerify はトークン検証を処理するハンドラを返す。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "tokenは必須です"})
			return
		}

		claims, err := s.orchestrator.Verify(req.Token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": apperr.Message(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"valid": true,
			"user": claimsResponse{
				UserID:    claims.UserID,
				Email:     claims.Email,
				ExpiresAt: unixOrZero(claims.ExpiresAt),
				IssuedAt:  unixOrZero(claims.IssuedAt),
			},
		})
	}
}

// unixOrZero はクレームの日時をUNIX秒で返す。未設定なら0。
func unixOrZero(d *jwt.NumericDate) int64 {
	if d == nil {
		return 0
	}
	return d.Unix()
}

// handleMe はトークンの持ち主を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"userId": middleware.GetUserID(c),
			"email":  middleware.GetEmail(c),
		})
	}
}

// handleHealth はユーザーサービスへの到達性を含めた状態を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(requestContext(c), healthTimeout)
		defer cancel()

		if err := s.orchestrator.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "ユーザーサービスのヘルスチェックに失敗しました", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "auth",
				"checks":  gin.H{"userService": "unavailable"},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "auth",
			"checks":  gin.H{"userService": "ok"},
		})
	}
}

// respondError はエラーの種類に応じたステータスで {error} を返す。
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
