package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/config"
	"github.com/nao1215/userhub/pkg/metrics"
	"github.com/nao1215/userhub/pkg/middleware"
)

// Server はAPI Gatewayサービスの HTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持する。
	httpServer *http.Server
	// routes はパスと上流サービスの対応表。
	routes *RouteTable
	// upstreams は上流サービス名からベースURLへの対応。
	upstreams map[string]string
	// upstreamTimeout は上流呼び出し1回あたりのタイムアウト。
	upstreamTimeout time.Duration
	// client は上流呼び出しに使うHTTPクライアント。タイムアウトはコンテキストで与える。
	client   *http.Client
	limiter  *FixedWindowLimiter
	counters *metrics.Counters
	logger   *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg config.Gateway, logger *slog.Logger) (*Server, error) {
	upstreams := make(map[string]string, 2)
	for name, raw := range map[string]string{serviceAuth: cfg.AuthServiceURL, serviceUser: cfg.UserServiceURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%sサービスのURLが不正です: %q", name, raw)
		}
		upstreams[name] = strings.TrimSuffix(u.String(), "/")
	}

	counters := metrics.New()
	limiter := NewFixedWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	router := gin.New()
	// 流量制限のキーをX-Forwarded-Forで偽装させない
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CountRequests(counters))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	router.Use(RateLimit(limiter, counters, "/health", "/metrics"))

	s := &Server{
		router:          router,
		routes:          DefaultRoutes(),
		upstreams:       upstreams,
		upstreamTimeout: cfg.UpstreamTimeout,
		client:          &http.Client{},
		limiter:         limiter,
		counters:        counters,
		logger:          logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()

	return s, nil
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
// /health と /metrics 以外は全てルート表で振り分ける。
func (s *Server) setupRoutes() {
	// 集約ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	// ゲートウェイのメトリクス
	s.router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.counters.Snapshot())
	})

	s.router.NoRoute(s.handleProxy())
}
