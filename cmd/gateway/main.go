// API Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスとして、流量制限とルーティングを行い、
// 認証サービスとユーザーサービスへリクエストを転送する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/userhub/internal/gateway"
	"github.com/nao1215/userhub/pkg/config"
	"github.com/nao1215/userhub/pkg/logging"
)

// shutdownTimeout はグレースフルシャットダウンの猶予。
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load[config.Gateway]()
	if err != nil {
		logging.New("gateway", "info").Error("設定の読み込みに失敗", "error", err)
		return 1
	}
	logger := logging.New("gateway", cfg.LogLevel)

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Gatewayサーバーの初期化に失敗", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gatewayサービスを起動します", "port", cfg.Port,
			"auth", cfg.AuthServiceURL, "user", cfg.UserServiceURL)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Gatewayサービスの起動に失敗", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logger.Info("シャットダウンします")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("グレースフルシャットダウンに失敗", "error", err)
		return 1
	}
	return 0
}
