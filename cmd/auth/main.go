// 認証サービスのエントリポイント。
// 利用者登録とログインを受け付け、セッショントークン(JWT)を発行する。
// ユーザーレコードはユーザーサービスにHTTPで問い合わせる。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/userhub/internal/auth"
	"github.com/nao1215/userhub/pkg/config"
	"github.com/nao1215/userhub/pkg/logging"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの猶予。
	shutdownTimeout = 10 * time.Second
	// userServiceTimeout はユーザーサービス呼び出し1回あたりのタイムアウト。
	userServiceTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load[config.Auth]()
	if err != nil {
		logging.New("auth", "info").Error("設定の読み込みに失敗", "error", err)
		return 1
	}
	logger := logging.New("auth", cfg.LogLevel)

	directory := auth.NewHTTPDirectory(cfg.UserServiceURL, userServiceTimeout)
	orchestrator, err := auth.NewOrchestrator(directory, cfg.JWTSecret, cfg.JWTTTL, cfg.BcryptCost)
	if err != nil {
		logger.Error("認証サービスの初期化に失敗", "error", err)
		return 1
	}
	if cfg.JWTSecret == "dev-secret-key" {
		logger.Warn("開発用のJWT_SECRETを使用しています")
	}

	server := auth.NewServer(cfg.Port, cfg.JWTSecret, orchestrator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("認証サービスを起動します", "port", cfg.Port, "user", cfg.UserServiceURL)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("認証サービスの起動に失敗", "error", err)
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
