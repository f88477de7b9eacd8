// ユーザーサービスのエントリポイント。
// ユーザーレコードをリレーショナルストアに保存し、メールアドレス検索を
// Redisキャッシュで高速化する。起動時にスキーマのマイグレーションを適用する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/userhub/internal/user"
	"github.com/nao1215/userhub/pkg/cache"
	"github.com/nao1215/userhub/pkg/config"
	"github.com/nao1215/userhub/pkg/logging"
	"github.com/nao1215/userhub/pkg/store"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの猶予。
	shutdownTimeout = 10 * time.Second
	// startupTimeout はストアとキャッシュへの初回接続の猶予。
	startupTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load[config.User]()
	if err != nil {
		logging.New("user", "info").Error("設定の読み込みに失敗", "error", err)
		return 1
	}
	logger := logging.New("user", cfg.LogLevel)

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	records, err := store.Open(startCtx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("ストアの初期化に失敗", "error", err)
		return 1
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Error("ストアの切断に失敗", "error", err)
		}
	}()

	hashCache, err := cache.New(startCtx, cfg.RedisURL, logger)
	if err != nil {
		logger.Error("キャッシュの初期化に失敗", "error", err)
		return 1
	}
	defer func() {
		if err := hashCache.Close(); err != nil {
			logger.Error("キャッシュの切断に失敗", "error", err)
		}
	}()

	server := user.NewServer(user.Options{
		Port:     cfg.Port,
		Store:    records,
		Cache:    hashCache,
		CacheTTL: cfg.CacheTTL,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ユーザーサービスを起動します", "port", cfg.Port, "cache_ttl", cfg.CacheTTL)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("ユーザーサービスの起動に失敗", "error", err)
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
