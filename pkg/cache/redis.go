package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// HashCache はRedisのハッシュ型をTTL付きで扱うキャッシュアダプタ。
// すべての操作はベストエフォートで、失敗はログに出してミス扱いにする。
type HashCache struct {
	// client はRedisクライアント。
	client *redis.Client
	// logger は構造化ロガー。
	logger *slog.Logger
	// opts は再接続とタイムアウトの設定。
	opts options

	// healthy はキャッシュが利用可能かどうか。falseの間は全操作を短絡する。
	healthy atomic.Bool
	// reconnecting は再接続ループが動作中かどうか。
	reconnecting atomic.Bool
	// exhausted は再接続を試行し尽くして恒久的に利用不可になったかどうか。
	exhausted atomic.Bool

	// ctx は再接続ループの寿命。Closeでキャンセルされる。
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New はRedisのURL（例: redis://localhost:6379/0）に接続してHashCacheを生成する。
// 起動時に疎通できない場合はエラーを返す。
func New(ctx context.Context, redisURL string, logger *slog.Logger, opts ...Option) (*HashCache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURL解析に失敗: %w", err)
	}
	// 再試行はアダプタ側の再接続ループで制御する
	redisOpts.MaxRetries = -1

	c := NewWithClient(redis.NewClient(redisOpts), logger, opts...)

	pingCtx, cancel := context.WithTimeout(ctx, c.opts.pingTimeout)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("Redisへの疎通確認に失敗: %w", err)
	}
	return c, nil
}

// NewWithClient は既存のRedisクライアントからHashCacheを生成する。
func NewWithClient(client *redis.Client, logger *slog.Logger, opts ...Option) *HashCache {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &HashCache{
		client: client,
		logger: logger.With("component", "cache"),
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
	c.healthy.Store(true)
	return c
}

// Get はキーのハッシュを取得する。
// キーが存在しない場合、またはキャッシュが利用できない場合は (nil, false) を返す。
func (c *HashCache) Get(ctx context.Context, key string) (map[string]string, bool) {
	if !c.healthy.Load() {
		return nil, false
	}

	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.fail(ctx, "HGETALL", key, err)
		return nil, false
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// Set はキーにハッシュを書き込む。TTLは変更しない。
func (c *HashCache) Set(ctx context.Context, key string, fields map[string]string) bool {
	if !c.healthy.Load() {
		return false
	}

	if err := c.client.HSet(ctx, key, flatten(fields)...).Err(); err != nil {
		c.fail(ctx, "HSET", key, err)
		return false
	}
	return true
}

// Expire はキーの有効期限をttlに設定する。
func (c *HashCache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.healthy.Load() {
		return false
	}

	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		c.fail(ctx, "EXPIRE", key, err)
		return false
	}
	return true
}

// SetWithTTL はハッシュの書き込みと有効期限の設定をMULTIトランザクションで行う。
// TTLの無いエントリが残ることはない。
func (c *HashCache) SetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) bool {
	if !c.healthy.Load() {
		return false
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, flatten(fields)...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		c.fail(ctx, "MULTI HSET EXPIRE", key, err)
		return false
	}
	return true
}

// Ping はRedisへの疎通を直接確認する。ヘルスチェック用で短絡しない。
func (c *HashCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Healthy はキャッシュが利用可能かどうかを返す。
// 再接続中と、再接続を試行し尽くした後はfalseになる。
func (c *HashCache) Healthy() bool {
	return c.healthy.Load()
}

// Close は再接続ループを止めてRedis接続を閉じる。
func (c *HashCache) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// fail は操作の失敗をログに出し、接続障害であれば再接続を開始する。
func (c *HashCache) fail(ctx context.Context, op, key string, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// 呼び出し元のキャンセルは障害ではない
		return
	}

	c.logger.WarnContext(ctx, "キャッシュ操作に失敗しました。ミスとして扱います",
		"op", op,
		"key", key,
		"error", err,
	)

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		// サーバーからのエラー応答は接続障害ではない
		return
	}
	c.startReconnect()
}

// startReconnect は再接続ループを1つだけ起動する。
func (c *HashCache) startReconnect() {
	if c.exhausted.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.healthy.Store(false)

	c.wg.Add(1)
	go c.reconnect()
}

// reconnect は上限回数まで間隔を空けてPINGを送り、成功すれば利用可能に戻す。
func (c *HashCache) reconnect() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	attempt := 0
	ping := func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.pingTimeout)
		defer cancel()
		if err := c.client.Ping(ctx).Err(); err != nil {
			c.logger.Info("Redisへの再接続に失敗しました", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry[struct{}](c.ctx, ping,
		backoff.WithBackOff(newLinearBackOff(c.opts.reconnectStep, c.opts.maxReconnectDelay)),
		backoff.WithMaxTries(c.opts.maxReconnectAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		c.healthy.Store(true)
		c.logger.Info("Redisへ再接続しました", "attempts", attempt)
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	c.exhausted.Store(true)
	c.logger.Error("Redisへの再接続を断念しました。以降キャッシュは無効です",
		"attempts", attempt,
		"error", err,
	)
}

// flatten はハッシュをHSETの引数列に変換する。
func flatten(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
