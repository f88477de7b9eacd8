// Package config は各サービスの設定を環境変数から読み込む。
//
// カレントディレクトリに .env があれば先に読み込み、既に設定済みの環境変数は上書きしない。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Gateway はAPI Gatewayサービスの設定。
type Gateway struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"8080"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string `env:"AUTH_SERVICE_URL" envDefault:"http://localhost:8081"`
	// UserServiceURL はユーザーサービスのベースURL。
	UserServiceURL string `env:"USER_SERVICE_URL" envDefault:"http://localhost:8082"`
	// UpstreamTimeout は上流サービス呼び出し1回あたりのタイムアウト。
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	// RateLimitMax はウィンドウあたりのクライアントごとの最大リクエスト数。
	RateLimitMax int `env:"RATE_LIMIT_MAX" envDefault:"100"`
	// RateLimitWindow は固定ウィンドウの長さ。
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
}

// Auth は認証サービスの設定。
type Auth struct {
	Port     string `env:"PORT" envDefault:"8081"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	// JWTTTL はトークンの有効期間。
	JWTTTL time.Duration `env:"JWT_TTL" envDefault:"24h"`
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`
	// UserServiceURL はユーザーサービスのベースURL。
	UserServiceURL string `env:"USER_SERVICE_URL" envDefault:"http://localhost:8082"`
}

// User はユーザーサービスの設定。
type User struct {
	Port     string `env:"PORT" envDefault:"8082"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// DatabaseURL はストアの接続文字列。postgres:// 以外はSQLiteのパスとして扱う。
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:userhub.db"`
	// RedisURL はキャッシュの接続文字列。
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// CacheTTL はユーザーキャッシュの有効期間。
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"1h"`
}

// validator は読み込み後の値を検証する。
type validator interface {
	validate() error
}

// Load は .env と環境変数からTを読み込む。
func Load[T any]() (T, error) {
	// .env が無いのは正常
	_ = godotenv.Load()

	cfg, err := env.ParseAs[T]()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	if v, ok := any(&cfg).(validator); ok {
		if err := v.validate(); err != nil {
			var zero T
			return zero, fmt.Errorf("設定が不正です: %w", err)
		}
	}
	return cfg, nil
}

func (c *Gateway) validate() error {
	var errs []error
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT は正の値である必要があります"))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX は1以上である必要があります"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW は正の値である必要があります"))
	}
	return errors.Join(errs...)
}

func (c *Auth) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET は必須です"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL は正の値である必要があります"))
	}
	return errors.Join(errs...)
}

func (c *User) validate() error {
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL は正の値である必要があります")
	}
	return nil
}
