// Package migration はデータベースのマイグレーションを管理する。
// embed.FSに格納したgoose形式のSQLファイルを読み込み、未適用のものだけを適用する。
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// Dialect はマイグレーション対象のSQL方言。
type Dialect string

const (
	// DialectPostgres はPostgreSQL。
	DialectPostgres Dialect = "postgres"
	// DialectSQLite はSQLite。
	DialectSQLite Dialect = "sqlite"
)

// gooseDialect はDialectをgooseの方言に変換する。
func (d Dialect) gooseDialect() (goose.Dialect, error) {
	switch d {
	case DialectPostgres:
		return goose.DialectPostgres, nil
	case DialectSQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("未対応のSQL方言: %q", d)
	}
}

// Run はfsysのdirにあるマイグレーションをバージョン順に適用する。
// 適用済みのバージョンはgooseのバージョン管理テーブルで追跡され、スキップされる。
// 適用したマイグレーションはloggerに記録する。
// ファイル名形式: 00001_description.sql
func Run(ctx context.Context, db *sql.DB, dialect Dialect, fsys fs.FS, dir string, logger *slog.Logger) error {
	gd, err := dialect.gooseDialect()
	if err != nil {
		return err
	}

	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションディレクトリの参照に失敗: %w", err)
	}

	provider, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return fmt.Errorf("マイグレーションプロバイダの生成に失敗: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	for _, r := range results {
		logger.InfoContext(ctx, "マイグレーションを適用しました",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration", r.Duration,
		)
	}
	return nil
}
