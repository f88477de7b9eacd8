package migrations

import "embed"

// FS はSQL方言ごとのユーザーテーブルのマイグレーションを格納する。
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
