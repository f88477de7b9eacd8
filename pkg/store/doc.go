// Package store はユーザーレコードのリレーショナルストアへのアダプタを提供する。
//
// 一意キー検索、カーソル順の範囲スキャン、重複検出付きの挿入を型付きで公開し、
// ドライバ固有のエラー（pgconn.PgError、sqlite.Error）を apperr のKindに変換する。
// 接続先はDSNで切り替わり、本番はPostgreSQL（pgx）、開発とテストはSQLiteを使う。
package store
