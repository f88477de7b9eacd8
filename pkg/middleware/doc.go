// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// セッショントークン(JWT)の発行と検証、リクエストIDの払い出し、アクセスログ、
// パニックリカバリ、CORS設定、リクエスト計数など、全サービスで共通して使用する
// ミドルウェアを含む。
package middleware
