// Package apperr は全サービスで共通のエラー分類を提供する。
//
// ストアやキャッシュのアダプタはドライバ固有のエラーをここで定義する
// Kind に変換して返し、上位層はKindで分岐してHTTPステータスに変換する。
package apperr
