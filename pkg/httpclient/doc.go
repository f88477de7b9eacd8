// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 認証サービスがユーザーサービスを呼び出す際などに使用する。
// 2xx以外の応答は *StatusError として返し、呼び出し側がステータスコードから
// 自身のエラー種別へ変換する。
package httpclient
