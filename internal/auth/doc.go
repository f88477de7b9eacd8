// Package auth は認証サービスを提供する。
//
// 利用者登録、ログイン、セッショントークンの検証を扱う。パスワードはbcryptで
// ハッシュ化し、ユーザーレコードはユーザーサービスにHTTPで問い合わせる。
// トークンはHS256で署名したJWTで、失効リストは持たずに署名と有効期限だけで検証する。
//
// エンドポイント一覧:
//   - POST /register: 利用者登録とトークン発行
//   - POST /login   : ログインとトークン発行
//   - POST /verify  : トークンの検証
//   - GET  /me      : トークンの持ち主（Bearer認証）
//   - GET  /health  : ヘルスチェック（ユーザーサービスへの到達性を含む）
//   - GET  /metrics : リクエスト数
package auth
