// Package user はユーザーディレクトリサービスを提供する。
//
// ユーザーレコードの作成、メールアドレスによる検索、カーソル方式の一覧取得を扱う。
// 読み込みはキャッシュを先に引き、ミスした場合のみストアへ問い合わせて結果を
// キャッシュへ書き戻す（キャッシュアサイド）。キャッシュの障害は常にミスとして扱い、
// ストアだけで応答を継続する。
//
// エンドポイント一覧:
//   - POST /users                         : ユーザー作成（認証サービス専用）
//   - GET  /users?take=&cursor=           : ユーザー一覧（カーソル方式）
//   - GET  /users/check-email?email=      : メールアドレスの登録有無
//   - GET  /users/by-email/:email         : メールアドレスでユーザー取得
//   - GET  /internal/users/by-email/:email: パスワードハッシュを含む取得（認証サービス専用）
//   - GET  /health                        : ヘルスチェック
//   - GET  /metrics                       : リクエスト数とキャッシュヒット率
package user
