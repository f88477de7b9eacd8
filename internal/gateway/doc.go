// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、クライアントIPごとの流量制限、
// ルート表によるリクエストの振り分け、認証サービスとユーザーサービスへの
// プロキシを担当する。上流がタイムアウトまたは接続失敗した場合はリトライせず、
// 503を返して即座に失敗する。
package gateway
