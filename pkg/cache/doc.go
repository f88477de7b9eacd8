// Package cache はRedisをバックエンドとするTTL付きハッシュキャッシュを提供する。
//
// キャッシュは最適化であり、正しさはストアが保証する。そのため障害は呼び出し元に
// 返さずミスとして扱い、接続が切れた場合は回数上限付きで再接続を試みる。
// 上限に達した後は全操作を短絡し、ネットワークに触れずにミスを返す。
package cache
