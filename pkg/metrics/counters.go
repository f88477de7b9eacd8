// Package metrics はプロセス内のリクエスト数とキャッシュヒット率を数えるカウンタを提供する。
//
// カウンタは並行にインクリメントされる近似値でよく、メトリクス表示以外には使わない。
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters はサービスごとのカウンタ。ゼロ値ではなくNewで生成する。
type Counters struct {
	requests    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	rejected    atomic.Int64
	upstreamErr atomic.Int64
	startedAt   time.Time
	now         func() time.Time
}

// New はカウンタを生成する。稼働時間は生成時刻から数える。
func New() *Counters {
	return &Counters{startedAt: time.Now(), now: time.Now}
}

// IncRequests は受け付けたリクエスト数を1増やす。
func (c *Counters) IncRequests() { c.requests.Add(1) }

// IncCacheHit はキャッシュヒット数を1増やす。
func (c *Counters) IncCacheHit() { c.cacheHits.Add(1) }

// IncCacheMiss はキャッシュミス数を1増やす。
func (c *Counters) IncCacheMiss() { c.cacheMisses.Add(1) }

// IncRejected は流量制限で拒否したリクエスト数を1増やす。
func (c *Counters) IncRejected() { c.rejected.Add(1) }

// IncUpstreamError は上流サービスに到達できなかった回数を1増やす。
func (c *Counters) IncUpstreamError() { c.upstreamErr.Add(1) }

// Snapshot は/metricsで返すカウンタの写し。
type Snapshot struct {
	Requests          int64   `json:"requests"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	CacheHits         int64   `json:"cacheHits"`
	CacheMisses       int64   `json:"cacheMisses"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	RateLimited       int64   `json:"rateLimited"`
	UpstreamErrors    int64   `json:"upstreamErrors"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

// Snapshot は現在のカウンタ値を返す。
func (c *Counters) Snapshot() Snapshot {
	uptime := c.now().Sub(c.startedAt).Seconds()
	requests := c.requests.Load()
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	s := Snapshot{
		Requests:       requests,
		CacheHits:      hits,
		CacheMisses:    misses,
		RateLimited:    c.rejected.Load(),
		UpstreamErrors: c.upstreamErr.Load(),
		UptimeSeconds:  uptime,
	}
	if uptime > 0 {
		s.RequestsPerSecond = float64(requests) / uptime
	}
	if total := hits + misses; total > 0 {
		s.CacheHitRate = float64(hits) / float64(total)
	}
	return s
}
