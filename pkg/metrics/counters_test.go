package metrics

import (
	"sync"
	"testing"
	"time"
)

// TestSnapshot はカウンタの集計を検証する。
func TestSnapshot(t *testing.T) {
	t.Parallel()

	t.Run("ヒット率と秒間リクエスト数を計算すること", func(t *testing.T) {
		t.Parallel()

		c := New()
		c.startedAt = time.Unix(1000, 0)
		c.now = func() time.Time { return time.Unix(1010, 0) }

		for range 20 {
			c.IncRequests()
		}
		for range 3 {
			c.IncCacheHit()
		}
		c.IncCacheMiss()

		s := c.Snapshot()
		if s.Requests != 20 {
			t.Errorf("Requests = %d, want 20", s.Requests)
		}
		if s.RequestsPerSecond != 2 {
			t.Errorf("RequestsPerSecond = %v, want 2", s.RequestsPerSecond)
		}
		if s.CacheHitRate != 0.75 {
			t.Errorf("CacheHitRate = %v, want 0.75", s.CacheHitRate)
		}
		if s.UptimeSeconds != 10 {
			t.Errorf("UptimeSeconds = %v, want 10", s.UptimeSeconds)
		}
	})

	t.Run("キャッシュ操作が無い場合のヒット率は0であること", func(t *testing.T) {
		t.Parallel()

		if got := New().Snapshot().CacheHitRate; got != 0 {
			t.Errorf("CacheHitRate = %v, want 0", got)
		}
	})

	t.Run("並行にインクリメントできること", func(t *testing.T) {
		t.Parallel()

		c := New()
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.IncRequests()
				c.IncRejected()
				c.IncUpstreamError()
			}()
		}
		wg.Wait()

		s := c.Snapshot()
		if s.Requests != 50 || s.RateLimited != 50 || s.UpstreamErrors != 50 {
			t.Errorf("Snapshot() = %+v", s)
		}
	})
}
