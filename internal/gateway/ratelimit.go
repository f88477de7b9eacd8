package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/metrics"
)

// Decision は流量制限の判定結果。
type Decision struct {
	// Allowed は受け付けてよいかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining はウィンドウ内の残り回数。
	Remaining int
	// Reset は現在のウィンドウが終わる時刻。
	Reset time.Time
}

// windowCount はキーごとのウィンドウと回数。
type windowCount struct {
	start time.Time
	count int
}

// FixedWindowLimiter はキーごとに固定ウィンドウで回数を数える流量制限。
// ウィンドウの境界は壁時計に揃える。
type FixedWindowLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	counts    map[string]*windowCount
	lastSweep time.Time
	now       func() time.Time
}

// NewFixedWindowLimiter はwindowあたりmax回まで許可する流量制限を生成する。
func NewFixedWindowLimiter(max int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		max:    max,
		window: window,
		counts: make(map[string]*windowCount),
		now:    time.Now,
	}
}

// Allow はkeyのリクエストを1回数え、受け付けてよいかを返す。
func (l *FixedWindowLimiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now().Truncate(l.window)
	if !start.Equal(l.lastSweep) {
		// 新しいウィンドウに入ったら古いキーを捨てる
		for k, wc := range l.counts {
			if wc.start.Before(start) {
				delete(l.counts, k)
			}
		}
		l.lastSweep = start
	}

	wc, ok := l.counts[key]
	if !ok {
		wc = &windowCount{start: start}
		l.counts[key] = wc
	}

	d := Decision{Limit: l.max, Reset: start.Add(l.window)}
	if wc.count >= l.max {
		return d
	}
	wc.count++
	d.Allowed = true
	d.Remaining = l.max - wc.count
	return d
}

// RateLimit はクライアントIPごとに流量制限を行うGinミドルウェアを返す。
// exemptに含まれるパスは数えない。
func RateLimit(limiter *FixedWindowLimiter, counters *metrics.Counters, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		d := limiter.Allow(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			counters.IncRejected()
			retryAfter := int(d.Reset.Sub(limiter.now()).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエストが多すぎます。しばらくしてから再試行してください",
			})
			return
		}
		c.Next()
	}
}
