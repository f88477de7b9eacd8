package cache

import "time"

// options はHashCacheの設定。
type options struct {
	maxReconnectAttempts uint
	reconnectStep        time.Duration
	maxReconnectDelay    time.Duration
	pingTimeout          time.Duration
}

// defaultOptions は再接続10回、間隔 min(回数×100ms, 3s) の既定値を返す。
func defaultOptions() options {
	return options{
		maxReconnectAttempts: 10,
		reconnectStep:        100 * time.Millisecond,
		maxReconnectDelay:    3 * time.Second,
		pingTimeout:          2 * time.Second,
	}
}

// Option はHashCacheの設定を変更する。
type Option func(*options)

// WithReconnect は再接続の試行回数と間隔を設定する。
func WithReconnect(maxAttempts uint, step, maxDelay time.Duration) Option {
	return func(o *options) {
		o.maxReconnectAttempts = maxAttempts
		o.reconnectStep = step
		o.maxReconnectDelay = maxDelay
	}
}

// WithPingTimeout は疎通確認のタイムアウトを設定する。
func WithPingTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pingTimeout = d
	}
}

// linearBackOff は試行回数に比例して伸び、上限で頭打ちになる待ち時間を返す。
type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	attempt int
}

func newLinearBackOff(step, max time.Duration) *linearBackOff {
	return &linearBackOff{step: step, max: max}
}

// NextBackOff はbackoff.BackOffを実装する。
func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * b.step
	if d > b.max {
		return b.max
	}
	return d
}

// Reset はbackoff.BackOffを実装する。
func (b *linearBackOff) Reset() {
	b.attempt = 0
}
