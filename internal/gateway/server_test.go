package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig はテスト用のゲートウェイ設定を返す。
func testConfig(authURL, userURL string) config.Gateway {
	return config.Gateway{
		Port:            "0",
		AuthServiceURL:  authURL,
		UserServiceURL:  userURL,
		UpstreamTimeout: 2 * time.Second,
		RateLimitMax:    100,
		RateLimitWindow: 15 * time.Minute,
		FrontendURL:     "http://localhost:3000",
	}
}

// newTestServer はモックの上流サービスを持つテスト用Gatewayサーバーを生成する。
// modifyで設定を書き換えられる。
func newTestServer(t *testing.T, authHandler, userHandler http.HandlerFunc, modify func(*config.Gateway)) *Server {
	t.Helper()

	authBackend := httptest.NewServer(authHandler)
	t.Cleanup(authBackend.Close)
	userBackend := httptest.NewServer(userHandler)
	t.Cleanup(userBackend.Close)

	cfg := testConfig(authBackend.URL, userBackend.URL)
	if modify != nil {
		modify(&cfg)
	}
	s, err := NewServer(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return s
}

// okHandler は200と固定のJSONを返す上流。
func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// TestNewServer は設定の検証を検証する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("上流URLが不正な場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		_, err := NewServer(testConfig("not a url", "http://localhost:8082"), slog.New(slog.DiscardHandler))
		if err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}

// TestProxy はプロキシの転送内容を検証する。
func TestProxy(t *testing.T) {
	t.Parallel()

	t.Run("メソッドとボディとクエリとヘッダーが転送されること", func(t *testing.T) {
		t.Parallel()

		var got struct {
			method, path, query, body, auth, requestID, forwardedFor, connectionHeader string
		}
		auth := func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			got.method, got.path, got.query, got.body = r.Method, r.URL.Path, r.URL.RawQuery, string(b)
			got.auth = r.Header.Get("Authorization")
			got.requestID = r.Header.Get("X-Request-ID")
			got.forwardedFor = r.Header.Get("X-Forwarded-For")
			got.connectionHeader = r.Header.Get("X-Hop")
			w.Header().Set("X-Upstream-Custom", "yes")
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":1}`)
		}
		s := newTestServer(t, auth, okHandler, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/verify?trace=a%40example.com", strings.NewReader(`{"x":1}`))
		req.RemoteAddr = "198.51.100.7:5555"
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer token")
		req.Header.Set("X-Request-ID", "req-123")
		req.Header.Set("Connection", "X-Hop")
		req.Header.Set("X-Hop", "secret")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusCreated || w.Body.String() != `{"id":1}` {
			t.Fatalf("レスポンス = %d %s", w.Code, w.Body.String())
		}
		if w.Header().Get("X-Upstream-Custom") != "yes" {
			t.Error("上流のレスポンスヘッダーが転送されていない")
		}
		if got.method != http.MethodPost || got.path != "/verify" || got.query != "trace=a%40example.com" {
			t.Errorf("転送先 = %s %s?%s", got.method, got.path, got.query)
		}
		if got.body != `{"x":1}` {
			t.Errorf("ボディ = %q", got.body)
		}
		if got.auth != "Bearer token" {
			t.Errorf("Authorization = %q", got.auth)
		}
		if got.requestID != "req-123" {
			t.Errorf("X-Request-ID = %q", got.requestID)
		}
		if got.forwardedFor != "198.51.100.7" {
			t.Errorf("X-Forwarded-For = %q", got.forwardedFor)
		}
		if got.connectionHeader != "" {
			t.Errorf("Connectionで指定されたヘッダーが転送された: %q", got.connectionHeader)
		}
	})

	t.Run("上流のエラーステータスはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		auth := func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid"}`)
		}
		s := newTestServer(t, auth, okHandler, nil)

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{}`)))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Header().Get(headerUpstreamStatus) != "" {
			t.Error("到達できた上流にX-Upstream-Statusが付与された")
		}
	})

	t.Run("一致するルートが無い場合404が返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, okHandler, okHandler, nil)
		for _, p := range []string{"/api/unknown", "/internal/users/by-email/a@example.com", "/users"} {
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
			if w.Code != http.StatusNotFound {
				t.Errorf("%s のステータスコード = %d, want %d", p, w.Code, http.StatusNotFound)
			}
		}
	})

	t.Run("エスケープされた#を含むメールアドレスがそのまま上流に届くこと", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotEscaped, gotQuery string
		user := func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotEscaped, gotQuery = r.URL.Path, r.URL.EscapedPath(), r.URL.RawQuery
			okHandler(w, r)
		}
		s := newTestServer(t, okHandler, user, nil)

		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/by-email/a%23b@x.com", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if gotPath != "/users/by-email/a#b@x.com" || gotEscaped != "/users/by-email/a%23b@x.com" || gotQuery != "" {
			t.Errorf("上流のURL = path:%q escaped:%q query:%q", gotPath, gotEscaped, gotQuery)
		}
	})

	t.Run("ユーザー作成APIはゲートウェイ経由で呼べず405が返ること", func(t *testing.T) {
		t.Parallel()

		var called atomic.Bool
		user := func(w http.ResponseWriter, r *http.Request) {
			called.Store(true)
			okHandler(w, r)
		}
		s := newTestServer(t, okHandler, user, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/users",
			strings.NewReader(`{"email":"not-an-email","passwordHash":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
		if got := w.Header().Get("Allow"); got != http.MethodGet {
			t.Errorf("Allow = %q, want %q", got, http.MethodGet)
		}
		if called.Load() {
			t.Error("ユーザーサービスに転送された")
		}
	})

	t.Run("上流がタイムアウトを超えた場合ハングせずに503が返ること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		slow := func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		s := newTestServer(t, okHandler, slow, func(c *config.Gateway) {
			c.UpstreamTimeout = 100 * time.Millisecond
		})
		defer close(release)

		start := time.Now()
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))

		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("応答までに %v かかった", elapsed)
		}
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if w.Header().Get(headerUpstreamStatus) != "unavailable" {
			t.Errorf("X-Upstream-Status = %q", w.Header().Get(headerUpstreamStatus))
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "upstream unavailable" {
			t.Errorf("error = %q", body["error"])
		}
		if got := s.counters.Snapshot().UpstreamErrors; got != 1 {
			t.Errorf("UpstreamErrors = %d, want 1", got)
		}
	})

	t.Run("上流が停止している場合503が返ること", func(t *testing.T) {
		t.Parallel()

		down := httptest.NewServer(http.NotFoundHandler())
		downURL := down.URL
		down.Close()

		s := newTestServer(t, okHandler, okHandler, func(c *config.Gateway) {
			c.AuthServiceURL = downURL
		})
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{}`)))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

// TestRateLimit は流量制限を検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, okHandler, okHandler, func(c *config.Gateway) {
		c.RateLimitMax = 2
	})

	send := func(path, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	for i := range 2 {
		if w := send("/api/users", "192.0.2.10:1000"); w.Code != http.StatusOK {
			t.Fatalf("%d回目のステータスコード = %d", i+1, w.Code)
		}
	}

	w := send("/api/users", "192.0.2.10:1000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("上限超過のステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("ヘッダー = limit:%q remaining:%q", w.Header().Get("X-RateLimit-Limit"), w.Header().Get("X-RateLimit-Remaining"))
	}
	if w.Header().Get("X-RateLimit-Reset") == "" || w.Header().Get("Retry-After") == "" {
		t.Error("X-RateLimit-Reset または Retry-After が無い")
	}

	t.Run("X-Forwarded-Forを偽装しても制限されること", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		req.RemoteAddr = "192.0.2.10:1000"
		req.Header.Set("X-Forwarded-For", "10.9.9.9")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
	})

	t.Run("別のクライアントは制限されないこと", func(t *testing.T) {
		if w := send("/api/users", "192.0.2.20:1000"); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ヘルスチェックとメトリクスは制限されないこと", func(t *testing.T) {
		for _, p := range []string{"/health", "/metrics"} {
			if w := send(p, "192.0.2.10:1000"); w.Code == http.StatusTooManyRequests {
				t.Errorf("%s が制限された", p)
			}
		}
	})

	t.Run("拒否した回数がメトリクスに反映されること", func(t *testing.T) {
		var m struct {
			RateLimited int64 `json:"rateLimited"`
		}
		w := send("/metrics", "192.0.2.10:1000")
		if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if m.RateLimited != 2 {
			t.Errorf("rateLimited = %d, want 2", m.RateLimited)
		}
	})
}

// TestHealth は集約ヘルスチェックを検証する。
func TestHealth(t *testing.T) {
	t.Parallel()

	type health struct {
		Status   string `json:"status"`
		Services map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"services"`
	}

	t.Run("全ての上流が正常な場合200とOKが返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, okHandler, okHandler, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var h health
		if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if w.Code != http.StatusOK || h.Status != "OK" {
			t.Errorf("ヘルスチェック = %d %+v", w.Code, h)
		}
	})

	t.Run("上流の1つが異常な場合503とdegradedが返ること", func(t *testing.T) {
		t.Parallel()

		unhealthy := func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		s := newTestServer(t, okHandler, unhealthy, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var h health
		if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if w.Code != http.StatusServiceUnavailable || h.Status != "degraded" {
			t.Fatalf("ヘルスチェック = %d %+v", w.Code, h)
		}
		if h.Services["auth"].Status != "ok" {
			t.Errorf("auth = %+v", h.Services["auth"])
		}
		if h.Services["user"].Status != "degraded" || h.Services["user"].Error == "" {
			t.Errorf("user = %+v", h.Services["user"])
		}
	})

	t.Run("上流が200でも本文がdegradedなら503とdegradedが返ること", func(t *testing.T) {
		t.Parallel()

		cacheDown := func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"degraded","service":"user","checks":{"database":"ok","cache":"unavailable"}}`)
		}
		s := newTestServer(t, okHandler, cacheDown, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var h health
		if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if w.Code != http.StatusServiceUnavailable || h.Status != "degraded" {
			t.Fatalf("ヘルスチェック = %d %+v", w.Code, h)
		}
		if h.Services["user"].Status != "degraded" || h.Services["auth"].Status != "ok" {
			t.Errorf("services = %+v", h.Services)
		}
	})

	t.Run("上流に到達できない場合unavailableになること", func(t *testing.T) {
		t.Parallel()

		down := httptest.NewServer(http.NotFoundHandler())
		downURL := down.URL
		down.Close()

		s := newTestServer(t, okHandler, okHandler, func(c *config.Gateway) {
			c.AuthServiceURL = downURL
		})
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var h health
		if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if w.Code != http.StatusServiceUnavailable || h.Services["auth"].Status != "unavailable" {
			t.Errorf("ヘルスチェック = %d %+v", w.Code, h)
		}
	})
}

// TestCORS はゲートウェイにCORSが適用されていることを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, okHandler, okHandler, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
