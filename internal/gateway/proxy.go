package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/userhub/pkg/middleware"
)

// headerUpstreamStatus は上流に到達できなかったことを示すレスポンスヘッダー。
const headerUpstreamStatus = "X-Upstream-Status"

// hopByHopHeaders は転送しないホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy はルート表に従ってリクエストを上流サービスへ転送するハンドラを返す。
// 一致するルートが無い場合は404、メソッドが許可されていない場合は405を返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		match, err := s.routes.Resolve(c.Request.Method, c.Request.URL.EscapedPath())
		switch {
		case errors.Is(err, ErrMethodNotAllowed):
			c.Header("Allow", strings.Join(match.Allow, ", "))
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusNotFound, gin.H{"error": ErrRouteNotFound.Error()})
			return
		}

		baseURL, ok := s.upstreams[match.Service]
		if !ok {
			s.logger.ErrorContext(c.Request.Context(), "上流サービスが設定されていません", "service", match.Service)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		url := baseURL + match.EscapedPath
		if c.Request.URL.RawQuery != "" {
			url += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, match.Service, url)
	}
}

// doProxy はリクエストを上流サービスにプロキシする共通処理。
// 1回の呼び出しにタイムアウトを設け、失敗した場合はリトライせずに503を返す。
func (s *Server) doProxy(c *gin.Context, service, url string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}
	req.ContentLength = c.Request.ContentLength

	// 元のリクエストヘッダーを転送
	copyHeaders(req.Header, c.Request.Header)
	req.Header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))
	if clientIP, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		if prior := c.Request.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.counters.IncUpstreamError()
		s.logger.WarnContext(c.Request.Context(), "上流サービスに到達できません",
			"service", service,
			"url", url,
			"request_id", middleware.GetRequestID(c),
			"error", err,
		)
		c.Header(headerUpstreamStatus, "unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// ステータスは送信済みのため記録のみ
		s.logger.WarnContext(c.Request.Context(), "上流レスポンスの転送が中断されました",
			"service", service,
			"request_id", middleware.GetRequestID(c),
			"error", err,
		)
	}
}

// copyHeaders はホップバイホップヘッダーを除いてsrcをdstに写す。
func copyHeaders(dst, src http.Header) {
	skip := make(map[string]struct{}, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		skip[h] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
			}
		}
	}

	for key, values := range src {
		if _, ok := skip[key]; ok {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
