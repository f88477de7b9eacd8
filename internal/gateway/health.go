package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/userhub/pkg/middleware"
)

// maxHealthBody は上流のヘルスチェック応答として読み取る上限バイト数。
const maxHealthBody = 64 << 10

// serviceHealth は上流サービス1つの状態。
type serviceHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth は認証サービスとユーザーサービスの/healthを並行に確認するハンドラを返す。
// 両方が正常な場合のみ200を返し、それ以外は503とサービスごとの状態を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		names := []string{serviceAuth, serviceUser}
		results := make([]serviceHealth, len(names))
		ctx, requestID := c.Request.Context(), middleware.GetRequestID(c)

		var g errgroup.Group
		for i, name := range names {
			g.Go(func() error {
				results[i] = s.probe(ctx, name, requestID)
				return nil
			})
		}
		_ = g.Wait()

		services := make(map[string]serviceHealth, len(names))
		healthy := true
		for i, name := range names {
			services[name] = results[i]
			if results[i].Status != "ok" {
				healthy = false
			}
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "services": services})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "OK", "services": services})
	}
}

// probe は上流サービスの/healthを1回呼び出す。
func (s *Server) probe(ctx context.Context, service, requestID string) serviceHealth {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.upstreams[service]+"/health", nil)
	if err != nil {
		return serviceHealth{Status: "unavailable", Error: err.Error()}
	}
	req.Header.Set(middleware.HeaderRequestID, requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return serviceHealth{Status: "unavailable", Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serviceHealth{Status: "degraded", Error: fmt.Sprintf("status=%d", resp.StatusCode)}
	}

	// 200でも本文のstatusがokでなければ縮退運転とみなす
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHealthBody)).Decode(&body); err != nil {
		return serviceHealth{Status: "degraded", Error: fmt.Sprintf("ヘルスチェック応答を解釈できません: %v", err)}
	}
	if body.Status != "ok" {
		return serviceHealth{Status: "degraded", Error: fmt.Sprintf("status=%q", body.Status)}
	}
	return serviceHealth{Status: "ok"}
}
