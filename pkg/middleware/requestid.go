package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストを追跡するためのHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// RequestID はリクエストIDを確定させるGinミドルウェアを返す。
// 受信ヘッダーに値があればそれを引き継ぎ、無ければUUIDを払い出す。
// 確定したIDはレスポンスヘッダーとコンテキストの "request_id" に設定される。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Request.Header.Set(HeaderRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}
