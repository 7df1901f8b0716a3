package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Allower はクライアント識別子ごとにリクエストの受付可否を判定する。
type Allower interface {
	Allow(key string) bool
}

// ClientAddr はトランスポート層の接続元アドレス（IP:ポート）を識別子として返す。
// 接続ごとにエフェメラルポートが変わるため、接続をまたいだ同一性は保証されない。
func ClientAddr(c *gin.Context) string {
	return c.Request.RemoteAddr
}

// ClientIP は接続元のIPアドレスのみを識別子として返す。
func ClientIP(c *gin.Context) string {
	return c.RemoteIP()
}

// RateLimit はクライアント識別子ごとに受付数を制限するGinミドルウェアを返す。
// 上限を超えた場合は429を返し、後続のハンドラを実行しない。
func RateLimit(allower Allower, key func(*gin.Context) string, onDeny func(c *gin.Context)) gin.HandlerFunc {
	if key == nil {
		key = ClientAddr
	}
	return func(c *gin.Context) {
		if !allower.Allow(key(c)) {
			if onDeny != nil {
				onDeny(c)
			}
			c.Abort()
			c.String(http.StatusTooManyRequests, "Too many requests")
			return
		}
		c.Next()
	}
}
