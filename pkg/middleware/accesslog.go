package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// AccessLog はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// 5xxはwarn、それ以外はinfoで出力する。認証済みの場合はsubjectも出力する。
func AccessLog(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		lvl := level.Info
		if status >= 500 {
			lvl = level.Warn
		}
		keyvals := []any{
			"msg", "request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client", c.Request.RemoteAddr,
			"latency", time.Since(start),
			"bytes", c.Writer.Size(),
		}
		if subject := GetSubject(c); subject != "" {
			keyvals = append(keyvals, "subject", subject)
		}
		_ = lvl(logger).Log(keyvals...)
	}
}
