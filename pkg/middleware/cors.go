package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// wildcardOrigin はすべてのオリジンを許可する設定値。
const wildcardOrigin = "*"

// OriginAllowed はoriginが許可リストに含まれるかを返す。
// 許可リストに "*" が含まれる場合はすべてのオリジンを許可する。
// WebSocketのアップグレード時のオリジン検査でも使用する。
func OriginAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" {
		return false
	}
	return slices.Contains(allowedOrigins, wildcardOrigin) || slices.Contains(allowedOrigins, origin)
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// タイムゾーンをCookieで受け取るため、許可したオリジンには資格情報の送信も許可する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if OriginAllowed(allowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
