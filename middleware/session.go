package middleware

import (
	"net/http"

	"github.com/TIANLI0/TumorLens/utils"
	"github.com/gin-gonic/gin"
)

const sessionKey = "session_id"

// Session 从 cookie 读取会话ID，缺失时签发新会话
func Session(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cookieName)
		if err != nil || id == "" {
			id = utils.NewSessionID()
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     cookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

// SessionID 当前请求的会话ID
func SessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
