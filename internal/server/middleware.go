package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware enforces a strict same-origin CORS policy. The
// control API has no cross-origin consumers.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		reqHost := c.Request.Host // may include :port
		allow := false
		if origin != "" {
			// Origin format: scheme://host[:port]. Strip the scheme and
			// compare against the request host.
			if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
				o := origin
				if i := strings.Index(o, "://"); i >= 0 {
					o = o[i+3:]
				}
				if o == reqHost {
					allow = true
				}
			}
		}
		if allow {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			if allow {
				c.AbortWithStatus(http.StatusOK)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security and identification headers.
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Header("X-Service", "tunneld")
		c.Header("X-Service-Version", s.cfg.Version)
		if s.apiValidator != nil {
			c.Header("X-API-Validation", "enabled")
		} else {
			c.Header("X-API-Validation", "disabled")
		}

		c.Next()
	}
}
