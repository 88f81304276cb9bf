package middleware

import (
	"time"

	"referral-engine/pkg/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows every origin when CORS.ALLOWED_ORIGINS is empty or "*".
func CORS(cfg *config.Config) gin.HandlerFunc {
	c := cors.DefaultConfig()

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}

	c.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", RequestIDHeader, "X-Async", "traceparent"}
	c.ExposeHeaders = []string{RequestIDHeader}
	c.MaxAge = 12 * time.Hour
	return cors.New(c)
}
