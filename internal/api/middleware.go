package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/middleware"
)

// HeadersConfig holds CORS and response header settings
type HeadersConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         time.Duration

	HSTSMaxAge     int
	ReferrerPolicy string
	ServerName     string

	// MaxBodyBytes bounds request bodies; zero disables the limit
	MaxBodyBytes int64
}

// DefaultHeadersConfig returns settings for a JSON-only API
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Origin", "Content-Type", "Accept",
			middleware.ClientIDHeader, middleware.CorrelationIDHeader, middleware.RequestIDHeader,
		},
		ExposedHeaders: []string{
			middleware.CorrelationIDHeader, middleware.RequestIDHeader, "Retry-After",
		},
		MaxAge:         12 * time.Hour,
		HSTSMaxAge:     31536000,
		ReferrerPolicy: "no-referrer",
		ServerName:     "nestwatch",
		MaxBodyBytes:   5 << 20,
	}
}

// SecurityHeadersMiddleware sets the response headers every API reply carries
func SecurityHeadersMiddleware(config HeadersConfig) gin.HandlerFunc {
	hsts := ""
	if config.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", config.HSTSMaxAge)
	}

	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if hsts != "" {
			c.Header("Strict-Transport-Security", hsts)
		}
		if config.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.ServerName != "" {
			c.Header("Server", config.ServerName)
		}
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// CORSMiddleware returns a CORS middleware with the given configuration
func CORSMiddleware(config HeadersConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins:  config.AllowedOrigins,
		AllowMethods:  config.AllowedMethods,
		AllowHeaders:  config.AllowedHeaders,
		ExposeHeaders: config.ExposedHeaders,
		MaxAge:        config.MaxAge,
	}

	switch {
	case len(config.AllowedOrigins) == 0:
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	case containsWildcard(config.AllowedOrigins):
		// cors rejects patterns in AllowOrigins, match them ourselves
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return isOriginAllowed(origin, config.AllowedOrigins)
		}
		corsConfig.AllowOrigins = nil
	}

	return cors.New(corsConfig)
}

// RequestSizeMiddleware limits the size of request bodies
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxSize <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":    "Request body too large",
				"max_size": maxSize,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if matchOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchOrigin supports "*" and subdomain patterns like https://*.example.com
func matchOrigin(origin, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	for _, scheme := range []string{"https://", "http://"} {
		prefix := scheme + "*."
		if strings.HasPrefix(pattern, prefix) {
			domain := strings.TrimPrefix(pattern, prefix)
			return strings.HasPrefix(origin, scheme) &&
				(strings.HasSuffix(origin, "."+domain) || origin == scheme+domain)
		}
	}
	return false
}
