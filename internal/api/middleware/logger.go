package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietPrefixes are polled constantly and only logged at debug level.
var quietPrefixes = []string{"/health", "/metrics"}

func isQuietPath(path string) bool {
	for _, p := range quietPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// secretQueryKeys are substrings that mark a query parameter as secret.
var secretQueryKeys = []string{"pass", "secret", "token", "key"}

// redactQueryString masks the values of secret-looking query parameters.
// Parameter order and encoding of the other pairs are preserved.
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		name, _, hasValue := strings.Cut(pair, "=")
		if !hasValue {
			continue
		}
		lower := strings.ToLower(name)
		for _, k := range secretQueryKeys {
			if strings.Contains(lower, k) {
				pairs[i] = name + "=***"
				break
			}
		}
	}
	return strings.Join(pairs, "&")
}

// RequestLogger logs one line per request. Server errors log at error level,
// client errors at warn, and health or metrics polls at debug.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		query := redactQueryString(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		path := c.Request.URL.Path

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case isQuietPath(path):
			event = log.Debug()
		default:
			event = log.Info()
		}

		if route := c.FullPath(); route != "" && route != path {
			event = event.Str("route", route)
		}
		if query != "" {
			event = event.Str("query", query)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}
