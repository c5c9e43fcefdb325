package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	t.Run("successful request", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test?q=hello", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if !strings.Contains(buf.String(), `"level":"info"`) || !strings.Contains(buf.String(), `"path":"/test"`) {
			t.Fatalf("expected info request log, got %s", buf.String())
		}
	})

	t.Run("server error request", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/error", nil)
		r.ServeHTTP(w, req)

		if !strings.Contains(buf.String(), `"level":"error"`) {
			t.Fatalf("expected error level, got %s", buf.String())
		}
	})

	t.Run("health checks log at debug", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		r.ServeHTTP(w, req)

		if buf.Len() != 0 {
			t.Fatalf("expected no info log for /health, got %s", buf.String())
		}
	})

	t.Run("sensitive query is redacted", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test?password=hunter2&q=ok", nil)
		r.ServeHTTP(w, req)

		if strings.Contains(buf.String(), "hunter2") {
			t.Fatalf("password leaked into log: %s", buf.String())
		}
	})
}

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "empty", query: "", want: ""},
		{name: "nothing sensitive", query: "task=photos&limit=5", want: "task=photos&limit=5"},
		{name: "token keeps order", query: "token=abc&task=photos", want: "token=***&task=photos"},
		{name: "case insensitive", query: "Password=x", want: "Password=***"},
		{name: "key substring", query: "api_key=abc&limit=5", want: "api_key=***&limit=5"},
		{name: "flag without value", query: "secret&limit=5", want: "secret&limit=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactQueryString(tt.query); got != tt.want {
				t.Errorf("redactQueryString(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}
