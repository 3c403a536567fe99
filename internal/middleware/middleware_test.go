package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type admitterFunc func(clientID string) error

func (f admitterFunc) CheckAdmission(clientID string) error { return f(clientID) }

func newTestLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json", ServiceName: "test"})
	require.NoError(t, err)
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestAdmissionMiddleware_Denied(t *testing.T) {
	logger, _ := newTestLogger(t)
	var seen []string
	admitter := admitterFunc(func(clientID string) error {
		seen = append(seen, clientID)
		return appErrors.NewAdmissionDeniedError("global", 1500*time.Millisecond)
	})

	router := gin.New()
	router.POST("/summary", AdmissionMiddleware(admitter, logger), func(c *gin.Context) {
		t.Fatal("handler must not run on denial")
	})

	req := httptest.NewRequest(http.MethodPost, "/summary", nil)
	req.Header.Set(ClientIDHeader, "team-a")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, []string{"team-a"}, seen)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.InDelta(t, 1.5, body["retry_after"], 1e-9)
	assert.Contains(t, body["message"], "global")
}

func TestAdmissionMiddleware_AllowedUsesClientIP(t *testing.T) {
	logger, _ := newTestLogger(t)
	var seen string
	admitter := admitterFunc(func(clientID string) error {
		seen = clientID
		return nil
	})

	router := gin.New()
	router.GET("/ok", AdmissionMiddleware(admitter, logger), func(c *gin.Context) {
		c.String(http.StatusOK, logging.GetClientID(c.Request.Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.1.2.3", seen)
	assert.Equal(t, "10.1.2.3", w.Body.String())
}

func TestAdmissionMiddleware_UnexpectedError(t *testing.T) {
	logger, buf := newTestLogger(t)
	admitter := admitterFunc(func(string) error { return errors.New("boom") })

	router := gin.New()
	router.GET("/x", AdmissionMiddleware(admitter, logger), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, buf.String(), "Admission check failed")
}

func TestLoggingMiddleware_PropagatesCorrelationID(t *testing.T) {
	logger, buf := newTestLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger))
	router.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, logging.GetCorrelationID(c.Request.Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(CorrelationIDHeader, "corr-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "corr-123", w.Body.String())
	assert.Equal(t, "corr-123", w.Header().Get(CorrelationIDHeader))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "HTTP request processed", entry["message"])
	assert.Equal(t, "corr-123", entry["correlation_id"])
	assert.Equal(t, float64(http.StatusOK), entry["http_status"])
}

func TestLoggingMiddleware_GeneratesCorrelationID(t *testing.T) {
	logger, _ := newTestLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Len(t, w.Header().Get(CorrelationIDHeader), 36)
}

func TestErrorLoggingMiddleware(t *testing.T) {
	logger, buf := newTestLogger(t)

	router := gin.New()
	router.Use(ErrorLoggingMiddleware(logger))
	router.GET("/x", func(c *gin.Context) {
		_ = c.Error(errors.New("decode failed"))
		c.Status(http.StatusBadRequest)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, buf.String(), "decode failed")
	assert.Contains(t, buf.String(), "Request processing error")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, buf := newTestLogger(t)
	m := metrics.NewMetrics(metrics.DefaultConfig())

	router := gin.New()
	router.Use(LoggingMiddleware(logger), RecoveryMiddleware(logger, m))
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "correlation_id")
	assert.True(t, strings.Contains(buf.String(), "Request panic recovered"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PanicsTotal.WithLabelValues("http")))
}
