package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/api/handler"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(handler.RequestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(w.Header().Get(handler.RequestIDHeader)) != 36 {
		t.Errorf("generated id: got %q", w.Header().Get(handler.RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(handler.RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(handler.RequestIDHeader); got != "abc-123" {
		t.Errorf("propagated id: got %q", got)
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(handler.RequestID(), handler.RequestLogger(zap.New(core)))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(handler.RequestIDHeader, "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) || fields["request_id"] != "req-1" || fields["path"] != "/x" {
		t.Errorf("fields: got %v", fields)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(handler.SecurityHeaders())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers: got %v", w.Header())
	}
}

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.Use(handler.BodyLimit(16))
	r.POST("/x", func(c *gin.Context) {
		var v map[string]any
		if err := c.ShouldBindJSON(&v); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	body := `{"k":"` + strings.Repeat("a", 64) + `"}`
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got %d", w.Code)
	}
}

func serveCodes(r http.Handler, method, path, bearer string, n int) []int {
	codes := make([]int, n)
	for i := range codes {
		req := httptest.NewRequest(method, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes[i] = w.Code
	}
	return codes
}

func TestRateLimiter_readBucket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.GET("/x", handler.NewRateLimiter(ctx).Limit(handler.BucketRead, 1, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := serveCodes(r, http.MethodGet, "/x", "", 3)
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: got %v", codes)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After: got %q", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), "rate_limited") {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestRateLimiter_bucketsAndServicesAreSeparate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens, err := identity.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "test", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tokA, _ := tokens.Issue("svc-a", []string{identity.ScopeAppend})
	tokB, _ := tokens.Issue("svc-b", []string{identity.ScopeAppend})

	limiter := handler.NewRateLimiter(ctx)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r := gin.New()
	r.GET("/read", limiter.Limit(handler.BucketRead, 1, 1), ok)
	r.POST("/write", identity.RequireService(tokens, identity.ScopeAppend), limiter.Limit(handler.BucketWrite, 1, 1), ok)

	// svc-a exhausts its write quota from the same address as svc-b.
	if codes := serveCodes(r, http.MethodPost, "/write", tokA, 2); codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("svc-a writes: got %v", codes)
	}
	if codes := serveCodes(r, http.MethodPost, "/write", tokB, 1); codes[0] != http.StatusOK {
		t.Errorf("svc-b write limited by svc-a: got %v", codes)
	}
	if codes := serveCodes(r, http.MethodGet, "/read", "", 1); codes[0] != http.StatusOK {
		t.Errorf("read limited by writes: got %v", codes)
	}
	if n := limiter.Callers(); n != 3 {
		t.Errorf("tracked callers: got %d, want 3", n)
	}
}

func TestRateLimiter_disabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.GET("/x", handler.NewRateLimiter(ctx).Limit(handler.BucketRead, 0, 0), func(c *gin.Context) { c.Status(http.StatusOK) })
	for i, code := range serveCodes(r, http.MethodGet, "/x", "", 5) {
		if code != http.StatusOK {
			t.Errorf("request %d: got %d", i, code)
		}
	}
}

func TestPrometheusMiddleware_servesMetrics(t *testing.T) {
	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	r.GET("/metrics", handler.MetricsHandler())
	handler.RecordAppend("committed")
	handler.SetTailSequence(7)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{"ledger_appends_total", "ledger_tail_sequence 7"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
