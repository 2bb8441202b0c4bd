package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(r *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/risk/current", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func router(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/risk/current", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(router(HeadersMiddleware()), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://control.site"}, "https://control.site", "https://control.site", true},
		{"wildcard", []string{"*"}, "https://anything.example", "https://anything.example", false},
		{"unlisted origin", []string{"https://control.site"}, "https://evil.example", "", false},
		{"disabled", nil, "https://control.site", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(router(CORSMiddleware(tc.origins)), http.MethodGet, tc.origin)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	r := router(CORSMiddleware([]string{"https://control.site"}))

	w := serve(r, http.MethodOptions, "https://control.site")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))

	w = serve(r, http.MethodOptions, "https://evil.example")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointPolicy(t *testing.T) {
	resolver := func(_ context.Context, host string) ([]string, error) {
		switch host {
		case "pager.site.internal":
			return []string{"10.20.0.5"}, nil
		case "hooks.example.com":
			return []string{"93.184.216.34"}, nil
		}
		return nil, errors.New("no such host")
	}
	strict := EndpointPolicy{Resolve: resolver}
	plant := EndpointPolicy{Resolve: resolver, AllowHosts: []string{"pager.site.internal"}}

	assert.NoError(t, strict.Validate("https://hooks.example.com/alerts"))
	assert.ErrorIs(t, strict.Validate("https://pager.site.internal/page"), ErrEndpointNotAllowed)
	assert.NoError(t, plant.Validate("https://pager.site.internal/page"))

	for _, bad := range []string{
		"ftp://hooks.example.com",
		"http://localhost:8080",
		"http://127.0.0.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://metadata.google.internal/",
		"http://unknown.example/",
		"http://[::]/",
	} {
		assert.ErrorIs(t, plant.Validate(bad), ErrEndpointNotAllowed, bad)
	}
}
