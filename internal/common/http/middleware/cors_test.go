package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{name: "no origin header", allowed: []string{"https://app.example"}, method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "allowed origin", allowed: []string{"https://app.example"}, method: http.MethodGet, origin: "https://APP.example", wantStatus: http.StatusOK, wantAllow: "https://APP.example"},
		{name: "empty allowlist admits all", method: http.MethodGet, origin: "https://other.example", wantStatus: http.StatusOK, wantAllow: "https://other.example"},
		{name: "disallowed origin gets no headers", allowed: []string{"https://app.example"}, method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusOK},
		{name: "preflight allowed", allowed: []string{"*"}, method: http.MethodOptions, origin: "https://app.example", wantStatus: http.StatusNoContent, wantAllow: "https://app.example"},
		{name: "preflight rejected", allowed: []string{"https://app.example"}, method: http.MethodOptions, origin: "https://evil.example", wantStatus: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORS(tc.allowed))
			router.GET("/api", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tc.method, "/api", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tc.wantAllow)
			}
		})
	}
}
