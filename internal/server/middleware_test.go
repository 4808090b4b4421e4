package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)

	w := doRequest(srv, "GET", "/version", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-Service":              "tunneld",
		"X-Service-Version":      "1.2.3-test",
		"X-API-Validation":       "disabled",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestCORSSameOriginOnly(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)

	// Same-origin requests are acknowledged.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/version", nil)
	req.Host = "127.0.0.1:7433"
	req.Header.Set("Origin", "http://127.0.0.1:7433")
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:7433" {
		t.Fatalf("expected same-origin allow, got %q", got)
	}

	// Cross-origin requests get no allow header.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/version", nil)
	req.Host = "127.0.0.1:7433"
	req.Header.Set("Origin", "http://evil.example.com")
	srv.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow header for cross-origin, got %q", got)
	}

	// Cross-origin preflight is refused outright.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("OPTIONS", "/api/v1/status", nil)
	req.Host = "127.0.0.1:7433"
	req.Header.Set("Origin", "http://evil.example.com")
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 preflight refusal, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("OPTIONS", "/api/v1/status", nil)
	req.Host = "127.0.0.1:7433"
	req.Header.Set("Origin", "http://127.0.0.1:7433")
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 same-origin preflight, got %d", w.Code)
	}
}
