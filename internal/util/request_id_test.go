package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	const fromProxy = "edge-7f3a"

	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromRequest(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set(HeaderRequestID, fromProxy)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != fromProxy {
		t.Fatalf("context id = %q, want %q", seen, fromProxy)
	}
	if got := rec.Header().Get(HeaderRequestID); got != fromProxy {
		t.Fatalf("response id = %q, want %q", got, fromProxy)
	}
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromRequest(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" {
		t.Fatal("expected a generated id in the request context")
	}
	if got := rec.Header().Get(HeaderRequestID); got != seen {
		t.Fatalf("response id %q does not match context id %q", got, seen)
	}
}
