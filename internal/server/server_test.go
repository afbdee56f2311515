package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseDomain = "example.com"
	s := New(cfg, nil)
	t.Cleanup(func() { s.registry.CloseAll() })
	return s
}

func TestHandleRootCreatesGeneratedID(t *testing.T) {
	s := newTestServer(t)
	router := s.newManagementRouter()

	r := httptest.NewRequest(http.MethodGet, "http://example.com/?new", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("expected a generated id")
	}
	if got := body["max_conn_count"]; got != float64(10) {
		t.Fatalf("max_conn_count = %v, want 10", got)
	}
	wantURL := "http://" + id + ".example.com"
	if body["url"] != wantURL {
		t.Fatalf("url = %v, want %v", body["url"], wantURL)
	}
}

func TestHandleCreateWithIDRejectsInvalid(t *testing.T) {
	s := newTestServer(t)
	router := s.newManagementRouter()

	r := httptest.NewRequest(http.MethodGet, "http://example.com/AB", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid subdomain") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestHandleCreateWithIDCollisionSubstitutes(t *testing.T) {
	s := newTestServer(t)
	router := s.newManagementRouter()

	if _, err := s.registry.Create("wxyz", 10); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://example.com/wxyz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] == "wxyz" {
		t.Fatal("expected a substituted id, got the already-taken one")
	}
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)
	router := s.newManagementRouter()

	if _, err := s.registry.Create("abcd", 10); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://example.com/api/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tunnels != 1 {
		t.Fatalf("tunnels = %d, want 1", body.Tunnels)
	}
}

func TestHandleRootRedirectsWithoutNew(t *testing.T) {
	s := newTestServer(t)
	s.config.MarketingURL = "https://subtun.io"
	router := s.newManagementRouter()

	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://subtun.io" {
		t.Fatalf("Location = %q", loc)
	}
}
