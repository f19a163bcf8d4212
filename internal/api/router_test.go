package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouter_HealthIsPublic(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_NoAPIKeyConfiguredSkipsAuth(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/cache-status/proj1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// No store wired on this bare Handler, so the route still executes and
	// fails downstream — the point here is it isn't rejected by auth.
	if rec.Code == http.StatusUnauthorized || rec.Code == http.StatusForbidden {
		t.Errorf("expected request to bypass auth in dev mode, got %d", rec.Code)
	}
}

func TestRouter_APIKeyRequiredWhenConfigured(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{BackendAPIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/cache-status/proj1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without API key, got %d", rec.Code)
	}
}

func TestRouter_RenderRequiresAttestationWhenConfigured(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{AppAttestationKey: "att-secret"})

	req := httptest.NewRequest(http.MethodPost, "/render", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without attestation token, got %d", rec.Code)
	}
}

func TestRouter_ProgressStreamBypassesAttestation(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{AppAttestationKey: "att-secret"})

	req := httptest.NewRequest(http.MethodGet, "/progress-stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Missing job_id is a 400 from the handler itself, not a 401 from
	// attestation middleware — proves the SSE route isn't gated by it.
	if rec.Code == http.StatusUnauthorized {
		t.Error("progress-stream should not be gated by app attestation")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing job_id, got %d", rec.Code)
	}
}

func TestRouter_CORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	router := NewRouter(&Handler{}, RouterConfig{CorsAllowedOrigins: "http://allowed.com"})

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://allowed.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.com" {
		t.Errorf("expected allowed origin reflected, got %q", got)
	}
}
