package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bobarin/renderforge/internal/ledger"
	"github.com/bobarin/renderforge/internal/orchestrator"
)

func TestUserIDFromRequest_UsesHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/render", nil)
	req.Header.Set("X-User-ID", "user-123")

	if got := userIDFromRequest(req); got != "user-123" {
		t.Errorf("expected user-123, got %q", got)
	}
}

func TestUserIDFromRequest_DefaultsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/render", nil)

	if got := userIDFromRequest(req); got != "anonymous" {
		t.Errorf("expected anonymous, got %q", got)
	}
}

func TestWriteOrchestratorError_InvalidArgumentMapsTo400(t *testing.T) {
	rec := httptest.NewRecorder()
	writeOrchestratorError(rec, fmt.Errorf("wrapped: %w", orchestrator.ErrInvalidArgument))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "INVALID_ARGUMENT" {
		t.Errorf("expected code INVALID_ARGUMENT, got %q", body["code"])
	}
}

func TestWriteOrchestratorError_InsufficientCreditsMapsTo400(t *testing.T) {
	rec := httptest.NewRecorder()
	writeOrchestratorError(rec, fmt.Errorf("reserve: %w", ledger.ErrInsufficientCredits))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "InsufficientCredits" {
		t.Errorf("expected code InsufficientCredits, got %q", body["code"])
	}
}

func TestWriteOrchestratorError_UnknownMapsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeOrchestratorError(rec, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "INTERNAL" {
		t.Errorf("expected code INTERNAL, got %q", body["code"])
	}
}

func TestRespondJSON_SetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, http.StatusCreated, map[string]string{"ok": "yes"})

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestRespondErrorCode_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	respondErrorCode(rec, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required")

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["code"] != "INVALID_ARGUMENT" || body["error"] != "project_id is required" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRender_RejectsMissingProjectID(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodPost, "/render", strings.NewReader(`{"scenes":[]}`))
	rec := httptest.NewRecorder()

	h.Render(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing project_id, got %d", rec.Code)
	}
}

func TestRender_RejectsInvalidBody(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodPost, "/render", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	h.Render(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", rec.Code)
	}
}

func TestGenerateClip_RejectsMissingProjectID(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodPost, "/generate-clip", strings.NewReader(`{"scene_index":0}`))
	rec := httptest.NewRecorder()

	h.GenerateClip(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing project_id, got %d", rec.Code)
	}
}

func TestProgressStream_RejectsMissingJobID(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/progress-stream", nil)
	rec := httptest.NewRecorder()

	h.ProgressStream(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing job_id, got %d", rec.Code)
	}
}

func TestHealth_ReturnsOK(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
