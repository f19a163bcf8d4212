package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/renderforge/internal/artifacts"
	"github.com/bobarin/renderforge/internal/clipgen"
	"github.com/bobarin/renderforge/internal/ledger"
	"github.com/bobarin/renderforge/internal/models"
	"github.com/bobarin/renderforge/internal/orchestrator"
	"github.com/bobarin/renderforge/internal/progress"
)

// Handler serves the HTTP API surface in spec.md §6: render submission,
// single-clip generation, a progress SSE stream, and two read-only
// inventory endpoints over the artifact store.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	clipgen      *clipgen.Generator
	store        *artifacts.Store
	bus          *progress.Bus
}

func NewHandler(o *orchestrator.Orchestrator, g *clipgen.Generator, store *artifacts.Store, bus *progress.Bus) *Handler {
	return &Handler{orchestrator: o, clipgen: g, store: store, bus: bus}
}

// userIDFromRequest extracts the caller identity carried by the bearer
// token. Token verification itself happens in upstream auth middleware
// (APIKeyAuth here, swapped for real bearer-token validation in
// production); by the time a handler runs, X-User-ID is trusted.
func userIDFromRequest(r *http.Request) string {
	if uid := r.Header.Get("X-User-ID"); uid != "" {
		return uid
	}
	return "anonymous"
}

// Render handles POST /render.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if req.ProjectID == "" {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required")
		return
	}

	userID := userIDFromRequest(r)

	resp, err := h.orchestrator.Run(r.Context(), userID, req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// GenerateClip handles POST /generate-clip — a standalone per-scene clip
// regeneration path outside a full render, for manual re-drives.
func (h *Handler) GenerateClip(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if req.ProjectID == "" {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required")
		return
	}
	if req.ModelOverride != nil {
		log.Printf("[api] generate-clip: model_override %q requested but candidate selection is tier-driven; ignoring", *req.ModelOverride)
	}

	duration := 6
	if req.VideoSeconds != nil {
		duration = *req.VideoSeconds
	}
	scene := models.Scene{Index: req.SceneIndex, DurationSeconds: duration}

	result, err := h.clipgen.GenerateScene(r.Context(), req.ProjectID, scene, models.TierPremium, false)
	if err != nil {
		respondErrorCode(w, http.StatusInternalServerError, "FAL_CLIP_FAILURE", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, models.GenerateClipResponse{
		ClipPath: result.ClipPath,
		ClipURL:  result.SignedURL,
		Model:    result.Model,
	})
}

// ProgressStream handles GET /progress-stream?job_id=... as a Server-Sent
// Events long-lived connection: an initial snapshot frame followed by one
// frame per publish, closing on done=true or a terminal error.
func (h *Handler) ProgressStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "job_id is required")
		return
	}

	if r.Header.Get("X-App-Attestation") == "" {
		log.Printf("[api] progress-stream: missing app-attestation token for job %s", jobID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	ch, cancel, err := h.bus.Subscribe(r.Context(), jobID)
	if err != nil {
		respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to subscribe to progress")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case record, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(record)
			if err != nil {
				log.Printf("[api] progress-stream: failed to marshal frame for job %s: %v", jobID, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if record.Done || record.Error != nil {
				return
			}
		}
	}
}

// CacheStatus handles GET /cache-status/{project_id} — scans a bounded
// window of scene indices for extant clip-cache entries.
func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if projectID == "" {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required")
		return
	}

	const maxScenesScanned = 10
	entries := make([]models.CacheStatusEntry, 0, maxScenesScanned)
	for i := 0; i < maxScenesScanned; i++ {
		path := artifacts.GenerateStoragePath(projectID, fmt.Sprintf("clips/scene-%d.mp4", i))
		exists, err := h.store.Exists(r.Context(), path)
		if err != nil {
			respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to probe cache")
			return
		}
		entries = append(entries, models.CacheStatusEntry{SceneIndex: i, Cached: exists})
	}

	respondJSON(w, http.StatusOK, entries)
}

// SignedClips handles GET /signed-clips/{project_id} — per-scene signed
// URLs for every clip that currently exists.
func (h *Handler) SignedClips(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if projectID == "" {
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id is required")
		return
	}

	const maxScenesScanned = 10
	clips := make([]models.SignedClip, 0, maxScenesScanned)
	for i := 0; i < maxScenesScanned; i++ {
		path := artifacts.GenerateStoragePath(projectID, fmt.Sprintf("clips/scene-%d.mp4", i))
		exists, err := h.store.Exists(r.Context(), path)
		if err != nil {
			respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to probe cache")
			return
		}
		if !exists {
			continue
		}
		url, err := h.store.SignedURL(r.Context(), path, artifacts.InternalURLTTL)
		if err != nil {
			respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", "failed to sign clip url")
			return
		}
		clips = append(clips, models.SignedClip{SceneIndex: i, URL: url})
	}

	respondJSON(w, http.StatusOK, clips)
}

// Health is a liveness probe — public, no auth required.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case isInvalidArgument(err):
		respondErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case isInsufficientCredits(err):
		respondErrorCode(w, http.StatusBadRequest, "InsufficientCredits", err.Error())
	default:
		respondErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func isInvalidArgument(err error) bool {
	return errors.Is(err, orchestrator.ErrInvalidArgument)
}

func isInsufficientCredits(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientCredits)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondErrorCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "code": code})
}
