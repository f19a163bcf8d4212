package orchestrator

import (
	"testing"

	"github.com/bobarin/renderforge/internal/models"
)

func TestRequestPayloadRoundTrip(t *testing.T) {
	musicRef := "music/track.mp3"
	req := models.RenderRequest{
		ProjectID: "proj-1",
		UserTier:  models.TierBasic,
		AudioRef:  "narration.mp3",
		MusicRef:  &musicRef,
		Scenes: []models.Scene{
			{Index: 0, DurationSeconds: 10},
			{Index: 1, DurationSeconds: 8},
		},
	}

	payload := requestPayload(req)
	if payload == nil {
		t.Fatal("expected non-nil payload")
	}

	got, err := requestFromPayload(payload)
	if err != nil {
		t.Fatalf("unexpected error rebuilding request: %v", err)
	}

	if got.ProjectID != req.ProjectID {
		t.Errorf("expected project_id %q, got %q", req.ProjectID, got.ProjectID)
	}
	if got.UserTier != req.UserTier {
		t.Errorf("expected tier %q, got %q", req.UserTier, got.UserTier)
	}
	if len(got.Scenes) != 2 || got.Scenes[1].DurationSeconds != 8 {
		t.Fatalf("expected scenes to round-trip, got %+v", got.Scenes)
	}
	if got.MusicRef == nil || *got.MusicRef != musicRef {
		t.Fatalf("expected music_ref to round-trip, got %v", got.MusicRef)
	}
}

func TestRequestFromPayloadToleratesInjectedUserID(t *testing.T) {
	req := models.RenderRequest{ProjectID: "proj-2", UserTier: models.TierFree}
	payload := requestPayload(req)
	payload["user_id"] = "user-42"

	got, err := requestFromPayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ProjectID != "proj-2" {
		t.Fatalf("expected project_id to survive alongside injected user_id, got %q", got.ProjectID)
	}
}
