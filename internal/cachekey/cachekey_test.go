package cachekey

import (
	"encoding/json"
	"testing"

	"github.com/bobarin/renderforge/internal/models"
)

func sampleManifest() models.Manifest {
	return models.Manifest{
		Engine:       "renderforge-v1",
		PlanTier:     models.TierFree,
		Width:        854,
		Height:       480,
		AspectRatio:  models.AspectPortrait,
		ExportPreset: models.ExportTikTok,
		Scenes: []models.ManifestScene{
			{Duration: 5, Camera: models.CameraZoomIn, Transition: models.TransitionFade},
			{Duration: 5, Camera: models.CameraStatic, Transition: models.TransitionNone},
		},
		Inputs: models.ManifestInputs{
			Images: []string{"abc123", "def456"},
			Audio:  "aaa111",
		},
	}
}

func TestHashDeterministic(t *testing.T) {
	m := sampleManifest()
	h1, err := Hash(m)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(m)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected identical hashes, got %s vs %s", h1, h2)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	m := sampleManifest()
	c1, err := Canonicalize(m)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	var reparsed models.Manifest
	if err := json.Unmarshal(c1, &reparsed); err != nil {
		t.Fatalf("round trip: %v", err)
	}

	c2, err := Canonicalize(reparsed)
	if err != nil {
		t.Fatalf("canonicalize again: %v", err)
	}

	if string(c1) != string(c2) {
		t.Errorf("canonicalize is not idempotent:\n%s\nvs\n%s", c1, c2)
	}
}

func TestSceneOrderingChangesHash(t *testing.T) {
	m1 := sampleManifest()
	m2 := sampleManifest()
	m2.Scenes[0], m2.Scenes[1] = m2.Scenes[1], m2.Scenes[0]

	h1, _ := Hash(m1)
	h2, _ := Hash(m2)
	if h1 == h2 {
		t.Error("expected scene reordering to change the hash")
	}
}

func TestMaterialChangeAltersHash(t *testing.T) {
	m1 := sampleManifest()
	m2 := sampleManifest()
	m2.Width = 1920
	m2.Height = 1080

	h1, _ := Hash(m1)
	h2, _ := Hash(m2)
	if h1 == h2 {
		t.Error("expected resolution change to alter the hash")
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	k1 := IdempotencyKey("user-1", "videoRender", "job-1")
	k2 := IdempotencyKey("user-1", "videoRender", "job-1")
	if k1 != k2 {
		t.Errorf("expected stable idempotency key, got %s vs %s", k1, k2)
	}

	k3 := IdempotencyKey("user-2", "videoRender", "job-1")
	if k1 == k3 {
		t.Error("expected different user_id to change the idempotency key")
	}
}
