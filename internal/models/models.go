package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Enums

type Camera string

const (
	CameraStatic   Camera = "static"
	CameraZoomIn   Camera = "zoom-in"
	CameraZoomOut  Camera = "zoom-out"
	CameraPanLeft  Camera = "pan-left"
	CameraPanRight Camera = "pan-right"
)

type Transition string

const (
	TransitionFade       Transition = "fade"
	TransitionDissolve   Transition = "dissolve"
	TransitionWipeLeft   Transition = "wipeleft"
	TransitionWipeRight  Transition = "wiperight"
	TransitionCircleOpen Transition = "circleopen"
	TransitionNone       Transition = "none"
)

type Quality string

const (
	QualityStandard Quality = "standard"
	QualityPremium  Quality = "premium"
)

type AspectRatio string

const (
	AspectPortrait  AspectRatio = "9:16"
	AspectLandscape AspectRatio = "16:9"
	AspectSquare    AspectRatio = "1:1"
)

type ExportPreset string

const (
	ExportYouTube ExportPreset = "youtube"
	ExportTikTok  ExportPreset = "tiktok"
	ExportSquare  ExportPreset = "square"
	ExportCustom  ExportPreset = "custom"
)

type UserTier string

const (
	TierFree    UserTier = "free"
	TierBasic   UserTier = "basic"
	TierPremium UserTier = "premium"
)

type Stage string

const (
	StageInitializing Stage = "initializing"
	StageClips        Stage = "clips"
	StageComposing    Stage = "composing"
	StageUploading    Stage = "uploading"
	StageDone         Stage = "done"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCompleted ReservationStatus = "completed"
	ReservationFailed    ReservationStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Scene is the unit of animation within a RenderRequest.
type Scene struct {
	Index           int          `json:"index"`
	Prompt          string       `json:"prompt"`
	Narration       string       `json:"narration"`
	DurationSeconds int          `json:"duration_seconds"`
	Camera          Camera       `json:"camera"`
	Transition      Transition   `json:"transition"`
	Quality         *Quality     `json:"quality,omitempty"`
	AspectRatio     *AspectRatio `json:"aspect_ratio,omitempty"`
}

// RenderRequest is what the orchestrator consumes.
type RenderRequest struct {
	ProjectID    string       `json:"project_id"`
	Scenes       []Scene      `json:"scenes"`
	AudioRef     string       `json:"audio_ref,omitempty"`
	SubtitlesRef *string      `json:"subtitles_ref,omitempty"`
	MusicRef     *string      `json:"music_ref,omitempty"`
	TargetWidth  int          `json:"target_width"`
	TargetHeight int          `json:"target_height"`
	ExportPreset ExportPreset `json:"export_preset"`
	JobID        string       `json:"job_id,omitempty"`
	Force        bool         `json:"force,omitempty"`
	Published    bool         `json:"published,omitempty"`
	UserTier     UserTier     `json:"user_tier"`
	NoSubtitles  bool         `json:"no_subtitles,omitempty"`
}

// ManifestScene is the per-scene slice of a Manifest that feeds the hash.
type ManifestScene struct {
	Duration   int        `json:"duration"`
	Camera     Camera     `json:"camera"`
	Transition Transition `json:"transition"`
}

// ManifestInputs carries the content digests of everything that determines
// the render's output bytes besides scene parameters.
type ManifestInputs struct {
	Images    []string `json:"img,omitempty"`
	Audio     string   `json:"audio,omitempty"`
	Music     string   `json:"music,omitempty"`
	Subtitles string   `json:"subtitles,omitempty"`
}

// Manifest is the cache key input: canonicalized JSON, SHA-256 hashed (C4).
type Manifest struct {
	Engine       string          `json:"engine"`
	PlanTier     UserTier        `json:"plan_tier"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	AspectRatio  AspectRatio     `json:"aspect_ratio"`
	ExportPreset ExportPreset    `json:"export_preset"`
	Scenes       []ManifestScene `json:"scenes"`
	Inputs       ManifestInputs  `json:"inputs"`
}

// CreditReservation is a durable row keyed by an idempotency key derived
// from (user_id, operation, job_id).
type CreditReservation struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	UserID          string            `json:"user_id"`
	Operation       string            `json:"operation"`
	JobID           string            `json:"job_id"`
	CreditsReserved int               `json:"credits_reserved"`
	Status          ReservationStatus `json:"status"`
	RefundedAt      *time.Time        `json:"refunded_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ProgressRecord is the per-job_id progress snapshot (C2).
type ProgressRecord struct {
	JobID        string      `json:"job_id"`
	Percent      int         `json:"percent"`
	Stage        Stage       `json:"stage"`
	Message      string      `json:"message,omitempty"`
	ETASeconds   *int        `json:"eta_seconds,omitempty"`
	Done         bool        `json:"done"`
	Error        *string     `json:"error,omitempty"`
	PerScene     map[int]int `json:"per_scene,omitempty"`
	SceneCount   int         `json:"scene_count"`
	CurrentScene int         `json:"current_scene"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// RenderJob is the durable audit row for one render (survives instance
// restart). Payload carries the originating RenderRequest as JSON so a
// reconciliation sweep can re-drive a job left stuck "running" by a dead
// instance, without the caller's original HTTP connection.
type RenderJob struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    string     `json:"project_id"`
	UserID       string     `json:"user_id"`
	Status       string     `json:"status"` // running, succeeded, failed
	Attempts     int        `json:"attempts"`
	Payload      JSONB      `json:"payload,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RenderResponse is the successful result of POST /render.
type RenderResponse struct {
	VideoURL string `json:"video_url"`
	Cached   bool   `json:"cached,omitempty"`
	Engine   string `json:"engine"`
}

// GenerateClipRequest is the body for POST /generate-clip.
type GenerateClipRequest struct {
	ProjectID     string  `json:"project_id"`
	SceneIndex    int     `json:"scene_index"`
	VideoSeconds  *int    `json:"video_seconds,omitempty"`
	ModelOverride *string `json:"model_override,omitempty"`
}

// GenerateClipResponse is the result of POST /generate-clip.
type GenerateClipResponse struct {
	ClipPath string `json:"clip_path"`
	ClipURL  string `json:"clip_url"`
	Model    string `json:"model"`
}

// CacheStatusEntry describes one scene's clip cache state.
type CacheStatusEntry struct {
	SceneIndex int  `json:"scene_index"`
	Cached     bool `json:"cached"`
}

// SignedClip is a per-scene signed URL for an extant clip.
type SignedClip struct {
	SceneIndex int    `json:"scene_index"`
	URL        string `json:"url"`
}
