// Package orchestrator drives one render end to end (C8): the explicit
// state machine in spec.md's Init → Reserve → Validate → CacheProbe →
// ClipPhase → ComposePhase → UploadPhase → Publish / Failed sequence.
// Adapted from the teacher's worker.go job handlers (handleProcessClip,
// handleRenderFinal), restructured around one job type instead of three
// since scene fan-out is in-process via C6 rather than re-queued per scene.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/renderforge/internal/artifacts"
	"github.com/bobarin/renderforge/internal/cachekey"
	"github.com/bobarin/renderforge/internal/clipgen"
	"github.com/bobarin/renderforge/internal/compositor"
	"github.com/bobarin/renderforge/internal/db"
	"github.com/bobarin/renderforge/internal/ledger"
	"github.com/bobarin/renderforge/internal/models"
	"github.com/bobarin/renderforge/internal/progress"
	"github.com/bobarin/renderforge/internal/scheduler"
)

var (
	// ErrInvalidArgument wraps every Validate-stage rejection; handlers
	// surface it as HTTP 400.
	ErrInvalidArgument = errors.New("orchestrator: invalid argument")
)

const (
	operationVideoRender = "videoRender"
	minScenePadSeconds   = 3 // compositor pads any scene below this
)

type tierLimit struct {
	maxScenes   int
	maxPerScene int
	maxTotal    int
	fanoutLimit int
}

var tierLimits = map[models.UserTier]tierLimit{
	models.TierFree:    {maxScenes: 3, maxPerScene: 15, maxTotal: 45, fanoutLimit: 2},
	models.TierBasic:   {maxScenes: 5, maxPerScene: 20, maxTotal: 90, fanoutLimit: 3},
	models.TierPremium: {maxScenes: 10, maxPerScene: 30, maxTotal: 180, fanoutLimit: 4},
}

func limitFor(tier models.UserTier) tierLimit {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[models.TierFree]
}

// Orchestrator wires together C1–C7 behind the single entry point the API
// handler calls.
type Orchestrator struct {
	store      *artifacts.Store
	bus        *progress.Bus
	ledger     *ledger.Client
	clipgen    *clipgen.Generator
	compositor *compositor.Compositor
	db         *db.DB
	tempDir    string
}

func New(store *artifacts.Store, bus *progress.Bus, ledgerClient *ledger.Client, clipGen *clipgen.Generator, comp *compositor.Compositor, database *db.DB, tempDir string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		bus:        bus,
		ledger:     ledgerClient,
		clipgen:    clipGen,
		compositor: comp,
		db:         database,
		tempDir:    tempDir,
	}
}

// Run executes the full state machine for one render request and returns
// the response the API handler sends back on success.
func (o *Orchestrator) Run(ctx context.Context, userID string, req models.RenderRequest) (*models.RenderResponse, error) {
	// --- Init ---
	jobID := req.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("render-%s-%d", req.ProjectID, time.Now().Unix())
		req.JobID = jobID
	}

	jobRow := &models.RenderJob{
		ID:        uuid.New(),
		ProjectID: req.ProjectID,
		UserID:    userID,
		Status:    "running",
		Attempts:  1,
		Payload:   requestPayload(req),
	}
	if o.db != nil {
		if err := o.db.CreateRenderJob(ctx, jobRow); err != nil {
			log.Printf("[orchestrator] job %s: failed to create audit row (non-fatal): %v", jobID, err)
		}
	}

	o.publish(ctx, jobID, progress.Update{
		Stage:   stagePtr(models.StageInitializing),
		Percent: intPtr(1),
		Message: strPtr("initializing"),
	})

	// --- Reserve ---
	reservation, err := o.ledger.Reserve(ctx, userID, operationVideoRender, jobID, map[string]interface{}{
		"scenes": len(req.Scenes),
		"tier":   req.UserTier,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			o.publish(ctx, jobID, progress.Update{Done: true, Error: strPtr(err.Error())})
			return nil, err
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}
	key := reservation.IdempotencyKey

	// --- Validate ---
	validated, warning, err := o.validate(ctx, req)
	if err != nil {
		o.fail(ctx, jobID, key, "canceled", err)
		return nil, err
	}
	req.Scenes = validated
	if warning != "" {
		o.publish(ctx, jobID, progress.Update{Message: strPtr(warning)})
	}

	limit := limitFor(req.UserTier)
	width, height := compositor.ClampResolution(req.UserTier, req.TargetWidth, req.TargetHeight)

	// --- CacheProbe ---
	manifest, err := o.buildManifest(ctx, req, width, height)
	if err != nil {
		o.fail(ctx, jobID, key, "manifest", err)
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	hash, err := cachekey.Hash(*manifest)
	if err != nil {
		o.fail(ctx, jobID, key, "manifest_hash", err)
		return nil, fmt.Errorf("hash manifest: %w", err)
	}

	if !req.Force {
		projectPath, hit, err := compositor.HydrateFromCache(ctx, o.store, hash, req.ProjectID)
		if err != nil {
			log.Printf("[orchestrator] job %s: cache probe failed, continuing to render: %v", jobID, err)
		} else if hit {
			// Cache hit: the render compute is reused, so this request
			// never actually charges — release the hold without a debit.
			if settleErr := o.ledger.Settle(ctx, key, models.ReservationFailed, nil); settleErr != nil {
				log.Printf("[orchestrator] job %s: failed to release cache-hit reservation: %v", jobID, settleErr)
			}

			url, err := o.resolveURL(ctx, projectPath, req.Published)
			if err != nil {
				o.fail(ctx, jobID, key, "cache_publish", err)
				return nil, err
			}
			o.publish(ctx, jobID, progress.Update{
				Percent: intPtr(100),
				Stage:   stagePtr(models.StageDone),
				Done:    true,
				Message: strPtr("cached"),
			})
			if o.db != nil {
				o.db.UpdateRenderJobStatus(ctx, jobRow.ID, "succeeded")
			}
			return &models.RenderResponse{VideoURL: url, Cached: true, Engine: "renderforge"}, nil
		}
	}

	// A publish-only request (no force re-render) requires a prior cache
	// hit; without one there is nothing to publish.
	if len(req.Scenes) == 0 {
		o.fail(ctx, jobID, key, "no_cache", fmt.Errorf("%w: no cached render to publish", ErrInvalidArgument))
		return nil, fmt.Errorf("%w: no cached render available for publish-only request", ErrInvalidArgument)
	}

	// --- ClipPhase ---
	o.publish(ctx, jobID, progress.Update{
		Stage:      stagePtr(models.StageClips),
		Percent:    intPtr(10),
		SceneCount: intPtr(len(req.Scenes)),
	})

	sceneInputs, err := o.runClipPhase(ctx, jobID, req, limit.fanoutLimit)
	if err != nil {
		o.fail(ctx, jobID, key, "clip_phase", err)
		return nil, fmt.Errorf("clip phase: %w", err)
	}

	// --- ComposePhase / UploadPhase ---
	o.publish(ctx, jobID, progress.Update{Stage: stagePtr(models.StageComposing), Percent: intPtr(75)})

	narrationPath, musicPath, subtitlesPath, err := o.stageAudioInputs(ctx, req)
	if err != nil {
		o.fail(ctx, jobID, key, "stage_inputs", err)
		return nil, fmt.Errorf("staging audio inputs: %w", err)
	}

	composeInput := compositor.Input{
		ProjectID:     req.ProjectID,
		Scenes:        sceneInputs,
		NarrationPath: narrationPath,
		MusicPath:     musicPath,
		SubtitlesPath: subtitlesPath,
		NoSubtitles:   req.NoSubtitles,
		Tier:          req.UserTier,
		ExportPreset:  req.ExportPreset,
		TargetWidth:   req.TargetWidth,
		TargetHeight:  req.TargetHeight,
		ManifestHash:  hash,
		Published:     req.Published,
	}

	o.publish(ctx, jobID, progress.Update{Stage: stagePtr(models.StageUploading), Percent: intPtr(92)})

	url, err := o.compositor.Compose(ctx, composeInput, func(percent int) {
		o.publish(ctx, jobID, progress.Update{Percent: intPtr(percent)})
	})
	if err != nil {
		if errors.Is(err, compositor.ErrPublishFailed) {
			// The render succeeded and was durably uploaded; only the
			// publish-URL step failed afterward. Settle the charge, then
			// reverse it — the post-success refund path from spec.md §7.
			if settleErr := o.ledger.Settle(ctx, key, models.ReservationCompleted, nil); settleErr != nil {
				log.Printf("[orchestrator] job %s: failed to settle before refund: %v", jobID, settleErr)
			}
			if refundErr := o.ledger.Refund(ctx, key, "publish_url_unreachable"); refundErr != nil {
				log.Printf("[orchestrator] job %s: failed to refund after publish failure: %v", jobID, refundErr)
			}
			o.publish(ctx, jobID, progress.Update{Done: true, Error: strPtr(err.Error())})
			if o.db != nil {
				o.db.UpdateRenderJobError(ctx, jobRow.ID, err.Error())
			}
			return nil, err
		}
		o.fail(ctx, jobID, key, "compose", err)
		return nil, fmt.Errorf("compose: %w", err)
	}

	// --- Publish ---
	if err := o.ledger.Settle(ctx, key, models.ReservationCompleted, nil); err != nil {
		log.Printf("[orchestrator] job %s: failed to settle completed reservation: %v", jobID, err)
	}

	o.publish(ctx, jobID, progress.Update{
		Percent: intPtr(100),
		Stage:   stagePtr(models.StageDone),
		Done:    true,
		Message: strPtr("done"),
	})
	if o.db != nil {
		o.db.UpdateRenderJobStatus(ctx, jobRow.ID, "succeeded")
	}

	return &models.RenderResponse{VideoURL: url, Engine: "renderforge"}, nil
}

// validate enforces per-tier scene/duration caps and, when narration is
// present, synchronizes scene durations to the audio-sync path: distribute
// narration_duration+2 across scenes, clipped per the tier's per-scene cap,
// with the last scene absorbing the remainder. Per the Open Question
// decision in DESIGN.md, audio-sync applies whenever AudioRef is set,
// regardless of NoSubtitles.
func (o *Orchestrator) validate(ctx context.Context, req models.RenderRequest) ([]models.Scene, string, error) {
	limit := limitFor(req.UserTier)

	if len(req.Scenes) == 0 {
		return nil, "", nil // publish-only request; caller checks for a cache hit
	}
	if len(req.Scenes) > limit.maxScenes {
		return nil, "", fmt.Errorf("%w: %d scenes exceeds tier limit of %d", ErrInvalidArgument, len(req.Scenes), limit.maxScenes)
	}

	scenes := make([]models.Scene, len(req.Scenes))
	copy(scenes, req.Scenes)

	var warning string

	if req.AudioRef != "" {
		narrationPath, err := o.downloadToTemp(ctx, req.AudioRef, "narration-validate.mp3")
		if err != nil {
			return nil, "", fmt.Errorf("downloading narration for duration sync: %w", err)
		}
		defer os.Remove(narrationPath)

		narrationDuration, err := compositor.ProbeDuration(ctx, narrationPath)
		if err != nil {
			return nil, "", fmt.Errorf("probing narration duration: %w", err)
		}

		target := narrationDuration + 2
		if target > float64(limit.maxTotal) {
			warning = fmt.Sprintf("narration duration %.1fs exceeds tier max %ds; scene durations truncated proportionally", narrationDuration, limit.maxTotal)
			target = float64(limit.maxTotal)
		}
		distributeDurations(scenes, target, limit.maxPerScene)

		// distributeDurations clips each scene's share to maxPerScene
		// independently of the target/maxTotal check above, so a request
		// with few scenes can hit the per-scene cap before the total cap
		// ever binds (e.g. one scene, long narration). Catch that shortfall
		// here — the coverage warning above only fires when target itself
		// exceeds maxTotal, which says nothing about per-scene clipping.
		achieved := 0
		for _, s := range scenes {
			achieved += s.DurationSeconds
		}
		if warning == "" && float64(achieved) < target-1 {
			warning = fmt.Sprintf("narration duration %.1fs cannot be carried within this tier's per-scene cap of %ds across %d scene(s); scene durations cover only %ds and the rendered narration will be truncated", narrationDuration, limit.maxPerScene, len(scenes), achieved)
		}
	} else {
		for i := range scenes {
			if scenes[i].DurationSeconds < minScenePadSeconds {
				scenes[i].DurationSeconds = minScenePadSeconds
			}
			if scenes[i].DurationSeconds > limit.maxPerScene {
				scenes[i].DurationSeconds = limit.maxPerScene
			}
		}
	}

	total := 0
	for _, s := range scenes {
		total += s.DurationSeconds
	}
	if total > limit.maxTotal {
		return nil, "", fmt.Errorf("%w: total duration %ds exceeds tier limit of %ds", ErrInvalidArgument, total, limit.maxTotal)
	}

	return scenes, warning, nil
}

// distributeDurations spreads target seconds evenly across scenes, clipping
// each to maxPerScene, with the last scene absorbing the rounding remainder.
func distributeDurations(scenes []models.Scene, target float64, maxPerScene int) {
	if len(scenes) == 0 {
		return
	}
	share := target / float64(len(scenes))
	if share > float64(maxPerScene) {
		share = float64(maxPerScene)
	}

	assigned := 0
	for i := 0; i < len(scenes)-1; i++ {
		d := int(share)
		if d < minScenePadSeconds {
			d = minScenePadSeconds
		}
		scenes[i].DurationSeconds = d
		assigned += d
	}

	last := int(target) - assigned
	if last < minScenePadSeconds {
		last = minScenePadSeconds
	}
	if last > maxPerScene {
		last = maxPerScene
	}
	scenes[len(scenes)-1].DurationSeconds = last
}

// buildManifest assembles the cache-key input (C4): scene parameters plus
// content digests of every input that determines the render's output
// bytes. Missing optional inputs (music, subtitles) are simply omitted.
func (o *Orchestrator) buildManifest(ctx context.Context, req models.RenderRequest, width, height int) (*models.Manifest, error) {
	m := &models.Manifest{
		Engine:       "renderforge",
		PlanTier:     req.UserTier,
		Width:        width,
		Height:       height,
		ExportPreset: req.ExportPreset,
	}

	if len(req.Scenes) > 0 {
		m.AspectRatio = models.AspectPortrait
		if req.Scenes[0].AspectRatio != nil {
			m.AspectRatio = *req.Scenes[0].AspectRatio
		}
	}

	m.Scenes = make([]models.ManifestScene, len(req.Scenes))
	for i, s := range req.Scenes {
		m.Scenes[i] = models.ManifestScene{Duration: s.DurationSeconds, Camera: s.Camera, Transition: s.Transition}

		imgPath := artifacts.GenerateStoragePath(req.ProjectID, fmt.Sprintf("images/scene-%d.png", s.Index))
		digest, err := o.store.Digest(ctx, imgPath)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				continue // scene has no source image; falls back to black frame
			}
			return nil, fmt.Errorf("digesting scene %d image: %w", s.Index, err)
		}
		m.Inputs.Images = append(m.Inputs.Images, digest)
	}

	if req.AudioRef != "" {
		digest, err := o.store.Digest(ctx, req.AudioRef)
		if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("digesting narration: %w", err)
		}
		m.Inputs.Audio = digest
	}
	if req.MusicRef != nil && *req.MusicRef != "" {
		digest, err := o.store.Digest(ctx, *req.MusicRef)
		if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("digesting music: %w", err)
		}
		m.Inputs.Music = digest
	}
	if req.SubtitlesRef != nil && *req.SubtitlesRef != "" && !req.NoSubtitles {
		digest, err := o.store.Digest(ctx, *req.SubtitlesRef)
		if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("digesting subtitles: %w", err)
		}
		m.Inputs.Subtitles = digest
	}

	return m, nil
}

// runClipPhase fans scene clip generation out through C6, then stages each
// scene's local inputs for the compositor: the generated clip when C5
// succeeded, else the scene's source still image (Ken Burns fallback), else
// neither (black-frame fallback). A scene's clip-gen failure is therefore
// never fatal to the render — it degrades visually instead.
func (o *Orchestrator) runClipPhase(ctx context.Context, jobID string, req models.RenderRequest, concurrency int) ([]compositor.SceneInput, error) {
	tasks := make([]scheduler.Task, len(req.Scenes))
	for i, scene := range req.Scenes {
		scene := scene
		tasks[i] = scheduler.Task{
			Index: i,
			Progress: func(ctx context.Context, report func(percent int)) (interface{}, error) {
				result, err := o.clipgen.GenerateScene(ctx, req.ProjectID, scene, req.UserTier, req.Force)
				report(100)
				if err != nil {
					return nil, err
				}
				return result, nil
			},
		}
	}

	total := len(tasks)
	completed := 0
	results := scheduler.Run(ctx, tasks, concurrency, func(index, percent int) {
		if percent >= 100 {
			completed++
		}
		o.publish(ctx, jobID, progress.Update{
			Percent:      intPtr(scheduler.OverallPercent(completed, total)),
			CurrentScene: intPtr(index),
			PerScene:     map[int]int{index: percent},
		})
	})

	sceneInputs := make([]compositor.SceneInput, len(req.Scenes))
	for i, scene := range req.Scenes {
		sceneInputs[i] = compositor.SceneInput{Scene: scene}

		res := results[i]
		if res.Err == nil {
			if clipResult, ok := res.Value.(*clipgen.Result); ok {
				localPath, err := o.downloadToTemp(ctx, clipResult.ClipPath, fmt.Sprintf("clip-%d.mp4", scene.Index))
				if err == nil {
					sceneInputs[i].ClipPath = localPath
					continue
				}
				log.Printf("[orchestrator] job %s: scene %d: downloading generated clip failed, falling back to image: %v", jobID, scene.Index, err)
			}
		} else {
			log.Printf("[orchestrator] job %s: scene %d: clip generation exhausted all candidates, falling back to image: %v", jobID, scene.Index, res.Err)
		}

		imgPath := artifacts.GenerateStoragePath(req.ProjectID, fmt.Sprintf("images/scene-%d.png", scene.Index))
		localImage, err := o.downloadToTemp(ctx, imgPath, fmt.Sprintf("image-%d.png", scene.Index))
		if err == nil {
			sceneInputs[i].ImagePath = localImage
		} else if !errors.Is(err, artifacts.ErrNotFound) {
			log.Printf("[orchestrator] job %s: scene %d: downloading source image failed, using black frame: %v", jobID, scene.Index, err)
		}
	}

	return sceneInputs, nil
}

// stageAudioInputs downloads the optional narration/music/subtitle blobs to
// local scratch files the compositor can operate on directly.
func (o *Orchestrator) stageAudioInputs(ctx context.Context, req models.RenderRequest) (narrationPath, musicPath, subtitlesPath string, err error) {
	if req.AudioRef != "" {
		narrationPath, err = o.downloadToTemp(ctx, req.AudioRef, "narration.mp3")
		if err != nil {
			return "", "", "", fmt.Errorf("staging narration: %w", err)
		}
	}
	if req.MusicRef != nil && *req.MusicRef != "" {
		musicPath, err = o.downloadToTemp(ctx, *req.MusicRef, "music.mp3")
		if err != nil {
			log.Printf("[orchestrator] staging music failed, continuing without it: %v", err)
			musicPath = ""
		}
	}
	if req.SubtitlesRef != nil && *req.SubtitlesRef != "" && !req.NoSubtitles {
		subtitlesPath, err = o.downloadToTemp(ctx, *req.SubtitlesRef, "captions.srt")
		if err != nil {
			log.Printf("[orchestrator] staging subtitles failed, continuing without them: %v", err)
			subtitlesPath = ""
		}
	}
	return narrationPath, musicPath, subtitlesPath, nil
}

func (o *Orchestrator) downloadToTemp(ctx context.Context, storePath, filename string) (string, error) {
	data, err := o.store.Download(ctx, storePath)
	if err != nil {
		return "", err
	}
	localPath := filepath.Join(o.tempDir, filename)
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s locally: %w", storePath, err)
	}
	return localPath, nil
}

// resolveURL returns the conventional URL for an already-uploaded path
// without re-uploading; used on the cache-hit path where the bytes already
// exist at projectPath.
func (o *Orchestrator) resolveURL(ctx context.Context, projectPath string, published bool) (string, error) {
	if published {
		return o.store.Publish(ctx, projectPath)
	}
	return o.store.SignedURL(ctx, projectPath, artifacts.DraftURLTTL)
}

// fail settles the reservation as failed (releasing the hold without a
// charge) and emits the terminal error progress frame. reason is used only
// for logging context.
func (o *Orchestrator) fail(ctx context.Context, jobID, key, reason string, cause error) {
	if ctx.Err() != nil {
		cause = fmt.Errorf("canceled: %w", cause)
	}
	if err := o.ledger.Settle(ctx, key, models.ReservationFailed, cause); err != nil {
		log.Printf("[orchestrator] job %s: failed to settle failed reservation (%s): %v", jobID, reason, err)
	}
	o.publish(ctx, jobID, progress.Update{Done: true, Error: strPtr(cause.Error())})
}

func (o *Orchestrator) publish(ctx context.Context, jobID string, u progress.Update) {
	if err := o.bus.Publish(ctx, jobID, u); err != nil {
		log.Printf("[orchestrator] job %s: progress publish failed: %v", jobID, err)
	}
}

func intPtr(i int) *int                     { return &i }
func strPtr(s string) *string               { return &s }
func stagePtr(s models.Stage) *models.Stage { return &s }
