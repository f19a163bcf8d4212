// Package compositor performs the deterministic assembly that produces a
// render's final MP4 (C7): per-scene normalization, subtitle burn-in,
// concatenation, audio sync, and preset encoding. Adapted from the
// teacher's internal/services/ffmpeg.go exec.CommandContext subprocess
// idiom and temp-file lifecycle.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/bobarin/renderforge/internal/artifacts"
	"github.com/bobarin/renderforge/internal/models"
)

const (
	videoFPS         = 30
	watermarkText    = "renderforge"
	concatListName   = "concat_list.txt"
	finalCachePrefix = "cache/render"
)

// Sentinel errors the orchestrator matches on with errors.Is to decide how
// to settle the credit reservation.
var (
	ErrRetryableTranscode = errors.New("compositor: retryable transcode fault")
	ErrFatalFilter        = errors.New("compositor: fatal filter error")
	// ErrPublishFailed marks a failure occurring after the final video was
	// already durably uploaded — the orchestrator must settle the render as
	// completed and then refund, not settle it as failed.
	ErrPublishFailed = errors.New("compositor: publish failed after upload")
)

// SceneInput is one scene's locally staged inputs, already downloaded by
// the orchestrator. Exactly one of ClipPath/ImagePath is expected to be
// set; if neither is, the scene falls back to a black frame.
type SceneInput struct {
	Scene     models.Scene
	ClipPath  string
	ImagePath string
}

// Compositor drives the filter-graph passes over a local scratch directory
// and uploads the result through the Artifact Store Adapter.
type Compositor struct {
	store   *artifacts.Store
	tempDir string
}

func New(store *artifacts.Store, tempDir string) *Compositor {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("compositor: failed to create temp dir: %v", err))
	}
	return &Compositor{store: store, tempDir: tempDir}
}

// Input bundles everything Compose needs beyond the per-scene clips.
type Input struct {
	ProjectID     string
	Scenes        []SceneInput
	NarrationPath string // local path, empty if no audio
	MusicPath     string // local path, empty if no music
	SubtitlesPath string // local SRT path, empty if disabled/absent
	NoSubtitles   bool
	Tier          models.UserTier
	ExportPreset  models.ExportPreset
	TargetWidth   int
	TargetHeight  int
	ManifestHash  string
	Published     bool
}

// Compose runs the full pipeline and returns the final video's URL
// (public if Published, else a 7-day signed URL), per spec.md §4.7/§6.
func (c *Compositor) Compose(ctx context.Context, in Input, onProgress func(percent int)) (string, error) {
	width, height := ClampResolution(in.Tier, in.TargetWidth, in.TargetHeight)

	sceneClips := make([]string, len(in.Scenes))
	var globalSubtitles []srtEntry
	if in.SubtitlesPath != "" && !in.NoSubtitles {
		parsed, err := parseSRT(in.SubtitlesPath)
		if err != nil {
			log.Printf("[compositor] failed to parse subtitles, continuing without: %v", err)
		} else {
			globalSubtitles = parsed
		}
	}

	offset := 0.0
	for i, scene := range in.Scenes {
		clipPath, err := c.renderScene(ctx, in.ProjectID, scene, width, height, offset, globalSubtitles, in.Tier)
		if err != nil {
			return "", fmt.Errorf("%w: scene %d: %v", ErrFatalFilter, scene.Scene.Index, err)
		}
		sceneClips[i] = clipPath
		offset += float64(scene.Scene.DurationSeconds)

		if onProgress != nil {
			onProgress(75 + (i+1)*17/max(1, len(in.Scenes)))
		}
	}

	concatPath := filepath.Join(c.tempDir, in.ProjectID+"-concat.mp4")
	if err := c.concatenate(ctx, sceneClips, concatPath); err != nil {
		return "", fmt.Errorf("%w: concat: %v", ErrRetryableTranscode, err)
	}

	totalDuration := offset
	finalPath := filepath.Join(c.tempDir, in.ProjectID+"-final.mp4")
	if in.NarrationPath != "" {
		mixedAudio := filepath.Join(c.tempDir, in.ProjectID+"-audio.m4a")
		if err := syncAudio(ctx, in.NarrationPath, in.MusicPath, mixedAudio, totalDuration); err != nil {
			return "", fmt.Errorf("%w: audio sync: %v", ErrRetryableTranscode, err)
		}
		if err := c.muxFinal(ctx, concatPath, mixedAudio, finalPath, in.ExportPreset); err != nil {
			return "", fmt.Errorf("%w: mux: %v", ErrRetryableTranscode, err)
		}
	} else {
		if err := c.encodeOnly(ctx, concatPath, finalPath, in.ExportPreset); err != nil {
			return "", fmt.Errorf("%w: encode: %v", ErrRetryableTranscode, err)
		}
	}

	if onProgress != nil {
		onProgress(92)
	}

	return c.upload(ctx, in.ProjectID, finalPath, in.ManifestHash, in.Published)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// renderScene produces one scene's silent, normalized, resolution-matched
// clip per spec.md §4.7's selection order: clip > still image > black frame.
func (c *Compositor) renderScene(ctx context.Context, projectID string, s SceneInput, width, height int, offset float64, subtitles []srtEntry, tier models.UserTier) (string, error) {
	outPath := filepath.Join(c.tempDir, fmt.Sprintf("%s-scene-%d.mp4", projectID, s.Scene.Index))
	duration := s.Scene.DurationSeconds
	if duration <= 0 {
		duration = 1
	}

	var vf string
	var args []string

	switch {
	case s.ClipPath != "":
		vf = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height)
		args = []string{
			"-i", s.ClipPath,
			"-t", ffSeconds(float64(duration)),
			"-vf", c.withOverlays(vf, s, offset, duration, subtitles, tier),
			"-an",
			"-y", outPath,
		}

	case s.ImagePath != "":
		motion := buildMotionFilter(s.Scene.Camera, duration, videoFPS, width, height)
		args = []string{
			"-loop", "1",
			"-i", s.ImagePath,
			"-t", ffSeconds(float64(duration)),
			"-vf", c.withOverlays(motion, s, offset, duration, subtitles, tier),
			"-an",
			"-y", outPath,
		}

	default:
		vf = fmt.Sprintf("color=c=black:s=%dx%d:d=%d", width, height, duration)
		args = []string{
			"-f", "lavfi",
			"-i", vf,
			"-vf", c.withOverlays("", s, offset, duration, subtitles, tier),
			"-an",
			"-y", outPath,
		}
	}

	if err := runFFmpeg(ctx, args); err != nil {
		if subtitleRelated(err) {
			log.Printf("[compositor] scene %d: subtitle filter failed, retrying without subtitles: %v", s.Scene.Index, err)
			return c.renderScene(ctx, projectID, s, width, height, offset, nil, tier)
		}
		return "", err
	}
	return outPath, nil
}

// withOverlays appends the scene-local subtitle burn-in and free-tier
// watermark to a base video filter, in that order.
func (c *Compositor) withOverlays(base string, s SceneInput, offset float64, duration int, subtitles []srtEntry, tier models.UserTier) string {
	vf := base

	if len(subtitles) > 0 {
		sceneEntries := extractSceneSubtitles(subtitles, offset, float64(duration))
		if len(sceneEntries) > 0 {
			srtPath := filepath.Join(c.tempDir, fmt.Sprintf("scene-%d.srt", s.Scene.Index))
			if err := writeSRT(srtPath, sceneEntries); err == nil {
				vf = appendFilter(vf, subtitleFilter(srtPath))
			}
		}
	}

	if tier == models.TierFree {
		watermark := fmt.Sprintf("drawtext=text='%s':x=w-tw-20:y=h-th-20:fontsize=24:fontcolor=white@0.6", watermarkText)
		vf = appendFilter(vf, watermark)
	}

	return vf
}

func appendFilter(base, next string) string {
	if base == "" {
		return next
	}
	return base + "," + next
}

func subtitleRelated(err error) bool {
	return err != nil && (contains(err.Error(), "subtitles") || contains(err.Error(), "ass"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// concatenate stream-copies the scene clips together, falling back to a
// transcode-concat if the fast path fails (e.g. mismatched codec params
// between a clip-sourced scene and a still-image-sourced scene).
func (c *Compositor) concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(c.tempDir, concatListName)
	if err := writeConcatList(listPath, clipPaths); err != nil {
		return err
	}
	defer os.Remove(listPath)

	streamCopyArgs := []string{"-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", outputPath}
	if err := runFFmpeg(ctx, streamCopyArgs); err == nil {
		return nil
	}

	log.Printf("[compositor] stream-copy concat failed, falling back to transcode-concat")
	transcodeArgs := []string{"-f", "concat", "-safe", "0", "-i", listPath, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-y", outputPath}
	return runFFmpeg(ctx, transcodeArgs)
}

func writeConcatList(path string, clipPaths []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating concat list: %w", err)
	}
	defer f.Close()

	for _, p := range clipPaths {
		if _, err := fmt.Fprintf(f, "file '%s'\n", p); err != nil {
			return err
		}
	}
	return nil
}

// muxFinal maps the concatenated video against the synced audio track and
// encodes with the export preset's profile.
func (c *Compositor) muxFinal(ctx context.Context, videoPath, audioPath, outputPath string, preset models.ExportPreset) error {
	prof := profileFor(preset)
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:a", "aac", "-b:a", "192k",
		"-pix_fmt", "yuv420p",
	}
	args = append(args, prof.x264Args()...)
	args = append(args, "-c:v", "libx264", "-shortest", "-y", outputPath)
	return runFFmpeg(ctx, args)
}

// encodeOnly applies the export preset's encoding profile with no audio
// track present (no narration was supplied for this render).
func (c *Compositor) encodeOnly(ctx context.Context, videoPath, outputPath string, preset models.ExportPreset) error {
	prof := profileFor(preset)
	args := []string{"-i", videoPath, "-pix_fmt", "yuv420p"}
	args = append(args, prof.x264Args()...)
	args = append(args, "-c:v", "libx264", "-an", "-y", outputPath)
	return runFFmpeg(ctx, args)
}

// upload publishes the final MP4 through C1, also writing it to the final
// cache path (non-fatal on failure per spec.md §9), and returns the URL a
// caller should use: public if requested, else a 7-day signed URL.
func (c *Compositor) upload(ctx context.Context, projectID, localPath, manifestHash string, published bool) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading final output: %v", ErrFatalFilter, err)
	}

	projectPath := artifacts.GenerateStoragePath(projectID, "final.mp4")
	if err := c.store.Upload(ctx, projectPath, data, "video/mp4"); err != nil {
		return "", fmt.Errorf("%w: uploading final: %v", ErrRetryableTranscode, err)
	}

	cachePath := fmt.Sprintf("%s/%s.mp4", finalCachePrefix, manifestHash)
	if err := c.store.Copy(ctx, projectPath, cachePath); err != nil {
		log.Printf("[compositor] failed to write cache entry %s: %v (non-fatal)", cachePath, err)
	}

	// The render itself is already durably stored at this point — a failure
	// from here on is a publish-URL failure, not a render failure, and the
	// orchestrator must distinguish the two to decide settle vs. refund.
	if published {
		url, err := c.store.Publish(ctx, projectPath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
		return url, nil
	}
	url, err := c.store.SignedURL(ctx, projectPath, artifacts.DraftURLTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return url, nil
}

// HydrateFromCache server-side copies a cache hit into the project's final
// path, used by the orchestrator's CacheProbe state.
func HydrateFromCache(ctx context.Context, store *artifacts.Store, manifestHash, projectID string) (string, bool, error) {
	cachePath := fmt.Sprintf("%s/%s.mp4", finalCachePrefix, manifestHash)
	exists, err := store.Exists(ctx, cachePath)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}

	projectPath := artifacts.GenerateStoragePath(projectID, "final.mp4")
	if err := store.Copy(ctx, cachePath, projectPath); err != nil {
		return "", false, fmt.Errorf("hydrating from cache: %w", err)
	}
	return projectPath, true, nil
}
