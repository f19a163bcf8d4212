// Package clipgen converts one scene's image into a short video clip via a
// queue-based external provider (C5): xAI Grok Imagine Video as the
// cost-efficient candidate, Google Veo 3.1 as the high-fidelity candidate,
// with a three-candidate fallback chain per attempt.
package clipgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/bobarin/renderforge/internal/artifacts"
	"github.com/bobarin/renderforge/internal/models"
)

var (
	ErrProviderSubmit   = errors.New("clipgen: provider submit failed")
	ErrProviderTimeout  = errors.New("clipgen: provider poll timed out")
	ErrProviderDownload = errors.New("clipgen: provider download failed")
	ErrNoModelSucceeded = errors.New("clipgen: no candidate model succeeded")
)

const (
	defaultDuration = 8
	maxDuration     = 8 // spec clamp: min(scene.duration, 8)

	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1 // xAI's documented minimum video duration

	xaiResolutionHigh = "720p"
	xaiResolutionLow  = "480p"

	veoModel           = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute

	clipImageURLTTL = 1 * time.Hour
)

// candidate is one provider attempt; each is independent of the others.
type candidate struct {
	name string
	run  func(ctx context.Context, prompt, imageURL string, duration int) ([]byte, error)
}

// Generator drives the per-scene clip cache, candidate selection, and the
// submit/poll/download lifecycle against xAI and Veo.
type Generator struct {
	store     *artifacts.Store
	xaiKey    string
	veoKey    string
	httpClient *http.Client
}

func New(store *artifacts.Store, xaiKey, veoKey string) *Generator {
	return &Generator{
		store:      store,
		xaiKey:     xaiKey,
		veoKey:     veoKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Result is what the scheduler collects per scene.
type Result struct {
	SceneIndex int
	ClipPath   string
	SignedURL  string
	Cached     bool
	Model      string
}

// GenerateScene runs the per-scene algorithm from spec 4.5: cache probe,
// candidate selection by tier/quality, fallback chain, publish.
func (g *Generator) GenerateScene(ctx context.Context, projectID string, scene models.Scene, tier models.UserTier, force bool) (*Result, error) {
	clipPath := artifacts.GenerateStoragePath(projectID, fmt.Sprintf("clips/scene-%d.mp4", scene.Index))

	if !force {
		exists, err := g.store.Exists(ctx, clipPath)
		if err != nil {
			return nil, fmt.Errorf("cache probe for scene %d: %w", scene.Index, err)
		}
		if exists {
			url, err := g.store.SignedURL(ctx, clipPath, clipImageURLTTL)
			if err != nil {
				return nil, fmt.Errorf("sign cached clip for scene %d: %w", scene.Index, err)
			}
			return &Result{SceneIndex: scene.Index, ClipPath: clipPath, SignedURL: url, Cached: true}, nil
		}
	}

	duration := scene.DurationSeconds
	if duration <= 0 {
		duration = defaultDuration
	}
	if duration > maxDuration {
		duration = maxDuration
	}

	imageURL, err := g.store.SignedURL(ctx, artifacts.GenerateStoragePath(projectID, fmt.Sprintf("images/scene-%d.png", scene.Index)), clipImageURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign source image for scene %d: %w", scene.Index, err)
	}

	chain := g.selectChain(tier, scene.Quality)

	var lastErr error
	var videoBytes []byte
	var usedModel string
	for _, c := range chain {
		videoBytes, lastErr = c.run(ctx, scene.Prompt, imageURL, duration)
		if lastErr == nil {
			usedModel = c.name
			break
		}
		log.Printf("[clipgen] scene %d: candidate %s failed: %v", scene.Index, c.name, lastErr)
	}

	if usedModel == "" {
		return nil, fmt.Errorf("%w: scene %d: %v", ErrNoModelSucceeded, scene.Index, lastErr)
	}

	if err := g.store.Upload(ctx, clipPath, videoBytes, "video/mp4"); err != nil {
		return nil, fmt.Errorf("publish clip for scene %d: %w", scene.Index, err)
	}

	url, err := g.store.SignedURL(ctx, clipPath, clipImageURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign clip for scene %d: %w", scene.Index, err)
	}

	return &Result{SceneIndex: scene.Index, ClipPath: clipPath, SignedURL: url, Model: usedModel}, nil
}

// selectChain orders the three candidates per spec.md §4.5: the primary
// is the high-fidelity Veo endpoint when tier=premium and quality=premium,
// else the cost-efficient xAI endpoint at 720p. The secondary is always a
// cheaper xAI retry at 480p, regardless of which candidate led. The final
// last-resort candidate drops the source image reference (degrades
// gracefully when the image URL itself is the problem) and clamps duration
// down to the provider's minimum for the fastest, cheapest possible attempt.
func (g *Generator) selectChain(tier models.UserTier, quality *models.Quality) []candidate {
	highFidelity := tier == models.TierPremium && quality != nil && *quality == models.QualityPremium

	primary := candidate{name: "grok-imagine-video-720p", run: func(ctx context.Context, prompt, imageURL string, duration int) ([]byte, error) {
		return g.runXAI(ctx, prompt, imageURL, duration, xaiResolutionHigh)
	}}
	if highFidelity {
		primary = candidate{name: "veo-3.1", run: g.runVeo}
	}

	secondary := candidate{name: "grok-imagine-video-480p", run: func(ctx context.Context, prompt, imageURL string, duration int) ([]byte, error) {
		return g.runXAI(ctx, prompt, imageURL, duration, xaiResolutionLow)
	}}

	lastResort := candidate{name: "grok-imagine-video-min-duration", run: func(ctx context.Context, prompt, _ string, _ int) ([]byte, error) {
		return g.runXAI(ctx, prompt, "", xaiMinDuration, xaiResolutionLow)
	}}

	return []candidate{primary, secondary, lastResort}
}

// --- xAI candidate ---

type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func (g *Generator) runXAI(ctx context.Context, prompt, imageURL string, duration int, resolution string) ([]byte, error) {
	reqBody := xaiGenerationRequest{
		Prompt:      prompt,
		Model:       xaiVideoModel,
		Duration:    duration,
		AspectRatio: "9:16",
		Resolution:  resolution,
	}
	if imageURL != "" {
		reqBody.Image = &xaiImageInput{URL: imageURL}
	}

	requestID, err := g.xaiSubmit(ctx, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderSubmit, err)
	}

	result, err := g.xaiPoll(ctx, requestID)
	if err != nil {
		return nil, err
	}

	data, err := g.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderDownload, err)
	}
	return data, nil
}

func (g *Generator) xaiSubmit(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, xaiBaseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.xaiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, body)
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("parsing xAI response: %w", err)
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in xAI response: %s", body)
	}
	return genResp.RequestID, nil
}

func (g *Generator) xaiPoll(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	deadline := time.Now().Add(xaiMaxPollDuration)
	currentInterval := xaiPollMinInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: cancelled during initial wait: %v", ErrProviderTimeout, ctx.Err())
	case <-time.After(xaiInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: after %v, request_id=%s", ErrProviderTimeout, xaiMaxPollDuration, requestID)
		}

		result, err := g.xaiGetResult(ctx, requestID)
		if err != nil {
			return nil, err
		}

		if result.Video != nil && result.Video.URL != "" {
			return result, nil
		}

		if result.Status == "failed" {
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("xAI generation failed: %s (request_id=%s)", errMsg, requestID)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: cancelled: %v", ErrProviderTimeout, ctx.Err())
		case <-time.After(currentInterval):
		}

		next := time.Duration(float64(currentInterval) * xaiPollBackoffFactor)
		if next > xaiPollMaxInterval {
			next = xaiPollMaxInterval
		}
		currentInterval = next
	}
}

func (g *Generator) xaiGetResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", xaiBaseURL, requestID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.xaiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI poll returned status %d: %s", resp.StatusCode, body)
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing xAI poll response: %w", err)
	}
	return &result, nil
}

func (g *Generator) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	client := &http.Client{Timeout: 120 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}
	return data, nil
}

// --- Veo candidate ---

func (g *Generator) runVeo(ctx context.Context, prompt, imageURL string, duration int) ([]byte, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("%w: veo requires a source image", ErrProviderSubmit)
	}

	imageData, mimeType, err := g.fetchImage(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching source image: %v", ErrProviderSubmit, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.veoKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating genai client: %v", ErrProviderSubmit, err)
	}

	firstFrame := &genai.Image{ImageBytes: imageData, MIMEType: mimeType}
	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		Resolution:       "1080p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	operation, err := client.Models.GenerateVideos(ctx, veoModel, prompt, firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("%w: starting veo generation: %v", ErrProviderSubmit, err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: veo poll after %v", ErrProviderTimeout, veoMaxPollDuration)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: cancelled: %v", ErrProviderTimeout, ctx.Err())
		case <-time.After(veoPollInterval):
		}

		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: polling veo operation: %v", ErrProviderTimeout, err)
		}
	}

	if operation.Error != nil && len(operation.Error) > 0 {
		return nil, fmt.Errorf("%w: veo operation error: %v", ErrProviderSubmit, operation.Error)
	}
	if operation.Response == nil || len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("%w: no videos in veo response", ErrNoModelSucceeded)
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("%w: veo returned a nil video object", ErrProviderDownload)
	}

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	data, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderDownload, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: veo video is empty", ErrProviderDownload)
	}
	return data, nil
}

func (g *Generator) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching image returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}
