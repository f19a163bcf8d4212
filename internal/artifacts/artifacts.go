// Package artifacts adapts a flat-namespace blob store for renderforge's
// clip and final-video cache (C1). It wraps the Supabase Storage REST
// surface the way the teacher's internal/storage package does, adding the
// operations the render cache needs: existence checks, content digests,
// server-side copy, and idempotent publish.
package artifacts

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Typed failure taxonomy per spec's Artifact Store Adapter contract.
var (
	ErrNotFound         = errors.New("artifact: not found")
	ErrPermissionDenied = errors.New("artifact: permission denied")
	ErrTransient        = errors.New("artifact: transient failure")
	ErrFatal            = errors.New("artifact: fatal failure")
)

const (
	uploadTimeout      = 180 * time.Second
	downloadTimeout    = 120 * time.Second
	maxRetries         = 4
	baseRetryDelay     = 1 * time.Second
	maxRetryDelay      = 30 * time.Second
	streamCopyCutover  = 100 * 1024 * 1024 // copy() falls back to streaming above this size
	InternalURLTTL     = 1 * time.Hour
	DraftURLTTL        = 7 * 24 * time.Hour
)

// Store wraps a Supabase-Storage-shaped REST API with renderforge's
// retry/typed-error conventions.
type Store struct {
	url        string
	serviceKey string
	bucket     string
	client     *http.Client
}

func New(url, serviceKey, bucket string) *Store {
	return &Store{
		url:        url,
		serviceKey: serviceKey,
		bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Store) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, path)
}

func (s *Store) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryDelay
	b.MaxInterval = maxRetryDelay
	b.Multiplier = 2
	return backoff.WithMaxRetries(b, maxRetries)
}

// Upload is atomic from the caller's perspective: PUT with x-upsert means
// readers never observe a partially written object mid-retry.
func (s *Store) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	return backoff.Retry(func() error {
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, s.objectURL(path), bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			if isRetryableError(err) {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		cerr := classifyStatus(resp.StatusCode, body)
		if errors.Is(cerr, ErrTransient) {
			return cerr
		}
		return backoff.Permanent(cerr)
	}, backoff.WithContext(s.newBackoff(), ctx))
}

// Download fetches an object's bytes, retrying transient failures.
func (s *Store) Download(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, s.objectURL(path), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			if isRetryableError(err) {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%w: reading body: %v", ErrTransient, err)
			}
			out = data
			return nil
		}

		body, _ := io.ReadAll(resp.Body)
		cerr := classifyStatus(resp.StatusCode, body)
		if errors.Is(cerr, ErrTransient) {
			return cerr
		}
		return backoff.Permanent(cerr)
	}, backoff.WithContext(s.newBackoff(), ctx))

	return out, err
}

// Exists reports whether path is present via a HEAD request — it never
// downloads the object body, which is what makes it cheap enough for the
// cache-probe hot path (C4/C8's cache hit check, C5's per-scene clip probe).
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(path), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			if isRetryableError(err) {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			found = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		default:
			cerr := classifyStatus(resp.StatusCode, nil)
			if errors.Is(cerr, ErrTransient) {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
	}, backoff.WithContext(s.newBackoff(), ctx))

	return found, err
}

// headETag issues a HEAD request and returns the object's ETag, unquoted,
// when it looks like a plain MD5 hex digest. Multipart-uploaded objects get
// a composite ETag (`"<hash>-<parts>"`) that isn't a content MD5 at all, and
// some backends omit the header entirely; headETag reports "" rather than
// an error in those cases so the caller can fall back to a full read.
func (s *Store) headETag(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(path), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, nil)
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" || strings.Contains(etag, "-") || len(etag) != 32 {
		return "", nil
	}
	return strings.ToLower(etag), nil
}

// Digest returns the object's MD5 hex digest. It first tries the backend's
// ETag over HEAD (Supabase Storage is S3-backed, and a single-part upload's
// ETag is its content MD5) to avoid a full download; only when the ETag is
// missing or not a trustworthy plain MD5 (composite multipart ETags) does it
// fall back to streaming the whole body through md5.New().
func (s *Store) Digest(ctx context.Context, path string) (string, error) {
	if etag, err := s.headETag(ctx, path); err != nil {
		return "", err
	} else if etag != "" {
		return etag, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(path), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, body)
	}

	h := md5.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("%w: digest read: %v", ErrTransient, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Copy performs a server-side copy where the backend supports it, falling
// back to a streaming download+upload without local buffering when the
// source exceeds the streaming cutover — per spec, large objects must never
// be buffered in memory during copy.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	url := fmt.Sprintf("%s/storage/v1/object/copy", s.url)
	payload, _ := json.Marshal(map[string]string{
		"bucketId":       s.bucket,
		"sourceKey":      src,
		"destinationKey": dst,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	// Backend doesn't support server-side copy for this object (or at
	// all). Small objects buffer through Download+Upload; large ones
	// stream src's response body directly into the PUT request so the
	// full object never sits in memory at once.
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(src), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	getReq.Header.Set("Authorization", "Bearer "+s.serviceKey)

	getResp, err := s.client.Do(getReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer getResp.Body.Close()

	if getResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(getResp.Body)
		return classifyStatus(getResp.StatusCode, body)
	}

	if getResp.ContentLength > 0 && getResp.ContentLength <= streamCopyCutover {
		data, err := io.ReadAll(getResp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return s.Upload(ctx, dst, data, "application/octet-stream")
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(dst), getResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	putReq.Header.Set("Authorization", "Bearer "+s.serviceKey)
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putReq.Header.Set("x-upsert", "true")
	if getResp.ContentLength > 0 {
		putReq.ContentLength = getResp.ContentLength
	}

	putResp, err := s.client.Do(putReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer putResp.Body.Close()
	body, _ := io.ReadAll(putResp.Body)

	if putResp.StatusCode == http.StatusOK || putResp.StatusCode == http.StatusCreated {
		return nil
	}
	return classifyStatus(putResp.StatusCode, body)
}

// SignedURL issues a time-limited read URL.
func (s *Store) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.bucket, path)
	body := fmt.Sprintf(`{"expiresIn": %d}`, int(ttl.Seconds()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: parsing signed url: %v", ErrFatal, err)
	}
	return s.url + result.SignedURL, nil
}

// Publish idempotently promotes an object's ACL to public and returns its
// public URL. Promotion is a no-op if the object is already public.
func (s *Store) Publish(ctx context.Context, path string) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/public-acl/%s/%s", s.url, s.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return "", classifyStatus(resp.StatusCode, nil)
	}

	return s.PublicURL(path), nil
}

// PublicURL returns the conventional public URL for path without checking
// whether the object has actually been published.
func (s *Store) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.bucket, path)
}

// GenerateStoragePath joins a project's clip/final namespace the way
// GenerateStoragePath did in the teacher, generalized to any key type.
func GenerateStoragePath(projectID, filename string) string {
	return filepath.Join(projectID, filename)
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrPermissionDenied
	case isRetryableStatus(status):
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, truncate(string(body), 200))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrFatal, status, truncate(string(body), 200))
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
