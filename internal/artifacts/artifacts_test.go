package artifacts

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUploadSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	err := s.Upload(context.Background(), "project/clips/scene-0.mp4", []byte("data"), "video/mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUploadRetriesTransientStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	err := s.Upload(context.Background(), "p", []byte("data"), "video/mp4")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestUploadNonRetryableStatusFailsFast(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	err := s.Upload(context.Background(), "p", []byte("data"), "video/mp4")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}

func TestDigestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	_, err := s.Digest(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDigestMatchesMD5(t *testing.T) {
	payload := []byte("hello render")
	want := md5.Sum(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	got, err := s.Digest(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("expected digest %s, got %s", hex.EncodeToString(want[:]), got)
	}
}

func TestDigestUsesETagShortcutWithoutDownloadingBody(t *testing.T) {
	payload := []byte("hello render")
	want := md5.Sum(payload)
	getCalls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			getCalls++
			w.Write(payload)
			return
		}
		w.Header().Set("ETag", `"`+hex.EncodeToString(want[:])+`"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	got, err := s.Digest(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("expected digest %s, got %s", hex.EncodeToString(want[:]), got)
	}
	if getCalls != 0 {
		t.Errorf("expected Digest to short-circuit via ETag without a GET, got %d GET calls", getCalls)
	}
}

func TestDigestFallsBackToFullReadOnMultipartETag(t *testing.T) {
	payload := []byte("hello render")
	want := md5.Sum(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write(payload)
			return
		}
		w.Header().Set("ETag", `"deadbeefdeadbeefdeadbeefdeadbeef-3"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	got, err := s.Digest(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Errorf("expected digest to fall back to content MD5 %s, got %s", hex.EncodeToString(want[:]), got)
	}
}

func TestExistsNeverIssuesGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected only HEAD requests, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	ok, err := s.Exists(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected Exists to return true")
	}
}

func TestExistsFalseOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	ok, err := s.Exists(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected Exists to return false")
	}
}

func TestSignedURLPrependsBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"signedURL":"/storage/v1/object/sign/bucket/p?token=abc"}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	url, err := s.SignedURL(context.Background(), "p", InternalURLTTL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := srv.URL + "/storage/v1/object/sign/bucket/p?token=abc"
	if url != want {
		t.Errorf("expected %s, got %s", want, url)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "key", "bucket")
	url1, err := s.Publish(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	url2, err := s.Publish(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error on repeat publish: %v", err)
	}
	if url1 != url2 {
		t.Errorf("expected idempotent public url, got %s vs %s", url1, url2)
	}
}

func TestGenerateStoragePath(t *testing.T) {
	got := GenerateStoragePath("proj-1", "clips/scene-0.mp4")
	want := "proj-1/clips/scene-0.mp4"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestDraftURLTTLLongerThanInternal(t *testing.T) {
	if DraftURLTTL <= InternalURLTTL {
		t.Error("expected draft TTL to exceed internal TTL")
	}
	if InternalURLTTL != time.Hour {
		t.Errorf("expected internal TTL to be 1h, got %v", InternalURLTTL)
	}
}
