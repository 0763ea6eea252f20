package registry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

func TestFetchManifest(t *testing.T) {
	id := uuid.New()
	rot := digest.SHA256.FromString("manifest bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+id.String()+"/manifest.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"root_of_trust":"` + rot.String() + `","repo_tag":"app:latest"}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := f.FetchManifest(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.RootOfTrust != rot {
		t.Errorf("root of trust = %s, want %s", manifest.RootOfTrust, rot)
	}
	if manifest.RepoTag != "app:latest" {
		t.Errorf("repo tag = %q", manifest.RepoTag)
	}
}

func TestFetchManifestRejectsBadDigest(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"root_of_trust":"sha256:nothex"}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.FetchManifest(context.Background(), id); err == nil {
		t.Error("expected error for malformed root of trust")
	}
}

func TestFetchImageStream(t *testing.T) {
	id := uuid.New()
	payload := []byte("outer image tar bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+id.String()+"/image.tar" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := f.FetchImage(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("image stream corrupted")
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	id := uuid.New()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"root_of_trust":"` + digest.SHA256.FromString("x").String() + `"}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.FetchManifest(context.Background(), id); err != nil {
		t.Fatalf("fetch did not survive transient errors: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.FetchManifest(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for missing object")
	}
	if calls.Load() != 1 {
		t.Errorf("404 retried %d times, want no retries", calls.Load())
	}
}
