package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// jpegHeader is enough for content sniffing.
var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDataURLRoundTrip(t *testing.T) {
	src := writeTemp(t, "frame.jpg", jpegHeader)
	store := &DataURLStore{Fetcher: NewFetcher(0)}

	ref, err := store.Upload(context.Background(), src, "frames/clip_00.jpg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(ref, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected ref prefix %q", ref[:30])
	}

	dst := filepath.Join(t.TempDir(), "out.jpg")
	if err := store.Download(context.Background(), ref, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if !bytes.Equal(got, jpegHeader) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDataURLRejectsEmptyFile(t *testing.T) {
	src := writeTemp(t, "empty.jpg", nil)
	if _, err := (&DataURLStore{}).Upload(context.Background(), src, "k"); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestLocalStoreUploadAndDownload(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root, "http://host:8080/artifacts/", NewFetcher(0))
	src := writeTemp(t, "frame.jpg", jpegHeader)

	ref, err := store.Upload(context.Background(), src, "../sess/frames/clip_01.jpg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "http://host:8080/artifacts/sess/frames/clip_01.jpg" {
		t.Fatalf("ref = %q", ref)
	}
	if _, err := os.Stat(filepath.Join(root, "sess", "frames", "clip_01.jpg")); err != nil {
		t.Fatalf("artifact not stored under root: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "copy.jpg")
	if err := store.Download(context.Background(), ref, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	dst := filepath.Join(t.TempDir(), "clip.mp4")
	if err := f.Fetch(context.Background(), srv.URL+"/clip.mp4", dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "video-bytes" {
		t.Fatalf("got %q", got)
	}

	missing := filepath.Join(t.TempDir(), "missing.mp4")
	err := f.Fetch(context.Background(), srv.URL+"/missing", missing)
	var fe *FetchError
	if !errors.As(err, &fe) || !fe.Permanent() {
		t.Fatalf("expected permanent FetchError, got %v", err)
	}
	if _, statErr := os.Stat(missing); !os.IsNotExist(statErr) {
		t.Fatalf("partial file left behind")
	}
	entries, _ := os.ReadDir(filepath.Dir(missing))
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d", len(entries))
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	err := NewFetcher(0).Fetch(context.Background(), "ftp://host/x", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrUnsupportedRef) {
		t.Fatalf("expected ErrUnsupportedRef, got %v", err)
	}
}

func TestCleanKey(t *testing.T) {
	tests := map[string]string{
		"a/b.jpg":        "a/b.jpg",
		"/a/b.jpg":       "a/b.jpg",
		"../../etc/pass": "etc/pass",
		`a\b.jpg`:        "a/b.jpg",
	}
	for in, want := range tests {
		if got := cleanKey(in); got != want {
			t.Fatalf("cleanKey(%q) = %q, want %q", in, got, want)
		}
	}
}
