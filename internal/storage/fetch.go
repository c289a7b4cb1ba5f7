package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedRef is returned for references the fetcher cannot read.
var ErrUnsupportedRef = errors.New("storage: unsupported reference")

// Fetcher reads http(s) URLs, data URLs, file:// URLs and local paths.
type Fetcher struct {
	HTTPClient *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Fetcher{HTTPClient: &http.Client{Timeout: timeout}}
}

// Fetch writes the content behind ref to dst. The file appears at dst
// only once it is complete.
func (f *Fetcher) Fetch(ctx context.Context, ref, dst string) error {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref, dst)
	case strings.HasPrefix(ref, "data:"):
		data, _, err := DecodeDataURL(ref)
		if err != nil {
			return err
		}
		return writeAtomic(dst, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return err
		}
		return copyFile(u.Path, dst)
	case strings.Contains(ref, "://"):
		return fmt.Errorf("%w: %s", ErrUnsupportedRef, ref[:strings.Index(ref, "://")])
	default:
		return copyFile(ref, dst)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return err
	}
	res, err := f.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &FetchError{StatusCode: res.StatusCode}
	}
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, res.Body)
		return err
	})
}

// FetchError is a non-2xx download response.
type FetchError struct {
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("download: http %d", e.StatusCode)
}

// Permanent reports whether repeating the request cannot help.
func (e *FetchError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout
}

// DecodeDataURL decodes a base64 data URL and returns the payload and its
// media type.
func DecodeDataURL(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("storage: only base64 data urls are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("storage: decode data url: %w", err)
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeAtomic writes into a temp file beside dst and renames it into
// place; the temp file is removed on every failure path.
func writeAtomic(dst string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
