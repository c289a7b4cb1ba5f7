package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// MaxDataURLBytes caps files embedded as data URLs.
const MaxDataURLBytes = 10 << 20

// DataURLStore embeds frames directly in the generation request as base64
// data URLs, so chaining works without any object storage.
type DataURLStore struct {
	Fetcher *Fetcher
}

func (s *DataURLStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("storage: %s is empty", localPath)
	}
	if len(data) > MaxDataURLBytes {
		return "", fmt.Errorf("storage: %s is %d bytes, data urls are limited to %d", localPath, len(data), MaxDataURLBytes)
	}
	mime := mimetype.Detect(data)
	return "data:" + mime.String() + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (s *DataURLStore) Download(ctx context.Context, ref, dst string) error {
	return s.Fetcher.Fetch(ctx, ref, dst)
}
