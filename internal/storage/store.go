// Package storage turns local artifacts into references the video provider
// can fetch, and fetches references back into local files.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"framechain/internal/config"
)

// Store uploads local blobs and downloads references.
type Store interface {
	// Upload makes the file at localPath fetchable under key and returns
	// the public reference.
	Upload(ctx context.Context, localPath, key string) (string, error)
	// Download writes the content behind ref to dst.
	Download(ctx context.Context, ref, dst string) error
}

// New builds the store selected by cfg.Artifacts.Backend.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (Store, error) {
	fetcher := NewFetcher(cfg.Video.DownloadTimeout)
	switch cfg.Artifacts.Backend {
	case "dataurl":
		return &DataURLStore{Fetcher: fetcher}, nil
	case "local":
		return NewLocalStore(path.Join(cfg.Workdir, "artifacts"), cfg.Server.PublicBaseURL+"/artifacts", fetcher), nil
	case "s3":
		return NewS3Store(ctx, cfg.Artifacts.S3, fetcher, log)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Artifacts.Backend)
	}
}

// cleanKey keeps keys relative and free of parent references.
func cleanKey(key string) string {
	key = path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	return strings.TrimPrefix(key, "/")
}
