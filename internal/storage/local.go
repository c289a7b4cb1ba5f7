package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// LocalStore copies artifacts under Root and serves them from PublicBase,
// which the HTTP shell maps onto Root.
type LocalStore struct {
	Root       string
	PublicBase string
	Fetcher    *Fetcher
}

func NewLocalStore(root, publicBase string, fetcher *Fetcher) *LocalStore {
	return &LocalStore{Root: root, PublicBase: strings.TrimRight(publicBase, "/"), Fetcher: fetcher}
}

func (s *LocalStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", errors.New("storage: empty key")
	}
	if err := copyFile(localPath, filepath.Join(s.Root, filepath.FromSlash(key))); err != nil {
		return "", err
	}
	return s.PublicBase + "/" + key, nil
}

// Download reads refs under PublicBase straight from disk.
func (s *LocalStore) Download(ctx context.Context, ref, dst string) error {
	if rest, ok := strings.CutPrefix(ref, s.PublicBase+"/"); ok {
		return copyFile(filepath.Join(s.Root, filepath.FromSlash(cleanKey(rest))), dst)
	}
	return s.Fetcher.Fetch(ctx, ref, dst)
}
