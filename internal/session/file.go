package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"framechain/internal/model"
)

// FileStore keeps sessions/<id>.json. Each record has a sibling lock file
// guarding reads and writes, and a run lock held by whoever is stepping the
// workflow, so several processes can share the directory.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", dir, err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

func (s *FileStore) lock(id string) *flock.Flock {
	return flock.New(s.path(id) + ".lock")
}

// runLockRetry is how often a blocked Lock tries the run lock again.
const runLockRetry = 50 * time.Millisecond

// Lock takes <id>.run.lock, waiting until it is free or ctx is done.
func (s *FileStore) Lock(ctx context.Context, id string) (func(), error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	l := flock.New(filepath.Join(s.Dir, id+".run.lock"))
	ok, err := l.TryLockContext(ctx, runLockRetry)
	if err != nil {
		return nil, fmt.Errorf("session: run lock %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("session: run lock %s not acquired", id)
	}
	return func() { l.Unlock() }, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*model.WorkflowState, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	l := s.lock(id)
	if err := l.RLock(); err != nil {
		return nil, fmt.Errorf("session: lock %s: %w", id, err)
	}
	defer l.Unlock()
	return s.read(s.path(id))
}

func (s *FileStore) read(path string) (*model.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st model.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", filepath.Base(path), err)
	}
	return &st, nil
}

func (s *FileStore) Save(ctx context.Context, st *model.WorkflowState) error {
	if err := validID(st.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	l := s.lock(st.ID)
	if err := l.Lock(); err != nil {
		return fmt.Errorf("session: lock %s: %w", st.ID, err)
	}
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.Dir, "."+st.ID+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(st.ID)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	l := s.lock(id)
	if err := l.Lock(); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	l.Unlock()
	os.Remove(s.path(id) + ".lock")
	os.Remove(filepath.Join(s.Dir, id+".run.lock"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]*model.WorkflowState, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []*model.WorkflowState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			// 跳过损坏或正在删除的记录
			continue
		}
		out = append(out, st)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(states []*model.WorkflowState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
}
