// Package session persists one workflow record per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"framechain/internal/config"
	"framechain/internal/model"
)

var (
	ErrNotFound  = errors.New("session: not found")
	ErrInvalidID = errors.New("session: invalid id")
)

// Store is the persistence boundary of the orchestrator. Implementations
// store and return copies; callers never share a record.
type Store interface {
	Load(ctx context.Context, id string) (*model.WorkflowState, error)
	Save(ctx context.Context, st *model.WorkflowState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.WorkflowState, error)
}

// Locker is implemented by stores that several processes can share. The
// lock covers a whole workflow step, not a single Load or Save.
type Locker interface {
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// Open builds the store selected by cfg.Sessions.Backend.
func Open(ctx context.Context, cfg config.SessionsConfig, log logrus.FieldLogger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, log)
	default:
		return nil, fmt.Errorf("session: unknown backend %q", cfg.Backend)
	}
}

func validID(id string) error {
	if id == "" || len(id) > 128 || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// MemoryStore 进程内存储，用于测试和单次运行
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*model.WorkflowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.WorkflowState)}
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*model.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, st *model.WorkflowState) error {
	if err := validID(st.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*model.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.WorkflowState, 0, len(m.items))
	for _, st := range m.items {
		out = append(out, st.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}
