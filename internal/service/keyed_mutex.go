package service

import (
	"context"
	"sync"

	"framechain/internal/session"
)

// keyedMutex serializes work per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// acquire serializes mutations of one session inside this process and,
// when the store is a session.Locker, across every process sharing it.
func (o *Orchestrator) acquire(ctx context.Context, id string) (func(), error) {
	unlock := o.locks.Lock(id)
	locker, ok := o.store.(session.Locker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.Lock(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}
