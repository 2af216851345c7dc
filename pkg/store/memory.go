package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is a fixed, in-process user list for local runs and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Profile
}

func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	d.users[strings.ToLower(p.Username)] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Lookup(ctx context.Context, username string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	d.mu.RLock()
	p, ok := d.users[strings.ToLower(strings.TrimSpace(username))]
	d.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// MemoryContextStore keeps contexts in a map without expiry.
type MemoryContextStore struct {
	mu   sync.RWMutex
	data map[int64]Context
}

func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{data: make(map[int64]Context)}
}

func (s *MemoryContextStore) Load(ctx context.Context, userID int64) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[userID], nil
}

func (s *MemoryContextStore) Save(ctx context.Context, userID int64, c Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data[userID] = c
	s.mu.Unlock()
	return nil
}

// NoContextStore always returns an empty context.
type NoContextStore struct{}

func (NoContextStore) Load(context.Context, int64) (Context, error) { return Context{}, nil }

func (NoContextStore) Save(context.Context, int64, Context) error { return nil }
