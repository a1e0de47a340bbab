// Package prefs persists the username the user last chose so that it can be
// restored on the next connection.
package prefs

import (
	"context"
	"fmt"
	"sync"
)

// Store reads and writes the remembered username. An empty string means
// nothing is remembered.
type Store interface {
	Username(ctx context.Context) (string, error)
	SetUsername(ctx context.Context, username string) error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendPebble Backend = "pebble"
	BackendRedis  Backend = "redis"
)

// Memory keeps the username in process memory.
type Memory struct {
	mu       sync.RWMutex
	username string
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store holding username.
func NewMemory(username string) *Memory {
	return &Memory{username: username}
}

// Username implements Store.
func (m *Memory) Username(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.username, nil
}

// SetUsername implements Store.
func (m *Memory) SetUsername(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username = username
	return nil
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend   Backend
	Path      string
	RedisAddr string
	RedisKey  string
}

// Open creates the Store described by opts. The returned func releases the
// backend.
func Open(opts Options) (Store, func() error, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(""), func() error { return nil }, nil
	case BackendPebble:
		p, err := OpenPebble(opts.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case BackendRedis:
		r := DialRedis(opts.RedisAddr, opts.RedisKey)
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown prefs backend %q", opts.Backend)
	}
}
