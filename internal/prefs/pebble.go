package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

var usernameKey = []byte("prefs:username")

// Pebble stores the username in a local pebble database.
type Pebble struct {
	db *pebble.DB
}

var _ Store = (*Pebble)(nil)

// OpenPebble opens or creates the database at dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if opts.FS == nil {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create prefs dir: %w", err)
		}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open prefs db: %w", err)
	}
	return &Pebble{db: db}, nil
}

// Username implements Store.
func (p *Pebble) Username(ctx context.Context) (string, error) {
	v, closer, err := p.db.Get(usernameKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read username: %w", err)
	}
	defer closer.Close()
	return string(v), nil
}

// SetUsername implements Store.
func (p *Pebble) SetUsername(ctx context.Context, username string) error {
	if err := p.db.Set(usernameKey, []byte(username), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write username: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
