package prefs_test

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-chat-client/internal/prefs"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := prefs.NewMemory("")

	got, err := m.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, m.SetUsername(ctx, "alice"))
	got, err = m.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestPebble_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	p, err := prefs.OpenPebble("prefs", &pebble.Options{FS: fs})
	require.NoError(t, err)

	got, err := p.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got, "fresh database should remember nothing")

	require.NoError(t, p.SetUsername(ctx, "bob"))
	require.NoError(t, p.Close())

	p, err = prefs.OpenPebble("prefs", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer p.Close()

	got, err = p.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", got)
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		opts    prefs.Options
		wantErr bool
	}{
		{"default is memory", prefs.Options{}, false},
		{"memory", prefs.Options{Backend: prefs.BackendMemory}, false},
		{"pebble", prefs.Options{Backend: prefs.BackendPebble, Path: t.TempDir()}, false},
		{"unknown", prefs.Options{Backend: "sqlite"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeFn, err := prefs.Open(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closeFn()

			require.NoError(t, store.SetUsername(context.Background(), "carol"))
			got, err := store.Username(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "carol", got)
		})
	}
}

// TestRedis requires a Redis server; set REDIS_ADDR to run it.
func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	key := "chat:prefs:test:" + t.Name()
	r := prefs.NewRedis(client, key)
	defer func() {
		client.Del(ctx, key)
		r.Close()
	}()

	got, err := r.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, r.SetUsername(ctx, "dave"))
	got, err = r.Username(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dave", got)
}
