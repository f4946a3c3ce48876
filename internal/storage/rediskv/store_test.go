package rediskv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durastore/durastore/pkg/types"
)

var _ types.KVStore = (*Store)(nil)

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cache/", "cache/"},
		{"cache/a*b", `cache/a\*b`},
		{"k?[x]", `k\?\[x\]`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeGlob(tt.in), "escapeGlob(%q)", tt.in)
	}
}

func TestOpen_RequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

// The round trip needs a real server: set DURASTORE_REDIS_ADDR to run it.
func TestStoreAgainstServer(t *testing.T) {
	addr := os.Getenv("DURASTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("DURASTORE_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ns := fmt.Sprintf("durastore-test-%d:", time.Now().UnixNano())
	store, err := Open(ctx, Config{Addr: addr, Namespace: ns})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.HealthCheck(ctx))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrKeyNotFound)

	for _, k := range []string{"cache/a", "cache/b", "cache*/c", "entity/n/1"} {
		require.NoError(t, store.Set(ctx, k, []byte(k)))
	}

	got, err := store.Get(ctx, "cache/a")
	require.NoError(t, err)
	assert.Equal(t, "cache/a", string(got))

	keys, err := store.ListKeys(ctx, "cache/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache/a", "cache/b"}, keys)

	all, err := store.ListKeys(ctx, "")
	require.NoError(t, err)
	for _, k := range all {
		require.NoError(t, store.Remove(ctx, k))
	}
	left, err := store.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, left)
}
