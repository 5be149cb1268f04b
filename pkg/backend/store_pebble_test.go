package backend

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/container"
)

func TestPebbleStore_RoundTrip(t *testing.T) {
	s := newMemPebble(t)

	e := versioned("user:1", "alice", 7)
	e.Metadata.Lifespan = time.Minute

	require.NoError(t, s.Store(t.Context(), e))

	got, ok, err := s.Load(t.Context(), "user:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", got.Value)
	assert.Equal(t, uint64(7), got.Metadata.Version)
	assert.Equal(t, time.Minute, got.Metadata.Lifespan)

	_, ok, err = s.Load(t.Context(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPebbleStore_LoadAllKeys(t *testing.T) {
	s := newMemPebble(t)

	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, s.Store(t.Context(), container.NewEntry(k, k)))
	}

	require.NoError(t, s.Delete(t.Context(), "c"))

	keys, err := s.LoadAllKeys(t.Context())
	require.NoError(t, err)

	slices.Sort(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.False(t, s.Shared())
}

func TestPebbleStore_Errors(t *testing.T) {
	s := newMemPebble(t)

	err := s.Store(t.Context(), container.NewEntry("k", nil))
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))

	err = s.Delete(t.Context(), "")
	assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Close(), sentinel.ErrStoreClosed))
}
