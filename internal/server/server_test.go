package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redisd/internal/rdb"
	"redisd/internal/store"
)

func TestHydrateSnapshotPreservesAbsoluteExpiry(t *testing.T) {
	st := store.New()
	future := time.Now().Add(time.Hour).UnixMilli()
	snap := &rdb.Snapshot{DB: rdb.Database{Entries: []rdb.Entry{
		{Key: "fresh", Value: "v1", ExpireAt: future},
		{Key: "eternal", Value: "v2"},
	}}}

	hydrateSnapshot(st, snap)

	v, ok, err := st.GetString("fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	v, ok, err = st.GetString("eternal")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestHydrateSnapshotDropsAlreadyExpiredEntries(t *testing.T) {
	st := store.New()
	past := time.Now().Add(-time.Hour).UnixMilli()
	snap := &rdb.Snapshot{DB: rdb.Database{Entries: []rdb.Entry{
		{Key: "stale", Value: "v1", ExpireAt: past},
	}}}

	hydrateSnapshot(st, snap)

	_, ok, err := st.GetString("stale")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHydrateSnapshotNilIsNoop(t *testing.T) {
	st := store.New()
	hydrateSnapshot(st, nil)
	_, ok, err := st.GetString("anything")
	require.NoError(t, err)
	require.False(t, ok)
}
