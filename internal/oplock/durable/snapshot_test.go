package durable

import (
	"testing"

	"github.com/oncfsd/oncfsd/internal/oplock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndScanRoundTrip(t *testing.T) {
	snap, err := Open(t.TempDir())
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, snap.Put("/a", oplock.Exclusive, 1))
	require.NoError(t, snap.Put("/b", oplock.LevelII, 2))

	records, err := snap.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)

	byPath := map[string]Record{}
	for _, r := range records {
		byPath[r.Path] = r
	}
	assert.Equal(t, oplock.Exclusive, byPath["/a"].Type)
	assert.Equal(t, 1, byPath["/a"].OwnerCount)
	assert.Equal(t, oplock.LevelII, byPath["/b"].Type)
	assert.Equal(t, 2, byPath["/b"].OwnerCount)
}

func TestPutNoneDeletesRecord(t *testing.T) {
	snap, err := Open(t.TempDir())
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, snap.Put("/a", oplock.Exclusive, 1))
	require.NoError(t, snap.Put("/a", oplock.None, 0))

	records, err := snap.Scan()
	require.NoError(t, err)
	assert.Empty(t, records)
}
