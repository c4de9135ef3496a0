// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package animdb

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/animdb/curve"
	"github.com/bpowers/animdb/internal/container"
)

func waitResident(t *testing.T, db *Database) {
	t.Helper()
	require.Eventually(t, func() bool {
		return db.TierState() == TierResident
	}, 5*time.Second, time.Millisecond)
}

func TestOpenAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	ids := []ClipID{0x10, 0x05, 0x20}
	buildTestDatabase(t, path, ids...)

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	assert.Equal(t, 3, db.NumClips())
	assert.Equal(t, TierIdle, db.TierState())

	for _, id := range ids {
		assert.True(t, db.Contains(id), "0x%08x", uint32(id))
		clip, err := db.FindClip(id)
		require.NoError(t, err)
		assert.Equal(t, uint32(id), clip.IDHash())
		assert.True(t, clip.IsDatabaseResident())
		assert.Equal(t, uint32(4), clip.NumTracks())
		assert.Equal(t, uint32(32), clip.NumSamples())
	}
	assert.False(t, db.Contains(0x9999))
	_, err = db.FindClip(0x9999)
	require.ErrorIs(t, err, ErrStaleMapping)

	// the mapping is sorted by hash and clip offsets are 16-aligned
	var prevHash uint32
	for i, e := range db.view.Mapping {
		if i > 0 {
			assert.Greater(t, e.Hash(), prevHash)
		}
		prevHash = e.Hash()
		assert.Zero(t, e.Offset()%container.ClipAlignment)
	}
}

func TestStreamLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	buildTestDatabase(t, path, 0x10, 0x20)
	want := testTracks(t, 4, 32, 0) // seed matches the first clip in buildTestDatabase

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	// before any stream-in, decompression holds decimated samples
	held, err := db.Decompress(0x10)
	require.NoError(t, err)
	assert.Equal(t, want.NumSamples, held.NumSamples)
	assert.Equal(t, want.At(0, 4), held.At(0, 5), "sample 5 should hold sample 4 at stride 4")
	assert.NotEqual(t, want.At(0, 5), held.At(0, 5))

	assert.Equal(t, Dispatched, db.StreamIn())
	waitResident(t, db)
	assert.Equal(t, Done, db.StreamIn())

	got, err := db.Decompress(0x10)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.Equal(t, Dispatched, db.StreamOut())
	assert.Equal(t, TierIdle, db.TierState())
	assert.Equal(t, Done, db.StreamOut())

	held, err = db.Decompress(0x10)
	require.NoError(t, err)
	assert.Equal(t, want.At(0, 4), held.At(0, 5))

	// a second stream-in round trips cleanly after the buffer was freed
	assert.Equal(t, Dispatched, db.StreamIn())
	waitResident(t, db)
	got, err = db.Decompress(0x10)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConcurrentReadersDuringStreaming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	ids := []ClipID{1, 2, 3, 4}
	buildTestDatabase(t, path, ids...)

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	// readers run across the idle -> streaming -> resident transition;
	// every result must be a valid pose at either tier
	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(id ClipID) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					tracks, err := db.Decompress(id)
					assert.NoError(t, err)
					assert.Equal(t, uint32(32), tracks.NumSamples)
				}
			}(id)
		}
	}
	db.StreamIn()
	wg.Wait()
	waitResident(t, db)
}

func TestOpenBytesJoined(t *testing.T) {
	clip, err := curve.Compress(0x42, testTracks(t, 2, 16, 3), curve.DefaultSettings())
	require.NoError(t, err)
	dbClips, bulk, err := curve.BuildDatabase([]*curve.Clip{clip}, curve.DefaultDatabaseSettings())
	require.NoError(t, err)
	joined, err := container.Encode([][]byte{dbClips[0].Bytes()}, []uint32{0x42}, bulk)
	require.NoError(t, err)

	db, err := OpenBytes(joined, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	// the null streamer completes inline
	assert.Equal(t, Dispatched, db.StreamIn())
	waitResident(t, db)
	got, err := db.Decompress(0x42)
	require.NoError(t, err)
	assert.Equal(t, testTracks(t, 2, 16, 3), got)
}

func TestOpenBytesSplit(t *testing.T) {
	clip, err := curve.Compress(0x42, testTracks(t, 2, 16, 3), curve.DefaultSettings())
	require.NoError(t, err)
	dbClips, bulk, err := curve.BuildDatabase([]*curve.Clip{clip}, curve.DefaultDatabaseSettings())
	require.NoError(t, err)
	joined, err := container.Encode([][]byte{dbClips[0].Bytes()}, []uint32{0x42}, bulk)
	require.NoError(t, err)
	core, bulkSeg, err := container.Split(joined)
	require.NoError(t, err)

	_, err = OpenBytes(core, bulkSeg[:len(bulkSeg)-1])
	require.ErrorIs(t, err, ErrFormat)
	_, err = OpenBytes(joined, bulkSeg)
	require.ErrorIs(t, err, ErrFormat)

	db, err := OpenBytes(core, bulkSeg)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	db.StreamIn()
	waitResident(t, db)
	got, err := db.Decompress(0x42)
	require.NoError(t, err)
	assert.Equal(t, testTracks(t, 2, 16, 3), got)
}

func TestClosedDatabaseIsInert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	buildTestDatabase(t, path, 0x10)

	db, err := Open(path)
	require.NoError(t, err)
	db.StreamIn()
	waitResident(t, db)
	require.NoError(t, db.Close())

	// no panic and no new I/O after teardown
	db.WaitForStreaming()
	require.Equal(t, TierUninitialized, db.TierState())
	require.Equal(t, NotInitialized, db.StreamIn())
	require.Equal(t, NotInitialized, db.StreamOut())
}

func TestOpenMissingBulk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	buildTestDatabase(t, path, 0x10)
	require.NoError(t, os.Remove(bulkPath(path)))

	_, err := Open(path)
	require.Error(t, err)
}

func TestOpenTruncatedCore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clips.adb")
	buildTestDatabase(t, path, 0x10)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.adb")
	require.NoError(t, os.WriteFile(truncated, raw[:len(raw)-8], 0644))

	_, err = Open(truncated)
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecompressClipStandalone(t *testing.T) {
	want := testTracks(t, 3, 20, 7)
	clip, err := curve.Compress(0x77, want, curve.DefaultSettings())
	require.NoError(t, err)

	got, err := DecompressClip(clip.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecompressClipStaleMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	buildTestDatabase(t, path, 0x10, 0x20)

	// a database-resident clip from a different build
	orphan, err := curve.Compress(0x7777, testTracks(t, 2, 16, 9), curve.DefaultSettings())
	require.NoError(t, err)
	orphanDB, _, err := curve.BuildDatabase([]*curve.Clip{orphan}, curve.DefaultDatabaseSettings())
	require.NoError(t, err)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	db, err := Open(path, WithLogger(logger))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	db.StreamIn()
	waitResident(t, db)

	got, err := DecompressClip(orphanDB[0].Bytes(), db)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), got.NumSamples)
	assert.Contains(t, logBuf.String(), "falling back to clip-only decompression")

	// the held sample betrays the decimated tier: the stale clip never
	// reached the resident bulk segment
	full := testTracks(t, 2, 16, 9)
	assert.Equal(t, full.At(0, 4), got.At(0, 5))
}

func TestDecompressClipThroughDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clips.adb")
	buildTestDatabase(t, path, 0x10)

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	db.StreamIn()
	waitResident(t, db)

	raw, err := db.ClipBytes(0x10)
	require.NoError(t, err)
	got, err := DecompressClip(raw, db)
	require.NoError(t, err)
	assert.Equal(t, testTracks(t, 4, 32, 0), got)
}
