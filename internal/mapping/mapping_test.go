// Copyright 2023 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package mapping

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryPacking(t *testing.T) {
	e := NewEntry(0xdeadbeef, 0x120)
	require.Equal(t, uint32(0xdeadbeef), e.Hash())
	require.Equal(t, uint32(0x120), e.Offset())
}

func TestBuildSortsByHash(t *testing.T) {
	// offsets are assigned in input order; the mapping must come out
	// sorted by hash
	tbl, err := Build([]uint32{0x10, 0x05, 0x20}, []uint32{128, 256, 512})
	require.NoError(t, err)
	require.Len(t, tbl, 3)

	require.Equal(t, uint32(0x05), tbl[0].Hash())
	require.Equal(t, uint32(0x10), tbl[1].Hash())
	require.Equal(t, uint32(0x20), tbl[2].Hash())

	off, ok := tbl.FindOffset(0x05)
	require.True(t, ok)
	require.Equal(t, uint32(256), off)
	off, ok = tbl.FindOffset(0x10)
	require.True(t, ok)
	require.Equal(t, uint32(128), off)
	off, ok = tbl.FindOffset(0x20)
	require.True(t, ok)
	require.Equal(t, uint32(512), off)
}

func TestBuildRejectsDuplicates(t *testing.T) {
	_, err := Build([]uint32{7, 3, 7}, []uint32{0, 16, 32})
	require.ErrorIs(t, err, ErrDuplicateHash)
}

func TestFindOffsetEmptyAndSingle(t *testing.T) {
	var empty Table
	_, ok := empty.FindOffset(42)
	assert.False(t, ok)

	single, err := Build([]uint32{42}, []uint32{1024})
	require.NoError(t, err)
	off, ok := single.FindOffset(42)
	require.True(t, ok)
	assert.Equal(t, uint32(1024), off)
	_, ok = single.FindOffset(41)
	assert.False(t, ok)
	_, ok = single.FindOffset(43)
	assert.False(t, ok)
}

func TestFindOffsetLarge(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))

	const n = 1000
	seen := make(map[uint32]bool, n)
	hashes := make([]uint32, 0, n)
	offsets := make([]uint32, 0, n)
	for len(hashes) < n {
		h := rng.Uint32()
		if seen[h] {
			continue
		}
		seen[h] = true
		hashes = append(hashes, h)
		offsets = append(offsets, uint32(len(hashes)*16))
	}

	tbl, err := Build(hashes, offsets)
	require.NoError(t, err)

	for i, h := range hashes {
		off, ok := tbl.FindOffset(h)
		require.True(t, ok)
		require.Equal(t, offsets[i], off)
	}

	for i := 0; i < n; i++ {
		h := rng.Uint32()
		if seen[h] {
			continue
		}
		_, ok := tbl.FindOffset(h)
		require.False(t, ok)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	tbl, err := Build([]uint32{9, 1, 4}, []uint32{16, 32, 48})
	require.NoError(t, err)

	buf := make([]byte, len(tbl)*EntrySize)
	require.NoError(t, tbl.MarshalTo(buf))

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, tbl, got)

	_, err = Unmarshal(buf[:EntrySize+1])
	assert.Error(t, err)
}

func TestUnmarshalRejectsUnsorted(t *testing.T) {
	tbl := Table{NewEntry(2, 0), NewEntry(1, 16)}
	buf := make([]byte, len(tbl)*EntrySize)
	require.NoError(t, tbl.MarshalTo(buf))

	_, err := Unmarshal(buf)
	require.Error(t, err)
}
