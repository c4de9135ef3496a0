// Copyright 2023 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mapping implements the sorted clip-offset lookup table that maps
// a 32-bit clip identifier hash to the byte offset of that clip's record
// inside a merged database container.
//
// Entries are packed as (hash << 32) | offset into single 64-bit values so
// that sorting by the packed value sorts by hash first.  The table is built
// once per database build and is immutable afterwards, which makes lookups
// safe from any number of concurrent reader goroutines.
package mapping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// EntrySize is the on-disk size of a single packed entry.
const EntrySize = 8

var ErrDuplicateHash = errors.New("duplicate clip hash in mapping")

// Entry packs a clip hash and container byte offset into 64 bits.
type Entry uint64

func NewEntry(hash, offset uint32) Entry {
	return Entry(uint64(hash)<<32 | uint64(offset))
}

func (e Entry) Hash() uint32 {
	return uint32(uint64(e) >> 32)
}

func (e Entry) Offset() uint32 {
	return uint32(uint64(e))
}

// Table is an immutable sequence of entries sorted ascending by hash.
type Table []Entry

// Build packs the positional (hash, offset) pairs into a sorted table.
// Hashes must be unique within one container -- a collision means two clip
// names hashed identically and the build must fail rather than silently
// shadow one of them.
func Build(hashes, offsets []uint32) (Table, error) {
	if len(hashes) != len(offsets) {
		return nil, fmt.Errorf("mapping.Build: %d hashes but %d offsets", len(hashes), len(offsets))
	}

	t := make(Table, len(hashes))
	for i := range hashes {
		t[i] = NewEntry(hashes[i], offsets[i])
	}

	// sorting the packed values sorts by hash first, since it lives in
	// the top bits
	sort.Slice(t, func(i, j int) bool { return t[i] < t[j] })

	for i := 1; i < len(t); i++ {
		if t[i].Hash() == t[i-1].Hash() {
			return nil, fmt.Errorf("%w: 0x%08x", ErrDuplicateHash, t[i].Hash())
		}
	}

	return t, nil
}

// FindOffset returns the container byte offset for the clip with the given
// hash, or false if the hash isn't present (the referencing clip no longer
// belongs to this database build).
func (t Table) FindOffset(hash uint32) (uint32, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].Hash() >= hash })
	if i >= len(t) || t[i].Hash() != hash {
		return 0, false
	}
	return t[i].Offset(), true
}

// MarshalTo writes the table in its on-disk little-endian form.  The
// destination must be at least len(t)*EntrySize bytes.
func (t Table) MarshalTo(dst []byte) error {
	if len(dst) < len(t)*EntrySize {
		return fmt.Errorf("mapping.MarshalTo: dst too short: %d < %d", len(dst), len(t)*EntrySize)
	}
	for i, e := range t {
		binary.LittleEndian.PutUint64(dst[i*EntrySize:], uint64(e))
	}
	return nil
}

// Unmarshal interprets b as a sorted on-disk table.
func Unmarshal(b []byte) (Table, error) {
	if len(b)%EntrySize != 0 {
		return nil, fmt.Errorf("mapping.Unmarshal: length %d not a multiple of %d", len(b), EntrySize)
	}
	t := make(Table, len(b)/EntrySize)
	for i := range t {
		t[i] = Entry(binary.LittleEndian.Uint64(b[i*EntrySize:]))
	}
	for i := 1; i < len(t); i++ {
		if t[i] <= t[i-1] {
			return nil, fmt.Errorf("mapping.Unmarshal: entries not sorted at index %d", i)
		}
	}
	return t, nil
}
