// Copyright 2023 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package container implements the merged compressed-database container
// format: a fixed header, the sorted clip mapping, a core segment of
// 16-byte-aligned clip records, and a bulk segment that can be split out
// and streamed separately.
//
// A joined container looks like:
//
//	┌───────────────────┐
//	│ header (128 B)    │
//	├───────────────────┤
//	│ clip mapping      │
//	├───────────────────┤
//	│ padding to 16     │
//	├───────────────────┤
//	│ clip records,     │
//	│ each 16-aligned   │
//	├───────────────────┤
//	│ padding to 16     │
//	├───────────────────┤ ← core size
//	│ bulk segment      │
//	└───────────────────┘ ← total size
//
// The pad bytes before the bulk segment belong to the core segment, so
// total size is exactly core size plus bulk size and Split slices at the
// core boundary.  Clip records themselves are never padded at the tail:
// the final clip ends wherever it ends, and only the segment boundary is
// realigned.
//
// All multi-byte fields are little-endian.  The format does not support
// byte-swapped hosts.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"

	"github.com/bpowers/animdb/internal/mapping"
)

const (
	magicContainer = uint32(0x42444341) // "ACDB"
	formatVersion  = uint32(1)

	// HeaderSize is the fixed size of the container header.
	HeaderSize = 128

	// ClipAlignment is the byte alignment of every clip record and of
	// the bulk segment boundary.
	ClipAlignment = 16

	// FlagSplit marks a core blob whose bulk segment is stored
	// out-of-line.
	FlagSplit = uint32(1 << 0)
)

var (
	ErrFormat = errors.New("malformed database container")
	ErrSplit  = errors.New("cannot split container")
)

// Header is the decoded container header.
type Header struct {
	Flags          uint32
	ClipCount      uint32
	TotalSize      uint64
	CoreSize       uint64
	BulkSize       uint64
	MappingOffset  uint64
	MappingLength  uint64
	ClipDataOffset uint64
	CoreDigest     [32]byte
	BulkDigest     [32]byte
}

// MarshalTo writes the header into dst, which must be at least HeaderSize
// bytes.
func (h *Header) MarshalTo(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("header dst too short: %d < %d", len(dst), HeaderSize)
	}
	binary.LittleEndian.PutUint32(dst[0:], magicContainer)
	binary.LittleEndian.PutUint32(dst[4:], formatVersion)
	binary.LittleEndian.PutUint32(dst[8:], h.Flags)
	binary.LittleEndian.PutUint32(dst[12:], h.ClipCount)
	binary.LittleEndian.PutUint64(dst[16:], h.TotalSize)
	binary.LittleEndian.PutUint64(dst[24:], h.CoreSize)
	binary.LittleEndian.PutUint64(dst[32:], h.BulkSize)
	binary.LittleEndian.PutUint64(dst[40:], h.MappingOffset)
	binary.LittleEndian.PutUint64(dst[48:], h.MappingLength)
	binary.LittleEndian.PutUint64(dst[56:], h.ClipDataOffset)
	copy(dst[64:96], h.CoreDigest[:])
	copy(dst[96:128], h.BulkDigest[:])
	return nil
}

// UnmarshalBytes decodes and validates the fixed header fields.
func (h *Header) UnmarshalBytes(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrFormat, len(b), HeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != magicContainer {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrFormat, magic)
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != formatVersion {
		return fmt.Errorf("%w: this library reads v%d containers, found v%d", ErrFormat, formatVersion, v)
	}

	h.Flags = binary.LittleEndian.Uint32(b[8:])
	h.ClipCount = binary.LittleEndian.Uint32(b[12:])
	h.TotalSize = binary.LittleEndian.Uint64(b[16:])
	h.CoreSize = binary.LittleEndian.Uint64(b[24:])
	h.BulkSize = binary.LittleEndian.Uint64(b[32:])
	h.MappingOffset = binary.LittleEndian.Uint64(b[40:])
	h.MappingLength = binary.LittleEndian.Uint64(b[48:])
	h.ClipDataOffset = binary.LittleEndian.Uint64(b[56:])
	copy(h.CoreDigest[:], b[64:96])
	copy(h.BulkDigest[:], b[96:128])

	if h.TotalSize != h.CoreSize+h.BulkSize {
		return fmt.Errorf("%w: total size %d != core %d + bulk %d", ErrFormat, h.TotalSize, h.CoreSize, h.BulkSize)
	}
	if h.BulkSize == 0 {
		return fmt.Errorf("%w: empty bulk segment", ErrFormat)
	}
	if h.MappingOffset != HeaderSize {
		return fmt.Errorf("%w: mapping offset %d, expected %d", ErrFormat, h.MappingOffset, HeaderSize)
	}
	if h.MappingLength != uint64(h.ClipCount)*mapping.EntrySize {
		return fmt.Errorf("%w: mapping length %d disagrees with clip count %d", ErrFormat, h.MappingLength, h.ClipCount)
	}
	if want := alignTo(HeaderSize+h.MappingLength, ClipAlignment); h.ClipDataOffset != want {
		return fmt.Errorf("%w: clip region offset %d, expected %d", ErrFormat, h.ClipDataOffset, want)
	}
	if h.ClipDataOffset > h.CoreSize {
		return fmt.Errorf("%w: clip region offset %d beyond core size %d", ErrFormat, h.ClipDataOffset, h.CoreSize)
	}
	return nil
}

// IsSplit reports whether the bulk segment is stored out-of-line.
func (h *Header) IsSplit() bool {
	return h.Flags&FlagSplit != 0
}

// View is a decoded, validated read-only view over container bytes.
type View struct {
	Header  Header
	Mapping mapping.Table

	data []byte // core bytes (plus inline bulk when joined)
}

// Decode validates b as either a joined container or a split core blob and
// returns a view over it.  All failures wrap ErrFormat; a caller that gets
// an error falls back to "no database" mode rather than crashing.
func Decode(b []byte) (*View, error) {
	var h Header
	if err := h.UnmarshalBytes(b); err != nil {
		return nil, err
	}

	switch {
	case h.IsSplit():
		if uint64(len(b)) != h.CoreSize {
			return nil, fmt.Errorf("%w: split core is %d bytes, header says %d", ErrFormat, len(b), h.CoreSize)
		}
	default:
		if uint64(len(b)) != h.TotalSize {
			return nil, fmt.Errorf("%w: container is %d bytes, header says %d", ErrFormat, len(b), h.TotalSize)
		}
	}

	if digest := blake3.Sum256(b[HeaderSize:h.CoreSize]); digest != h.CoreDigest {
		return nil, fmt.Errorf("%w: core digest mismatch: container corrupted", ErrFormat)
	}
	if !h.IsSplit() {
		if digest := blake3.Sum256(b[h.CoreSize:h.TotalSize]); digest != h.BulkDigest {
			return nil, fmt.Errorf("%w: bulk digest mismatch: container corrupted", ErrFormat)
		}
	}

	tbl, err := mapping.Unmarshal(b[h.MappingOffset : h.MappingOffset+h.MappingLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for _, e := range tbl {
		off := uint64(e.Offset())
		if off < h.ClipDataOffset || off >= h.CoreSize || off%ClipAlignment != 0 {
			return nil, fmt.Errorf("%w: clip 0x%08x has bad offset %d", ErrFormat, e.Hash(), off)
		}
	}

	return &View{Header: h, Mapping: tbl, data: b}, nil
}

// ClipBytes returns the core bytes starting at a clip's offset.  Clip
// records are self-describing, so the slice extends to the end of the core
// segment and the clip codec reads its own length out of it.
func (v *View) ClipBytes(offset uint32) ([]byte, error) {
	off := uint64(offset)
	if off < v.Header.ClipDataOffset || off >= v.Header.CoreSize {
		return nil, fmt.Errorf("%w: clip offset %d outside clip region", ErrFormat, offset)
	}
	return v.data[off:v.Header.CoreSize], nil
}

// InlineBulk returns the bulk segment of a joined container, or nil for a
// split core.
func (v *View) InlineBulk() []byte {
	if v.Header.IsSplit() {
		return nil
	}
	return v.data[v.Header.CoreSize:v.Header.TotalSize]
}

// Encode merges per-clip blobs into one joined container.  Clips are laid
// out in ascending hash order, each record 16-byte aligned, which keeps
// output bytes reproducible for identical inputs and offsets monotonic in
// the sorted mapping.  hashes correspond positionally to clips.
func Encode(clips [][]byte, hashes []uint32, bulk []byte) ([]byte, error) {
	if len(clips) != len(hashes) {
		return nil, fmt.Errorf("container.Encode: %d clips but %d hashes", len(clips), len(hashes))
	}
	if len(clips) == 0 {
		return nil, fmt.Errorf("container.Encode: no clips")
	}
	if len(bulk) == 0 {
		return nil, fmt.Errorf("container.Encode: empty bulk segment")
	}

	// order clip records by hash; mapping.Build both sorts and rejects
	// colliding hashes
	order := make([]uint32, len(hashes))
	for i := range order {
		order[i] = uint32(i)
	}
	tbl, err := mapping.Build(hashes, order)
	if err != nil {
		return nil, fmt.Errorf("container.Encode: %w", err)
	}

	mappingLen := uint64(len(clips)) * mapping.EntrySize
	clipDataOff := alignTo(HeaderSize+mappingLen, ClipAlignment)

	sizes := make([]uint64, len(tbl))
	for i, e := range tbl {
		sizes[i] = uint64(len(clips[e.Offset()]))
	}
	offsets, coreSize, err := layoutClips(clipDataOff, sizes)
	if err != nil {
		return nil, fmt.Errorf("container.Encode: %w", err)
	}

	h := Header{
		ClipCount:      uint32(len(clips)),
		TotalSize:      coreSize + uint64(len(bulk)),
		CoreSize:       coreSize,
		BulkSize:       uint64(len(bulk)),
		MappingOffset:  HeaderSize,
		MappingLength:  mappingLen,
		ClipDataOffset: clipDataOff,
	}

	out := make([]byte, h.TotalSize)
	for i, e := range tbl {
		copy(out[offsets[i]:], clips[e.Offset()])
		tbl[i] = mapping.NewEntry(e.Hash(), offsets[i])
	}
	if err := tbl.MarshalTo(out[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("container.Encode: %w", err)
	}
	copy(out[coreSize:], bulk)

	h.CoreDigest = blake3.Sum256(out[HeaderSize:coreSize])
	h.BulkDigest = blake3.Sum256(bulk)
	if err := h.MarshalTo(out); err != nil {
		return nil, fmt.Errorf("container.Encode: %w", err)
	}
	return out, nil
}

// Split separates a joined container into its core and bulk segments so
// they can be persisted as independently addressable blobs.  The returned
// core carries the split flag; Join reverses the operation byte-exactly.
func Split(joined []byte) (core, bulk []byte, err error) {
	v, err := Decode(joined)
	if err != nil {
		return nil, nil, err
	}
	if v.Header.IsSplit() {
		return nil, nil, fmt.Errorf("%w: already split", ErrSplit)
	}

	core = append([]byte(nil), joined[:v.Header.CoreSize]...)
	bulk = append([]byte(nil), joined[v.Header.CoreSize:]...)

	// the split flag is the only header difference between the two forms;
	// digests cover payload regions only, so flipping it is safe
	binary.LittleEndian.PutUint32(core[8:], v.Header.Flags|FlagSplit)
	return core, bulk, nil
}

// Join reassembles a split core and bulk into the original joined
// container.  The output is byte-identical to the pre-split container.
func Join(core, bulk []byte) ([]byte, error) {
	v, err := Decode(core)
	if err != nil {
		return nil, err
	}
	if !v.Header.IsSplit() {
		return nil, fmt.Errorf("%w: core is not split", ErrFormat)
	}
	if uint64(len(bulk)) != v.Header.BulkSize {
		return nil, fmt.Errorf("%w: bulk is %d bytes, header says %d", ErrFormat, len(bulk), v.Header.BulkSize)
	}
	if digest := blake3.Sum256(bulk); digest != v.Header.BulkDigest {
		return nil, fmt.Errorf("%w: bulk digest mismatch", ErrFormat)
	}

	out := make([]byte, 0, v.Header.TotalSize)
	out = append(out, core...)
	out = append(out, bulk...)
	binary.LittleEndian.PutUint32(out[8:], v.Header.Flags&^FlagSplit)
	return out, nil
}

// layoutClips assigns a 16-aligned offset to each clip record.  Mapping
// offsets are 32-bit on disk, so a core segment large enough to overflow
// them fails the encode instead of emitting a truncated mapping.
func layoutClips(clipDataOff uint64, sizes []uint64) ([]uint32, uint64, error) {
	offsets := make([]uint32, len(sizes))
	off := clipDataOff
	for i, size := range sizes {
		off = alignTo(off, ClipAlignment)
		offsets[i] = uint32(off)
		off += size
	}
	coreSize := alignTo(off, ClipAlignment)
	if coreSize > math.MaxUint32 {
		return nil, 0, fmt.Errorf("%w: core segment is %d bytes, clip offsets are 32-bit", ErrFormat, coreSize)
	}
	return offsets, coreSize, nil
}

func alignTo(n, alignment uint64) uint64 {
	if r := n % alignment; r != 0 {
		return n + alignment - r
	}
	return n
}
