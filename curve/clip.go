// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package curve is the compression collaborator for animdb: it turns raw
// transform tracks into self-describing compressed clip blobs, rewrites
// clips into database-resident variants whose full-quality payload lives in
// a shared bulk segment, and decompresses clips against whichever database
// tiers are currently resident.
//
// A clip looks like:
//
//	 0    4    8    12   16   20   24   28   32
//	+----+----+----+----+----+----+----+----+
//	|magc|v |f|t| size  | id hash | tracks  |
//	+----+----+----+----+----+----+----+----+
//	|samples |rate     |checksum |plen|rlen |
//	+----+----+----+----+----+----+----+----+
//	|bulk off |bulk len |bulk raw |bulk ck  |
//	+----+----+----+----+----+----+----+----+
//	|stride   |bt| reserved       | payload.|
//	+----+----+----+----+----+----+----+----+
//
// All fields are little-endian.  The payload of a standalone clip is the
// full-quality sample data; a database-resident clip keeps only a decimated
// low-quality payload inline and references its full-quality payload by
// (offset, length) inside the shared bulk segment.  The header tag byte
// describes the inline payload; the bulk tag byte (bt) describes the bulk
// payload, which keeps the compression it had as a standalone clip even
// when the small decimated payload falls back to raw storage.
package curve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dgryski/go-farm"
)

const (
	clipMagic   = uint32(0x434c4341) // "ACLC"
	clipVersion = uint16(1)

	// ClipHeaderSize is the fixed size of a clip header.
	ClipHeaderSize = 64

	flagDatabaseResident = uint8(1 << 0)
)

var (
	ErrInvalidClip = errors.New("invalid compressed clip")
)

// Clip is a parsed view over a compressed clip blob.  The raw bytes stay
// authoritative; a Clip never outlives or mutates them.
type Clip struct {
	raw []byte

	idHash     uint32
	flags      uint8
	tag        CompressionTag
	numTracks  uint32
	numSamples uint32
	sampleRate float32

	payloadChecksum uint32
	payloadLen      uint32
	payloadRawLen   uint32

	bulkOffset   uint32
	bulkLen      uint32
	bulkRawLen   uint32
	bulkChecksum uint32
	bulkTag      CompressionTag

	coreStride uint32
}

// Settings configures clip compression.
type Settings struct {
	// Tag selects the payload compression algorithm.
	Tag CompressionTag
}

// DefaultSettings is what the authoring pipeline uses unless overridden.
func DefaultSettings() Settings {
	return Settings{Tag: CompressionBG4LZ4}
}

// Compress serializes and compresses tracks into a standalone clip blob.
// The id hash identifies the clip within a database build.
func Compress(idHash uint32, tracks *Tracks, settings Settings) (*Clip, error) {
	if tracks == nil || tracks.NumTracks == 0 || tracks.NumSamples == 0 {
		return nil, fmt.Errorf("%w: empty tracks", ErrInvalidClip)
	}
	raw := tracks.marshal()
	return assembleClip(idHash, tracks, settings.Tag, raw, 0, bulkRef{})
}

type bulkRef struct {
	offset   uint32
	length   uint32
	rawLen   uint32
	checksum uint32
	tag      CompressionTag
}

func assembleClip(idHash uint32, tracks *Tracks, tag CompressionTag, rawPayload []byte, stride uint32, bulk bulkRef) (*Clip, error) {
	stored, storedTag, err := compressPayload(rawPayload, tag)
	if err != nil {
		return nil, fmt.Errorf("compressPayload: %w", err)
	}

	flags := uint8(0)
	if stride > 0 {
		flags |= flagDatabaseResident
	}

	buf := make([]byte, ClipHeaderSize+len(stored))
	binary.LittleEndian.PutUint32(buf[0:], clipMagic)
	binary.LittleEndian.PutUint16(buf[4:], clipVersion)
	buf[6] = flags
	buf[7] = uint8(storedTag)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[12:], idHash)
	binary.LittleEndian.PutUint32(buf[16:], tracks.NumTracks)
	binary.LittleEndian.PutUint32(buf[20:], tracks.NumSamples)
	binary.LittleEndian.PutUint32(buf[24:], math.Float32bits(tracks.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(farm.Hash64(stored)))
	binary.LittleEndian.PutUint32(buf[32:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(buf[36:], uint32(len(rawPayload)))
	binary.LittleEndian.PutUint32(buf[40:], bulk.offset)
	binary.LittleEndian.PutUint32(buf[44:], bulk.length)
	binary.LittleEndian.PutUint32(buf[48:], bulk.rawLen)
	binary.LittleEndian.PutUint32(buf[52:], bulk.checksum)
	binary.LittleEndian.PutUint32(buf[56:], stride)
	buf[60] = uint8(bulk.tag)
	copy(buf[ClipHeaderSize:], stored)

	return ParseClip(buf)
}

// ParseClip validates b's header and returns a view over it.  All failures
// wrap ErrInvalidClip.
func ParseClip(b []byte) (*Clip, error) {
	if len(b) < ClipHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrInvalidClip, len(b), ClipHeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != clipMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidClip, magic)
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != clipVersion {
		return nil, fmt.Errorf("%w: unsupported clip version %d", ErrInvalidClip, v)
	}

	size := binary.LittleEndian.Uint32(b[8:])
	if int(size) < ClipHeaderSize || int(size) > len(b) {
		return nil, fmt.Errorf("%w: embedded size %d out of range (have %d bytes)", ErrInvalidClip, size, len(b))
	}

	c := &Clip{
		raw:             b[:size],
		flags:           b[6],
		tag:             CompressionTag(b[7]),
		idHash:          binary.LittleEndian.Uint32(b[12:]),
		numTracks:       binary.LittleEndian.Uint32(b[16:]),
		numSamples:      binary.LittleEndian.Uint32(b[20:]),
		sampleRate:      math.Float32frombits(binary.LittleEndian.Uint32(b[24:])),
		payloadChecksum: binary.LittleEndian.Uint32(b[28:]),
		payloadLen:      binary.LittleEndian.Uint32(b[32:]),
		payloadRawLen:   binary.LittleEndian.Uint32(b[36:]),
		bulkOffset:      binary.LittleEndian.Uint32(b[40:]),
		bulkLen:         binary.LittleEndian.Uint32(b[44:]),
		bulkRawLen:      binary.LittleEndian.Uint32(b[48:]),
		bulkChecksum:    binary.LittleEndian.Uint32(b[52:]),
		coreStride:      binary.LittleEndian.Uint32(b[56:]),
		bulkTag:         CompressionTag(b[60]),
	}

	if int(c.payloadLen) != int(size)-ClipHeaderSize {
		return nil, fmt.Errorf("%w: payload length %d disagrees with clip size %d", ErrInvalidClip, c.payloadLen, size)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate performs the header-level validity check: field consistency plus
// the payload checksum.
func (c *Clip) Validate() error {
	if c.numTracks == 0 || c.numSamples == 0 {
		return fmt.Errorf("%w: zero tracks or samples", ErrInvalidClip)
	}
	if c.IsDatabaseResident() && c.coreStride == 0 {
		return fmt.Errorf("%w: database-resident clip with zero stride", ErrInvalidClip)
	}
	payload := c.raw[ClipHeaderSize:]
	if checksum := uint32(farm.Hash64(payload)); checksum != c.payloadChecksum {
		return fmt.Errorf("%w: payload checksum mismatch (0x%08x != 0x%08x)", ErrInvalidClip, checksum, c.payloadChecksum)
	}
	return nil
}

// Bytes returns the clip's raw serialized form.
func (c *Clip) Bytes() []byte {
	return c.raw
}

// Size returns the serialized length in bytes.
func (c *Clip) Size() uint32 {
	return uint32(len(c.raw))
}

// IDHash returns the 32-bit clip identifier hash embedded at compress time.
func (c *Clip) IDHash() uint32 {
	return c.idHash
}

// IsDatabaseResident reports whether the clip's full-quality payload lives
// in a shared database bulk segment.
func (c *Clip) IsDatabaseResident() bool {
	return c.flags&flagDatabaseResident != 0
}

// NumTracks returns the number of bone tracks in the clip.
func (c *Clip) NumTracks() uint32 { return c.numTracks }

// NumSamples returns the full-quality per-track sample count.
func (c *Clip) NumSamples() uint32 { return c.numSamples }

// SampleRate returns the full-quality sample rate in Hz.
func (c *Clip) SampleRate() float32 { return c.sampleRate }

// Tag returns the payload compression tag.
func (c *Clip) Tag() CompressionTag { return c.tag }

// BulkRange returns the clip's (offset, length) into the shared bulk
// segment, both zero for standalone clips.
func (c *Clip) BulkRange() (offset, length uint32) {
	return c.bulkOffset, c.bulkLen
}

func (c *Clip) inlineTracks() (*Tracks, error) {
	raw, err := decompressPayload(c.raw[ClipHeaderSize:], c.tag, int(c.payloadRawLen))
	if err != nil {
		return nil, fmt.Errorf("inline payload: %w", err)
	}

	if !c.IsDatabaseResident() {
		return unmarshalTracks(raw, c.numTracks, c.numSamples, c.sampleRate)
	}

	coreSamples := (c.numSamples + c.coreStride - 1) / c.coreStride
	return unmarshalTracks(raw, c.numTracks, coreSamples, c.sampleRate/float32(c.coreStride))
}
