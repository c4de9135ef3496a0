// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package curve

import (
	"errors"
	"fmt"

	"github.com/dgryski/go-farm"
)

var (
	ErrMerge = errors.New("cannot merge clips into a database")
)

// bulkAlignment is the byte alignment of every per-clip payload inside the
// shared bulk segment.
const bulkAlignment = 16

// DatabaseSettings configures the database merge primitive.
type DatabaseSettings struct {
	// CoreStride is the decimation stride of the inline low-quality
	// tier: a database-resident clip keeps every CoreStride-th sample
	// inline and the full sample set in the bulk segment.
	CoreStride uint32
}

// DefaultDatabaseSettings matches what the authoring pipeline uses.
func DefaultDatabaseSettings() DatabaseSettings {
	return DatabaseSettings{CoreStride: 4}
}

// BulkSource supplies the shared bulk segment during decompression.  It
// returns nil when the bulk tier isn't resident.  Implementations must not
// assume the returned slice stays valid past the current call.
type BulkSource interface {
	BulkData() []byte
}

// BuildDatabase rewrites each standalone clip into its database-resident
// variant and merges the full-quality payloads into one shared bulk blob.
// The returned clips correspond positionally to the inputs.
//
// All clips in one database must share a compression tag: the bulk segment
// is decoded with a single algorithm at runtime.  Mixing tags, passing an
// already-rewritten clip, or passing an invalid clip fails the whole merge.
func BuildDatabase(clips []*Clip, settings DatabaseSettings) (dbClips []*Clip, bulk []byte, err error) {
	if len(clips) == 0 {
		return nil, nil, fmt.Errorf("%w: no clips", ErrMerge)
	}
	if settings.CoreStride == 0 {
		return nil, nil, fmt.Errorf("%w: zero core stride", ErrMerge)
	}

	tag := clips[0].Tag()
	for i, c := range clips {
		if c == nil {
			return nil, nil, fmt.Errorf("%w: clip %d is nil", ErrMerge, i)
		}
		if err := c.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: clip %d (0x%08x): %v", ErrMerge, i, c.IDHash(), err)
		}
		if c.IsDatabaseResident() {
			return nil, nil, fmt.Errorf("%w: clip %d (0x%08x) is already database-resident", ErrMerge, i, c.IDHash())
		}
		if c.Tag() != tag {
			return nil, nil, fmt.Errorf("%w: clip %d (0x%08x) uses %s, database uses %s",
				ErrMerge, i, c.IDHash(), c.Tag(), tag)
		}
	}

	dbClips = make([]*Clip, len(clips))
	for i, c := range clips {
		// the standalone clip's stored payload is already the
		// compressed full-quality sample data; it moves into the bulk
		// segment as-is
		stored := c.raw[ClipHeaderSize:]

		if pad := padTo(len(bulk), bulkAlignment); pad > 0 {
			bulk = append(bulk, make([]byte, pad)...)
		}
		// the tag describing this payload travels with the bulk
		// reference; the rewritten clip's own tag describes the inline
		// tier, which may independently fall back to raw storage
		ref := bulkRef{
			offset:   uint32(len(bulk)),
			length:   c.payloadLen,
			rawLen:   c.payloadRawLen,
			checksum: c.payloadChecksum,
			tag:      c.tag,
		}
		bulk = append(bulk, stored...)

		full, err := c.inlineTracks()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: clip %d (0x%08x): %v", ErrMerge, i, c.IDHash(), err)
		}
		core := full.decimate(settings.CoreStride)

		dbClip, err := assembleClip(c.IDHash(), full, c.Tag(), core.marshal(), settings.CoreStride, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: clip %d (0x%08x): %v", ErrMerge, i, c.IDHash(), err)
		}
		dbClips[i] = dbClip
	}

	return dbClips, bulk, nil
}

// Decompress reconstructs a clip's transform tracks.  For a
// database-resident clip it prefers the full-quality payload from the bulk
// source; when the bulk tier isn't resident (or no source is bound at all)
// it degrades to the inline decimated tier, expanded by sample-and-hold to
// the full sample count.  Tier absence is normal operation, never an error.
func Decompress(c *Clip, bulkSrc BulkSource) (*Tracks, error) {
	if !c.IsDatabaseResident() {
		return c.inlineTracks()
	}

	var bulk []byte
	if bulkSrc != nil {
		bulk = bulkSrc.BulkData()
	}
	if bulk != nil {
		return decompressFromBulk(c, bulk)
	}

	core, err := c.inlineTracks()
	if err != nil {
		return nil, err
	}
	return core.expand(c.coreStride, c.numSamples, c.sampleRate), nil
}

func decompressFromBulk(c *Clip, bulk []byte) (*Tracks, error) {
	end := uint64(c.bulkOffset) + uint64(c.bulkLen)
	if end > uint64(len(bulk)) {
		return nil, fmt.Errorf("clip 0x%08x: bulk range [%d, %d) beyond bulk segment (%d bytes)",
			c.idHash, c.bulkOffset, end, len(bulk))
	}
	stored := bulk[c.bulkOffset:end]
	if checksum := uint32(farm.Hash64(stored)); checksum != c.bulkChecksum {
		return nil, fmt.Errorf("clip 0x%08x: bulk checksum mismatch (0x%08x != 0x%08x): bulk segment corrupted",
			c.idHash, checksum, c.bulkChecksum)
	}

	raw, err := decompressPayload(stored, c.bulkTag, int(c.bulkRawLen))
	if err != nil {
		return nil, fmt.Errorf("clip 0x%08x: bulk payload: %w", c.idHash, err)
	}
	return unmarshalTracks(raw, c.numTracks, c.numSamples, c.sampleRate)
}

func padTo(n, alignment int) int {
	if r := n % alignment; r != 0 {
		return alignment - r
	}
	return 0
}
