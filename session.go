// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package animdb

import (
	"github.com/bpowers/animdb/curve"
)

// Decompress reconstructs the transform tracks of the clip registered
// under id.  Full quality when the bulk tier is resident, sample-and-hold
// from the inline tier otherwise.  Safe for concurrent readers.
func (db *Database) Decompress(id ClipID) (*curve.Tracks, error) {
	clip, err := db.FindClip(id)
	if err != nil {
		return nil, err
	}
	return curve.Decompress(clip, db.ctx)
}

// DecompressClip reconstructs transform tracks from a standalone
// serialized clip, resolving its bulk tier through db.  db may be nil for
// clips that were never merged into a database.
//
// A database-resident clip whose id is missing from db's mapping is a
// stale reference (the clip outlived the database build it was merged
// into).  That degrades to clip-only decompression with a warning rather
// than failing: the inline tier is always self-sufficient.
func DecompressClip(clipBytes []byte, db *Database) (*curve.Tracks, error) {
	clip, err := curve.ParseClip(clipBytes)
	if err != nil {
		return nil, err
	}
	if !clip.IsDatabaseResident() || db == nil {
		return curve.Decompress(clip, nil)
	}

	if !db.Contains(ClipID(clip.IDHash())) {
		db.logger.Warn("clip not found in database mapping, falling back to clip-only decompression",
			"clip", clip.IDHash(), "path", db.path)
		return curve.Decompress(clip, nil)
	}
	return curve.Decompress(clip, db.ctx)
}
