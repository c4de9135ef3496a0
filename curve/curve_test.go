// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package curve

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTracks generates smooth, compressible curves: slowly-varying
// translations with identity rotations and scales, seeded per clip.
func testTracks(t *testing.T, numTracks, numSamples uint32, seed float64) *Tracks {
	t.Helper()

	tracks := NewTracks(numTracks, numSamples, 30)
	for track := uint32(0); track < numTracks; track++ {
		for i := uint32(0); i < numSamples; i++ {
			s := Identity()
			phase := seed + float64(track)*0.1 + float64(i)*0.01
			s.Translation[0] = float32(math.Sin(phase))
			s.Translation[1] = float32(math.Cos(phase))
			s.Translation[2] = float32(phase)
			tracks.Set(track, i, s)
		}
	}
	return tracks
}

func TestCompressRoundTrip(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd, CompressionBG4LZ4} {
		t.Run(tag.String(), func(t *testing.T) {
			tracks := testTracks(t, 4, 64, 1.5)

			clip, err := Compress(0xabc0ffee, tracks, Settings{Tag: tag})
			require.NoError(t, err)
			require.Equal(t, uint32(0xabc0ffee), clip.IDHash())
			require.False(t, clip.IsDatabaseResident())

			reparsed, err := ParseClip(clip.Bytes())
			require.NoError(t, err)

			got, err := Decompress(reparsed, nil)
			require.NoError(t, err)
			require.Equal(t, tracks.NumTracks, got.NumTracks)
			require.Equal(t, tracks.NumSamples, got.NumSamples)
			require.Equal(t, tracks.Samples, got.Samples)
		})
	}
}

func TestParseClipRejectsGarbage(t *testing.T) {
	_, err := ParseClip(nil)
	require.ErrorIs(t, err, ErrInvalidClip)

	_, err = ParseClip(make([]byte, ClipHeaderSize-1))
	require.ErrorIs(t, err, ErrInvalidClip)

	clip, err := Compress(1, testTracks(t, 1, 8, 0), DefaultSettings())
	require.NoError(t, err)

	// bad magic
	corrupted := append([]byte(nil), clip.Bytes()...)
	corrupted[0] ^= 0xff
	_, err = ParseClip(corrupted)
	require.ErrorIs(t, err, ErrInvalidClip)

	// payload corruption caught by checksum
	corrupted = append([]byte(nil), clip.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = ParseClip(corrupted)
	require.ErrorIs(t, err, ErrInvalidClip)
}

func TestDecimateExpand(t *testing.T) {
	tracks := testTracks(t, 2, 10, 0.25)

	core := tracks.decimate(4)
	require.Equal(t, uint32(3), core.NumSamples) // samples 0, 4, 8
	require.Equal(t, tracks.At(0, 4), core.At(0, 1))

	full := core.expand(4, tracks.NumSamples, tracks.SampleRate)
	require.Equal(t, tracks.NumSamples, full.NumSamples)
	// held values: sample 5 takes the value of sample 4
	require.Equal(t, tracks.At(0, 4), full.At(0, 5))
	// exact at the kept samples
	require.Equal(t, tracks.At(1, 8), full.At(1, 8))
}

type memBulk []byte

func (m memBulk) BulkData() []byte { return m }

func TestBuildDatabase(t *testing.T) {
	var clips []*Clip
	var originals []*Tracks
	for i := 0; i < 3; i++ {
		tracks := testTracks(t, 3, 40, float64(i))
		originals = append(originals, tracks)
		clip, err := Compress(uint32(0x100+i), tracks, DefaultSettings())
		require.NoError(t, err)
		clips = append(clips, clip)
	}

	dbClips, bulk, err := BuildDatabase(clips, DefaultDatabaseSettings())
	require.NoError(t, err)
	require.Len(t, dbClips, 3)
	require.NotEmpty(t, bulk)

	for i, dbClip := range dbClips {
		require.Equal(t, clips[i].IDHash(), dbClip.IDHash())
		require.True(t, dbClip.IsDatabaseResident())

		off, _ := dbClip.BulkRange()
		assert.Zero(t, off%bulkAlignment)

		// with the bulk tier resident we get the exact original samples
		full, err := Decompress(dbClip, memBulk(bulk))
		require.NoError(t, err)
		require.Equal(t, originals[i].Samples, full.Samples)

		// without it we get the sample-and-hold approximation
		held, err := Decompress(dbClip, nil)
		require.NoError(t, err)
		require.Equal(t, originals[i].NumSamples, held.NumSamples)
		require.Equal(t, originals[i].At(0, 0), held.At(0, 0))
		require.Equal(t, originals[i].At(0, 4), held.At(0, 5))
	}
}

func TestBuildDatabaseBulkKeepsItsOwnTag(t *testing.T) {
	// kept samples (0 and 4 at stride 4) are random noise, so the
	// decimated inline payload is incompressible and falls back to raw
	// storage; the full payload is heavily repetitive and compresses.
	// The bulk payload must be decoded with the tag it was compressed
	// under, not the inline tier's fallback tag.
	rng := rand.New(rand.NewSource(1))
	randTransform := func() Transform {
		var s Transform
		for i := range s.Rotation {
			s.Rotation[i] = rng.Float32()
		}
		for i := range s.Translation {
			s.Translation[i] = rng.Float32()
		}
		for i := range s.Scale {
			s.Scale[i] = rng.Float32()
		}
		return s
	}

	tracks := NewTracks(1, 8, 30)
	a, b := randTransform(), randTransform()
	for i := uint32(0); i < 8; i++ {
		if i < 4 {
			tracks.Set(0, i, a)
		} else {
			tracks.Set(0, i, b)
		}
	}

	clip, err := Compress(0x1234, tracks, Settings{Tag: CompressionLZ4})
	require.NoError(t, err)
	require.Equal(t, CompressionLZ4, clip.Tag())

	dbClips, bulk, err := BuildDatabase([]*Clip{clip}, DefaultDatabaseSettings())
	require.NoError(t, err)
	require.Equal(t, CompressionNone, dbClips[0].Tag())

	full, err := Decompress(dbClips[0], memBulk(bulk))
	require.NoError(t, err)
	require.Equal(t, tracks.Samples, full.Samples)

	// the tag split survives reserialization
	reparsed, err := ParseClip(dbClips[0].Bytes())
	require.NoError(t, err)
	full, err = Decompress(reparsed, memBulk(bulk))
	require.NoError(t, err)
	require.Equal(t, tracks.Samples, full.Samples)
}

func TestBuildDatabaseRejectsMixedTags(t *testing.T) {
	a, err := Compress(1, testTracks(t, 2, 32, 0.5), Settings{Tag: CompressionLZ4})
	require.NoError(t, err)
	b, err := Compress(2, testTracks(t, 2, 32, 1.5), Settings{Tag: CompressionZstd})
	require.NoError(t, err)
	require.NotEqual(t, a.Tag(), b.Tag())

	_, _, err = BuildDatabase([]*Clip{a, b}, DefaultDatabaseSettings())
	require.ErrorIs(t, err, ErrMerge)
}

func TestBuildDatabaseRejectsRewrittenClip(t *testing.T) {
	clip, err := Compress(1, testTracks(t, 2, 32, 2.5), DefaultSettings())
	require.NoError(t, err)

	dbClips, _, err := BuildDatabase([]*Clip{clip}, DefaultDatabaseSettings())
	require.NoError(t, err)

	_, _, err = BuildDatabase(dbClips, DefaultDatabaseSettings())
	require.ErrorIs(t, err, ErrMerge)
}

func TestBuildDatabaseEmpty(t *testing.T) {
	_, _, err := BuildDatabase(nil, DefaultDatabaseSettings())
	require.ErrorIs(t, err, ErrMerge)
}

func TestDecompressBulkCorruption(t *testing.T) {
	clip, err := Compress(7, testTracks(t, 2, 32, 3.5), DefaultSettings())
	require.NoError(t, err)

	dbClips, bulk, err := BuildDatabase([]*Clip{clip}, DefaultDatabaseSettings())
	require.NoError(t, err)

	bulk[0] ^= 0xff
	_, err = Decompress(dbClips[0], memBulk(bulk))
	require.Error(t, err)

	// truncated bulk is a bounds error, not a panic
	_, err = Decompress(dbClips[0], memBulk(bulk[:4]))
	require.Error(t, err)
}
