// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package curve

import (
	"encoding/binary"
	"fmt"
	"math"
)

// transformSize is the serialized size of one Transform: 10 float32s.
const transformSize = 10 * 4

// Transform is a single bone-space sample: rotation quaternion,
// translation, and non-uniform scale.
type Transform struct {
	Rotation    [4]float32
	Translation [3]float32
	Scale       [3]float32
}

// Identity returns the identity transform (unit quaternion, zero
// translation, unit scale).
func Identity() Transform {
	return Transform{
		Rotation: [4]float32{0, 0, 0, 1},
		Scale:    [3]float32{1, 1, 1},
	}
}

// Tracks holds the uncompressed transform curves for one clip: NumTracks
// bone tracks, each sampled NumSamples times at SampleRate Hz.  Samples are
// stored track-major.
type Tracks struct {
	NumTracks  uint32
	NumSamples uint32
	SampleRate float32
	Samples    []Transform
}

// NewTracks allocates identity-initialized tracks.
func NewTracks(numTracks, numSamples uint32, sampleRate float32) *Tracks {
	samples := make([]Transform, numTracks*numSamples)
	for i := range samples {
		samples[i] = Identity()
	}
	return &Tracks{
		NumTracks:  numTracks,
		NumSamples: numSamples,
		SampleRate: sampleRate,
		Samples:    samples,
	}
}

// At returns the sample for one track at one sample index.
func (t *Tracks) At(track, sample uint32) Transform {
	return t.Samples[track*t.NumSamples+sample]
}

// Set stores the sample for one track at one sample index.
func (t *Tracks) Set(track, sample uint32, v Transform) {
	t.Samples[track*t.NumSamples+sample] = v
}

// Pose returns the transform of every track at one sample index.
func (t *Tracks) Pose(sample uint32) []Transform {
	pose := make([]Transform, t.NumTracks)
	for track := uint32(0); track < t.NumTracks; track++ {
		pose[track] = t.At(track, sample)
	}
	return pose
}

// Duration returns the clip length in seconds.
func (t *Tracks) Duration() float32 {
	if t.SampleRate <= 0 || t.NumSamples == 0 {
		return 0
	}
	return float32(t.NumSamples-1) / t.SampleRate
}

func (t *Tracks) marshal() []byte {
	buf := make([]byte, len(t.Samples)*transformSize)
	off := 0
	for i := range t.Samples {
		s := &t.Samples[i]
		for _, f := range s.Rotation {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
		for _, f := range s.Translation {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
		for _, f := range s.Scale {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	return buf
}

func unmarshalTracks(raw []byte, numTracks, numSamples uint32, sampleRate float32) (*Tracks, error) {
	want := int(numTracks) * int(numSamples) * transformSize
	if len(raw) != want {
		return nil, fmt.Errorf("track payload is %d bytes, expected %d (%d tracks x %d samples)",
			len(raw), want, numTracks, numSamples)
	}

	t := &Tracks{
		NumTracks:  numTracks,
		NumSamples: numSamples,
		SampleRate: sampleRate,
		Samples:    make([]Transform, int(numTracks)*int(numSamples)),
	}
	off := 0
	next := func() float32 {
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		return f
	}
	for i := range t.Samples {
		s := &t.Samples[i]
		for j := range s.Rotation {
			s.Rotation[j] = next()
		}
		for j := range s.Translation {
			s.Translation[j] = next()
		}
		for j := range s.Scale {
			s.Scale[j] = next()
		}
	}
	return t, nil
}

// decimate keeps every stride-th sample of each track (sample indices 0,
// stride, 2*stride, ...).  This is the low-quality tier that stays inline
// in a database-resident clip.
func (t *Tracks) decimate(stride uint32) *Tracks {
	if stride <= 1 || t.NumSamples <= 1 {
		cp := *t
		cp.Samples = append([]Transform(nil), t.Samples...)
		return &cp
	}

	coreSamples := (t.NumSamples + stride - 1) / stride
	out := &Tracks{
		NumTracks:  t.NumTracks,
		NumSamples: coreSamples,
		SampleRate: t.SampleRate / float32(stride),
		Samples:    make([]Transform, int(t.NumTracks)*int(coreSamples)),
	}
	for track := uint32(0); track < t.NumTracks; track++ {
		for i := uint32(0); i < coreSamples; i++ {
			out.Set(track, i, t.At(track, i*stride))
		}
	}
	return out
}

// expand reverses decimate by sample-and-hold: full sample j takes the
// value of decimated sample j/stride.  It cannot recover the dropped
// samples, only approximate them.
func (t *Tracks) expand(stride, fullSamples uint32, fullRate float32) *Tracks {
	if stride <= 1 {
		cp := *t
		cp.Samples = append([]Transform(nil), t.Samples...)
		return &cp
	}

	out := &Tracks{
		NumTracks:  t.NumTracks,
		NumSamples: fullSamples,
		SampleRate: fullRate,
		Samples:    make([]Transform, int(t.NumTracks)*int(fullSamples)),
	}
	for track := uint32(0); track < t.NumTracks; track++ {
		for j := uint32(0); j < fullSamples; j++ {
			i := j / stride
			if i >= t.NumSamples {
				i = t.NumSamples - 1
			}
			out.Set(track, j, t.At(track, i))
		}
	}
	return out
}
