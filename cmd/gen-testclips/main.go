// Copyright 2024 The animdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// gen-testclips writes synthetic compressed clips for exercising the
// database pipeline:
//
//	gen-testclips -n 100 -o testdata/
//	animdbctl build -o anims.adb testdata/*.aclc
package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bpowers/animdb"
	"github.com/bpowers/animdb/curve"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

// synthTracks makes plausible-looking pose data: smooth sinusoid
// translations with per-track phase, unit rotations and scales.  Smooth
// curves compress like real captured animation does.
func synthTracks(rng *rand.Rand, numTracks, numSamples uint32, sampleRate float32) *curve.Tracks {
	tracks := curve.NewTracks(numTracks, numSamples, sampleRate)
	for track := uint32(0); track < numTracks; track++ {
		phase := rng.Float64() * 2 * math.Pi
		freq := 0.5 + rng.Float64()*2
		for sample := uint32(0); sample < numSamples; sample++ {
			t := float64(sample) / float64(sampleRate)
			xf := curve.Identity()
			xf.Translation[0] = float32(math.Sin(phase + freq*t))
			xf.Translation[1] = float32(math.Cos(phase + freq*t))
			xf.Translation[2] = float32(track) * 0.1
			tracks.Set(track, sample, xf)
		}
	}
	return tracks
}

func main() {
	var (
		count      int
		numTracks  uint32
		minSamples uint32
		maxSamples uint32
		outDir     string
	)

	flags := pflag.NewFlagSet("gen-testclips", pflag.ContinueOnError)
	flags.IntVarP(&count, "count", "n", 16, "number of clips to generate")
	flags.Uint32Var(&numTracks, "tracks", 64, "transform tracks per clip")
	flags.Uint32Var(&minSamples, "min-samples", 30, "minimum samples per clip")
	flags.Uint32Var(&maxSamples, "max-samples", 300, "maximum samples per clip")
	flags.StringVarP(&outDir, "output", "o", ".", "directory to write clips into")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	rng := newRand()
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("clip_%04d", i)
		samples := minSamples + uint32(rng.Intn(int(maxSamples-minSamples)+1))
		tracks := synthTracks(rng, numTracks, samples, 30)

		id := animdb.ClipIDFromName(name)
		clip, err := curve.Compress(uint32(id), tracks, curve.DefaultSettings())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", name, err)
			os.Exit(1)
		}

		path := filepath.Join(outDir, name+".aclc")
		if err := os.WriteFile(path, clip.Bytes(), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s  0x%08x  %d samples  %d bytes\n", path, uint32(id), samples, clip.Size())
	}
}
